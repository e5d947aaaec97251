// Package stream drives one real-time feed connection: backlog replay from a
// cursor followed by live push of newly recorded events.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/relations/internal/activity"
	"github.com/MarcoPoloResearchLab/relations/internal/realtime"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultBacklogLimit = 100
	DefaultKeepalive    = 15 * time.Second
)

var (
	errMissingSource     = errors.New("stream: event source is required")
	errMissingSubscriber = errors.New("stream: subscriber is required")
)

// State is the lifecycle stage of a connection.
type State int

const (
	StateConnecting State = iota
	StateReplaying
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReplaying:
		return "replaying"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink is the client side of a connection.
type Sink interface {
	Send(event activity.EnrichedEvent) error
	Keepalive() error
	Close() error
}

// EventSource reads the activity log.
type EventSource interface {
	IDsAfter(ctx context.Context, since int64, limit int) ([]int64, error)
	Enrich(ctx context.Context, ids []int64) ([]activity.EnrichedEvent, error)
}

type Config struct {
	Source       EventSource
	Subscriber   realtime.Subscriber
	Channel      string
	BacklogLimit int
	Keepalive    time.Duration
	Logger       *zap.Logger
	// OnStateChange observes lifecycle transitions; optional.
	OnStateChange func(connectionID string, state State)
}

// Gateway serves streaming connections. Each connection owns its own
// subscription and cursor.
type Gateway struct {
	source        EventSource
	subscriber    realtime.Subscriber
	channel       string
	backlogLimit  int
	keepalive     time.Duration
	logger        *zap.Logger
	onStateChange func(string, State)
	active        atomic.Int64
}

func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Subscriber == nil {
		return nil, errMissingSubscriber
	}
	channel := cfg.Channel
	if channel == "" {
		channel = activity.DefaultChannel
	}
	backlogLimit := cfg.BacklogLimit
	if backlogLimit <= 0 {
		backlogLimit = DefaultBacklogLimit
	}
	keepalive := cfg.Keepalive
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		source:        cfg.Source,
		subscriber:    cfg.Subscriber,
		channel:       channel,
		backlogLimit:  backlogLimit,
		keepalive:     keepalive,
		logger:        logger,
		onStateChange: cfg.OnStateChange,
	}, nil
}

// ActiveConnections reports connections that have not reached StateClosed.
func (g *Gateway) ActiveConnections() int64 {
	return g.active.Load()
}

type connection struct {
	gateway *Gateway
	id      string
	sink    Sink
	lastID  int64
	logger  *zap.Logger
}

// Serve runs one connection until ctx is cancelled or the sink fails. Events
// with ids greater than since are replayed before live delivery starts; the
// subscription is taken first so nothing recorded during replay is lost.
func (g *Gateway) Serve(ctx context.Context, sink Sink, since int64) error {
	if since < 0 {
		since = 0
	}
	conn := &connection{
		gateway: g,
		id:      uuid.NewString(),
		sink:    sink,
		lastID:  since,
	}
	conn.logger = g.logger.With(zap.String("connection_id", conn.id))
	g.active.Add(1)
	conn.transition(StateConnecting)

	subscription, err := g.subscriber.Subscribe(ctx, g.channel)
	if err != nil {
		conn.logger.Error("stream subscribe failed", zap.String("channel", g.channel), zap.Error(err))
		conn.close(nil, nil)
		return err
	}
	ticker := time.NewTicker(g.keepalive)
	defer conn.close(subscription, ticker)

	conn.transition(StateReplaying)
	if err := conn.replay(ctx); err != nil {
		return nil
	}

	conn.transition(StateLive)
	notifications := subscription.Notifications()
	for {
		select {
		case <-ctx.Done():
			return nil
		case notification, ok := <-notifications:
			if !ok {
				conn.logger.Warn("stream subscription ended", zap.Int64("last_id", conn.lastID))
				return nil
			}
			if err := conn.deliver(ctx, notification); err != nil {
				return nil
			}
		case <-ticker.C:
			if err := sink.Keepalive(); err != nil {
				conn.logger.Debug("stream keepalive failed", zap.Error(err))
				return nil
			}
		}
	}
}

// replay pushes the backlog in ascending order. Only sink failures are
// returned; a storage failure is logged and the connection goes live.
func (c *connection) replay(ctx context.Context) error {
	ids, err := c.gateway.source.IDsAfter(ctx, c.lastID, c.gateway.backlogLimit)
	if err != nil {
		c.logger.Warn("stream backlog replay failed", zap.Int64("since", c.lastID), zap.Error(err))
		return nil
	}
	if len(ids) == 0 {
		return nil
	}
	events, err := c.gateway.source.Enrich(ctx, ids)
	if err != nil {
		c.logger.Warn("stream backlog replay failed", zap.Int64("since", c.lastID), zap.Error(err))
		return nil
	}
	for _, event := range events {
		if err := c.sink.Send(event); err != nil {
			c.logger.Debug("stream send failed", zap.Int64("event_id", event.ID), zap.Error(err))
			return err
		}
		c.lastID = event.ID
	}
	c.logger.Debug("stream backlog replayed", zap.Int("count", len(events)), zap.Int64("last_id", c.lastID))
	return nil
}

type notificationBody struct {
	ID int64 `json:"id"`
}

// deliver pushes one live notification. Ids at or below the cursor were
// already sent during replay and are dropped.
func (c *connection) deliver(ctx context.Context, notification realtime.Notification) error {
	var body notificationBody
	if err := json.Unmarshal(notification.Payload, &body); err != nil || body.ID <= 0 {
		c.logger.Warn("stream notification ignored", zap.ByteString("payload", notification.Payload), zap.Error(err))
		return nil
	}
	if body.ID <= c.lastID {
		return nil
	}
	events, err := c.gateway.source.Enrich(ctx, []int64{body.ID})
	if err != nil {
		c.logger.Warn("stream enrich failed", zap.Int64("event_id", body.ID), zap.Error(err))
		return nil
	}
	for _, event := range events {
		if err := c.sink.Send(event); err != nil {
			c.logger.Debug("stream send failed", zap.Int64("event_id", event.ID), zap.Error(err))
			return err
		}
		c.lastID = event.ID
	}
	return nil
}

// close releases the connection's resources in order: unsubscribe, release
// the listener, stop the keepalive ticker, close the sink. Each step runs
// even when an earlier one fails.
func (c *connection) close(subscription realtime.Subscription, ticker *time.Ticker) {
	if subscription != nil {
		unsubscribeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := subscription.Unsubscribe(unsubscribeCtx); err != nil {
			c.logger.Warn("stream unsubscribe failed", zap.Error(err))
		}
		cancel()
		if err := subscription.Release(); err != nil {
			c.logger.Warn("stream listener release failed", zap.Error(err))
		}
	}
	if ticker != nil {
		ticker.Stop()
	}
	if err := c.sink.Close(); err != nil {
		c.logger.Debug("stream sink close failed", zap.Error(err))
	}
	c.transition(StateClosed)
	c.gateway.active.Add(-1)
}

func (c *connection) transition(state State) {
	c.logger.Debug("stream state changed", zap.String("state", state.String()), zap.Int64("last_id", c.lastID))
	if c.gateway.onStateChange != nil {
		c.gateway.onStateChange(c.id, state)
	}
}
