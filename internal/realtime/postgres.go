package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	defaultListenBuffer = 64
	releaseTimeout      = 5 * time.Second
)

// PostgresPublisher sends notifications with pg_notify over a pooled connection.
type PostgresPublisher struct {
	pool *pgxpool.Pool
}

func NewPostgresPublisher(ctx context.Context, dsn string) (*PostgresPublisher, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("realtime: postgres dsn required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("realtime: open publisher pool: %w", err)
	}
	return &PostgresPublisher{pool: pool}, nil
}

func (p *PostgresPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == "" {
		return ErrMissingChannel
	}
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("realtime: pg_notify: %w", err)
	}
	return nil
}

func (p *PostgresPublisher) Close() {
	p.pool.Close()
}

// PostgresSubscriber opens one dedicated connection per subscription, since a
// LISTEN is bound to the session that issued it.
type PostgresSubscriber struct {
	config     *pgx.ConnConfig
	bufferSize int
	logger     *zap.Logger
}

func NewPostgresSubscriber(dsn string, logger *zap.Logger) (*PostgresSubscriber, error) {
	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse listener dsn: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresSubscriber{config: config, bufferSize: defaultListenBuffer, logger: logger}, nil
}

func (s *PostgresSubscriber) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if channel == "" {
		return nil, ErrMissingChannel
	}
	conn, err := pgx.ConnectConfig(ctx, s.config)
	if err != nil {
		return nil, fmt.Errorf("realtime: connect listener: %w", err)
	}
	identifier := pgx.Identifier{channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+identifier); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		_ = conn.Close(closeCtx)
		return nil, fmt.Errorf("realtime: listen %s: %w", channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	subscription := &postgresSubscription{
		conn:       conn,
		channel:    channel,
		identifier: identifier,
		stream:     make(chan Notification, s.bufferSize),
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     s.logger,
	}
	go subscription.run(loopCtx)
	return subscription, nil
}

type postgresSubscription struct {
	conn       *pgx.Conn
	channel    string
	identifier string
	stream     chan Notification
	cancel     context.CancelFunc
	done       chan struct{}
	logger     *zap.Logger

	stopOnce     sync.Once
	unlistenOnce sync.Once
	releaseOnce  sync.Once
}

func (s *postgresSubscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.stream)
	for {
		notification, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("postgres listener stopped", zap.String("channel", s.channel), zap.Error(err))
			}
			return
		}
		message := Notification{Channel: notification.Channel, Payload: []byte(notification.Payload)}
		select {
		case s.stream <- message:
		default:
			s.logger.Debug("postgres listener dropped notification", zap.String("channel", s.channel))
		}
	}
}

func (s *postgresSubscription) Notifications() <-chan Notification {
	return s.stream
}

func (s *postgresSubscription) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *postgresSubscription) Unsubscribe(ctx context.Context) error {
	s.stop()
	var err error
	s.unlistenOnce.Do(func() {
		if s.conn.IsClosed() {
			return
		}
		if _, execErr := s.conn.Exec(ctx, "UNLISTEN "+s.identifier); execErr != nil {
			err = fmt.Errorf("realtime: unlisten %s: %w", s.channel, execErr)
		}
	})
	return err
}

func (s *postgresSubscription) Release() error {
	s.stop()
	var err error
	s.releaseOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		err = s.conn.Close(ctx)
	})
	return err
}
