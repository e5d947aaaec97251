package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/relations/internal/activity"
	"github.com/MarcoPoloResearchLab/relations/internal/realtime"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeSource struct {
	mu        sync.Mutex
	events    map[int64]activity.EnrichedEvent
	idsErr    error
	enrichErr error
}

func newFakeSource(ids ...int64) *fakeSource {
	source := &fakeSource{events: map[int64]activity.EnrichedEvent{}}
	for _, id := range ids {
		source.add(id)
	}
	return source
}

func (s *fakeSource) add(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id] = activity.EnrichedEvent{ID: id, EventType: activity.EventTypeLeadCreated}
}

func (s *fakeSource) IDsAfter(_ context.Context, since int64, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idsErr != nil {
		return nil, s.idsErr
	}
	var ids []int64
	for id := range s.events {
		if id > since {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *fakeSource) Enrich(_ context.Context, ids []int64) ([]activity.EnrichedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enrichErr != nil {
		return nil, s.enrichErr
	}
	events := make([]activity.EnrichedEvent, 0, len(ids))
	for _, id := range ids {
		if event, ok := s.events[id]; ok {
			events = append(events, event)
		}
	}
	return events, nil
}

type fakeSubscription struct {
	stream chan realtime.Notification
	log    *callLog
}

func (s *fakeSubscription) Notifications() <-chan realtime.Notification { return s.stream }

func (s *fakeSubscription) Unsubscribe(context.Context) error {
	s.log.add("unsubscribe")
	return errors.New("already gone")
}

func (s *fakeSubscription) Release() error {
	s.log.add("release")
	return nil
}

func (s *fakeSubscription) notify(id int64) {
	s.stream <- realtime.Notification{Channel: activity.DefaultChannel, Payload: []byte(fmt.Sprintf(`{"id":%d,"eventType":"lead_created"}`, id))}
}

type fakeSubscriber struct {
	subscription *fakeSubscription
	err          error
}

func (s *fakeSubscriber) Subscribe(context.Context, string) (realtime.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.subscription, nil
}

type fakeSink struct {
	log        *callLog
	sent       chan int64
	keepalives chan struct{}
	failSend   bool
}

func newFakeSink(log *callLog) *fakeSink {
	return &fakeSink{log: log, sent: make(chan int64, 256), keepalives: make(chan struct{}, 16)}
}

func (s *fakeSink) Send(event activity.EnrichedEvent) error {
	if s.failSend {
		return errors.New("client went away")
	}
	s.sent <- event.ID
	return nil
}

func (s *fakeSink) Keepalive() error {
	select {
	case s.keepalives <- struct{}{}:
	default:
	}
	return nil
}

func (s *fakeSink) Close() error {
	s.log.add("sink.close")
	return nil
}

type harness struct {
	log          *callLog
	source       *fakeSource
	subscription *fakeSubscription
	subscriber   *fakeSubscriber
	sink         *fakeSink
	states       chan State
}

func newHarness(source *fakeSource) *harness {
	log := &callLog{}
	subscription := &fakeSubscription{stream: make(chan realtime.Notification, 16), log: log}
	return &harness{
		log:          log,
		source:       source,
		subscription: subscription,
		subscriber:   &fakeSubscriber{subscription: subscription},
		sink:         newFakeSink(log),
		states:       make(chan State, 16),
	}
}

func (h *harness) gateway(t *testing.T, logger *zap.Logger, backlog int, keepalive time.Duration) *Gateway {
	t.Helper()
	gateway, err := NewGateway(Config{
		Source:       h.source,
		Subscriber:   h.subscriber,
		BacklogLimit: backlog,
		Keepalive:    keepalive,
		Logger:       logger,
		OnStateChange: func(_ string, state State) {
			h.states <- state
		},
	})
	require.NoError(t, err)
	return gateway
}

func (h *harness) serve(ctx context.Context, gateway *Gateway, since int64) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- gateway.Serve(ctx, h.sink, since)
	}()
	return done
}

func awaitState(t *testing.T, states <-chan State, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-states:
			if state == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func receiveIDs(t *testing.T, sent <-chan int64, count int) []int64 {
	t.Helper()
	ids := make([]int64, 0, count)
	deadline := time.After(2 * time.Second)
	for len(ids) < count {
		select {
		case id := <-sent:
			ids = append(ids, id)
		case <-deadline:
			t.Fatalf("timed out after receiving %v", ids)
		}
	}
	return ids
}

func TestServeReplaysBacklogThenStreamsLiveWithoutDuplicates(t *testing.T) {
	h := newHarness(newFakeSource(1, 2, 3, 4, 5))
	gateway := h.gateway(t, zap.NewNop(), 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := h.serve(ctx, gateway, 2)

	require.Equal(t, []int64{3, 4, 5}, receiveIDs(t, h.sink.sent, 3))
	awaitState(t, h.states, StateLive)

	h.source.add(6)
	h.subscription.notify(4)
	h.subscription.notify(6)
	h.subscription.notify(6)
	require.Equal(t, []int64{6}, receiveIDs(t, h.sink.sent, 1))

	cancel()
	require.NoError(t, <-done)
	select {
	case extra := <-h.sink.sent:
		t.Fatalf("unexpected duplicate delivery of %d", extra)
	default:
	}
	require.Equal(t, []string{"unsubscribe", "release", "sink.close"}, h.log.snapshot())
	require.Zero(t, gateway.ActiveConnections())
}

func TestServeCapsBacklog(t *testing.T) {
	h := newHarness(newFakeSource(1, 2, 3, 4, 5))
	gateway := h.gateway(t, zap.NewNop(), 2, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := h.serve(ctx, gateway, 0)

	require.Equal(t, []int64{1, 2}, receiveIDs(t, h.sink.sent, 2))
	awaitState(t, h.states, StateLive)

	// A later notification still advances the stream past the cap.
	h.subscription.notify(5)
	require.Equal(t, []int64{5}, receiveIDs(t, h.sink.sent, 1))
	cancel()
	<-done
}

func TestServeContinuesLiveWhenReplayFails(t *testing.T) {
	source := newFakeSource(1)
	source.idsErr = errors.New("database unavailable")
	h := newHarness(source)
	core, logs := observer.New(zapcore.DebugLevel)
	gateway := h.gateway(t, zap.New(core), 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := h.serve(ctx, gateway, 0)

	awaitState(t, h.states, StateLive)
	require.Len(t, logs.FilterMessage("stream backlog replay failed").All(), 1)

	h.subscription.notify(1)
	require.Equal(t, []int64{1}, receiveIDs(t, h.sink.sent, 1))
	cancel()
	<-done
}

func TestServeEndsWhenSubscribeFails(t *testing.T) {
	h := newHarness(newFakeSource())
	h.subscriber.err = errors.New("too many connections")
	gateway := h.gateway(t, zap.NewNop(), 100, time.Hour)

	err := gateway.Serve(context.Background(), h.sink, 0)
	require.Error(t, err)
	require.Equal(t, []string{"sink.close"}, h.log.snapshot())
	awaitState(t, h.states, StateClosed)
	require.Zero(t, gateway.ActiveConnections())
}

func TestServeSendsKeepalives(t *testing.T) {
	h := newHarness(newFakeSource())
	gateway := h.gateway(t, zap.NewNop(), 100, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := h.serve(ctx, gateway, 0)

	select {
	case <-h.sink.keepalives:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a keepalive")
	}
	cancel()
	<-done
}

func TestServeStopsWhenSinkFails(t *testing.T) {
	h := newHarness(newFakeSource(1, 2))
	h.sink.failSend = true
	gateway := h.gateway(t, zap.NewNop(), 100, time.Hour)

	select {
	case err := <-h.serve(context.Background(), gateway, 0):
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected connection to end after send failure")
	}
	require.Equal(t, []string{"unsubscribe", "release", "sink.close"}, h.log.snapshot())
}

func TestNewGatewayRequiresDependencies(t *testing.T) {
	_, err := NewGateway(Config{Subscriber: &fakeSubscriber{}})
	require.Error(t, err)
	_, err = NewGateway(Config{Source: newFakeSource()})
	require.Error(t, err)
}
