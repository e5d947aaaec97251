package realtime

import (
	"context"
	"sync"
)

const defaultHubBuffer = 64

// Hub fans notifications out to in-process subscribers. A subscriber whose
// buffer is full misses the message; streaming clients recover it through
// backlog replay on reconnect.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*hubSubscription
	nextID      int64
	bufferSize  int
	closed      bool
}

type hubSubscription struct {
	hub     *Hub
	id      int64
	channel string
	stream  chan Notification
	once    sync.Once
}

func NewHub() *Hub {
	return NewHubWithBuffer(defaultHubBuffer)
}

func NewHubWithBuffer(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultHubBuffer
	}
	return &Hub{
		subscribers: make(map[string]map[int64]*hubSubscription),
		bufferSize:  bufferSize,
	}
}

func (h *Hub) Subscribe(_ context.Context, channel string) (Subscription, error) {
	if channel == "" {
		return nil, ErrMissingChannel
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.nextID++
	subscription := &hubSubscription{
		hub:     h,
		id:      h.nextID,
		channel: channel,
		stream:  make(chan Notification, h.bufferSize),
	}
	if _, ok := h.subscribers[channel]; !ok {
		h.subscribers[channel] = make(map[int64]*hubSubscription)
	}
	h.subscribers[channel][subscription.id] = subscription
	return subscription, nil
}

func (h *Hub) Publish(_ context.Context, channel string, payload []byte) error {
	if channel == "" {
		return ErrMissingChannel
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	message := Notification{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, subscription := range h.subscribers[channel] {
		select {
		case subscription.stream <- message:
		default:
		}
	}
	return nil
}

// SubscriberCount reports the live subscriptions on channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel])
}

// Close detaches every subscriber and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for channel, subscriptions := range h.subscribers {
		for _, subscription := range subscriptions {
			subscription.once.Do(func() { close(subscription.stream) })
		}
		delete(h.subscribers, channel)
	}
}

func (h *Hub) remove(subscription *hubSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscriptions := h.subscribers[subscription.channel]
	if subscriptions == nil {
		return
	}
	delete(subscriptions, subscription.id)
	if len(subscriptions) == 0 {
		delete(h.subscribers, subscription.channel)
	}
}

func (s *hubSubscription) Notifications() <-chan Notification {
	return s.stream
}

func (s *hubSubscription) Unsubscribe(context.Context) error {
	s.hub.remove(s)
	return nil
}

func (s *hubSubscription) Release() error {
	s.hub.remove(s)
	s.hub.mu.Lock()
	s.once.Do(func() { close(s.stream) })
	s.hub.mu.Unlock()
	return nil
}
