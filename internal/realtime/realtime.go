// Package realtime carries event notifications between the recorder and
// streaming connections, in process or over Postgres LISTEN/NOTIFY.
package realtime

import (
	"context"
	"errors"
)

var (
	ErrHubClosed      = errors.New("realtime: hub closed")
	ErrMissingChannel = errors.New("realtime: channel required")
)

// Notification is one message received on a channel.
type Notification struct {
	Channel string
	Payload []byte
}

type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is one listener's private view of a channel.
// Unsubscribe stops delivery; Release frees the underlying resource. Both are
// safe to call more than once.
type Subscription interface {
	Notifications() <-chan Notification
	Unsubscribe(ctx context.Context) error
	Release() error
}
