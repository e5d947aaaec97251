package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHubPublishesToEverySubscriber(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	first, err := hub.Subscribe(ctx, "activity_events")
	require.NoError(t, err)
	second, err := hub.Subscribe(ctx, "activity_events")
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, "activity_events", []byte(`{"id":1}`)))

	for _, subscription := range []Subscription{first, second} {
		select {
		case message := <-subscription.Notifications():
			require.Equal(t, "activity_events", message.Channel)
			require.JSONEq(t, `{"id":1}`, string(message.Payload))
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected notification within deadline")
		}
	}
}

func TestHubIsolatesChannels(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	subscription, err := hub.Subscribe(ctx, "activity_events")
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, "other", []byte("x")))

	select {
	case <-subscription.Notifications():
		t.Fatal("did not expect notification from another channel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHubWithBuffer(1)
	ctx := context.Background()

	subscription, err := hub.Subscribe(ctx, "activity_events")
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, "activity_events", []byte("1")))
	require.NoError(t, hub.Publish(ctx, "activity_events", []byte("2")))

	message := <-subscription.Notifications()
	require.Equal(t, "1", string(message.Payload))
	select {
	case extra := <-subscription.Notifications():
		t.Fatalf("expected overflow to be dropped, got %q", extra.Payload)
	default:
	}
}

func TestHubUnsubscribeAndReleaseAreIdempotent(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	subscription, err := hub.Subscribe(ctx, "activity_events")
	require.NoError(t, err)
	require.Equal(t, 1, hub.SubscriberCount("activity_events"))

	require.NoError(t, subscription.Unsubscribe(ctx))
	require.NoError(t, subscription.Unsubscribe(ctx))
	require.Equal(t, 0, hub.SubscriberCount("activity_events"))
	require.NoError(t, hub.Publish(ctx, "activity_events", []byte("late")))

	require.NoError(t, subscription.Release())
	require.NoError(t, subscription.Release())
	_, open := <-subscription.Notifications()
	require.False(t, open)
}

func TestHubCloseRejectsFurtherUse(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	subscription, err := hub.Subscribe(ctx, "activity_events")
	require.NoError(t, err)

	hub.Close()

	_, open := <-subscription.Notifications()
	require.False(t, open)
	require.NoError(t, subscription.Release())
	_, err = hub.Subscribe(ctx, "activity_events")
	require.ErrorIs(t, err, ErrHubClosed)
	require.ErrorIs(t, hub.Publish(ctx, "activity_events", nil), ErrHubClosed)
}
