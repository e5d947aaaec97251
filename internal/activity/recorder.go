package activity

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultChannel is the notification channel every event is published on.
const DefaultChannel = "activity_events"

// Publisher delivers a payload to every current listener of a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type RecorderConfig struct {
	Database  *gorm.DB
	Publisher Publisher
	Channel   string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Recorder is the only writer of the activity log.
type Recorder struct {
	db        *gorm.DB
	publisher Publisher
	channel   string
	clock     func() time.Time
	logger    *zap.Logger
}

func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNewRecorder, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		db:        cfg.Database,
		publisher: cfg.Publisher,
		channel:   channel,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Record inserts the event and then notifies listeners. Notification failure
// never fails the call: the row is durable and reconnecting clients replay it.
func (r *Recorder) Record(ctx context.Context, payload Payload) (Event, error) {
	event, err := r.Insert(ctx, r.db, payload)
	if err != nil {
		return Event{}, err
	}
	r.Publish(ctx, event)
	return event, nil
}

// Insert writes the event row using tx, which may be a transaction shared with
// the entity write. Callers must invoke Publish once tx has committed.
func (r *Recorder) Insert(ctx context.Context, tx *gorm.DB, payload Payload) (Event, error) {
	if payload == nil {
		return Event{}, newServiceError(opRecord, reasonInvalidPayload, ErrInvalidPayload)
	}
	if err := payload.validate(); err != nil {
		return Event{}, newServiceError(opRecord, reasonInvalidPayload, err)
	}
	event := Event{
		EventType: payload.Type(),
		CreatedAt: r.clock().UTC(),
	}
	payload.apply(&event)

	if err := tx.WithContext(ctx).Create(&event).Error; err != nil {
		logServiceError(r.logger, opRecord, reasonInsertFailed, err, zap.String("event_type", string(event.EventType)))
		return Event{}, newServiceError(opRecord, reasonInsertFailed, err)
	}
	return event, nil
}

// Publish announces a stored event on the notification channel.
func (r *Recorder) Publish(ctx context.Context, event Event) {
	if r.publisher == nil {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		r.logger.Warn("activity event publish failed",
			zap.String("operation", opPublish),
			zap.String("reason", reasonEncodeFailed),
			zap.Int64("event_id", event.ID),
			zap.Error(err))
		return
	}
	if err := r.publisher.Publish(ctx, r.channel, body); err != nil {
		r.logger.Warn("activity event publish failed",
			zap.String("operation", opPublish),
			zap.String("reason", reasonPublishFailed),
			zap.Int64("event_id", event.ID),
			zap.String("channel", r.channel),
			zap.Error(err))
	}
}
