package activity

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrInvalidPayload marks an event payload that violates its type's shape.
	ErrInvalidPayload = errors.New("activity: invalid payload")

	errMissingDatabase = errors.New("database handle is required")
	errMissingEnricher = errors.New("enricher is required")
)

// ServiceError carries an "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNewRecorder = "activity.recorder.new"
	opRecord      = "activity.record"
	opPublish     = "activity.publish"
	opNewEnricher = "activity.enricher.new"
	opEnrich      = "activity.enrich"
	opNewFeed     = "activity.feed.new"
	opFeedList    = "activity.feed.list"
	opIDsAfter    = "activity.feed.ids_after"

	reasonMissingDatabase = "missing_database"
	reasonMissingEnricher = "missing_enricher"
	reasonInvalidPayload  = "invalid_payload"
	reasonInsertFailed    = "insert_failed"
	reasonEncodeFailed    = "encode_failed"
	reasonPublishFailed   = "publish_failed"
	reasonQueryFailed     = "query_failed"
	reasonCountFailed     = "count_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func logServiceError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("activity service error", attrs...)
}
