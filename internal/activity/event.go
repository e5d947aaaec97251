// Package activity records, enriches and queries the append-only activity event log.
package activity

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/relations/internal/crm"
)

// EventType tags an activity event.
type EventType string

const (
	EventTypeCommentCreated    EventType = "comment_created"
	EventTypeLeadCreated       EventType = "lead_created"
	EventTypeLeadStatusChanged EventType = "lead_status_changed"
	EventTypeEmailReceived     EventType = "email_received"
)

var knownEventTypes = []EventType{
	EventTypeCommentCreated,
	EventTypeLeadCreated,
	EventTypeLeadStatusChanged,
	EventTypeEmailReceived,
}

// KnownEventTypes lists every event type in a stable order.
func KnownEventTypes() []EventType {
	return append([]EventType(nil), knownEventTypes...)
}

// ParseEventType reports whether raw names a known event type.
func ParseEventType(raw string) (EventType, bool) {
	candidate := EventType(strings.TrimSpace(raw))
	for _, known := range knownEventTypes {
		if candidate == known {
			return known, true
		}
	}
	return "", false
}

// Event is one row of the activity log. Rows are never updated or deleted and
// the id is the only ordering key clients rely on.
type Event struct {
	ID          int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	EventType   EventType       `gorm:"column:event_type;size:64;not null;index" json:"eventType"`
	CreatedAt   time.Time       `gorm:"column:created_at;not null;index" json:"createdAt"`
	ActorUserID *int64          `gorm:"column:actor_user_id;index" json:"actorUserId"`
	CompanyID   *int64          `gorm:"column:company_id;index" json:"companyId"`
	ContactID   *int64          `gorm:"column:contact_id;index" json:"contactId"`
	LeadID      *int64          `gorm:"column:lead_id" json:"leadId"`
	CommentID   *int64          `gorm:"column:comment_id" json:"commentId"`
	EmailID     *int64          `gorm:"column:email_id" json:"emailId"`
	OldStatus   *crm.LeadStatus `gorm:"column:old_status;size:32" json:"oldStatus"`
	NewStatus   *crm.LeadStatus `gorm:"column:new_status;size:32" json:"newStatus"`
}

// TableName exposes the table backing activity events.
func (Event) TableName() string {
	return "activity_events"
}

func int64Ptr(value int64) *int64 {
	return &value
}

func optionalID(value int64) *int64 {
	if value <= 0 {
		return nil
	}
	return &value
}

func derefID(value *int64) int64 {
	if value == nil {
		return 0
	}
	return *value
}
