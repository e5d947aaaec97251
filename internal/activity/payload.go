package activity

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/relations/internal/crm"
)

// Payload is the typed body of an event. Each variant carries exactly the
// references its event type allows, so an ill-formed row cannot be built.
type Payload interface {
	Type() EventType
	validate() error
	apply(event *Event)
}

// CommentCreated records a comment on a company, contact or lead.
type CommentCreated struct {
	CommentID   int64
	ActorUserID int64
	CompanyID   int64
	ContactID   int64
	LeadID      int64
}

func (CommentCreated) Type() EventType { return EventTypeCommentCreated }

func (p CommentCreated) validate() error {
	if p.CommentID <= 0 {
		return fmt.Errorf("%w: comment id required", ErrInvalidPayload)
	}
	if p.ActorUserID <= 0 {
		return fmt.Errorf("%w: actor required", ErrInvalidPayload)
	}
	return nil
}

func (p CommentCreated) apply(event *Event) {
	event.CommentID = int64Ptr(p.CommentID)
	event.ActorUserID = int64Ptr(p.ActorUserID)
	event.CompanyID = optionalID(p.CompanyID)
	event.ContactID = optionalID(p.ContactID)
	event.LeadID = optionalID(p.LeadID)
}

// LeadCreated records a new lead against a company.
type LeadCreated struct {
	LeadID      int64
	ActorUserID int64
	CompanyID   int64
	ContactID   int64
}

func (LeadCreated) Type() EventType { return EventTypeLeadCreated }

func (p LeadCreated) validate() error {
	return validateLeadRefs(p.LeadID, p.ActorUserID, p.CompanyID)
}

func (p LeadCreated) apply(event *Event) {
	event.LeadID = int64Ptr(p.LeadID)
	event.ActorUserID = int64Ptr(p.ActorUserID)
	event.CompanyID = int64Ptr(p.CompanyID)
	event.ContactID = optionalID(p.ContactID)
}

// LeadStatusChanged records a lead moving between pipeline stages.
type LeadStatusChanged struct {
	LeadID      int64
	ActorUserID int64
	CompanyID   int64
	ContactID   int64
	OldStatus   crm.LeadStatus
	NewStatus   crm.LeadStatus
}

func (LeadStatusChanged) Type() EventType { return EventTypeLeadStatusChanged }

func (p LeadStatusChanged) validate() error {
	if err := validateLeadRefs(p.LeadID, p.ActorUserID, p.CompanyID); err != nil {
		return err
	}
	if p.OldStatus == "" || p.NewStatus == "" {
		return fmt.Errorf("%w: old and new status required", ErrInvalidPayload)
	}
	return nil
}

func (p LeadStatusChanged) apply(event *Event) {
	event.LeadID = int64Ptr(p.LeadID)
	event.ActorUserID = int64Ptr(p.ActorUserID)
	event.CompanyID = int64Ptr(p.CompanyID)
	event.ContactID = optionalID(p.ContactID)
	oldStatus, newStatus := p.OldStatus, p.NewStatus
	event.OldStatus = &oldStatus
	event.NewStatus = &newStatus
}

// EmailReceived records an inbound or logged email. The actor is absent for
// system-ingested mail.
type EmailReceived struct {
	EmailID     int64
	ActorUserID int64
	CompanyID   int64
	ContactID   int64
}

func (EmailReceived) Type() EventType { return EventTypeEmailReceived }

func (p EmailReceived) validate() error {
	if p.EmailID <= 0 {
		return fmt.Errorf("%w: email id required", ErrInvalidPayload)
	}
	return nil
}

func (p EmailReceived) apply(event *Event) {
	event.EmailID = int64Ptr(p.EmailID)
	event.ActorUserID = optionalID(p.ActorUserID)
	event.CompanyID = optionalID(p.CompanyID)
	event.ContactID = optionalID(p.ContactID)
}

func validateLeadRefs(leadID, actorUserID, companyID int64) error {
	switch {
	case leadID <= 0:
		return fmt.Errorf("%w: lead id required", ErrInvalidPayload)
	case actorUserID <= 0:
		return fmt.Errorf("%w: actor required", ErrInvalidPayload)
	case companyID <= 0:
		return fmt.Errorf("%w: company id required", ErrInvalidPayload)
	}
	return nil
}

// Payload decodes the row back into its typed variant.
func (e Event) Payload() (Payload, error) {
	var payload Payload
	switch e.EventType {
	case EventTypeCommentCreated:
		if e.EmailID != nil || e.OldStatus != nil || e.NewStatus != nil {
			return nil, fmt.Errorf("%w: comment event %d carries foreign fields", ErrInvalidPayload, e.ID)
		}
		payload = CommentCreated{
			CommentID:   derefID(e.CommentID),
			ActorUserID: derefID(e.ActorUserID),
			CompanyID:   derefID(e.CompanyID),
			ContactID:   derefID(e.ContactID),
			LeadID:      derefID(e.LeadID),
		}
	case EventTypeLeadCreated:
		if e.CommentID != nil || e.EmailID != nil || e.OldStatus != nil || e.NewStatus != nil {
			return nil, fmt.Errorf("%w: lead event %d carries foreign fields", ErrInvalidPayload, e.ID)
		}
		payload = LeadCreated{
			LeadID:      derefID(e.LeadID),
			ActorUserID: derefID(e.ActorUserID),
			CompanyID:   derefID(e.CompanyID),
			ContactID:   derefID(e.ContactID),
		}
	case EventTypeLeadStatusChanged:
		if e.CommentID != nil || e.EmailID != nil || e.OldStatus == nil || e.NewStatus == nil {
			return nil, fmt.Errorf("%w: status event %d is malformed", ErrInvalidPayload, e.ID)
		}
		payload = LeadStatusChanged{
			LeadID:      derefID(e.LeadID),
			ActorUserID: derefID(e.ActorUserID),
			CompanyID:   derefID(e.CompanyID),
			ContactID:   derefID(e.ContactID),
			OldStatus:   *e.OldStatus,
			NewStatus:   *e.NewStatus,
		}
	case EventTypeEmailReceived:
		if e.CommentID != nil || e.LeadID != nil || e.OldStatus != nil || e.NewStatus != nil {
			return nil, fmt.Errorf("%w: email event %d carries foreign fields", ErrInvalidPayload, e.ID)
		}
		payload = EmailReceived{
			EmailID:     derefID(e.EmailID),
			ActorUserID: derefID(e.ActorUserID),
			CompanyID:   derefID(e.CompanyID),
			ContactID:   derefID(e.ContactID),
		}
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidPayload, e.EventType)
	}
	if err := payload.validate(); err != nil {
		return nil, err
	}
	return payload, nil
}
