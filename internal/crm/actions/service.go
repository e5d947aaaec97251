// Package actions performs the CRM writes that produce activity events. Each
// write and its event share one transaction; the event is announced after commit.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/relations/internal/activity"
	"github.com/MarcoPoloResearchLab/relations/internal/crm"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound reports a referenced entity that does not exist.
	ErrNotFound = errors.New("actions: not found")
	// ErrInvalidInput reports a request that fails validation.
	ErrInvalidInput = errors.New("actions: invalid input")

	errMissingDatabase = errors.New("database handle is required")
	errMissingRecorder = errors.New("recorder is required")
)

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
	opServiceNew       = "actions.service.new"
	opCreateComment    = "actions.create_comment"
	opCreateLead       = "actions.create_lead"
	opChangeLeadStatus = "actions.change_lead_status"
	opReceiveEmail     = "actions.receive_email"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Recorder *activity.Recorder
	Clock    func() time.Time
	Logger   *zap.Logger
}

type Service struct {
	db       *gorm.DB
	recorder *activity.Recorder
	clock    func() time.Time
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Recorder == nil {
		return nil, newServiceError(opServiceNew, "missing_recorder", errMissingRecorder)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       cfg.Database,
		recorder: cfg.Recorder,
		clock:    clock,
		logger:   logger,
	}, nil
}

type CommentInput struct {
	Content   string
	CompanyID int64
	ContactID int64
	LeadID    int64
}

// CreateComment stores a comment by actorUserID. A comment on a lead inherits
// the lead's company and contact when none are given.
func (s *Service) CreateComment(ctx context.Context, actorUserID int64, input CommentInput) (crm.Comment, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return crm.Comment{}, newServiceError(opCreateComment, "missing_content", ErrInvalidInput)
	}
	if input.CompanyID <= 0 && input.ContactID <= 0 && input.LeadID <= 0 {
		return crm.Comment{}, newServiceError(opCreateComment, "missing_target", ErrInvalidInput)
	}

	var comment crm.Comment
	var event activity.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		companyID, contactID := input.CompanyID, input.ContactID
		if input.LeadID > 0 {
			lead, err := s.loadLead(tx, opCreateComment, input.LeadID, false)
			if err != nil {
				return err
			}
			if companyID <= 0 {
				companyID = lead.CompanyID
			}
			if contactID <= 0 && lead.ContactID != nil {
				contactID = *lead.ContactID
			}
		}

		comment = crm.Comment{
			Content:         content,
			CreatedAt:       s.clock().UTC(),
			CreatedByUserID: actorUserID,
			CompanyID:       optionalID(companyID),
			ContactID:       optionalID(contactID),
			LeadID:          optionalID(input.LeadID),
		}
		if err := tx.Create(&comment).Error; err != nil {
			s.logError(opCreateComment, "comment_insert_failed", err)
			return newServiceError(opCreateComment, "comment_insert_failed", err)
		}

		recorded, err := s.recorder.Insert(ctx, tx, activity.CommentCreated{
			CommentID:   comment.ID,
			ActorUserID: actorUserID,
			CompanyID:   companyID,
			ContactID:   contactID,
			LeadID:      input.LeadID,
		})
		event = recorded
		return err
	})
	if err != nil {
		return crm.Comment{}, err
	}
	s.recorder.Publish(ctx, event)
	return comment, nil
}

type LeadInput struct {
	Description    string
	CompanyID      int64
	ContactID      int64
	Status         crm.LeadStatus
	PotentialValue *float64
}

// CreateLead stores a lead for an existing company. Status defaults to NEW.
func (s *Service) CreateLead(ctx context.Context, actorUserID int64, input LeadInput) (crm.Lead, error) {
	if input.CompanyID <= 0 {
		return crm.Lead{}, newServiceError(opCreateLead, "missing_company", ErrInvalidInput)
	}
	status := input.Status
	if status == "" {
		status = crm.LeadStatusNew
	}

	var lead crm.Lead
	var event activity.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var company crm.Company
		if err := tx.Take(&company, input.CompanyID).Error; err != nil {
			return s.lookupError(opCreateLead, "company", err)
		}

		lead = crm.Lead{
			Description:    strings.TrimSpace(input.Description),
			Status:         status,
			CompanyID:      company.ID,
			ContactID:      optionalID(input.ContactID),
			PotentialValue: input.PotentialValue,
			CreatedAt:      s.clock().UTC(),
		}
		if err := tx.Create(&lead).Error; err != nil {
			s.logError(opCreateLead, "lead_insert_failed", err)
			return newServiceError(opCreateLead, "lead_insert_failed", err)
		}

		recorded, err := s.recorder.Insert(ctx, tx, activity.LeadCreated{
			LeadID:      lead.ID,
			ActorUserID: actorUserID,
			CompanyID:   lead.CompanyID,
			ContactID:   input.ContactID,
		})
		event = recorded
		return err
	})
	if err != nil {
		return crm.Lead{}, err
	}
	s.recorder.Publish(ctx, event)
	return lead, nil
}

// ChangeLeadStatus moves a lead to status. Setting the current status again
// is a no-op and records nothing; changed reports which case applied.
func (s *Service) ChangeLeadStatus(ctx context.Context, actorUserID, leadID int64, status crm.LeadStatus) (lead crm.Lead, changed bool, err error) {
	if leadID <= 0 || status == "" {
		return crm.Lead{}, false, newServiceError(opChangeLeadStatus, "invalid_request", ErrInvalidInput)
	}

	var event activity.Event
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.loadLead(tx, opChangeLeadStatus, leadID, true)
		if err != nil {
			return err
		}
		lead = current
		if current.Status == status {
			return nil
		}

		if err := tx.Model(&crm.Lead{}).Where("id = ?", leadID).Update("status", status).Error; err != nil {
			s.logError(opChangeLeadStatus, "lead_update_failed", err, zap.Int64("lead_id", leadID))
			return newServiceError(opChangeLeadStatus, "lead_update_failed", err)
		}
		lead.Status = status
		changed = true

		recorded, err := s.recorder.Insert(ctx, tx, activity.LeadStatusChanged{
			LeadID:      leadID,
			ActorUserID: actorUserID,
			CompanyID:   current.CompanyID,
			ContactID:   derefID(current.ContactID),
			OldStatus:   current.Status,
			NewStatus:   status,
		})
		event = recorded
		return err
	})
	if err != nil {
		return crm.Lead{}, false, err
	}
	if changed {
		s.recorder.Publish(ctx, event)
	}
	return lead, changed, nil
}

type EmailInput struct {
	Subject            string
	Content            string
	SourceUserID       int64
	RecipientContactID int64
	RecipientCompanyID int64
}

// ReceiveEmail logs an email. The source user, when set, becomes the actor.
func (s *Service) ReceiveEmail(ctx context.Context, input EmailInput) (crm.Email, error) {
	if strings.TrimSpace(input.Subject) == "" && strings.TrimSpace(input.Content) == "" {
		return crm.Email{}, newServiceError(opReceiveEmail, "empty_email", ErrInvalidInput)
	}

	var email crm.Email
	var event activity.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		email = crm.Email{
			Subject:            input.Subject,
			Content:            input.Content,
			CreatedAt:          s.clock().UTC(),
			SourceUserID:       optionalID(input.SourceUserID),
			RecipientContactID: optionalID(input.RecipientContactID),
			RecipientCompanyID: optionalID(input.RecipientCompanyID),
		}
		if err := tx.Create(&email).Error; err != nil {
			s.logError(opReceiveEmail, "email_insert_failed", err)
			return newServiceError(opReceiveEmail, "email_insert_failed", err)
		}

		recorded, err := s.recorder.Insert(ctx, tx, activity.EmailReceived{
			EmailID:     email.ID,
			ActorUserID: input.SourceUserID,
			CompanyID:   input.RecipientCompanyID,
			ContactID:   input.RecipientContactID,
		})
		event = recorded
		return err
	})
	if err != nil {
		return crm.Email{}, err
	}
	s.recorder.Publish(ctx, event)
	return email, nil
}

func (s *Service) loadLead(tx *gorm.DB, operation string, leadID int64, lock bool) (crm.Lead, error) {
	query := tx
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var lead crm.Lead
	if err := query.Take(&lead, leadID).Error; err != nil {
		return crm.Lead{}, s.lookupError(operation, "lead", err)
	}
	return lead, nil
}

func (s *Service) lookupError(operation, entity string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(operation, entity+"_not_found", ErrNotFound)
	}
	s.logError(operation, entity+"_select_failed", err)
	return newServiceError(operation, entity+"_select_failed", err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil {
		return
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("crm action failed", attrs...)
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
