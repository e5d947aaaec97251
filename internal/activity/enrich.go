package activity

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/relations/internal/crm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type ActorUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type CommentSummary struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	CompanyID *int64    `json:"companyId"`
	ContactID *int64    `json:"contactId"`
	LeadID    *int64    `json:"leadId"`
}

type LeadSummary struct {
	ID          int64          `json:"id"`
	Description string         `json:"description"`
	Status      crm.LeadStatus `json:"status"`
	CompanyID   int64          `json:"companyId"`
	ContactID   *int64         `json:"contactId"`
}

type EmailSummary struct {
	ID                 int64     `json:"id"`
	Subject            string    `json:"subject"`
	Content            string    `json:"content"`
	CreatedAt          time.Time `json:"createdAt"`
	RecipientContactID *int64    `json:"recipientContactId"`
	RecipientCompanyID *int64    `json:"recipientCompanyId"`
	SourceUserID       *int64    `json:"sourceUserId"`
}

type CompanySummary struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type ContactSummary struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// EnrichedEvent is an event joined with the entities it references. Missing
// references serialize as null.
type EnrichedEvent struct {
	ID        int64           `json:"id"`
	EventType EventType       `json:"eventType"`
	CreatedAt time.Time       `json:"createdAt"`
	ActorUser *ActorUser      `json:"actorUser"`
	OldStatus *crm.LeadStatus `json:"oldStatus"`
	NewStatus *crm.LeadStatus `json:"newStatus"`
	Comment   *CommentSummary `json:"comment"`
	Lead      *LeadSummary    `json:"lead"`
	Email     *EmailSummary   `json:"email"`
	Company   *CompanySummary `json:"company"`
	Contact   *ContactSummary `json:"contact"`
}

type EnricherConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Enricher resolves event references with one batched query per entity kind.
type Enricher struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewEnricher(cfg EnricherConfig) (*Enricher, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNewEnricher, reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{db: cfg.Database, logger: logger}, nil
}

// eventRow is an event joined with its actor's user row.
type eventRow struct {
	Event
	ActorID        *int64  `gorm:"column:actor_id"`
	ActorFirstName *string `gorm:"column:actor_first_name"`
	ActorLastName  *string `gorm:"column:actor_last_name"`
}

// joinActor selects event columns plus the actor's name in the same query.
func joinActor(db *gorm.DB) *gorm.DB {
	return db.
		Select("activity_events.*, users.id AS actor_id, users.first_name AS actor_first_name, users.last_name AS actor_last_name").
		Joins("LEFT JOIN users ON users.id = activity_events.actor_user_id")
}

// Enrich loads the events with the given ids and returns them in input order.
// Ids with no stored event are skipped.
func (e *Enricher) Enrich(ctx context.Context, ids []int64) ([]EnrichedEvent, error) {
	if len(ids) == 0 {
		return []EnrichedEvent{}, nil
	}
	var rows []eventRow
	err := e.db.WithContext(ctx).
		Model(&eventRow{}).
		Scopes(joinActor).
		Where("activity_events.id IN ?", uniqueIDs(ids)).
		Find(&rows).
		Error
	if err != nil {
		logServiceError(e.logger, opEnrich, reasonQueryFailed, err, zap.String("table", "activity_events"))
		return nil, newServiceError(opEnrich, reasonQueryFailed, err)
	}
	byID := make(map[int64]eventRow, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	ordered := make([]eventRow, 0, len(ids))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			ordered = append(ordered, row)
		}
	}
	return e.enrichRows(ctx, ordered)
}

// enrichRows resolves references for rows loaded through joinActor, preserving order.
func (e *Enricher) enrichRows(ctx context.Context, rows []eventRow) ([]EnrichedEvent, error) {
	if len(rows) == 0 {
		return []EnrichedEvent{}, nil
	}

	commentIDs := newIDSet()
	leadIDs := newIDSet()
	emailIDs := newIDSet()
	companyIDs := newIDSet()
	contactIDs := newIDSet()
	for _, row := range rows {
		commentIDs.add(row.CommentID)
		leadIDs.add(row.LeadID)
		emailIDs.add(row.EmailID)
		companyIDs.add(row.CompanyID)
		contactIDs.add(row.ContactID)
	}

	db := e.db.WithContext(ctx)

	// Comments first: a comment on a lead contributes its lead id.
	var comments []crm.Comment
	if !commentIDs.empty() {
		if err := db.Where("id IN ?", commentIDs.values()).Find(&comments).Error; err != nil {
			return nil, e.queryError("comments", err)
		}
	}
	for _, comment := range comments {
		leadIDs.add(comment.LeadID)
	}

	var (
		leads     []crm.Lead
		emails    []crm.Email
		companies []crm.Company
		contacts  []crm.Contact
	)
	group, groupCtx := errgroup.WithContext(ctx)
	groupDB := e.db.WithContext(groupCtx)
	if !leadIDs.empty() {
		group.Go(func() error {
			if err := groupDB.Where("id IN ?", leadIDs.values()).Find(&leads).Error; err != nil {
				return e.queryError("leads", err)
			}
			return nil
		})
	}
	if !emailIDs.empty() {
		group.Go(func() error {
			if err := groupDB.Where("id IN ?", emailIDs.values()).Find(&emails).Error; err != nil {
				return e.queryError("emails", err)
			}
			return nil
		})
	}
	if !companyIDs.empty() {
		group.Go(func() error {
			if err := groupDB.Select("id", "name").Where("id IN ?", companyIDs.values()).Find(&companies).Error; err != nil {
				return e.queryError("companies", err)
			}
			return nil
		})
	}
	if !contactIDs.empty() {
		group.Go(func() error {
			if err := groupDB.Select("id", "first_name", "last_name").Where("id IN ?", contactIDs.values()).Find(&contacts).Error; err != nil {
				return e.queryError("contacts", err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	commentsByID := make(map[int64]*CommentSummary, len(comments))
	for _, comment := range comments {
		commentsByID[comment.ID] = &CommentSummary{
			ID:        comment.ID,
			Content:   comment.Content,
			CreatedAt: comment.CreatedAt,
			CompanyID: comment.CompanyID,
			ContactID: comment.ContactID,
			LeadID:    comment.LeadID,
		}
	}
	leadsByID := make(map[int64]*LeadSummary, len(leads))
	for _, lead := range leads {
		leadsByID[lead.ID] = &LeadSummary{
			ID:          lead.ID,
			Description: lead.Description,
			Status:      lead.Status,
			CompanyID:   lead.CompanyID,
			ContactID:   lead.ContactID,
		}
	}
	emailsByID := make(map[int64]*EmailSummary, len(emails))
	for _, email := range emails {
		emailsByID[email.ID] = &EmailSummary{
			ID:                 email.ID,
			Subject:            email.Subject,
			Content:            email.Content,
			CreatedAt:          email.CreatedAt,
			RecipientContactID: email.RecipientContactID,
			RecipientCompanyID: email.RecipientCompanyID,
			SourceUserID:       email.SourceUserID,
		}
	}
	companiesByID := make(map[int64]*CompanySummary, len(companies))
	for _, company := range companies {
		companiesByID[company.ID] = &CompanySummary{ID: company.ID, Name: company.Name}
	}
	contactsByID := make(map[int64]*ContactSummary, len(contacts))
	for _, contact := range contacts {
		contactsByID[contact.ID] = &ContactSummary{ID: contact.ID, FirstName: contact.FirstName, LastName: contact.LastName}
	}

	enriched := make([]EnrichedEvent, 0, len(rows))
	for _, row := range rows {
		item := EnrichedEvent{
			ID:        row.ID,
			EventType: row.EventType,
			CreatedAt: row.CreatedAt,
			OldStatus: row.OldStatus,
			NewStatus: row.NewStatus,
		}
		if row.ActorID != nil {
			item.ActorUser = &ActorUser{
				ID:        *row.ActorID,
				FirstName: derefString(row.ActorFirstName),
				LastName:  derefString(row.ActorLastName),
			}
		}
		if row.CommentID != nil {
			item.Comment = commentsByID[*row.CommentID]
		}
		leadID := row.LeadID
		if leadID == nil && item.Comment != nil {
			leadID = item.Comment.LeadID
		}
		if leadID != nil {
			item.Lead = leadsByID[*leadID]
		}
		if row.EmailID != nil {
			item.Email = emailsByID[*row.EmailID]
		}
		if row.CompanyID != nil {
			item.Company = companiesByID[*row.CompanyID]
		}
		if row.ContactID != nil {
			item.Contact = contactsByID[*row.ContactID]
		}
		enriched = append(enriched, item)
	}
	return enriched, nil
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func (e *Enricher) queryError(table string, err error) error {
	logServiceError(e.logger, opEnrich, reasonQueryFailed, err, zap.String("table", table))
	return newServiceError(opEnrich, reasonQueryFailed, err)
}

// idSet collects distinct positive ids in first-seen order.
type idSet struct {
	seen  map[int64]struct{}
	order []int64
}

func newIDSet() *idSet {
	return &idSet{seen: make(map[int64]struct{})}
}

func (s *idSet) add(value *int64) {
	if value == nil || *value <= 0 {
		return
	}
	if _, ok := s.seen[*value]; ok {
		return
	}
	s.seen[*value] = struct{}{}
	s.order = append(s.order, *value)
}

func (s *idSet) empty() bool {
	return len(s.order) == 0
}

func (s *idSet) values() []int64 {
	return s.order
}

func uniqueIDs(ids []int64) []int64 {
	set := newIDSet()
	for index := range ids {
		set.add(&ids[index])
	}
	return set.values()
}
