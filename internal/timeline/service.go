// Package timeline merges comments, emails and completed follow-ups into one
// date-ordered, paginated view scoped to a contact, company, lead or contact set.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/relations/internal/crm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type ItemType string

const (
	ItemTypeComment  ItemType = "comment"
	ItemTypeEmail    ItemType = "email"
	ItemTypeFollowup ItemType = "followup"
)

type Person struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type UserRef struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type CompanyRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type ContactRef struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type LeadRef struct {
	ID          int64          `json:"id"`
	Description string         `json:"description"`
	Status      crm.LeadStatus `json:"status"`
}

type CommentBody struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
}

type EmailBody struct {
	ID      int64  `json:"id"`
	Subject string `json:"subject"`
	Content string `json:"content"`
}

type FollowupBody struct {
	ID          int64      `json:"id"`
	Note        string     `json:"note"`
	DueAt       *time.Time `json:"dueAt"`
	CompletedAt time.Time  `json:"completedAt"`
	AssignedTo  *UserRef   `json:"assignedTo"`
}

// Item is one timeline entry. CreatedAt is the date the entry sorts by: the
// creation date for comments and emails, the completion date for follow-ups.
type Item struct {
	ID             string        `json:"id"`
	Type           ItemType      `json:"type"`
	CreatedAt      time.Time     `json:"createdAt"`
	CreatedBy      *Person       `json:"createdBy"`
	Company        *CompanyRef   `json:"company"`
	Contact        *ContactRef   `json:"contact"`
	Lead           *LeadRef      `json:"lead"`
	ContactEndDate *time.Time    `json:"contactEndDate"`
	Comment        *CommentBody  `json:"comment,omitempty"`
	Email          *EmailBody    `json:"email,omitempty"`
	Followup       *FollowupBody `json:"followup,omitempty"`
}

type Page struct {
	Items      []Item
	HasMore    bool
	TotalCount int64
}

type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errors.New("timeline: database handle is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// entry is a source row awaiting merge.
type entry struct {
	kind      ItemType
	rank      int
	id        int64
	date      time.Time
	creatorID *int64
	companyID *int64
	contactID *int64
	leadID    *int64
	comment   *crm.Comment
	email     *crm.Email
	followup  *crm.Followup
}

// List returns one page of the merged timeline.
func (s *Service) List(ctx context.Context, query Query) (Page, error) {
	target, err := query.resolveScope()
	if err != nil {
		return Page{}, err
	}
	limit, offset := query.window()

	commentScope := commentPredicate(target)
	emailScope := emailPredicate(target)
	followupScope := followupPredicate(target)

	var commentCount, emailCount, followupCount int64
	counts, countCtx := errgroup.WithContext(ctx)
	countDB := s.db.WithContext(countCtx)
	if commentScope != nil {
		counts.Go(func() error {
			return s.wrap("count comments", commentScope(countDB.Model(&crm.Comment{})).Count(&commentCount).Error)
		})
	}
	if emailScope != nil {
		counts.Go(func() error {
			return s.wrap("count emails", emailScope(countDB.Model(&crm.Email{})).Count(&emailCount).Error)
		})
	}
	if followupScope != nil {
		counts.Go(func() error {
			return s.wrap("count followups", followupScope(countDB.Model(&crm.Followup{})).Count(&followupCount).Error)
		})
	}
	if err := counts.Wait(); err != nil {
		return Page{}, err
	}
	total := commentCount + emailCount + followupCount
	if int64(offset) >= total {
		return Page{Items: []Item{}, TotalCount: total}, nil
	}

	// Every source must yield its first offset+limit rows so the merged
	// window is exact whichever source dominates. Cost grows with page depth.
	fetch := offset + limit
	var (
		comments  []crm.Comment
		emails    []crm.Email
		followups []crm.Followup
	)
	group, groupCtx := errgroup.WithContext(ctx)
	db := s.db.WithContext(groupCtx)
	if commentScope != nil && commentCount > 0 {
		group.Go(func() error {
			return s.wrap("fetch comments", commentScope(db).Order("created_at DESC, id DESC").Limit(fetch).Find(&comments).Error)
		})
	}
	if emailScope != nil && emailCount > 0 {
		group.Go(func() error {
			return s.wrap("fetch emails", emailScope(db).Order("created_at DESC, id DESC").Limit(fetch).Find(&emails).Error)
		})
	}
	if followupScope != nil && followupCount > 0 {
		group.Go(func() error {
			return s.wrap("fetch followups", followupScope(db).Order("completed_at DESC, id DESC").Limit(fetch).Find(&followups).Error)
		})
	}
	if err := group.Wait(); err != nil {
		return Page{}, err
	}

	merged := mergeEntries(comments, emails, followups)
	window := []entry{}
	if offset < len(merged) {
		window = merged[offset:min(offset+limit, len(merged))]
	}

	items, err := s.resolve(ctx, window)
	if err != nil {
		return Page{}, err
	}
	return Page{
		Items:      items,
		HasMore:    int64(offset+len(items)) < total,
		TotalCount: total,
	}, nil
}

func (s *Service) wrap(step string, err error) error {
	if err == nil {
		return nil
	}
	s.logger.Error("timeline query failed", zap.String("step", step), zap.Error(err))
	return fmt.Errorf("timeline: %s: %w", step, err)
}

type predicate func(*gorm.DB) *gorm.DB

func commentPredicate(target scope) predicate {
	switch target.kind {
	case scopeContact:
		return whereEquals("contact_id", target.id)
	case scopeCompany:
		return whereEquals("company_id", target.id)
	case scopeLead:
		return whereEquals("lead_id", target.id)
	case scopeContactSet:
		return whereIn("contact_id", target.ids)
	}
	return nil
}

// Emails are not linked to leads, so a lead scope has no email source.
func emailPredicate(target scope) predicate {
	switch target.kind {
	case scopeContact:
		return whereEquals("recipient_contact_id", target.id)
	case scopeCompany:
		return whereEquals("recipient_company_id", target.id)
	case scopeContactSet:
		return whereIn("recipient_contact_id", target.ids)
	}
	return nil
}

func followupPredicate(target scope) predicate {
	base := commentPredicate(target)
	if base == nil {
		return nil
	}
	return func(db *gorm.DB) *gorm.DB {
		return base(db).Where("completed_at IS NOT NULL")
	}
}

func whereEquals(column string, id int64) predicate {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(column+" = ?", id)
	}
}

func whereIn(column string, ids []int64) predicate {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(column+" IN ?", ids)
	}
}

func mergeEntries(comments []crm.Comment, emails []crm.Email, followups []crm.Followup) []entry {
	merged := make([]entry, 0, len(comments)+len(emails)+len(followups))
	for index := range comments {
		comment := &comments[index]
		creator := comment.CreatedByUserID
		merged = append(merged, entry{
			kind: ItemTypeComment, rank: 0, id: comment.ID, date: comment.CreatedAt,
			creatorID: &creator, companyID: comment.CompanyID, contactID: comment.ContactID, leadID: comment.LeadID,
			comment: comment,
		})
	}
	for index := range emails {
		email := &emails[index]
		merged = append(merged, entry{
			kind: ItemTypeEmail, rank: 1, id: email.ID, date: email.CreatedAt,
			creatorID: email.SourceUserID, companyID: email.RecipientCompanyID, contactID: email.RecipientContactID,
			email: email,
		})
	}
	for index := range followups {
		followup := &followups[index]
		date := followup.CreatedAt
		if followup.CompletedAt != nil {
			date = *followup.CompletedAt
		}
		creator := followup.CreatedByUserID
		merged = append(merged, entry{
			kind: ItemTypeFollowup, rank: 2, id: followup.ID, date: date,
			creatorID: &creator, companyID: followup.CompanyID, contactID: followup.ContactID, leadID: followup.LeadID,
			followup: followup,
		})
	}
	sort.SliceStable(merged, func(i, j int) bool {
		left, right := merged[i], merged[j]
		if !left.date.Equal(right.date) {
			return left.date.After(right.date)
		}
		if left.id != right.id {
			return left.id > right.id
		}
		return left.rank < right.rank
	})
	return merged
}
