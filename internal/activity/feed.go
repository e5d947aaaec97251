package activity

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultFeedLimit = 50
	MaxFeedLimit     = 200

	// maxFeedPage keeps (page-1)*limit well inside int.
	maxFeedPage = math.MaxInt / (2 * MaxFeedLimit)
)

// FeedQuery is a normalized flat feed request. Zero ids and nil dates mean
// "no filter"; Page zero selects cursor mode.
type FeedQuery struct {
	Limit         int
	Before        int64
	Page          int
	Types         []EventType
	CompanyID     int64
	ContactID     int64
	UserID        int64
	ExcludeUserID int64
	FromDate      *time.Time
	ToDate        *time.Time
}

// OffsetMode reports whether the query paginates by page number.
func (q FeedQuery) OffsetMode() bool {
	return q.Page > 0
}

// FeedPage is one page of enriched events, newest first. TotalCount is only
// computed in offset mode.
type FeedPage struct {
	Events     []EnrichedEvent
	HasMore    bool
	TotalCount int64
}

type FeedConfig struct {
	Database *gorm.DB
	Enricher *Enricher
	Logger   *zap.Logger
}

// Feed answers flat, filterable queries over the activity log.
type Feed struct {
	db       *gorm.DB
	enricher *Enricher
	logger   *zap.Logger
}

func NewFeed(cfg FeedConfig) (*Feed, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNewFeed, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Enricher == nil {
		return nil, newServiceError(opNewFeed, reasonMissingEnricher, errMissingEnricher)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{db: cfg.Database, enricher: cfg.Enricher, logger: logger}, nil
}

// List returns the page described by query.
func (f *Feed) List(ctx context.Context, query FeedQuery) (FeedPage, error) {
	limit := clampLimit(query.Limit)
	counted := func() *gorm.DB {
		return f.applyFilters(f.db.WithContext(ctx).Model(&Event{}), query)
	}
	joined := func() *gorm.DB {
		return f.applyFilters(f.db.WithContext(ctx).Model(&eventRow{}).Scopes(joinActor), query)
	}

	var (
		rows  []eventRow
		page  FeedPage
		total int64
	)
	if query.OffsetMode() {
		if err := counted().Count(&total).Error; err != nil {
			logServiceError(f.logger, opFeedList, reasonCountFailed, err)
			return FeedPage{}, newServiceError(opFeedList, reasonCountFailed, err)
		}
		page.TotalCount = total
		offset := (clampPage(query.Page) - 1) * limit
		if int64(offset) >= total {
			page.Events = []EnrichedEvent{}
			return page, nil
		}
		if err := joined().Order("activity_events.id DESC").Offset(offset).Limit(limit).Find(&rows).Error; err != nil {
			logServiceError(f.logger, opFeedList, reasonQueryFailed, err)
			return FeedPage{}, newServiceError(opFeedList, reasonQueryFailed, err)
		}
		page.HasMore = int64(offset+len(rows)) < total
	} else {
		cursor := joined()
		if query.Before > 0 {
			cursor = cursor.Where("activity_events.id < ?", query.Before)
		}
		if err := cursor.Order("activity_events.id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
			logServiceError(f.logger, opFeedList, reasonQueryFailed, err)
			return FeedPage{}, newServiceError(opFeedList, reasonQueryFailed, err)
		}
		if len(rows) > limit {
			page.HasMore = true
			rows = rows[:limit]
		}
	}

	events, err := f.enricher.enrichRows(ctx, rows)
	if err != nil {
		return FeedPage{}, err
	}
	page.Events = events
	return page, nil
}

// IDsAfter returns up to limit event ids greater than since, ascending.
func (f *Feed) IDsAfter(ctx context.Context, since int64, limit int) ([]int64, error) {
	if limit <= 0 {
		return []int64{}, nil
	}
	ids := make([]int64, 0, limit)
	err := f.db.WithContext(ctx).
		Model(&Event{}).
		Where("id > ?", since).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).
		Error
	if err != nil {
		logServiceError(f.logger, opIDsAfter, reasonQueryFailed, err, zap.Int64("since", since))
		return nil, newServiceError(opIDsAfter, reasonQueryFailed, err)
	}
	return ids, nil
}

// Enrich exposes the feed's enricher for single-event lookups.
func (f *Feed) Enrich(ctx context.Context, ids []int64) ([]EnrichedEvent, error) {
	return f.enricher.Enrich(ctx, ids)
}

func (f *Feed) applyFilters(db *gorm.DB, query FeedQuery) *gorm.DB {
	if len(query.Types) > 0 {
		db = db.Where("activity_events.event_type IN ?", query.Types)
	}
	if query.CompanyID > 0 {
		db = db.Where("activity_events.company_id = ?", query.CompanyID)
	}
	if query.ContactID > 0 {
		db = db.Where("activity_events.contact_id = ?", query.ContactID)
	}
	if query.UserID > 0 {
		db = db.Where("activity_events.actor_user_id = ?", query.UserID)
	}
	if query.ExcludeUserID > 0 {
		// Actorless events stay visible when excluding a user.
		db = db.Where("(activity_events.actor_user_id IS NULL OR activity_events.actor_user_id <> ?)", query.ExcludeUserID)
	}
	if query.FromDate != nil {
		db = db.Where("activity_events.created_at >= ?", query.FromDate.UTC())
	}
	if query.ToDate != nil {
		db = db.Where("activity_events.created_at < ?", query.ToDate.UTC().Add(24*time.Hour))
	}
	return db
}

func clampPage(page int) int {
	switch {
	case page < 1:
		return 1
	case page > maxFeedPage:
		return maxFeedPage
	default:
		return page
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultFeedLimit
	case limit > MaxFeedLimit:
		return MaxFeedLimit
	default:
		return limit
	}
}
