// Package feedclient consumes the activity feed: it merges a fetched page
// with live streamed events and keeps the stream cursor across reconnects.
package feedclient

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/relations/internal/activity"
)

const (
	DefaultLiveCapacity = 100
	DefaultHighlight    = 10 * time.Second
)

// UserMode selects how the actor filter is applied.
type UserMode int

const (
	UserModeAll UserMode = iota
	UserModeMine
	UserModeExcludeMine
	UserModeSpecific
)

// Filters mirror the server query the snapshot was fetched with. Date ranges
// are left to the server.
type Filters struct {
	Types     []activity.EventType
	CompanyID int64
	ContactID int64
	UserMode  UserMode
	UserID    int64
	Page      int
}

type ReconcilerConfig struct {
	CurrentUserID int64
	LiveCapacity  int
	Highlight     time.Duration
	Clock         func() time.Time
}

// Reconciler holds the view state of one feed screen. It is safe for
// concurrent use by the stream reader and the renderer.
type Reconciler struct {
	mu            sync.Mutex
	currentUserID int64
	capacity      int
	highlight     time.Duration
	clock         func() time.Time

	filters  Filters
	snapshot []activity.EnrichedEvent
	live     []activity.EnrichedEvent
	fresh    map[int64]time.Time
	lastID   int64
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	capacity := cfg.LiveCapacity
	if capacity <= 0 {
		capacity = DefaultLiveCapacity
	}
	highlight := cfg.Highlight
	if highlight <= 0 {
		highlight = DefaultHighlight
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Reconciler{
		currentUserID: cfg.CurrentUserID,
		capacity:      capacity,
		highlight:     highlight,
		clock:         clock,
		filters:       Filters{Page: 1},
		fresh:         make(map[int64]time.Time),
	}
}

// SetSnapshot replaces the fetched page.
func (r *Reconciler) SetSnapshot(events []activity.EnrichedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = append([]activity.EnrichedEvent(nil), events...)
	for _, event := range events {
		r.lastID = max(r.lastID, event.ID)
	}
}

// Push adds a streamed event. An id already in the live buffer is ignored.
// It reports whether the event was new.
func (r *Reconciler) Push(event activity.EnrichedEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID = max(r.lastID, event.ID)
	for _, existing := range r.live {
		if existing.ID == event.ID {
			return false
		}
	}
	r.live = append([]activity.EnrichedEvent{event}, r.live...)
	if len(r.live) > r.capacity {
		r.live = r.live[:r.capacity]
	}
	r.fresh[event.ID] = r.clock()
	return true
}

// SetFilters switches the screen to new filters and returns the cursor the
// stream should reconnect from. The live buffer is dropped unless only the
// page changed.
func (r *Reconciler) SetFilters(filters Filters) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if filters.Page < 1 {
		filters.Page = 1
	}
	if !r.filters.sameQuery(filters) {
		r.live = nil
	}
	r.filters = filters
	return r.lastID
}

func (f Filters) sameQuery(other Filters) bool {
	return slices.Equal(f.Types, other.Types) &&
		f.CompanyID == other.CompanyID &&
		f.ContactID == other.ContactID &&
		f.UserMode == other.UserMode &&
		f.UserID == other.UserID
}

// Cursor is the highest event id seen from either source.
func (r *Reconciler) Cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastID
}

// Visible returns the events to render, newest first.
func (r *Reconciler) Visible() []activity.EnrichedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID := make(map[int64]activity.EnrichedEvent, len(r.snapshot)+len(r.live))
	if r.filters.Page <= 1 {
		for _, event := range r.live {
			byID[event.ID] = event
		}
	}
	for _, event := range r.snapshot {
		if _, ok := byID[event.ID]; !ok {
			byID[event.ID] = event
		}
	}

	visible := make([]activity.EnrichedEvent, 0, len(byID))
	for _, event := range byID {
		if r.matches(event) {
			visible = append(visible, event)
		}
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].ID > visible[j].ID })
	return visible
}

// IsNew reports whether id arrived live within the highlight window.
func (r *Reconciler) IsNew(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	for freshID, flaggedAt := range r.fresh {
		if !now.Before(flaggedAt.Add(r.highlight)) {
			delete(r.fresh, freshID)
		}
	}
	_, ok := r.fresh[id]
	return ok
}

func (r *Reconciler) matches(event activity.EnrichedEvent) bool {
	filters := r.filters
	if len(filters.Types) > 0 && !slices.Contains(filters.Types, event.EventType) {
		return false
	}
	if filters.CompanyID > 0 && (event.Company == nil || event.Company.ID != filters.CompanyID) {
		return false
	}
	if filters.ContactID > 0 && (event.Contact == nil || event.Contact.ID != filters.ContactID) {
		return false
	}
	actorID := int64(0)
	if event.ActorUser != nil {
		actorID = event.ActorUser.ID
	}
	switch filters.UserMode {
	case UserModeMine:
		return actorID == r.currentUserID
	case UserModeExcludeMine:
		return actorID != r.currentUserID
	case UserModeSpecific:
		return filters.UserID <= 0 || actorID == filters.UserID
	}
	return true
}
