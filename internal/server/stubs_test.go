package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/MarcoPoloResearchLab/relations/internal/activity"
	"github.com/MarcoPoloResearchLab/relations/internal/auth"
	"github.com/MarcoPoloResearchLab/relations/internal/crm"
	"github.com/MarcoPoloResearchLab/relations/internal/crm/actions"
	"github.com/MarcoPoloResearchLab/relations/internal/stream"
	"github.com/MarcoPoloResearchLab/relations/internal/timeline"
)

type stubSessionValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubUserResolver struct {
	userID     int64
	err        error
	lastClaims auth.SessionClaims
}

func (s *stubUserResolver) ResolveUserID(_ context.Context, claims auth.SessionClaims) (int64, error) {
	s.lastClaims = claims
	return s.userID, s.err
}

type stubFeed struct {
	mu      sync.Mutex
	queries []activity.FeedQuery
	page    activity.FeedPage
	err     error
}

func (s *stubFeed) List(_ context.Context, query activity.FeedQuery) (activity.FeedPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	return s.page, s.err
}

func (s *stubFeed) calls() []activity.FeedQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]activity.FeedQuery(nil), s.queries...)
}

type stubTimeline struct {
	mu      sync.Mutex
	queries []timeline.Query
	page    timeline.Page
	err     error
}

func (s *stubTimeline) List(_ context.Context, query timeline.Query) (timeline.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	if s.err != nil {
		return timeline.Page{}, s.err
	}
	if query.ContactID == 0 && query.CompanyID == 0 && query.LeadID == 0 && len(query.ContactIDs) == 0 {
		return timeline.Page{}, timeline.ErrMissingScope
	}
	return s.page, nil
}

type stubGateway struct{}

func (stubGateway) Serve(context.Context, stream.Sink, int64) error { return nil }

type stubActions struct {
	err error
}

func (s stubActions) CreateComment(context.Context, int64, actions.CommentInput) (crm.Comment, error) {
	return crm.Comment{ID: 1}, s.err
}

func (s stubActions) CreateLead(_ context.Context, _ int64, input actions.LeadInput) (crm.Lead, error) {
	return crm.Lead{ID: 1, CompanyID: input.CompanyID, Status: input.Status}, s.err
}

func (s stubActions) ChangeLeadStatus(_ context.Context, _ int64, leadID int64, status crm.LeadStatus) (crm.Lead, bool, error) {
	return crm.Lead{ID: leadID, Status: status}, s.err == nil, s.err
}

func (s stubActions) ReceiveEmail(context.Context, actions.EmailInput) (crm.Email, error) {
	return crm.Email{ID: 1}, s.err
}
