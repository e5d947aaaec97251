package timeline

import (
	"errors"
	"math"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultLimit = 7
	MaxLimit     = 50

	// maxPage keeps offset+limit well inside int.
	maxPage = math.MaxInt / (2 * MaxLimit)
)

// ErrMissingScope is returned when a query names no contact, company, lead or contact set.
var ErrMissingScope = errors.New("timeline: at least one scope parameter (contactId, companyId, leadId, or contactIds) is required")

// Query is a normalized timeline request.
type Query struct {
	ContactID  int64
	CompanyID  int64
	LeadID     int64
	ContactIDs []int64
	Limit      int
	Page       int
}

type scopeKind int

const (
	scopeContact scopeKind = iota + 1
	scopeCompany
	scopeLead
	scopeContactSet
)

type scope struct {
	kind scopeKind
	id   int64
	ids  []int64
}

// resolveScope applies the precedence contactId > companyId > leadId > contactIds.
func (q Query) resolveScope() (scope, error) {
	switch {
	case q.ContactID > 0:
		return scope{kind: scopeContact, id: q.ContactID}, nil
	case q.CompanyID > 0:
		return scope{kind: scopeCompany, id: q.CompanyID}, nil
	case q.LeadID > 0:
		return scope{kind: scopeLead, id: q.LeadID}, nil
	case len(q.ContactIDs) > 0:
		return scope{kind: scopeContactSet, ids: q.ContactIDs}, nil
	default:
		return scope{}, ErrMissingScope
	}
}

func (q Query) window() (limit, offset int) {
	limit = q.Limit
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	return limit, (clampPage(q.Page) - 1) * limit
}

// ParseQuery coerces raw query parameters. Malformed values fall back to defaults.
func ParseQuery(values url.Values) Query {
	query := Query{
		ContactID:  positiveID(values.Get("contactId")),
		CompanyID:  positiveID(values.Get("companyId")),
		LeadID:     positiveID(values.Get("leadId")),
		ContactIDs: parseIDList(values.Get("contactIds")),
		Limit:      DefaultLimit,
		Page:       1,
	}
	if limit, err := strconv.Atoi(strings.TrimSpace(values.Get("limit"))); err == nil && limit > 0 {
		query.Limit = min(limit, MaxLimit)
	}
	if page, err := strconv.Atoi(strings.TrimSpace(values.Get("page"))); err == nil {
		query.Page = clampPage(page)
	}
	return query
}

func clampPage(page int) int {
	switch {
	case page < 1:
		return 1
	case page > maxPage:
		return maxPage
	default:
		return page
	}
}

func positiveID(raw string) int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || value <= 0 {
		return 0
	}
	return value
}

func parseIDList(raw string) []int64 {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		if id := positiveID(part); id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}
