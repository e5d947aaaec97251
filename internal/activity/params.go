package activity

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// ParseFeedQuery coerces raw query parameters into a FeedQuery. Malformed
// values fall back to their defaults instead of failing the request.
func ParseFeedQuery(values url.Values) FeedQuery {
	query := FeedQuery{
		Limit:         DefaultFeedLimit,
		Before:        PositiveID(values.Get("before")),
		Types:         parseTypes(values.Get("type")),
		CompanyID:     PositiveID(values.Get("companyId")),
		ContactID:     PositiveID(values.Get("contactId")),
		UserID:        PositiveID(values.Get("userId")),
		ExcludeUserID: PositiveID(values.Get("excludeUserId")),
		FromDate:      ParseDate(values.Get("fromDate")),
		ToDate:        ParseDate(values.Get("toDate")),
	}
	if limit, err := strconv.Atoi(strings.TrimSpace(values.Get("limit"))); err == nil {
		query.Limit = clampLimit(limit)
	}
	if values.Has("page") {
		query.Page = 1
		if page, err := strconv.Atoi(strings.TrimSpace(values.Get("page"))); err == nil {
			query.Page = clampPage(page)
		}
	}
	return query
}

// PositiveID parses raw as an id, returning zero for anything but a positive integer.
func PositiveID(raw string) int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || value <= 0 {
		return 0
	}
	return value
}

// ParseDate accepts YYYY-MM-DD or RFC 3339 and returns nil for anything else.
func ParseDate(raw string) *time.Time {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	for _, layout := range []string{dateLayout, time.RFC3339Nano} {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			utc := parsed.UTC()
			return &utc
		}
	}
	return nil
}

func parseTypes(raw string) []EventType {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var types []EventType
	for _, part := range strings.Split(raw, ",") {
		if eventType, ok := ParseEventType(part); ok {
			types = append(types, eventType)
		}
	}
	return types
}
