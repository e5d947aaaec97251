package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/relations/internal/activity"
	"github.com/MarcoPoloResearchLab/relations/internal/timeline"
	"github.com/gin-gonic/gin"
)

type cursorPageResponse struct {
	Events  []activity.EnrichedEvent `json:"events"`
	HasMore bool                     `json:"hasMore"`
}

type offsetPageResponse struct {
	Items      []activity.EnrichedEvent `json:"items"`
	HasMore    bool                     `json:"hasMore"`
	TotalCount int64                    `json:"totalCount"`
}

type timelineResponse struct {
	Items      []timeline.Item `json:"items"`
	HasMore    bool            `json:"hasMore"`
	TotalCount int64           `json:"totalCount"`
}

func (h *httpHandler) handleActivityEvents(c *gin.Context) {
	values, ok := h.queryValues(c)
	if !ok {
		return
	}
	query := activity.ParseFeedQuery(values)
	page, err := h.feed.List(c.Request.Context(), query)
	if err != nil {
		h.respondInternalError(c, "activity feed query failed", err)
		return
	}

	events := page.Events
	if events == nil {
		events = []activity.EnrichedEvent{}
	}
	if query.OffsetMode() {
		c.JSON(http.StatusOK, offsetPageResponse{Items: events, HasMore: page.HasMore, TotalCount: page.TotalCount})
		return
	}
	c.JSON(http.StatusOK, cursorPageResponse{Events: events, HasMore: page.HasMore})
}

func (h *httpHandler) handleRecentActivities(c *gin.Context) {
	values, ok := h.queryValues(c)
	if !ok {
		return
	}
	page, err := h.timeline.List(c.Request.Context(), timeline.ParseQuery(values))
	if errors.Is(err, timeline.ErrMissingScope) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.respondInternalError(c, "timeline query failed", err)
		return
	}

	items := page.Items
	if items == nil {
		items = []timeline.Item{}
	}
	c.JSON(http.StatusOK, timelineResponse{Items: items, HasMore: page.HasMore, TotalCount: page.TotalCount})
}
