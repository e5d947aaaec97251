package server

import (
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/MarcoPoloResearchLab/relations/internal/activity"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const keepaliveFrame = ":keepalive\n\n"

var errStreamClosed = errors.New("stream closed")

// sseSink writes gateway output as server-sent events.
type sseSink struct {
	mu     sync.Mutex
	writer gin.ResponseWriter
	closed bool
}

func (s *sseSink) Send(event activity.EnrichedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	err := sse.Encode(s.writer, sse.Event{
		Id:   strconv.FormatInt(event.ID, 10),
		Data: event,
	})
	if err != nil {
		return err
	}
	s.writer.Flush()
	return nil
}

func (s *sseSink) Keepalive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if _, err := s.writer.WriteString(keepaliveFrame); err != nil {
		return err
	}
	s.writer.Flush()
	return nil
}

func (s *sseSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// handleActivityStream resumes from ?since, falling back to the Last-Event-ID
// header browsers send on automatic reconnect.
func (h *httpHandler) handleActivityStream(c *gin.Context) {
	values, ok := h.queryValues(c)
	if !ok {
		return
	}
	since := activity.PositiveID(values.Get("since"))
	if since == 0 {
		since = activity.PositiveID(c.GetHeader("Last-Event-ID"))
	}

	header := c.Writer.Header()
	header.Set("Content-Type", sse.ContentType)
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	sink := &sseSink{writer: c.Writer}
	if err := h.gateway.Serve(c.Request.Context(), sink, since); err != nil {
		h.logger.Error("activity stream failed",
			zap.String("route", c.FullPath()),
			zap.Int64("since", since),
			zap.Int64("user_id", currentUserID(c)),
			zap.Error(err))
	}
}
