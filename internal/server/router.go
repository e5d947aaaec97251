package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/relations/internal/activity"
	"github.com/MarcoPoloResearchLab/relations/internal/auth"
	"github.com/MarcoPoloResearchLab/relations/internal/crm"
	"github.com/MarcoPoloResearchLab/relations/internal/crm/actions"
	"github.com/MarcoPoloResearchLab/relations/internal/stream"
	"github.com/MarcoPoloResearchLab/relations/internal/timeline"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "relations_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingFeed             = errors.New("feed dependency required")
	errMissingTimeline         = errors.New("timeline dependency required")
	errMissingGateway          = errors.New("stream gateway dependency required")
	errMissingActions          = errors.New("crm actions dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type UserResolver interface {
	ResolveUserID(ctx context.Context, claims auth.SessionClaims) (int64, error)
}

type FeedService interface {
	List(ctx context.Context, query activity.FeedQuery) (activity.FeedPage, error)
}

type TimelineService interface {
	List(ctx context.Context, query timeline.Query) (timeline.Page, error)
}

type StreamGateway interface {
	Serve(ctx context.Context, sink stream.Sink, since int64) error
}

type CRMActions interface {
	CreateComment(ctx context.Context, actorUserID int64, input actions.CommentInput) (crm.Comment, error)
	CreateLead(ctx context.Context, actorUserID int64, input actions.LeadInput) (crm.Lead, error)
	ChangeLeadStatus(ctx context.Context, actorUserID, leadID int64, status crm.LeadStatus) (crm.Lead, bool, error)
	ReceiveEmail(ctx context.Context, input actions.EmailInput) (crm.Email, error)
}

type Dependencies struct {
	SessionValidator SessionValidator
	Users            UserResolver
	Feed             FeedService
	Timeline         TimelineService
	Gateway          StreamGateway
	Actions          CRMActions
	AllowedOrigins   []string
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.SessionValidator == nil:
		return nil, errMissingSessionValidator
	case deps.Users == nil:
		return nil, errMissingUserResolver
	case deps.Feed == nil:
		return nil, errMissingFeed
	case deps.Timeline == nil:
		return nil, errMissingTimeline
	case deps.Gateway == nil:
		return nil, errMissingGateway
	case deps.Actions == nil:
		return nil, errMissingActions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions: deps.SessionValidator,
		users:    deps.Users,
		feed:     deps.Feed,
		timeline: deps.Timeline,
		gateway:  deps.Gateway,
		actions:  deps.Actions,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/activity-events", handler.handleActivityEvents)
	protected.GET("/activity-events/stream", handler.handleActivityStream)
	protected.GET("/recent-activities", handler.handleRecentActivities)
	protected.POST("/comments", handler.handleCreateComment)
	protected.POST("/leads", handler.handleCreateLead)
	protected.PATCH("/leads/:id/status", handler.handleChangeLeadStatus)
	protected.POST("/emails", handler.handleReceiveEmail)

	return router, nil
}

// corsMiddleware allows the listed origins, or any origin when none (or "*")
// are given. Credentials are enabled so the session cookie reaches the stream
// endpoint, which means a wildcard is answered by echoing the request origin.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions SessionValidator
	users    UserResolver
	feed     FeedService
	timeline TimelineService
	gateway  StreamGateway
	actions  CRMActions
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("user resolution failed", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// queryValues parses the raw query strictly; gin's cached parse drops malformed pairs silently.
func (h *httpHandler) queryValues(c *gin.Context) (url.Values, bool) {
	values, err := url.ParseQuery(c.Request.URL.RawQuery)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters"})
		return nil, false
	}
	return values, true
}

func (h *httpHandler) respondInternalError(c *gin.Context, message string, err error) {
	h.logger.Error(message,
		zap.String("route", c.FullPath()),
		zap.String("method", c.Request.Method),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func currentUserID(c *gin.Context) int64 {
	return c.GetInt64(userIDContextKey)
}
