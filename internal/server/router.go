package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/TrailmarkLabs/trailmark/offline/internal/daemon"
	"github.com/TrailmarkLabs/trailmark/offline/internal/engine"
	"github.com/TrailmarkLabs/trailmark/offline/internal/queue"
	"github.com/TrailmarkLabs/trailmark/offline/internal/status"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const deviceIDContextKey = "trailmark_device_id"

var (
	errMissingStatusSource  = errors.New("status source dependency required")
	errMissingStatsProvider = errors.New("queue stats dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// StatusSource exposes the coordinator surface the control API needs.
type StatusSource interface {
	Current() status.Snapshot
	SyncNow(ctx context.Context) (engine.Result, error)
	Subscribe(ctx context.Context) (<-chan status.Snapshot, func())
}

// StatsProvider reports queue occupancy.
type StatsProvider interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// TokenValidator checks bearer credentials on protected routes.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Signaler forwards trigger messages into the background daemon.
type Signaler interface {
	Signal(signal daemon.Signal) error
}

// Dependencies wires the control API handler.
type Dependencies struct {
	Status StatusSource
	Stats  StatsProvider
	Tokens TokenValidator
	Daemon Signaler
	Logger *zap.Logger
}

// NewHTTPHandler builds the local control surface: status snapshot, queue
// statistics, manual sync, daemon signalling, and an SSE status stream.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Status == nil {
		return nil, errMissingStatusSource
	}
	if deps.Stats == nil {
		return nil, errMissingStatsProvider
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		status: deps.Status,
		stats:  deps.Stats,
		tokens: deps.Tokens,
		daemon: deps.Daemon,
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/status", handler.handleStatus)
	protected.GET("/queue/stats", handler.handleQueueStats)
	protected.POST("/sync", handler.handleSyncNow)
	protected.POST("/daemon/signal", handler.handleDaemonSignal)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	status StatusSource
	stats  StatsProvider
	tokens TokenValidator
	daemon Signaler
	logger *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.Current())
}

func (h *httpHandler) handleQueueStats(c *gin.Context) {
	stats, err := h.stats.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read queue stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type syncResponsePayload struct {
	Processed int             `json:"processed"`
	Failed    int             `json:"failed"`
	Status    status.Snapshot `json:"status"`
}

func (h *httpHandler) handleSyncNow(c *gin.Context) {
	result, err := h.status.SyncNow(c.Request.Context())
	if err != nil {
		h.logger.Error("manual sync failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, syncResponsePayload{
		Processed: result.Processed,
		Failed:    result.Failed,
		Status:    h.status.Current(),
	})
}

type signalRequestPayload struct {
	Type       string `json:"type"`
	EntityType string `json:"entity_type"`
}

func (h *httpHandler) handleDaemonSignal(c *gin.Context) {
	if h.daemon == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "daemon_unavailable"})
		return
	}

	var request signalRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var signalType daemon.SignalType
	switch strings.ToLower(strings.TrimSpace(request.Type)) {
	case string(daemon.SignalActivate):
		signalType = daemon.SignalActivate
	case string(daemon.SignalTriggerSync):
		signalType = daemon.SignalTriggerSync
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signal_type"})
		return
	}

	if err := h.daemon.Signal(daemon.Signal{Type: signalType, EntityType: request.EntityType}); err != nil {
		h.logger.Warn("daemon signal rejected", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "daemon_unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	snapshots, unsubscribe := h.status.Subscribe(c.Request.Context())
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// Send the current state immediately so a fresh subscriber renders
	// without waiting for the next transition.
	c.SSEvent("status", h.status.Current())
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case snapshot, ok := <-snapshots:
			if !ok {
				return false
			}
			c.SSEvent("status", snapshot)
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(deviceIDContextKey, subject)
	c.Next()
}
