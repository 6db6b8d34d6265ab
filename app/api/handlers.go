package api

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/inbox-sync/app/backend"
	"github.com/lysyi3m/inbox-sync/app/inbox"
	"github.com/lysyi3m/inbox-sync/app/storage"
)

func NewHandler(registry *inbox.Registry, profiles ProfileLoader, configs *inbox.ConfigCache,
	medium HealthReporter, selfBase, version string) *Handler {
	return &Handler{
		registry:  registry,
		profiles:  profiles,
		configs:   configs,
		generator: inbox.NewGenerator(),
		storage:   medium,
		selfBase:  selfBase,
		version:   version,
		startedAt: time.Now(),
	}
}

func (h *Handler) GetInbox(c *gin.Context) {
	aggregator := h.registry.Inbox(c.Param("user"))
	response := newSnapshotResponse(aggregator.Snapshot())

	if filter := c.Query("filter"); filter != "" {
		kind, err := inbox.ParseKind(filter)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		response.Filter = kind
		response.Feed = aggregator.FeedFor(kind)
	}

	c.JSON(http.StatusOK, response)
}

func (h *Handler) SetFilter(c *gin.Context) {
	var req FilterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	kind, err := inbox.ParseKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	aggregator := h.registry.Inbox(c.Param("user"))
	if err := aggregator.SetFilter(kind); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, newSnapshotResponse(aggregator.Snapshot()))
}

// MarkRead answers 202 when the backend did not confirm the mark. The local
// mark stands and a retry is queued.
func (h *Handler) MarkRead(c *gin.Context) {
	aggregator := h.registry.Inbox(c.Param("user"))

	err := aggregator.MarkAsRead(c.Request.Context(), c.Param("id"))
	if errors.Is(err, inbox.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	h.respondMark(c, aggregator, err)
}

func (h *Handler) MarkAllRead(c *gin.Context) {
	aggregator := h.registry.Inbox(c.Param("user"))
	h.respondMark(c, aggregator, aggregator.MarkAllRead(c.Request.Context()))
}

func (h *Handler) respondMark(c *gin.Context, aggregator *inbox.Aggregator, err error) {
	status := http.StatusOK
	body := gin.H{"snapshot": newSnapshotResponse(aggregator.Snapshot())}

	switch {
	case errors.Is(err, inbox.ErrClosed):
		// signed out while the request was in flight, nothing was marked
		c.JSON(statusFor(err), newErrorResponse(err))
		return
	case err != nil:
		slog.Warn("Mark read not confirmed", "user", aggregator.UserID(), "error", err)
		status = http.StatusAccepted
		body["error"] = newErrorResponse(err)
	}

	c.JSON(status, body)
}

// Retry re-arms the loading watchdog and reloads both sources in the background.
func (h *Handler) Retry(c *gin.Context) {
	aggregator := h.registry.Inbox(c.Param("user"))
	aggregator.Retry(context.WithoutCancel(c.Request.Context()))

	c.JSON(http.StatusAccepted, newSnapshotResponse(aggregator.Snapshot()))
}

func (h *Handler) Refresh(c *gin.Context) {
	aggregator := h.registry.Inbox(c.Param("user"))

	if err := aggregator.Refresh(c.Request.Context()); err != nil && !inbox.Recoverable(err) {
		slog.Error("Inbox refresh failed", "user", aggregator.UserID(), "error", err)
		c.JSON(statusFor(err), gin.H{
			"error":    newErrorResponse(err),
			"snapshot": newSnapshotResponse(aggregator.Snapshot()),
		})
		return
	}

	c.JSON(http.StatusOK, newSnapshotResponse(aggregator.Snapshot()))
}

func (h *Handler) SignOut(c *gin.Context) {
	h.registry.SignOut(c.Param("user"))
	c.Status(http.StatusNoContent)
}

// GetSource exposes one source of the inbox on its own, e.g. for a message badge.
func (h *Handler) GetSource(c *gin.Context) {
	kind, err := inbox.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	adapter, err := h.registry.Adapter(c.Param("user"), kind)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	state := adapter.State()
	items := state.Items
	if items == nil {
		items = []inbox.Item{}
	}

	c.JSON(http.StatusOK, SourceResponse{
		Kind:        state.Kind,
		Status:      state.Status,
		UnreadCount: adapter.UnreadCount(),
		Items:       items,
		Error:       newErrorResponse(state.Err),
	})
}

func (h *Handler) GetInboxRSS(c *gin.Context) {
	user := c.Param("user")
	aggregator := h.registry.Inbox(user)

	var items []inbox.Item
	for _, kind := range inbox.Kinds {
		items = append(items, aggregator.FeedFor(kind)...)
	}
	slices.SortStableFunc(items, func(x, y inbox.Item) int {
		if c := y.CreatedAt.Compare(x.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})

	rss, err := h.generator.Run(inbox.Channel{
		UserID:   user,
		SelfLink: fmt.Sprintf("%s/inbox/%s/rss", h.selfBase, user),
		Version:  h.version,
	}, items)
	if err != nil {
		slog.Error("RSS generation error", "user", user, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.Header("X-Inbox-Items", strconv.Itoa(len(items)))
	c.Header("X-Inbox-Unread", strconv.Itoa(aggregator.UnreadCount()))

	c.String(http.StatusOK, rss)
}

func (h *Handler) GetProfile(c *gin.Context) {
	user := c.Param("user")

	p, err := h.profiles.Profile(c.Request.Context(), user)
	if !h.respondDegraded(c, "profile", user, err) {
		return
	}

	c.JSON(http.StatusOK, p)
}

func (h *Handler) GetStats(c *gin.Context) {
	user := c.Param("user")

	stats, err := h.profiles.Stats(c.Request.Context(), user)
	if !h.respondDegraded(c, "stats", user, err) {
		return
	}

	c.JSON(http.StatusOK, stats)
}

// respondDegraded writes the error response for err and reports whether the
// caller should still write its payload. Stale data is served with a header.
func (h *Handler) respondDegraded(c *gin.Context, operation, user string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, inbox.ErrNetworkDegraded):
		c.Header("X-Inbox-Degraded", "true")
		return true
	default:
		slog.Error("Profile lookup failed", "operation", operation, "user", user, "error", err)
		c.JSON(statusFor(err), gin.H{"error": newErrorResponse(err)})
		return false
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
		"version":   h.version,
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
		"sessions":  len(h.registry.Users()),
	}

	health["loaded_configurations"] = h.configs.GetConfigCount()

	if h.storage != nil {
		health["storage"] = h.storage.Health()
	}

	c.JSON(http.StatusOK, health)
}

func statusFor(err error) int {
	switch kind := inbox.Classify(err); {
	case errors.Is(kind, inbox.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(kind, inbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(kind, backend.ErrTimeout), errors.Is(kind, inbox.ErrNetworkDegraded), errors.Is(kind, inbox.ErrTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(kind, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(kind, inbox.ErrClosed):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
