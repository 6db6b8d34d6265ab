package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// NewServer creates a new HTTP server with all routes configured. proxy may be
// nil, which leaves /backend unmounted. allowedOrigins are host patterns of
// cross-origin pages allowed to use the API; without them only same-origin
// websockets are accepted.
func NewServer(handler *Handler, proxy gin.HandlerFunc, apiAccessKey string, allowedOrigins []string) *gin.Engine {
	// Set Gin mode (can be controlled via GIN_MODE environment variable)
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/health"},
	}))

	r.Use(gin.Recovery())

	handler.originPatterns = allowedOrigins

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowOrigin(c.GetHeader("Origin"), allowedOrigins))
		c.Header("Vary", "Origin")
		c.Header("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-API-Key, apikey")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	setupRoutes(r, handler, proxy, apiAccessKey)

	return r
}

func setupRoutes(r *gin.Engine, handler *Handler, proxy gin.HandlerFunc, apiAccessKey string) {
	r.GET("/health", handler.GetHealth)

	var auth []gin.HandlerFunc
	if apiAccessKey != "" {
		auth = append(auth, authMiddleware(apiAccessKey))
		slog.Info("Inbox endpoints require authentication")
	} else {
		slog.Info("Inbox endpoints are open (API_ACCESS_KEY not set)")
	}

	if proxy != nil {
		r.Any("/backend/*path", append(auth, proxy)...)
	}

	inboxes := r.Group("/inbox/:user", auth...)
	{
		inboxes.GET("", handler.GetInbox)
		inboxes.DELETE("", handler.SignOut)
		inboxes.PUT("/filter", handler.SetFilter)
		inboxes.POST("/items/:id/read", handler.MarkRead)
		inboxes.POST("/read-all", handler.MarkAllRead)
		inboxes.POST("/retry", handler.Retry)
		inboxes.POST("/refresh", handler.Refresh)
		inboxes.GET("/sources/:kind", handler.GetSource)
		inboxes.GET("/events", handler.InboxEvents)
		inboxes.GET("/rss", handler.GetInboxRSS)
	}

	profiles := r.Group("/profiles/:user", auth...)
	{
		profiles.GET("", handler.GetProfile)
		profiles.GET("/stats", handler.GetStats)
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":     "Inbox Sync",
			"version":     handler.version,
			"description": "Unified notification and message inbox with offline caching",
			"endpoints": map[string]string{
				"inbox":   "/inbox/<user>",
				"events":  "/inbox/<user>/events (websocket)",
				"rss":     "/inbox/<user>/rss",
				"profile": "/profiles/<user>",
				"backend": "/backend/<path> (offline cached proxy)",
				"health":  "/health",
			},
			"auth_required": apiAccessKey != "",
		})
	})

	r.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
}

// authMiddleware accepts the key in X-API-Key or as a bearer token.
func authMiddleware(apiAccessKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := c.GetHeader("X-API-Key")

		if providedKey == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				providedKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if providedKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide API key in X-API-Key header or Authorization: Bearer <key>",
			})
			c.Abort()
			return
		}

		if providedKey != apiAccessKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid API key",
				"message": "The provided API key is not valid",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// allowOrigin returns the CORS origin to echo. Without patterns any origin is
// allowed; with patterns only a matching origin is echoed.
func allowOrigin(origin string, patterns []string) string {
	if len(patterns) == 0 {
		return "*"
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Host)
	for _, pattern := range patterns {
		if ok, _ := path.Match(strings.ToLower(pattern), host); ok {
			return origin
		}
	}
	return ""
}
