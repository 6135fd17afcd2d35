// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, compression and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "github.com/tbourn/go-support-handoff/docs"
	"github.com/tbourn/go-support-handoff/internal/attachments"
	"github.com/tbourn/go-support-handoff/internal/config"
	"github.com/tbourn/go-support-handoff/internal/http/handlers"
	"github.com/tbourn/go-support-handoff/internal/http/middleware"
	"github.com/tbourn/go-support-handoff/internal/repo"
)

// defaultBodyLimit caps request bodies on every route without an override.
const defaultBodyLimit = 1 << 20

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and then
// mounts the versioned API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter (per route)
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per user/IP, bypass on replay)
//  9. CORS and Security headers
//  10. Gzip (websocket routes excluded)
func RegisterRoutes(r *gin.Engine, deps handlers.Deps, cfg config.Config) *handlers.Handlers {
	r.HandleMethodNotAllowed = true
	db := deps.DB

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{middleware.HeaderIdempotencyKey},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Body size limit: 1 MiB, attachment uploads get the file cap plus form overhead
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	r.Use(limitBody(defaultBodyLimit, map[string]int64{
		joinPath(apiBase, "/sessions/:id/attachments"): attachments.MaxSize + defaultBodyLimit,
	}))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, userID, sessionID, key string, now time.Time) (bool, error) {
			if db == nil {
				return false, nil
			}
			_, err := repo.GetIdempotency(ctx, db, userID, sessionID, key, now)
			if errors.Is(err, repo.ErrNotFound) {
				return false, nil
			}
			return err == nil, err
		},
	))

	// 8) Token-bucket rate limiter per operator or guest IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByCaller())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", middleware.HeaderIdempotencyKey, "If-None-Match"}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed"}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
		SensitiveRoutes: []string{
			joinPath(apiBase, "/attachments/:id/download"),
			joinPath(apiBase, "/support/attachments/:id/url"),
			joinPath(apiBase, "/presence/auth"),
		},
	}))

	// 10) Response compression; hijacked websocket connections must bypass it
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPathsRegexs([]string{`/events$`, `/download$`}),
	))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// API docs
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	if deps.APIBasePath == "" {
		deps.APIBasePath = apiBase
	}
	if deps.IdempotencyTTL <= 0 {
		deps.IdempotencyTTL = cfg.IdempotencyTTL
	}
	h := handlers.New(deps)

	api := groupWithPrefix(r, apiBase)
	{
		// Guest
		api.POST("/agents/:id/sessions", h.CreateSession)
		api.POST("/sessions/:id/messages", h.PostMessage)
		api.POST("/sessions/:id/escalate", h.RequestHuman)
		api.PUT("/sessions/:id/email", h.SetEmail)
		api.GET("/sessions/:id/support/messages", h.GuestMessages)
		api.POST("/sessions/:id/attachments", h.UploadAttachment)
		api.GET("/sessions/:id/events", h.SessionEvents)

		// Operators
		support := api.Group("/support")
		support.GET("/sessions", h.ListSessions)
		support.GET("/sessions/:id", h.GetSession)
		support.POST("/sessions/:id/assign", h.Assign)
		support.POST("/sessions/:id/resolve", h.Resolve)
		support.POST("/sessions/:id/abandon", h.Abandon)
		support.GET("/sessions/:id/messages", h.ListMessages)
		support.POST("/sessions/:id/messages", h.PostOperatorMessage)
		support.GET("/sessions/:id/unread", h.Unread)
		support.POST("/sessions/:id/read", h.MarkRead)
		support.POST("/messages/:id/learn", h.Learn)
		support.GET("/notifications", h.ListNotifications)
		support.POST("/notifications/:id/read", h.MarkNotificationRead)
		support.GET("/attachments/:id/url", h.AttachmentURL)
		support.GET("/agents/:id/events", h.AgentEvents)

		// Public
		api.GET("/attachments/:id/download", h.DownloadAttachment)
		api.POST("/presence/webhook", h.PresenceWebhook)
		api.POST("/presence/auth", h.PresenceAuth)
	}
	return h
}

// limitBody returns a Gin middleware that caps the request body size to
// maxBytes using http.MaxBytesReader. Routes listed in overrides (by their
// registered path) get their own cap. Requests exceeding the cap will cause
// downstream body reads to error.
func limitBody(maxBytes int64, overrides map[string]int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := maxBytes
		if n, ok := overrides[c.FullPath()]; ok {
			limit = n
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

// joinPath appends p to a base path, treating "/" (or empty) as root.
func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	return base + p
}
