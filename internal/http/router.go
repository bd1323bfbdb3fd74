// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, rate limiting, and compression.
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

	"github.com/studyloopai/studyloop-backend/internal/app"
	"github.com/studyloopai/studyloop-backend/internal/docs"
	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/http/handlers"
	"github.com/studyloopai/studyloop-backend/internal/http/middleware"
	"github.com/studyloopai/studyloop-backend/internal/repo"
	"github.com/studyloopai/studyloop-backend/internal/services"
)

// Route suffixes that bypass the edge limiter or body-level middleware.
const (
	streamRoute   = "/runs/:runId/stream"
	webhookRoute  = "/webhooks/payments"
	cronRoutePath = "/internal/cron"
)

// Headers clients may send and read cross-origin.
var (
	corsAllowHeaders = []string{
		"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID",
		middleware.HeaderIdempotencyKey, handlers.HeaderSignature,
	}
	corsExposeHeaders = []string{
		"X-Request-ID", "Content-Length", "ETag",
		handlers.HeaderQuotaLimit, handlers.HeaderQuotaRemaining,
		handlers.HeaderRateLimitLimit, handlers.HeaderRateLimitRemaining, handlers.HeaderRateLimitReset,
		handlers.HeaderReplayed, "Retry-After",
	}
)

// uploadReplayLookup reports whether a keyed upload already completed, so
// its replay skips the edge limiter.
func uploadReplayLookup(idem *services.IdempotencyService) middleware.ReplayLookup {
	return func(ctx context.Context, userID, key string) (bool, error) {
		rec, err := idem.Get(ctx, services.UploadKey(userID, key))
		if errors.Is(err, repo.ErrNotFound) || rec == nil {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return rec.Status == domain.IdempotencyCompleted && !rec.Expired(time.Now().UTC()), nil
	}
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and then
// mounts the versioned public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID and UserID: correlation id and caller identity
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per user/IP, bypass on replay; webhooks, cron and streams exempt)
//  9. CORS and Security headers
//  10. Gzip (never on streams or /metrics)
func RegisterRoutes(r *gin.Engine, a *app.App) {
	cfg := a.Config
	r.HandleMethodNotAllowed = true

	api := cfg.APIBasePath
	if api == "/" {
		api = ""
	}
	fullStream := api + streamRoute

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())
	r.Use(middleware.UserID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit
	r.Use(limitBody(cfg.MaxBodyBytes))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics(fullStream))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{
		MaxLen: 200,
		Replay: uploadReplayLookup(a.Idempotency),
	}))

	// 8) Token-bucket edge throttle per user/IP
	rl := middleware.NewEdgeLimiter(middleware.EdgeLimitOptions{
		RPS:   cfg.RateRPS,
		Burst: cfg.RateBurst,
		Key:   middleware.KeyByUserOrIP(),
		ExemptPrefixes: []string{
			api + "/runs/",
			api + webhookRoute,
			api + cronRoutePath + "/",
		},
	})
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     corsAllowHeaders,
			ExposeHeaders:    corsExposeHeaders,
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
			AllowHeaders:     corsAllowHeaders,
			ExposeHeaders:    corsExposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
		NoStorePrefixes: []string{
			api + "/usage",
			api + "/webhooks/",
			api + cronRoutePath + "/",
		},
		EnablePolicy:  true,
		ExposeHeaders: corsExposeHeaders,
	}))

	// 10) Compression; SSE must reach the client unbuffered.
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPathsRegexs([]string{`/runs/[^/]+/stream$`}),
		gzip.WithExcludedPaths([]string{"/metrics"}),
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

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(handlers.Deps{
		Materials:  a.Materials,
		Configs:    a.Configs,
		Dispatch:   a.Dispatch,
		Status:     a.Status,
		Content:    a.Content,
		Jobs:       a.Jobs,
		Usage:      a.Quota,
		Webhooks:   a.Webhooks,
		Sweeps:     a.Sweeps,
		Tokens:     a.Tokens,
		Tracker:    a.Tracker,
		CronSecret: cfg.Sweep.CronSecret,
	})

	// Public API
	g := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Intake
		g.POST("/courses/:courseId/weeks/:weekId/materials", h.UploadMaterial)
		g.POST("/materials/:id/retry", h.RetryMaterial)

		// Generation
		g.POST("/weeks/:weekId/generation", h.DispatchGeneration)
		g.GET("/weeks/:weekId/status", h.WeekStatus)
		g.GET("/weeks/:weekId/jobs", h.ListJobs)
		g.DELETE("/weeks/:weekId/jobs", h.DeleteJobs)
		g.GET("/weeks/:weekId/content", h.ListContent)
		g.GET("/usage", h.Usage)

		// Realtime
		g.GET(streamRoute, h.StreamRun)

		// Providers and schedulers
		g.POST(webhookRoute, h.PaymentWebhook)
		cron := g.Group(cronRoutePath)
		cron.POST("/quota-reset", h.ResetQuotas)
		cron.POST("/retries", h.RetryPending)
		cron.POST("/jobs-purge", h.PurgeJobs)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
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
