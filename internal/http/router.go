// Package httpapi wires the HTTP transport (Gin) to the gate, its
// middleware, and route handlers.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID, Operator
//  3. RedactingLogger (recipient numbers never reach the logs)
//  4. Recovery
//  5. Body size limit
//  6. Metrics (+ /metrics)
//  7. Rate limiter (per operator or IP; outcome replays bypass it)
//  8. CORS, gzip, security headers
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/notify-gate/internal/config"
	"github.com/tbourn/notify-gate/internal/http/handlers"
	"github.com/tbourn/notify-gate/internal/http/middleware"
	"github.com/tbourn/notify-gate/internal/queue"
	"github.com/tbourn/notify-gate/internal/repo"
	"github.com/tbourn/notify-gate/internal/services"
)

// App bundles the assembled gate components served over HTTP.
type App struct {
	Gate     *services.SafetyGate
	Recorder *services.Recorder
	// Queue is optional; without it enqueue requests get 503.
	Queue *queue.Queue
}

// RegisterRoutes attaches middleware and endpoints to r.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, app App, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID(), middleware.Operator())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Replay detection runs before the limiter so retried outcome
	// callbacks are not throttled.
	idem := middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200},
		func(ctx context.Context, key string, now time.Time) (bool, error) {
			_, err := repo.GetOutcomeReceipt(ctx, db, key, now)
			return err == nil, err
		},
	)
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByOperatorOrIP())

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderOperator, middleware.HeaderIdempotencyKey},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Idempotent-Replay"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// ACAO: * even without an Origin header, for curl-driven health checks.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		corsCfg.AllowAllOrigins = true
	} else {
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
		corsCfg.AllowOrigins = cfg.CORS.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	deps := handlers.Deps{
		Gate:     app.Gate,
		Recorder: app.Recorder,
		Control:  app.Gate.Startup,
		Ledger:   &services.LedgerQuery{DB: db},
	}
	if app.Queue != nil {
		deps.Queue = app.Queue
	}
	h := handlers.New(deps)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/decisions", rl.Handler(), h.Decide)
		api.POST("/outcomes", idem, rl.Handler(), h.RecordOutcome)

		api.GET("/state", h.GetState)
		api.GET("/kill-switch", h.GetState)
		api.PUT("/kill-switch", h.SetKillSwitch)

		api.GET("/recipients/:id/messages", rl.Handler(), h.ListMessages)
		api.GET("/events", rl.Handler(), h.ListEvents)
	}
}

// limitBody caps request bodies at maxBytes; larger bodies fail to read.
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
