// Package api wires together all HTTP routes for the ballotdesk backend.
//
// Route grouping:
//   - /health, /ready and /version are public and unthrottled so probes never
//     trip the rate limiter.
//   - POST /api/auth/login is public behind a stricter per-IP limit.
//   - Logout and the current-user lookup require a session but sit outside the
//     audit middleware; the handlers write their own LOGIN/LOGOUT rows.
//   - Every other /api route requires a session and runs through the audit
//     middleware before any role check, so mutating requests from any
//     authenticated actor are logged. Domain handlers (elections, candidates,
//     voters) attach here through RouteMount.
//   - Audit log and activity report routes additionally require an admin-tier
//     role. The classifier treats the audit-logs subtree as noise.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/ballotdesk/ballotdesk/internal/api/admin"
	"github.com/ballotdesk/ballotdesk/internal/audit"
	"github.com/ballotdesk/ballotdesk/internal/config"
	"github.com/ballotdesk/ballotdesk/internal/db"
	"github.com/ballotdesk/ballotdesk/internal/db/repositories"
	"github.com/ballotdesk/ballotdesk/internal/jobs"
	"github.com/ballotdesk/ballotdesk/internal/middleware"
	"github.com/ballotdesk/ballotdesk/internal/reports"
	"github.com/ballotdesk/ballotdesk/internal/safego"
	"github.com/ballotdesk/ballotdesk/internal/storage"

	// Import storage backends to register them
	_ "github.com/ballotdesk/ballotdesk/internal/storage/azure"
	_ "github.com/ballotdesk/ballotdesk/internal/storage/gcs"
	_ "github.com/ballotdesk/ballotdesk/internal/storage/local"
	_ "github.com/ballotdesk/ballotdesk/internal/storage/s3"
)

// Version is the build version reported by /version. It is overridden at link
// time with -ldflags "-X github.com/ballotdesk/ballotdesk/internal/api.Version=...".
var Version = "0.1.0"

// readinessProbePath is a known-absent object used to exercise storage credentials.
const readinessProbePath = ".readiness-probe"

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() after the HTTP server has drained.
type BackgroundServices struct {
	retentionJob *jobs.AuditRetentionJob
	rateLimiters []*middleware.RateLimiter
	redis        *redis.Client
	recorder     *audit.Recorder
	shipper      *audit.MultiShipper
}

// Shutdown stops background goroutines and waits for in-flight audit writes
// until ctx is done.
func (bg *BackgroundServices) Shutdown(ctx context.Context) error {
	slog.Info("stopping background services")
	if bg.retentionJob != nil {
		bg.retentionJob.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}

	var errs []error
	if bg.recorder != nil {
		if err := bg.recorder.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit writes still pending: %w", err))
		}
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if bg.redis != nil {
		if err := bg.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	slog.Info("all background services stopped")
	return errors.Join(errs...)
}

// NewRetentionJob builds the audit retention job, opening the archive storage
// backend when archiving is enabled.
func NewRetentionJob(cfg *config.Config, database *sqlx.DB) (*jobs.AuditRetentionJob, error) {
	var archive storage.Storage
	if cfg.Retention.Archive {
		var err error
		archive, err = storage.NewStorage(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize archive storage: %w", err)
		}
	}
	return jobs.NewAuditRetentionJob(repositories.NewAuditRepository(database), archive, &cfg.Retention), nil
}

// RouteMount registers routes on the authenticated, audited /api group.
type RouteMount func(authenticated *gin.RouterGroup)

// NewRouter creates and configures the Gin router and starts the background
// services it depends on. ctx bounds the lifetime of those services.
func NewRouter(ctx context.Context, cfg *config.Config, sqlDB *sql.DB, mounts ...RouteMount) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()
	database := db.Wrap(sqlDB)

	storageBackend, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	slog.Info("initialized archive storage backend", "backend", cfg.Storage.DefaultBackend)

	userRepo := repositories.NewUserRepository(database)
	auditRepo := repositories.NewAuditRepository(database)

	shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
	}
	bg := &BackgroundServices{shipper: shipper}

	var recorderShipper audit.Shipper
	if shipper.Len() > 0 {
		recorderShipper = shipper
		slog.Info("audit shipping enabled", "destinations", shipper.Len())
	}
	recorder := audit.NewRecorder(auditRepo, recorderShipper, &safego.Tracker{})
	bg.recorder = recorder

	if cfg.Retention.Enabled {
		var archive storage.Storage
		if cfg.Retention.Archive {
			archive = storageBackend
		}
		job := jobs.NewAuditRetentionJob(auditRepo, archive, &cfg.Retention)
		bg.retentionJob = job
		safego.Go(func() { job.Start(ctx) })
	}

	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))

	router.GET("/health", healthCheckHandler(sqlDB))
	router.GET("/ready", readinessHandler(sqlDB, storageBackend))
	router.GET("/version", versionHandler())

	apiGroup := router.Group("/api")
	var loginLimit []gin.HandlerFunc
	if cfg.Security.RateLimiting.Enabled {
		general, login := bg.rateLimitersFor(ctx, &cfg.Security.RateLimiting)
		apiGroup.Use(middleware.RateLimitMiddleware(general))
		loginLimit = append(loginLimit, middleware.RateLimitMiddleware(login))
	}

	authHandlers := admin.NewAuthHandlers(userRepo, recorder, cfg.Auth.TokenTTL)
	apiGroup.POST("/auth/login", append(loginLimit, authHandlers.LoginHandler())...)

	session := apiGroup.Group("/auth")
	session.Use(middleware.AuthMiddleware(userRepo))
	{
		session.POST("/logout", authHandlers.LogoutHandler())
		session.GET("/me", authHandlers.MeHandler())
	}

	authenticated := apiGroup.Group("")
	authenticated.Use(middleware.AuthMiddleware(userRepo))
	if cfg.Audit.Enabled {
		authenticated.Use(middleware.AuditMiddleware(recorder, middleware.AuditOptions{
			Suppressor:   audit.NewSuppressor(cfg.Audit.DedupWindow, cfg.Audit.DedupTTL, nil),
			MaxBodyBytes: int64(cfg.Audit.MaxBodyBytes),
		}))
	}
	for _, mount := range mounts {
		mount(authenticated)
	}

	adminTier := authenticated.Group("")
	adminTier.Use(middleware.RequireAdminTier())

	loc := cfg.Reports.Location()
	auditLogHandlers := admin.NewAuditLogHandlers(auditRepo, loc)
	auditGroup := adminTier.Group("/audit-logs")
	{
		auditGroup.GET("", auditLogHandlers.List())
		auditGroup.GET("/summary", auditLogHandlers.Summary())
		auditGroup.DELETE("", middleware.RequireSuperAdmin(), auditLogHandlers.DeleteOlderThan())
	}

	reportHandlers := admin.NewActivityReportHandlers(reports.NewActivityService(auditRepo, userRepo, time.Now, loc))
	reportGroup := adminTier.Group("/reports/admin-activity")
	{
		reportGroup.GET("/activities", reportHandlers.ListActivities())
		reportGroup.GET("/summary", reportHandlers.Summary())
	}

	return router, bg, nil
}

// rateLimitersFor returns the general and login limiters. Redis is used when
// configured and reachable; otherwise each replica keeps its own buckets.
func (bg *BackgroundServices) rateLimitersFor(ctx context.Context, cfg *config.RateLimitingConfig) (general, login middleware.Limiter) {
	generalCfg := middleware.DefaultRateLimitConfig()
	if cfg.RequestsPerMinute > 0 {
		generalCfg.RequestsPerMinute = cfg.RequestsPerMinute
	}
	if cfg.Burst > 0 {
		generalCfg.BurstSize = cfg.Burst
	}
	loginCfg := middleware.AuthRateLimitConfig()
	if cfg.LoginPerMinute > 0 {
		loginCfg.RequestsPerMinute = cfg.LoginPerMinute
	}

	if cfg.RedisAddr != "" {
		client, err := middleware.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err == nil {
			bg.redis = client
			slog.Info("rate limiting backed by redis", "addr", cfg.RedisAddr)
			return middleware.NewRedisRateLimiter(client, generalCfg, "ratelimit:api:"),
				middleware.NewRedisRateLimiter(client, loginCfg, "ratelimit:login:")
		}
		slog.Warn("redis unavailable, using in-memory rate limiting", "addr", cfg.RedisAddr, "error", err)
	}

	generalRL := middleware.NewRateLimiter(generalCfg)
	loginRL := middleware.NewRateLimiter(loginCfg)
	bg.rateLimiters = append(bg.rateLimiters, generalRL, loginRL)
	return generalRL, loginRL
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the database and the archive storage backend.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, time"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
// readinessHandler also probes the storage backend, so retention archives
// failing on credentials or network show up before the next prune.
func readinessHandler(db *sql.DB, storageBackend storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if _, err := storageBackend.Exists(c.Request.Context(), readinessProbePath); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware logs each request through slog. The handler format (json or
// text) comes from telemetry.SetupLogger.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		middleware.RequestLogger(c).LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	if methods == "" {
		methods = "GET, POST, PUT, DELETE, OPTIONS"
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				c.Header("Access-Control-Allow-Credentials", "true")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
