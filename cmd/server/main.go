// @title           ballotdesk API
// @version         1.0.0
// @description     Election administration audit log and admin activity reports
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "Session token: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health, readiness and version endpoints.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated side port (default: 9090), separate from the API listener. Configure it with BDK_TELEMETRY_METRICS_PROMETHEUS_PORT. The path is always GET /metrics.

// Package main is the entry point for the ballotdesk server binary.
// It dispatches its subcommands (serve, migrate, prune, create-admin and
// version) via a simple switch on os.Args so the whole CLI surface is readable
// in one place. The serve command runs migrations on startup.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/mail"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/ballotdesk/ballotdesk/internal/api"
	"github.com/ballotdesk/ballotdesk/internal/auth"
	"github.com/ballotdesk/ballotdesk/internal/config"
	"github.com/ballotdesk/ballotdesk/internal/db"
	"github.com/ballotdesk/ballotdesk/internal/db/models"
	"github.com/ballotdesk/ballotdesk/internal/db/repositories"
	"github.com/ballotdesk/ballotdesk/internal/telemetry"
)

// shutdownTimeout bounds HTTP draining and the wait for pending audit writes.
const shutdownTimeout = 10 * time.Second

// minAdminPasswordLen is the shortest password create-admin accepts.
const minAdminPasswordLen = 12

const usage = `usage: server <command>

commands:
  serve                         run the HTTP API (default)
  migrate <up|down>             apply or roll back database migrations
  prune                         run one audit retention pass and exit
  create-admin <email> [role]   create an admin account; password from BDK_ADMIN_PASSWORD
  version                       print the version`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 0 {
		command = args[0]
	}
	if command == "version" {
		fmt.Printf("ballotdesk v%s\n", api.Version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(args) < 2 {
			return fmt.Errorf("usage: server migrate <up|down>")
		}
		return runMigrations(cfg, args[1])
	case "prune":
		return prune(cfg)
	case "create-admin":
		if len(args) < 2 {
			return fmt.Errorf("usage: server create-admin <email> [role]")
		}
		role := models.RoleAdmin
		if len(args) > 2 {
			role = args[2]
		}
		return createAdmin(cfg, args[1], role, os.Getenv("BDK_ADMIN_PASSWORD"))
	default:
		return fmt.Errorf("unknown command: %s\n%s", command, usage)
	}
}

func serve(cfg *config.Config) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Fails outside dev mode when BDK_JWT_SECRET is not set
	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	slog.Info("connecting to database",
		"host", cfg.Database.Host, "port", cfg.Database.Port, "user", cfg.Database.User,
		"dbname", cfg.Database.Name, "sslmode", cfg.Database.SSLMode)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("failed to read migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", version, "dirty", dirty)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.StartDBStatsCollector(ctx, database)

	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		metricsServer = startMetricsServer(cfg.Telemetry.Metrics.PrometheusPort)
	}

	router, bgServices, err := api.NewRouter(ctx, cfg, database)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", server.Addr, "tls", cfg.Security.TLS.Enabled,
			"storage_backend", cfg.Storage.DefaultBackend)
		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	// Drains audit writes started by requests that have already completed
	if err := bgServices.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	slog.Info("server stopped")
	return errors.Join(errs...)
}

// startMetricsServer serves /metrics on its own port so the scrape path stays
// off the public listener.
func startMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("starting Prometheus metrics server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", version, "dirty", dirty)
	return nil
}

// prune runs a single retention pass, whether or not the background job is
// enabled, so operators can purge from cron.
func prune(cfg *config.Config) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	job, err := api.NewRetentionJob(cfg, db.Wrap(database))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := job.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("retention failed: %w", err)
	}
	slog.Info("retention complete",
		"cutoff", res.Cutoff, "archived", res.Archived, "archive_path", res.ArchivePath, "deleted", res.Deleted)
	return nil
}

func createAdmin(cfg *config.Config, email, role, password string) error {
	user, err := newAdminUser(email, role, password)
	if err != nil {
		return err
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	users := repositories.NewUserRepository(db.Wrap(database))
	ctx := context.Background()

	existing, err := users.GetUserByEmail(ctx, user.Email)
	if err != nil {
		return fmt.Errorf("failed to check for existing user: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("user %s already exists", user.Email)
	}
	if err := users.CreateUser(ctx, user); err != nil {
		return err
	}
	slog.Info("admin account created", "id", user.ID, "email", user.Email, "role", user.Role)
	return nil
}

// newAdminUser validates create-admin input and hashes the password.
func newAdminUser(email, role, password string) (*models.User, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return nil, fmt.Errorf("invalid email %q: %w", email, err)
	}
	label := models.NormalizeRole(role)
	if label != models.RoleAdmin && label != models.RoleSuperAdmin {
		return nil, fmt.Errorf("role must be %q or %q, got %q", models.RoleAdmin, models.RoleSuperAdmin, role)
	}
	if len(password) < minAdminPasswordLen {
		return nil, fmt.Errorf("BDK_ADMIN_PASSWORD must be at least %d characters", minAdminPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return &models.User{
		Email:        strings.ToLower(addr.Address),
		Role:         label,
		IsActive:     true,
		PasswordHash: string(hash),
	}, nil
}
