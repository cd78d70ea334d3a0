// @title           Sentinel Security API
// @version         1.0.0
// @description     Audit logging, session management and rate limiting for the platform API
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "JWT access token: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health and readiness probes.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated side-channel port (default: 9090), separate from the API listener and its rate limiting. Configure the port with SENTINEL_TELEMETRY_METRICS_PROMETHEUS_PORT. The endpoint path is always GET /metrics.

// Package main is the entry point for the Sentinel server binary.
// It dispatches three subcommands (serve, migrate, version) via a switch on
// os.Args. The serve command runs migrations on startup when PostgreSQL is in use.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sentinel-security/sentinel/internal/api"
	"github.com/sentinel-security/sentinel/internal/audit"
	"github.com/sentinel-security/sentinel/internal/auth"
	"github.com/sentinel-security/sentinel/internal/config"
	"github.com/sentinel-security/sentinel/internal/db"
	"github.com/sentinel-security/sentinel/internal/db/repositories"
	"github.com/sentinel-security/sentinel/internal/ratelimit"
	"github.com/sentinel-security/sentinel/internal/session"
	"github.com/sentinel-security/sentinel/internal/telemetry"
)

const (
	version = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	// Parse command from args
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Execute command
	switch command {
	case "serve":
		return serve(cfg, configPath)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "version":
		fmt.Printf("Sentinel v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config, configPath string) error {
	// Initialise structured logger as early as possible so all subsequent log output
	// uses the configured format and level.
	logCloser, err := telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Logging.Output)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logCloser.Close()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	tokens, err := auth.NewTokenManager(cfg.Auth.JWT.Secret, cfg.Auth.JWT.Issuer, cfg.Auth.JWT.TokenTTL, cfg.Server.DevMode)
	if err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	ctx := context.Background()

	var database *sqlx.DB
	if cfg.NeedsPostgres() {
		database, err = connectDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer database.Close()
	}

	var rdb redis.UniversalClient
	if cfg.NeedsRedis() {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addresses,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// The limiter fails open, so an unreachable Redis degrades rather than blocks startup.
			slog.Warn("redis not reachable at startup", "addresses", cfg.Redis.Addresses, "error", err)
		} else {
			slog.Info("connected to redis", "addresses", cfg.Redis.Addresses)
		}
	}

	// Audit logger
	auditOpts, err := auditOptions(cfg.Audit)
	if err != nil {
		return err
	}
	var auditStore audit.Store = audit.NewMemoryStore()
	if cfg.Store.Backend == config.BackendPostgres {
		auditStore = repositories.NewAuditRepository(database)
	}
	auditLogger := audit.NewLogger(auditStore, auditOpts)
	defer auditLogger.Close()

	// Session registry
	var sessionStore session.Store = session.NewMemoryStore()
	if cfg.Store.Backend == config.BackendPostgres {
		sessionStore = repositories.NewSessionRepository(database)
	}
	registry := session.NewRegistry(sessionStore, session.Options{
		MaxActive:     cfg.Sessions.MaxActive,
		Policy:        session.LimitPolicy(cfg.Sessions.LimitPolicy),
		TouchInterval: cfg.Sessions.TouchInterval,
		StoreTimeout:  cfg.Sessions.StoreTimeout,
		Audit:         auditLogger,
	})

	// Rate limiter
	var limiter *ratelimit.Limiter
	if cfg.RateLimiting.Enabled {
		limiter, err = newLimiter(cfg, database, rdb, auditLogger)
		if err != nil {
			return err
		}
		if configPath != "" {
			err := config.Watch(configPath, func(next *config.Config) {
				if err := limiter.UpdatePolicies(next.RateLimiting.Policies()); err != nil {
					slog.Warn("rejected rate limit policy reload", "error", err)
				}
			})
			if err != nil {
				slog.Warn("config hot reload disabled", "error", err)
			}
		}
	}

	// Start Prometheus metrics endpoint on a dedicated port so it is not reachable
	// through the public API ingress path.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	router, bgServices := api.NewRouter(cfg, api.Services{
		DB:       database,
		Redis:    rdb,
		Tokens:   tokens,
		Audit:    auditLogger,
		Sessions: registry,
		Limiter:  limiter,
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"store", cfg.Store.Backend,
			"rate_limiting", cfg.RateLimiting.Enabled,
			"rate_limit_store", cfg.RateLimiting.Store,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		bgServices.Shutdown()
		return fmt.Errorf("failed to start server: %w", err)
	}

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		bgServices.Shutdown()
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop sweeps after in-flight requests have drained
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

// connectDatabase opens the pool and brings the schema up to date.
func connectDatabase(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	slog.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"user", cfg.Database.User,
		"dbname", cfg.Database.Name,
		"sslmode", cfg.Database.SSLMode,
	)
	database, err := db.Connect(ctx, cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("running database migrations")
	if err := db.RunMigrations(database.DB, "up"); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", v, "dirty", dirty)
	}
	return database, nil
}

// auditOptions builds the audit logger's fallback and shippers.
func auditOptions(cfg config.AuditConfig) (audit.Options, error) {
	opts := audit.Options{WriteTimeout: cfg.WriteTimeout}

	if cfg.Fallback.Path != "" {
		fallback, err := audit.NewFileShipper(fileConfig(&cfg.Fallback))
		if err != nil {
			return opts, fmt.Errorf("failed to open audit fallback log: %w", err)
		}
		opts.Fallback = fallback
	}

	var shippers []audit.ShipperConfig
	for _, s := range cfg.Shippers {
		sc := audit.ShipperConfig{Enabled: s.Enabled, Type: s.Type}
		if s.Webhook != nil {
			sc.Webhook = &audit.WebhookConfig{
				URL:           s.Webhook.URL,
				Headers:       s.Webhook.Headers,
				Timeout:       time.Duration(s.Webhook.TimeoutSecs) * time.Second,
				BatchSize:     s.Webhook.BatchSize,
				FlushInterval: time.Duration(s.Webhook.FlushInterval) * time.Second,
			}
		}
		if s.File != nil {
			sc.File = fileConfig(s.File)
		}
		shippers = append(shippers, sc)
	}
	if len(shippers) > 0 {
		ms, err := audit.NewMultiShipper(shippers)
		if err != nil {
			return opts, fmt.Errorf("failed to configure audit shippers: %w", err)
		}
		opts.Shipper = ms
	}
	return opts, nil
}

func fileConfig(f *config.AuditFileConfig) *audit.FileConfig {
	return &audit.FileConfig{
		Path:       f.Path,
		MaxSizeMB:  f.MaxSizeMB,
		MaxBackups: f.MaxBackups,
		MaxAgeDays: f.MaxAgeDays,
		Compress:   f.Compress,
	}
}

// newLimiter builds the limiter on the configured window store.
func newLimiter(cfg *config.Config, database *sqlx.DB, rdb redis.UniversalClient, auditLogger *audit.Logger) (*ratelimit.Limiter, error) {
	rl := cfg.RateLimiting

	var store ratelimit.Store
	switch rl.Store {
	case config.BackendPostgres:
		store = repositories.NewRateLimitRepository(database)
	case config.BackendRedis:
		store = ratelimit.NewRedisStore(rdb, cfg.Redis.KeyPrefix, rl.Retention)
	default:
		store = ratelimit.NewMemoryStore()
	}

	policies := rl.Policies()
	limiter, err := ratelimit.NewLimiter(store, ratelimit.Options{
		Policies:       &policies,
		StoreTimeout:   rl.StoreTimeout,
		Retention:      rl.Retention,
		AbuseThreshold: rl.Abuse.Threshold,
		AbuseLookback:  rl.Abuse.Lookback,
		AbuseRiskScore: rl.Abuse.RiskScore,
		LimitRiskScore: rl.LimitRiskScore,
		Audit:          auditLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure rate limiter: %w", err)
	}
	return limiter, nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(context.Background(), cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction)

	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", v, dirty)
	return nil
}
