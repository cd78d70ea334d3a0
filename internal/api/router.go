// Package api wires together all HTTP routes for the security telemetry service.
//
// Route grouping:
//   - /health and /ready are unauthenticated probes for orchestrators.
//   - /api/v1/ routes resolve identity optionally, reject terminated sessions, and are
//     rate limited. Session routes require authentication; admin routes additionally
//     require the admin role, and denials are audited as authz.denied.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sentinel-security/sentinel/internal/api/admin"
	"github.com/sentinel-security/sentinel/internal/api/sessions"
	"github.com/sentinel-security/sentinel/internal/audit"
	"github.com/sentinel-security/sentinel/internal/auth"
	"github.com/sentinel-security/sentinel/internal/config"
	"github.com/sentinel-security/sentinel/internal/jobs"
	"github.com/sentinel-security/sentinel/internal/middleware"
	"github.com/sentinel-security/sentinel/internal/ratelimit"
	"github.com/sentinel-security/sentinel/internal/session"
	"github.com/sentinel-security/sentinel/internal/telemetry"
)

// probeTimeout bounds each dependency check made by the health and readiness probes.
const probeTimeout = 2 * time.Second

// Services holds the components the router serves. DB and Redis are nil when no
// configured store uses them; Limiter is nil when rate limiting is disabled.
type Services struct {
	DB       *sqlx.DB
	Redis    redis.UniversalClient
	Tokens   *auth.TokenManager
	Audit    *audit.Logger
	Sessions *session.Registry
	Limiter  *ratelimit.Limiter
}

// BackgroundServices holds references to background jobs that must be stopped during
// graceful shutdown. The caller (cmd/server) is responsible for calling Shutdown()
// when the process receives a termination signal.
type BackgroundServices struct {
	windowCleanup *jobs.WindowCleanupJob
	sessionExpiry *jobs.SessionExpiryJob
	cancel        context.CancelFunc
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.windowCleanup != nil {
		bg.windowCleanup.Stop()
	}
	if bg.sessionExpiry != nil {
		bg.sessionExpiry.Stop()
	}
	if bg.cancel != nil {
		bg.cancel()
	}
	slog.Info("all background services stopped")
}

// sqlDB unwraps the pool for probes and stats, tolerating a nil handle.
func sqlDB(db *sqlx.DB) *sql.DB {
	if db == nil {
		return nil
	}
	return db.DB
}

// securityHeaders builds the header middleware config from the service config.
func securityHeaders(cfg config.SecurityHeadersConfig) middleware.SecurityHeadersConfig {
	h := middleware.DefaultSecurityHeadersConfig()
	if cfg.HSTSMaxAge > 0 {
		h.HSTSMaxAge = cfg.HSTSMaxAge
	}
	h.HSTSPreload = cfg.HSTSPreload
	if cfg.FrameOptions != "" {
		h.FrameOptions = cfg.FrameOptions
	}
	if cfg.ContentSecurityPolicy != "" {
		h.ContentSecurityPolicy = cfg.ContentSecurityPolicy
	}
	return h
}

// NewRouter creates and configures the Gin router and starts the background sweeps.
func NewRouter(cfg *config.Config, svc Services) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	// gin trusts every peer by default. Forwarding headers only count from configured proxies.
	if err := router.SetTrustedProxies(cfg.Security.TrustedProxies); err != nil {
		slog.Error("invalid trusted proxies, forwarding headers ignored", "error", err)
		_ = router.SetTrustedProxies(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bg := &BackgroundServices{cancel: cancel}

	if db := sqlDB(svc.DB); db != nil {
		telemetry.StartDBStatsCollector(ctx, db)
	}

	// Start background sweeps
	if svc.Limiter != nil {
		bg.windowCleanup = jobs.NewWindowCleanupJob(svc.Limiter, cfg.RateLimiting.CleanupInterval)
		bg.windowCleanup.Start(ctx)
	}
	bg.sessionExpiry = jobs.NewSessionExpiryJob(svc.Sessions, cfg.Sessions.ExpirySweepInterval)
	bg.sessionExpiry.Start(ctx)

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware(slog.Default()))
	if cfg.Security.Headers.Enabled {
		router.Use(middleware.SecurityHeadersMiddleware(securityHeaders(cfg.Security.Headers)))
	}
	router.Use(CORSMiddleware(cfg))

	// Probes
	router.GET("/health", healthCheckHandler(sqlDB(svc.DB)))
	router.GET("/ready", readinessHandler(sqlDB(svc.DB), svc.Redis))

	// API v1
	v1 := router.Group("/api/v1")
	v1.Use(middleware.OptionalAuthMiddleware(svc.Tokens))
	v1.Use(middleware.SessionGuardMiddleware(svc.Sessions))
	if svc.Limiter != nil {
		v1.Use(middleware.RateLimitMiddleware(svc.Limiter, middleware.RateLimitOptions{
			SkipAllowlist: cfg.RateLimiting.SkipAllowlist,
		}))
	}

	sessionHandlers := sessions.NewHandlers(svc.Sessions, svc.Audit)

	authGroup := v1.Group("/auth")
	authGroup.POST("/logout", middleware.RequireAuth(), sessionHandlers.LogoutHandler())

	sessionGroup := v1.Group("/sessions")
	sessionGroup.Use(middleware.RequireAuth())
	sessionGroup.Use(middleware.DataAuditMiddleware(svc.Audit, middleware.DataAuditConfig{
		LogReadOperations: cfg.Audit.LogReadOperations,
	}))
	{
		sessionGroup.GET("", sessionHandlers.ListHandler())
		sessionGroup.POST("/revoke-others", sessionHandlers.RevokeOthersHandler())
		sessionGroup.DELETE("/:sessionId", sessionHandlers.TerminateHandler())
	}

	// A nil *ratelimit.Limiter must not be stored in the interface.
	var abuse admin.AbuseService
	if svc.Limiter != nil {
		abuse = svc.Limiter
	}
	adminHandlers := admin.NewSecurityHandlers(svc.Audit, svc.Sessions, abuse)

	adminGroup := v1.Group("/admin")
	adminGroup.Use(middleware.RequireRole(middleware.RoleAdmin, svc.Audit))
	{
		adminGroup.GET("/audit-logs", adminHandlers.AuditLogsHandler())
		adminGroup.GET("/security/stats", adminHandlers.StatsHandler())
		adminGroup.GET("/users/:userId/sessions", adminHandlers.UserSessionsHandler())
		adminGroup.DELETE("/users/:userId/sessions", adminHandlers.ForceLogoutHandler())
		adminGroup.GET("/ratelimit/abuse", adminHandlers.AbuseReportHandler())
	}

	return router, bg
}

// @Summary      Health check
// @Description  Returns the health status of the service. Checks database connectivity when a database is configured.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  "database connection failed",
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the database and Redis when configured.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks: map, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks: map, error: string"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the Redis window store so
// that a readiness gate fails when rate limit state would be unavailable.
func readinessHandler(db *sql.DB, rdb redis.UniversalClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}
		ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
		defer cancel()

		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				checks["database"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "database not ready",
				})
				return
			}
			checks["database"] = "healthy"
		}

		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				checks["redis"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "redis not ready",
				})
				return
			}
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Check if origin is allowed
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
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-Session-ID, X-Device-Fingerprint")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
