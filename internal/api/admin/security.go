// Package admin implements the administrator endpoints: audit log search, security
// statistics, per-user session management, and abuse reports.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sentinel-security/sentinel/internal/audit"
	"github.com/sentinel-security/sentinel/internal/db/models"
	"github.com/sentinel-security/sentinel/internal/middleware"
	"github.com/sentinel-security/sentinel/internal/ratelimit"
	"github.com/sentinel-security/sentinel/internal/session"
)

// DefaultStatsDays is the stats window used when ?days is absent.
const DefaultStatsDays = 7

// AuditService is the subset of *audit.Logger used by the handlers.
type AuditService interface {
	Query(ctx context.Context, filter audit.Filter, limit, offset int) ([]*models.AuditEvent, int, error)
	Stats(ctx context.Context, windowDays int) (*audit.SecurityStats, error)
	LogAdminAction(ctx context.Context, a audit.AdminAction)
}

// SessionService is the subset of *session.Registry used by the handlers.
type SessionService interface {
	ListActive(ctx context.Context, userID string) []*models.Session
	TerminateAll(ctx context.Context, userID, exceptToken, reason string) int
}

// AbuseService is the subset of *ratelimit.Limiter used by the handlers.
type AbuseService interface {
	Violations(ctx context.Context, userID, origin string) (ratelimit.AbuseReport, []*models.RateLimitWindow, error)
}

// SecurityHandlers serves the /api/v1/admin routes.
type SecurityHandlers struct {
	audit    AuditService
	sessions SessionService
	abuse    AbuseService
}

// NewSecurityHandlers creates admin handlers. abuse may be nil when rate limiting is
// disabled.
func NewSecurityHandlers(auditSvc AuditService, sessions SessionService, abuse AbuseService) *SecurityHandlers {
	return &SecurityHandlers{audit: auditSvc, sessions: sessions, abuse: abuse}
}

// respondQueryError maps validation failures to 400 and everything else to 500.
func respondQueryError(c *gin.Context, err error, what string) {
	var verr *audit.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
		return
	}
	slog.Error("admin query failed", "query", what, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + what})
}

func parseTimeParam(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &audit.ValidationError{Field: name, Message: "must be an RFC 3339 timestamp"}
	}
	return t, nil
}

func parseIntParam(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &audit.ValidationError{Field: name, Message: "must be an integer"}
	}
	return n, nil
}

// @Summary      Search audit logs
// @Description  Returns audit events matching the filters, newest first. Requires the admin role.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        user_id         query  string  false  "Actor user ID"
// @Param        event_type      query  string  false  "Event type, e.g. auth.login"
// @Param        event_category  query  string  false  "Event category"
// @Param        severity        query  string  false  "info, warning, error or critical"
// @Param        start_date      query  string  false  "RFC 3339 lower bound"
// @Param        end_date        query  string  false  "RFC 3339 upper bound"
// @Param        limit           query  int     false  "Page size, max 1000 (default 100)"
// @Param        offset          query  int     false  "Offset (default 0)"
// @Success      200  {object}  map[string]interface{}  "events: []models.AuditEvent, total: int"
// @Failure      400  {object}  map[string]interface{}  "Invalid filter"
// @Failure      403  {object}  map[string]interface{}  "Insufficient permissions"
// @Router       /api/v1/admin/audit-logs [get]
// AuditLogsHandler searches the audit log
func (h *SecurityHandlers) AuditLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start, err := parseTimeParam(c, "start_date")
		if err != nil {
			respondQueryError(c, err, "query audit logs")
			return
		}
		end, err := parseTimeParam(c, "end_date")
		if err != nil {
			respondQueryError(c, err, "query audit logs")
			return
		}
		limit, err := parseIntParam(c, "limit", audit.DefaultQueryLimit)
		if err != nil {
			respondQueryError(c, err, "query audit logs")
			return
		}
		offset, err := parseIntParam(c, "offset", 0)
		if err != nil {
			respondQueryError(c, err, "query audit logs")
			return
		}

		filter := audit.Filter{
			UserID:    c.Query("user_id"),
			EventType: audit.EventType(c.Query("event_type")),
			Category:  audit.Category(c.Query("event_category")),
			Severity:  audit.Severity(c.Query("severity")),
			StartDate: start,
			EndDate:   end,
		}
		events, total, err := h.audit.Query(c.Request.Context(), filter, limit, offset)
		if err != nil {
			respondQueryError(c, err, "query audit logs")
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"events": events,
			"total":  total,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// @Summary      Security statistics
// @Description  Aggregates audit events over the trailing window. Requires the admin role.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        days  query  int  false  "Window in days, 1-365 (default 7)"
// @Success      200  {object}  audit.SecurityStats
// @Failure      400  {object}  map[string]interface{}  "Invalid days"
// @Router       /api/v1/admin/security/stats [get]
// StatsHandler returns security statistics
func (h *SecurityHandlers) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		days, err := parseIntParam(c, "days", DefaultStatsDays)
		if err != nil {
			respondQueryError(c, err, "compute security stats")
			return
		}
		stats, err := h.audit.Stats(c.Request.Context(), days)
		if err != nil {
			respondQueryError(c, err, "compute security stats")
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// @Summary      List a user's sessions
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        userId  path  string  true  "User ID"
// @Success      200  {object}  map[string]interface{}  "sessions: []models.Session, count: int"
// @Router       /api/v1/admin/users/{userId}/sessions [get]
// UserSessionsHandler lists a user's active sessions
func (h *SecurityHandlers) UserSessionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions := h.sessions.ListActive(c.Request.Context(), c.Param("userId"))
		c.JSON(http.StatusOK, gin.H{
			"sessions": sessions,
			"count":    len(sessions),
		})
	}
}

// @Summary      Force logout
// @Description  Terminates every active session of a user and records admin.force_logout.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        userId  path  string  true  "User ID"
// @Success      200  {object}  map[string]interface{}  "terminated: int"
// @Router       /api/v1/admin/users/{userId}/sessions [delete]
// ForceLogoutHandler terminates all sessions of a user
func (h *SecurityHandlers) ForceLogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		admin, _ := middleware.IdentityFrom(c)
		target := c.Param("userId")

		n := h.sessions.TerminateAll(c.Request.Context(), target, "", session.ReasonForceLogout)
		h.audit.LogAdminAction(c.Request.Context(), audit.AdminAction{
			Actor:        admin.Actor(),
			Type:         audit.EventAdminForceLogout,
			Action:       "Forced logout of all user sessions",
			TargetUserID: target,
			Details:      map[string]interface{}{"terminatedSessions": n},
			Request:      middleware.RequestContext(c),
		})

		c.JSON(http.StatusOK, gin.H{"terminated": n})
	}
}

// @Summary      Abuse report
// @Description  Returns the exceeded rate limit windows of an identity in the abuse lookback. Does not record an event.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        user_id  query  string  false  "User ID"
// @Param        origin   query  string  false  "Client IP, used when user_id is empty"
// @Success      200  {object}  map[string]interface{}  "isAbusive: bool, violations: int, windows: []models.RateLimitWindow"
// @Failure      400  {object}  map[string]interface{}  "user_id or origin is required"
// @Failure      503  {object}  map[string]interface{}  "Rate limit store unavailable"
// @Router       /api/v1/admin/ratelimit/abuse [get]
// AbuseReportHandler reports on an identity's rate limit violations
func (h *SecurityHandlers) AbuseReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.abuse == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Rate limiting is disabled"})
			return
		}
		userID, origin := c.Query("user_id"), c.Query("origin")
		if userID == "" && origin == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id or origin is required"})
			return
		}

		report, windows, err := h.abuse.Violations(c.Request.Context(), userID, origin)
		if err != nil {
			slog.Warn("abuse report unavailable", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Rate limit store unavailable"})
			return
		}

		if windows == nil {
			windows = []*models.RateLimitWindow{}
		}
		identifier := userID
		if identifier == "" {
			identifier = origin
		}
		c.JSON(http.StatusOK, gin.H{
			"identifier": identifier,
			"isAbusive":  report.IsAbusive,
			"violations": report.Violations,
			"windows":    windows,
		})
	}
}
