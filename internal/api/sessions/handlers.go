// Package sessions implements the self-service session endpoints: listing the
// caller's active sessions, revoking them, and logging out.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sentinel-security/sentinel/internal/audit"
	"github.com/sentinel-security/sentinel/internal/db/models"
	"github.com/sentinel-security/sentinel/internal/middleware"
	"github.com/sentinel-security/sentinel/internal/requestctx"
	"github.com/sentinel-security/sentinel/internal/session"
)

// Registry is the subset of *session.Registry used by the handlers.
type Registry interface {
	ListActive(ctx context.Context, userID string) []*models.Session
	Get(ctx context.Context, token string) (*models.Session, error)
	Terminate(ctx context.Context, token, reason string) bool
	TerminateAll(ctx context.Context, userID, exceptToken, reason string) int
	MaxActive() int
}

// LogoutAuditor records logouts. *audit.Logger implements it.
type LogoutAuditor interface {
	LogLogout(ctx context.Context, actor audit.Actor, rc audit.RequestContext)
}

// Handlers serves the /api/v1/sessions and /api/v1/auth/logout routes.
type Handlers struct {
	registry Registry
	audit    LogoutAuditor
}

// NewHandlers creates session handlers.
func NewHandlers(registry Registry, auditor LogoutAuditor) *Handlers {
	return &Handlers{registry: registry, audit: auditor}
}

// @Summary      List my sessions
// @Description  Returns the caller's active sessions, most recently active first.
// @Tags         Sessions
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "sessions: []models.Session, current: session id, max_active: int"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Router       /api/v1/sessions [get]
// ListHandler lists the caller's active sessions
func (h *Handlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := middleware.IdentityFrom(c)
		c.JSON(http.StatusOK, gin.H{
			"sessions":   h.registry.ListActive(c.Request.Context(), id.UserID),
			"current":    id.SessionID,
			"max_active": h.registry.MaxActive(),
		})
	}
}

// @Summary      Revoke a session
// @Description  Terminates one of the caller's sessions.
// @Tags         Sessions
// @Security     Bearer
// @Produce      json
// @Param        sessionId  path  string  true  "Session ID"
// @Success      200  {object}  map[string]interface{}  "terminated: bool"
// @Failure      404  {object}  map[string]interface{}  "Session not found"
// @Router       /api/v1/sessions/{sessionId} [delete]
// TerminateHandler terminates one of the caller's sessions
func (h *Handlers) TerminateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := middleware.IdentityFrom(c)
		sid := c.Param("sessionId")

		s, err := h.registry.Get(c.Request.Context(), sid)
		if errors.Is(err, session.ErrNotFound) || (err == nil && s.UserID != id.UserID) {
			// Sessions of other users are reported as missing.
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		if err != nil {
			slog.Error("failed to load session", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load session"})
			return
		}

		terminated := h.registry.Terminate(c.Request.Context(), sid, session.ReasonRevoked)
		c.JSON(http.StatusOK, gin.H{"terminated": terminated})
	}
}

// @Summary      Revoke other sessions
// @Description  Terminates every active session of the caller except the current one.
// @Tags         Sessions
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "terminated: int"
// @Router       /api/v1/sessions/revoke-others [post]
// RevokeOthersHandler terminates all of the caller's other sessions
func (h *Handlers) RevokeOthersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := middleware.IdentityFrom(c)
		if id.SessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Current session is unknown"})
			return
		}
		n := h.registry.TerminateAll(c.Request.Context(), id.UserID, id.SessionID, session.ReasonRevoked)
		c.JSON(http.StatusOK, gin.H{"terminated": n})
	}
}

// @Summary      Log out
// @Description  Terminates the current session and records auth.logout.
// @Tags         Authentication
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "message: Logged out"
// @Router       /api/v1/auth/logout [post]
// LogoutHandler ends the current session
func (h *Handlers) LogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := middleware.IdentityFrom(c)
		if id.SessionID != "" {
			h.registry.Terminate(c.Request.Context(), id.SessionID, session.ReasonLogout)
		}
		h.audit.LogLogout(c.Request.Context(), id.Actor(), middleware.RequestContext(c))

		c.SetSameSite(http.SameSiteStrictMode)
		c.SetCookie(requestctx.SessionCookie, "", -1, "/", "", true, true)
		c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
	}
}
