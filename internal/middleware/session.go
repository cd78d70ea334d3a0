package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sentinel-security/sentinel/internal/requestctx"
	"github.com/sentinel-security/sentinel/internal/session"
)

// SessionValidator resolves and refreshes transport sessions. *session.Registry
// implements it.
type SessionValidator interface {
	Validate(ctx context.Context, token string) session.Status
	Touch(ctx context.Context, token string) bool
}

// SessionGuardMiddleware rejects requests presenting a terminated or expired session
// with 401 and records activity on active ones. Requests without a session id, and
// sessions the registry cannot resolve, pass through.
func SessionGuardMiddleware(sessions SessionValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := c.GetString(ContextKeySessionID)
		if sid == "" {
			sid = requestctx.TransportSessionID(c.Request)
		}
		if sid == "" {
			c.Next()
			return
		}

		switch sessions.Validate(c.Request.Context(), sid) {
		case session.StatusTerminated, session.StatusExpired:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Session has been terminated",
			})
			return
		case session.StatusActive:
			sessions.Touch(c.Request.Context(), sid)
		}

		c.Next()
	}
}
