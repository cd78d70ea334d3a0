// Package middleware provides Gin HTTP middleware for identity, session enforcement,
// rate limiting, security headers, metrics, and audit logging.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Recovery → RequestID → Metrics → SecurityHeaders → OptionalAuth → SessionGuard → RateLimit → DataAudit → Handler
//
// Security headers run before anything that can abort so they appear on error
// responses. Identity is resolved before rate limiting so authenticated callers are
// counted by user id rather than origin. SessionGuard rejects terminated sessions
// before they consume rate limit budget. DataAudit runs last so it sees the final
// response status.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sentinel-security/sentinel/internal/audit"
	"github.com/sentinel-security/sentinel/internal/auth"
	"github.com/sentinel-security/sentinel/internal/requestctx"
)

// gin.Context keys set by the auth middleware.
const (
	ContextKeyUserID    = "user_id"
	ContextKeyEmail     = "email"
	ContextKeyRole      = "role"
	ContextKeySessionID = "session_id"
)

// RoleAdmin is the role required by admin routes.
const RoleAdmin = "admin"

// TokenValidator verifies bearer tokens. *auth.TokenManager implements it.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// EventLogger receives audit events. *audit.Logger implements it.
type EventLogger interface {
	Log(ctx context.Context, ev audit.Event)
}

// Identity is the authenticated principal of a request.
type Identity struct {
	UserID    string
	Email     string
	Role      string
	SessionID string
}

// Actor converts the identity to an audit actor.
func (i Identity) Actor() audit.Actor {
	return audit.Actor{UserID: i.UserID, Email: i.Email, Role: i.Role}
}

// IdentityFrom returns the identity set by OptionalAuthMiddleware or AuthMiddleware.
func IdentityFrom(c *gin.Context) (Identity, bool) {
	userID := c.GetString(ContextKeyUserID)
	if userID == "" {
		return Identity{}, false
	}
	return Identity{
		UserID:    userID,
		Email:     c.GetString(ContextKeyEmail),
		Role:      c.GetString(ContextKeyRole),
		SessionID: c.GetString(ContextKeySessionID),
	}, true
}

// RequestContext returns the audit request attributes of the current request. The
// client origin honours forwarding headers only from the engine's trusted proxies.
func RequestContext(c *gin.Context) requestctx.RequestContext {
	rc := requestctx.FromRequest(c.Request)
	if ip := c.ClientIP(); ip != "" {
		rc.IPAddress = ip
	}
	return rc
}

// bearerToken extracts the token from the Authorization header. The second return is
// the rejection message when the header is present but malformed.
func bearerToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", "Missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "Authorization header must start with 'Bearer '"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "Authorization token is empty"
	}
	return token, ""
}

// setIdentity stores the claims in the gin context and the session id in the request
// context so downstream audit events carry it.
func setIdentity(c *gin.Context, claims *auth.Claims) {
	c.Set(ContextKeyUserID, claims.UserID)
	c.Set(ContextKeyEmail, claims.Email)
	c.Set(ContextKeyRole, claims.Role)

	sid := claims.SessionID
	if sid == "" {
		sid = requestctx.TransportSessionID(c.Request)
	}
	if sid != "" {
		c.Set(ContextKeySessionID, sid)
		c.Request = c.Request.WithContext(requestctx.WithSessionID(c.Request.Context(), sid))
	}
}

// AuthMiddleware requires a valid bearer token.
func AuthMiddleware(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearerToken(c)
		if msg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		claims, err := tokens.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		setIdentity(c, claims)
		c.Next()
	}
}

// OptionalAuthMiddleware - same as AuthMiddleware but doesn't abort if no auth
func OptionalAuthMiddleware(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearerToken(c)
		if msg != "" {
			c.Next()
			return
		}

		if claims, err := tokens.Validate(token); err == nil {
			setIdentity(c, claims)
		}

		// Continue regardless of auth status
		c.Next()
	}
}

// RequireAuth aborts requests that carry no identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := IdentityFrom(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}
		c.Next()
	}
}

// RequireRole aborts requests whose identity lacks role. Denials of authenticated
// callers are recorded as authz.denied.
func RequireRole(role string, events EventLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}

		if id.Role != role {
			if events != nil {
				events.Log(c.Request.Context(), audit.Event{
					Type:           audit.EventAccessDenied,
					Action:         "Access denied: " + c.Request.Method + " " + c.Request.URL.Path,
					Actor:          id.Actor(),
					Request:        RequestContext(c),
					ResponseStatus: http.StatusForbidden,
					Details: map[string]interface{}{
						"requiredRole": role,
					},
				})
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Insufficient permissions",
			})
			return
		}
		c.Next()
	}
}
