// ratelimit.go provides Gin middleware that enforces per-identity fixed-window rate limits,
// returning 429 responses once a category budget is exhausted.
package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sentinel-security/sentinel/internal/ratelimit"
)

// ISO-8601 with millisecond precision; UTC times render with a Z suffix.
const resetHeaderLayout = "2006-01-02T15:04:05.000Z07:00"

// RateLimiter is the subset of *ratelimit.Limiter used by the middleware.
type RateLimiter interface {
	Check(ctx context.Context, userID, origin, path, method string) ratelimit.Decision
	DetectAbuse(ctx context.Context, userID, origin string) ratelimit.AbuseReport
}

// RateLimitOptions configures RateLimitMiddleware.
type RateLimitOptions struct {
	// SkipAllowlist holds user ids or emails that bypass rate limiting entirely.
	SkipAllowlist []string
	// Now overrides the clock used for Retry-After. Defaults to time.Now.
	Now func() time.Time
}

// RateLimitMiddleware creates a Gin middleware that rate limits requests
func RateLimitMiddleware(limiter RateLimiter, opts RateLimitOptions) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(opts.SkipAllowlist))
	for _, entry := range opts.SkipAllowlist {
		if entry = strings.ToLower(strings.TrimSpace(entry)); entry != "" {
			skip[entry] = struct{}{}
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return func(c *gin.Context) {
		id, _ := IdentityFrom(c)
		if allowlisted(skip, id) {
			c.Next()
			return
		}

		origin := c.ClientIP()
		ctx := c.Request.Context()
		d := limiter.Check(ctx, id.UserID, origin, c.Request.URL.Path, c.Request.Method)

		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", d.ResetAt.UTC().Format(resetHeaderLayout))

		if !d.Allowed {
			limiter.DetectAbuse(ctx, id.UserID, origin)

			retryAfter := retryAfterSeconds(d.ResetAt, now())
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"message":           "Too many requests. Please slow down.",
				"retryAfterSeconds": retryAfter,
			})
			return
		}

		c.Next()
	}
}

func allowlisted(skip map[string]struct{}, id Identity) bool {
	if len(skip) == 0 {
		return false
	}
	for _, key := range []string{id.UserID, id.Email} {
		if key == "" {
			continue
		}
		if _, ok := skip[strings.ToLower(key)]; ok {
			return true
		}
	}
	return false
}

// retryAfterSeconds rounds the time to reset up to whole seconds, never below one.
func retryAfterSeconds(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
