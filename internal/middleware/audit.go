// audit.go provides Gin middleware that records successful data mutations, and
// optionally reads, to the security audit log.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sentinel-security/sentinel/internal/audit"
)

// DataAuditor records data events. *audit.Logger implements it.
type DataAuditor interface {
	LogDataModification(ctx context.Context, m audit.DataModification)
	LogDataAccess(ctx context.Context, a audit.DataAccess)
}

// DataAuditConfig configures DataAuditMiddleware.
type DataAuditConfig struct {
	// LogReadOperations also records successful GET requests as data.access.
	LogReadOperations bool
}

// DataAuditMiddleware records data.create, data.modify and data.delete events for
// successful POST, PUT/PATCH and DELETE requests. Failed requests are not recorded.
func DataAuditMiddleware(auditor DataAuditor, cfg DataAuditConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Process request first
		c.Next()

		if c.Writer.Status() >= 400 {
			return
		}

		resourceType, resourceID := resourceOf(c)
		if resourceType == "" {
			return
		}
		actor := audit.Actor{}
		if id, ok := IdentityFrom(c); ok {
			actor = id.Actor()
		}

		var kind audit.ModificationKind
		switch c.Request.Method {
		case http.MethodPost:
			kind = audit.ModificationCreate
		case http.MethodPut, http.MethodPatch:
			kind = audit.ModificationModify
		case http.MethodDelete:
			kind = audit.ModificationDelete
		case http.MethodGet:
			if cfg.LogReadOperations {
				auditor.LogDataAccess(c.Request.Context(), audit.DataAccess{
					Actor:        actor,
					ResourceType: resourceType,
					ResourceID:   resourceID,
					Action:       "Read " + resourceType,
					Request:      RequestContext(c),
				})
			}
			return
		default:
			return
		}

		auditor.LogDataModification(c.Request.Context(), audit.DataModification{
			Actor:        actor,
			Kind:         kind,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Changes:      map[string]interface{}{"status_code": c.Writer.Status()},
			Request:      RequestContext(c),
		})
	}
}

// resourceOf derives the resource type from the first static segment of the matched
// route after the /api/vN prefix, and the resource id from the first path parameter.
// Unmatched routes yield no resource.
func resourceOf(c *gin.Context) (string, string) {
	route := c.FullPath()
	if route == "" {
		return "", ""
	}

	var resourceType, resourceID string
	for _, seg := range strings.Split(strings.Trim(route, "/"), "/") {
		switch {
		case seg == "api" || (len(seg) > 1 && seg[0] == 'v' && seg[1] >= '0' && seg[1] <= '9'):
			continue
		case strings.HasPrefix(seg, ":"):
			if resourceID == "" {
				resourceID = c.Param(seg[1:])
			}
		case resourceType == "":
			resourceType = strings.TrimSuffix(seg, "s")
		}
	}
	return resourceType, resourceID
}
