package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sentinel-security/sentinel/internal/requestctx"
)

// newRequestIDRouter builds a minimal Gin engine with RequestIDMiddleware and a handler
// that echoes the ids stored in the gin and request contexts back as response headers.
func newRequestIDRouter() *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		c.Header("X-Context-Request-ID", c.GetString(RequestIDKey))
		c.Header("X-Request-Context-ID", requestctx.RequestID(c.Request.Context()))
		c.Status(http.StatusOK)
	})
	return r
}

func serveWithRequestID(r *gin.Engine, inbound string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if inbound != "" {
		req.Header.Set(RequestIDHeader, inbound)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// RequestIDMiddleware tests
// ---------------------------------------------------------------------------

func TestRequestIDMiddleware_GeneratesUUIDWhenAbsent(t *testing.T) {
	w := serveWithRequestID(newRequestIDRouter(), "")

	id := w.Header().Get(RequestIDHeader)
	if len(id) != 36 {
		t.Fatalf("expected UUID-format request ID (length 36), got %q (length %d)", id, len(id))
	}
	if id[8] != '-' || id[13] != '-' || id[18] != '-' || id[23] != '-' {
		t.Errorf("expected UUID with dashes at positions 8, 13, 18, 23; got %q", id)
	}
}

func TestRequestIDMiddleware_PropagatesIncomingID(t *testing.T) {
	const upstreamID = "upstream-provided_request.id:001"

	w := serveWithRequestID(newRequestIDRouter(), upstreamID)
	if got := w.Header().Get(RequestIDHeader); got != upstreamID {
		t.Errorf("expected response X-Request-ID %q, got %q", upstreamID, got)
	}
}

func TestRequestIDMiddleware_ReplacesUnsafeID(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
	}{
		{"newline", "abc\ndef"},
		{"spaces", "abc def"},
		{"too long", strings.Repeat("a", 129)},
		{"quote", `abc"def`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serveWithRequestID(newRequestIDRouter(), tt.inbound)
			got := w.Header().Get(RequestIDHeader)
			if got == tt.inbound || len(got) != 36 {
				t.Errorf("X-Request-ID = %q, want a generated UUID", got)
			}
		})
	}
}

func TestRequestIDMiddleware_StoresIDInContexts(t *testing.T) {
	w := serveWithRequestID(newRequestIDRouter(), "")

	responseID := w.Header().Get(RequestIDHeader)
	if got := w.Header().Get("X-Context-Request-ID"); got != responseID {
		t.Errorf("gin context ID %q does not match response header ID %q", got, responseID)
	}
	if got := w.Header().Get("X-Request-Context-ID"); got != responseID {
		t.Errorf("request context ID %q does not match response header ID %q", got, responseID)
	}
}

func TestRequestIDMiddleware_DifferentIDsPerRequest(t *testing.T) {
	r := newRequestIDRouter()

	ids := make(map[string]struct{}, 10)
	for i := 0; i < 10; i++ {
		id := serveWithRequestID(r, "").Header().Get(RequestIDHeader)
		if _, seen := ids[id]; seen {
			t.Errorf("duplicate request ID %q on iteration %d", id, i)
		}
		ids[id] = struct{}{}
	}
}
