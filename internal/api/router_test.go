package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sentinel-security/sentinel/internal/audit"
	"github.com/sentinel-security/sentinel/internal/auth"
	"github.com/sentinel-security/sentinel/internal/config"
	"github.com/sentinel-security/sentinel/internal/ratelimit"
	"github.com/sentinel-security/sentinel/internal/requestctx"
	"github.com/sentinel-security/sentinel/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, w.Body.String())
	}
	return body
}

// ---------------------------------------------------------------------------
// healthCheckHandler
// ---------------------------------------------------------------------------

func newHealthDB(t *testing.T, pingOK bool) *sql.DB {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if pingOK {
		mock.ExpectPing()
	} else {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}
	return db
}

func TestHealthCheckHandler_Healthy(t *testing.T) {
	r := gin.New()
	r.GET("/health", healthCheckHandler(newHealthDB(t, true)))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if body := decode(t, w); body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestHealthCheckHandler_Unhealthy(t *testing.T) {
	r := gin.New()
	r.GET("/health", healthCheckHandler(newHealthDB(t, false)))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if body := decode(t, w); body["status"] != "unhealthy" {
		t.Errorf("status = %v, want unhealthy", body["status"])
	}
}

func TestHealthCheckHandler_NoDatabase(t *testing.T) {
	r := gin.New()
	r.GET("/health", healthCheckHandler(nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

// ---------------------------------------------------------------------------
// readinessHandler
// ---------------------------------------------------------------------------

func newReadinessRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestReadinessHandler_Ready(t *testing.T) {
	_, rdb := newReadinessRedis(t)
	r := gin.New()
	r.GET("/ready", readinessHandler(newHealthDB(t, true), rdb))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["ready"] != true {
		t.Errorf("ready = %v, want true", body["ready"])
	}
	checks, _ := body["checks"].(map[string]interface{})
	if checks["database"] != "healthy" || checks["redis"] != "healthy" {
		t.Errorf("checks = %v, want database and redis healthy", checks)
	}
}

func TestReadinessHandler_DatabaseNotReady(t *testing.T) {
	r := gin.New()
	r.GET("/ready", readinessHandler(newHealthDB(t, false), nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if body := decode(t, w); body["error"] != "database not ready" {
		t.Errorf("error = %v, want database not ready", body["error"])
	}
}

func TestReadinessHandler_RedisNotReady(t *testing.T) {
	mr, rdb := newReadinessRedis(t)
	mr.Close()

	r := gin.New()
	r.GET("/ready", readinessHandler(nil, rdb))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	body := decode(t, w)
	checks, _ := body["checks"].(map[string]interface{})
	if checks["redis"] != "unhealthy" {
		t.Errorf("checks = %v, want redis unhealthy", checks)
	}
}

// ---------------------------------------------------------------------------
// CORSMiddleware
// ---------------------------------------------------------------------------

func TestCORSMiddleware_AllowedOrigin(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"https://example.com"}

	r := gin.New()
	r.Use(CORSMiddleware(cfg))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://example.com")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want https://example.com", got)
	}
	if got := w.Header().Get("Access-Control-Expose-Headers"); got == "" {
		t.Error("Access-Control-Expose-Headers not set")
	}
}

func TestCORSMiddleware_DisallowedOrigin(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"https://allowed.com"}

	r := gin.New()
	r.Use(CORSMiddleware(cfg))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.com")
	r.ServeHTTP(w, req)

	// Request passes through but no CORS header set
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("expected no Access-Control-Allow-Origin header for disallowed origin")
	}
}

func TestCORSMiddleware_PreflightOptions(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"*"}

	r := gin.New()
	r.Use(CORSMiddleware(cfg))
	r.OPTIONS("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://example.com")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}

// ---------------------------------------------------------------------------
// NewRouter
// ---------------------------------------------------------------------------

const routerTestSecret = "router-test-secret-at-least-32-chars"

type testServer struct {
	router   *gin.Engine
	tokens   *auth.TokenManager
	audit    *audit.Logger
	sessions *session.Registry
}

func newTestServer(t *testing.T, withLimiter bool) *testServer {
	t.Helper()
	tokens, err := auth.NewTokenManager(routerTestSecret, "", 0, false)
	if err != nil {
		t.Fatalf("NewTokenManager() error: %v", err)
	}
	auditLogger := audit.NewLogger(audit.NewMemoryStore(), audit.Options{})
	registry := session.NewRegistry(session.NewMemoryStore(), session.Options{Audit: auditLogger})

	svc := Services{
		Tokens:   tokens,
		Audit:    auditLogger,
		Sessions: registry,
	}
	if withLimiter {
		limiter, err := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Options{Audit: auditLogger})
		if err != nil {
			t.Fatalf("NewLimiter() error: %v", err)
		}
		svc.Limiter = limiter
	}

	cfg := &config.Config{}
	cfg.Security.Headers.Enabled = true
	cfg.RateLimiting.CleanupInterval = time.Hour
	cfg.Sessions.ExpirySweepInterval = time.Hour

	router, bg := NewRouter(cfg, svc)
	t.Cleanup(bg.Shutdown)
	return &testServer{router: router, tokens: tokens, audit: auditLogger, sessions: registry}
}

func (s *testServer) token(t *testing.T, userID, role, sid string) string {
	t.Helper()
	tok, _, err := s.tokens.Generate(userID, userID+"@example.com", role, sid)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	return tok
}

func (s *testServer) do(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "192.0.2.10:4000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) events(t *testing.T, eventType audit.EventType) []string {
	t.Helper()
	events, _, err := s.audit.Query(context.Background(), audit.Filter{EventType: eventType}, 0, 0)
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	var out []string
	for _, e := range events {
		out = append(out, e.Severity)
	}
	return out
}

func (s *testServer) createSession(t *testing.T, userID, sid string) {
	t.Helper()
	if s.sessions.Create(context.Background(), userID, sid, requestctx.RequestContext{}, time.Now().Add(time.Hour)) == nil {
		t.Fatalf("Create(%s) returned nil", sid)
	}
}

func TestNewRouter_ProbesAndHeaders(t *testing.T) {
	s := newTestServer(t, true)

	w := s.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if w.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("probes must not be rate limited")
	}

	if w := s.do(http.MethodGet, "/ready", ""); w.Code != http.StatusOK {
		t.Errorf("/ready status = %d, want 200", w.Code)
	}
}

func TestNewRouter_SessionRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t, true)

	w := s.do(http.MethodGet, "/api/v1/sessions", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	// Rejected requests still count against the read budget.
	if got := w.Header().Get("X-RateLimit-Limit"); got != "200" {
		t.Errorf("X-RateLimit-Limit = %q, want 200", got)
	}
}

func TestNewRouter_SessionLifecycle(t *testing.T) {
	s := newTestServer(t, true)
	s.createSession(t, "u1", "sid-a")
	s.createSession(t, "u1", "sid-b")
	s.createSession(t, "u2", "sid-c")
	tok := s.token(t, "u1", "user", "sid-a")

	w := s.do(http.MethodGet, "/api/v1/sessions", tok)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if list, _ := body["sessions"].([]interface{}); len(list) != 2 {
		t.Errorf("sessions = %d, want 2", len(list))
	}
	if body["current"] != "sid-a" {
		t.Errorf("current = %v, want sid-a", body["current"])
	}

	if w := s.do(http.MethodDelete, "/api/v1/sessions/sid-c", tok); w.Code != http.StatusNotFound {
		t.Errorf("deleting another user's session: status = %d, want 404", w.Code)
	}
	if w := s.do(http.MethodDelete, "/api/v1/sessions/missing", tok); w.Code != http.StatusNotFound {
		t.Errorf("deleting unknown session: status = %d, want 404", w.Code)
	}

	w = s.do(http.MethodDelete, "/api/v1/sessions/sid-b", tok)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", w.Code)
	}
	if body := decode(t, w); body["terminated"] != true {
		t.Errorf("terminated = %v, want true", body["terminated"])
	}
	if got := len(s.events(t, audit.EventDataDelete)); got != 1 {
		t.Errorf("data.delete events = %d, want 1", got)
	}

	w = s.do(http.MethodPost, "/api/v1/auth/logout", tok)
	if w.Code != http.StatusOK {
		t.Fatalf("logout status = %d, want 200", w.Code)
	}
	if got := len(s.events(t, audit.EventLogout)); got != 1 {
		t.Errorf("auth.logout events = %d, want 1", got)
	}

	w = s.do(http.MethodGet, "/api/v1/sessions", tok)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("after logout status = %d, want 401", w.Code)
	}
	if body := decode(t, w); body["error"] != "Session has been terminated" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestNewRouter_RevokeOthers(t *testing.T) {
	s := newTestServer(t, true)
	for _, sid := range []string{"keep", "drop-1", "drop-2"} {
		s.createSession(t, "u1", sid)
	}

	w := s.do(http.MethodPost, "/api/v1/sessions/revoke-others", s.token(t, "u1", "", "keep"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := decode(t, w); body["terminated"] != float64(2) {
		t.Errorf("terminated = %v, want 2", body["terminated"])
	}
	if got := s.sessions.Validate(context.Background(), "keep"); got != session.StatusActive {
		t.Errorf("current session status = %q, want active", got)
	}

	if w := s.do(http.MethodPost, "/api/v1/sessions/revoke-others", s.token(t, "u1", "", "")); w.Code != http.StatusBadRequest {
		t.Errorf("without current session: status = %d, want 400", w.Code)
	}
}

func TestNewRouter_AdminRequiresRole(t *testing.T) {
	s := newTestServer(t, true)

	if w := s.do(http.MethodGet, "/api/v1/admin/audit-logs", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", w.Code)
	}
	if w := s.do(http.MethodGet, "/api/v1/admin/audit-logs", s.token(t, "u1", "user", "")); w.Code != http.StatusForbidden {
		t.Errorf("non-admin status = %d, want 403", w.Code)
	}
	if got := len(s.events(t, audit.EventAccessDenied)); got != 1 {
		t.Errorf("authz.denied events = %d, want 1", got)
	}
}

func TestNewRouter_AdminAuditLogsAndStats(t *testing.T) {
	s := newTestServer(t, true)
	s.do(http.MethodGet, "/api/v1/admin/audit-logs", s.token(t, "u1", "user", ""))
	admin := s.token(t, "root", "admin", "")

	w := s.do(http.MethodGet, "/api/v1/admin/audit-logs?event_type=authz.denied", admin)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if body := decode(t, w); body["total"] != float64(1) {
		t.Errorf("total = %v, want 1", body["total"])
	}

	tests := []struct {
		name, path string
	}{
		{"unknown severity", "/api/v1/admin/audit-logs?severity=fatal"},
		{"unknown category", "/api/v1/admin/audit-logs?event_category=network"},
		{"bad limit", "/api/v1/admin/audit-logs?limit=abc"},
		{"limit too large", "/api/v1/admin/audit-logs?limit=5000"},
		{"bad start date", "/api/v1/admin/audit-logs?start_date=yesterday"},
		{"inverted dates", "/api/v1/admin/audit-logs?start_date=2026-03-02T00:00:00Z&end_date=2026-03-01T00:00:00Z"},
		{"zero days", "/api/v1/admin/security/stats?days=0"},
		{"too many days", "/api/v1/admin/security/stats?days=400"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodGet, tt.path, admin)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if body := decode(t, w); body["error"] == nil {
				t.Error("response missing error")
			}
		})
	}

	w = s.do(http.MethodGet, "/api/v1/admin/security/stats", admin)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", w.Code)
	}
	body := decode(t, w)
	if body["windowDays"] != float64(7) {
		t.Errorf("windowDays = %v, want 7", body["windowDays"])
	}
	if total, _ := body["totalEvents"].(float64); total < 1 {
		t.Errorf("totalEvents = %v, want at least 1", body["totalEvents"])
	}
}

func TestNewRouter_AdminForceLogout(t *testing.T) {
	s := newTestServer(t, true)
	s.createSession(t, "u9", "u9-a")
	s.createSession(t, "u9", "u9-b")
	admin := s.token(t, "root", "admin", "")

	w := s.do(http.MethodGet, "/api/v1/admin/users/u9/sessions", admin)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", w.Code)
	}
	if body := decode(t, w); body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}

	w = s.do(http.MethodDelete, "/api/v1/admin/users/u9/sessions", admin)
	if w.Code != http.StatusOK {
		t.Fatalf("force logout status = %d, want 200", w.Code)
	}
	if body := decode(t, w); body["terminated"] != float64(2) {
		t.Errorf("terminated = %v, want 2", body["terminated"])
	}

	severities := s.events(t, audit.EventAdminForceLogout)
	if len(severities) != 1 || severities[0] != string(audit.SeverityCritical) {
		t.Errorf("admin.force_logout events = %v, want one critical", severities)
	}

	// The user's next request on a terminated session is refused.
	w = s.do(http.MethodGet, "/api/v1/sessions", s.token(t, "u9", "", "u9-a"))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("terminated session status = %d, want 401", w.Code)
	}
}

func TestNewRouter_AdminAbuseReport(t *testing.T) {
	s := newTestServer(t, true)
	admin := s.token(t, "root", "admin", "")

	if w := s.do(http.MethodGet, "/api/v1/admin/ratelimit/abuse", admin); w.Code != http.StatusBadRequest {
		t.Errorf("no identity status = %d, want 400", w.Code)
	}

	w := s.do(http.MethodGet, "/api/v1/admin/ratelimit/abuse?origin=198.51.100.7", admin)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decode(t, w)
	if body["identifier"] != "198.51.100.7" || body["isAbusive"] != false {
		t.Errorf("report = %v", body)
	}
	if windows, ok := body["windows"].([]interface{}); !ok || len(windows) != 0 {
		t.Errorf("windows = %v, want []", body["windows"])
	}
}

func TestNewRouter_RateLimitingDisabled(t *testing.T) {
	s := newTestServer(t, false)
	admin := s.token(t, "root", "admin", "")

	w := s.do(http.MethodGet, "/api/v1/admin/ratelimit/abuse?origin=198.51.100.7", admin)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("X-RateLimit-Limit set with rate limiting disabled")
	}
}

func TestNewRouter_ForwardedForIgnoredWithoutTrustedProxies(t *testing.T) {
	s := newTestServer(t, true)

	for i, want := range []string{"199", "198", "197"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
		req.RemoteAddr = "203.0.113.7:51000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i+1))
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		if got := w.Header().Get("X-RateLimit-Remaining"); got != want {
			t.Errorf("request %d: X-RateLimit-Remaining = %q, want %q", i+1, got, want)
		}
	}
}
