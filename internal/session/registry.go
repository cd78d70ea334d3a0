// Package session maintains the registry of authenticated sessions: creation,
// coalesced activity tracking, termination, and the concurrent-session ceiling.
//
// The registry is fire-and-allow. Store failures are logged and counted but never
// surface as errors to request handlers, and a session whose state cannot be read is
// treated as allowed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentinel-security/sentinel/internal/audit"
	"github.com/sentinel-security/sentinel/internal/db/models"
	"github.com/sentinel-security/sentinel/internal/requestctx"
	"github.com/sentinel-security/sentinel/internal/telemetry"
)

// Termination reasons recorded on terminated sessions.
const (
	ReasonLogout       = "logout"
	ReasonExpired      = "expired"
	ReasonRevoked      = "user_revoked"
	ReasonForceLogout  = "admin_force_logout"
	ReasonSessionLimit = "session_limit"
)

const (
	DefaultMaxActive     = 5
	DefaultTouchInterval = time.Minute
	DefaultStoreTimeout  = 2 * time.Second
)

// ErrNotFound is returned by Get when no session row exists for a token.
var ErrNotFound = errors.New("session not found")

// Status is the result of validating a presented session token.
type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
	StatusExpired    Status = "expired"
	// StatusUnknown means the session could not be resolved, either because it was
	// never registered or because the store failed. Callers treat it as allowed.
	StatusUnknown Status = "unknown"
)

// LimitPolicy selects what Admit does when a user is at the session ceiling.
type LimitPolicy string

const (
	PolicyReject          LimitPolicy = "reject"
	PolicyTerminateOldest LimitPolicy = "terminate_oldest"
)

// Valid reports whether p is a known policy.
func (p LimitPolicy) Valid() bool {
	return p == PolicyReject || p == PolicyTerminateOldest
}

// AdmitResult reports the outcome of Admit.
type AdmitResult struct {
	Allowed    bool
	Active     int
	Terminated int
}

// EventLogger receives session lifecycle audit events.
type EventLogger interface {
	Log(ctx context.Context, ev audit.Event)
}

// Options configures a Registry.
type Options struct {
	MaxActive     int
	// Policy is applied by Admit when the caller passes no policy. Default PolicyReject.
	Policy        LimitPolicy
	TouchInterval time.Duration
	StoreTimeout  time.Duration
	Audit         EventLogger
	Logger        *slog.Logger
	Now           func() time.Time
}

// Registry is the session lifecycle registry. It is safe for concurrent use.
type Registry struct {
	store         Store
	maxActive     int
	policy        LimitPolicy
	touchInterval time.Duration
	storeTimeout  time.Duration
	audit         EventLogger
	log           *slog.Logger
	now           func() time.Time
}

// NewRegistry creates a Registry backed by store.
func NewRegistry(store Store, opts Options) *Registry {
	r := &Registry{
		store:         store,
		maxActive:     opts.MaxActive,
		policy:        opts.Policy,
		touchInterval: opts.TouchInterval,
		storeTimeout:  opts.StoreTimeout,
		audit:         opts.Audit,
		log:           opts.Logger,
		now:           opts.Now,
	}
	if r.maxActive <= 0 {
		r.maxActive = DefaultMaxActive
	}
	if !r.policy.Valid() {
		r.policy = PolicyReject
	}
	if r.touchInterval <= 0 {
		r.touchInterval = DefaultTouchInterval
	}
	if r.storeTimeout <= 0 {
		r.storeTimeout = DefaultStoreTimeout
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// MaxActive returns the configured concurrent-session ceiling.
func (r *Registry) MaxActive() int {
	return r.maxActive
}

func (r *Registry) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.storeTimeout)
}

func (r *Registry) failed(op string, err error, attrs ...any) {
	telemetry.SessionOperationsTotal.WithLabelValues(op, "error").Inc()
	r.log.Warn("session store operation failed", append([]any{"operation", op, "error", err}, attrs...)...)
}

func (r *Registry) ok(op string) {
	telemetry.SessionOperationsTotal.WithLabelValues(op, "ok").Inc()
}

func (r *Registry) emit(ctx context.Context, ev audit.Event) {
	if r.audit != nil {
		r.audit.Log(ctx, ev)
	}
}

// Create registers a new active session for userID. It returns nil if the store write
// failed or the token is already active for another user.
func (r *Registry) Create(ctx context.Context, userID, token string, rc requestctx.RequestContext, expiresAt time.Time) *models.Session {
	now := r.now().UTC()
	info := ParseUserAgent(rc.UserAgent)
	s := &models.Session{
		SessionID:         token,
		UserID:            userID,
		IPAddress:         optional(rc.IPAddress),
		UserAgent:         optional(rc.UserAgent),
		DeviceFingerprint: optional(rc.DeviceFingerprint),
		DeviceType:        info.DeviceType,
		Browser:           info.Browser,
		OS:                info.OS,
		LastActivityAt:    now,
		ExpiresAt:         expiresAt.UTC(),
	}

	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.store.Insert(sctx, s); err != nil {
		if errors.Is(err, models.ErrSessionOwnerConflict) {
			telemetry.SessionOperationsTotal.WithLabelValues("create", "conflict").Inc()
			r.log.Error("session token already active for another user", "user_id", userID)
			return nil
		}
		r.failed("create", err, "user_id", userID)
		return nil
	}
	r.ok("create")

	rc.SessionID = token
	r.emit(ctx, audit.Event{
		Type:    audit.EventSessionCreated,
		Action:  "Session created",
		Actor:   audit.Actor{UserID: userID},
		Request: rc,
		Details: map[string]interface{}{
			"deviceType": info.DeviceType,
			"browser":    info.Browser,
			"os":         info.OS,
			"expiresAt":  s.ExpiresAt.Format(time.RFC3339),
		},
	})
	return s
}

// Touch records activity on a session. Writes are coalesced store-side to at most one
// per touch interval; it reports whether a write happened.
func (r *Registry) Touch(ctx context.Context, token string) bool {
	now := r.now().UTC()
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	updated, err := r.store.Touch(sctx, token, now, now.Add(-r.touchInterval))
	if err != nil {
		r.failed("touch", err)
		return false
	}
	r.ok("touch")
	return updated
}

// Terminate ends one session. It reports false if the session was not active or the
// store failed.
func (r *Registry) Terminate(ctx context.Context, token, reason string) bool {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	terminated, err := r.store.Terminate(sctx, token, reason, r.now().UTC())
	if err != nil {
		r.failed("terminate", err)
		return false
	}
	r.ok("terminate")
	if terminated {
		r.emit(ctx, audit.Event{
			Type:    audit.EventSessionTerminated,
			Action:  "Session terminated",
			Request: requestctx.RequestContext{SessionID: token},
			Details: map[string]interface{}{"reason": reason},
		})
	}
	return terminated
}

// TerminateAll ends every active session of userID except exceptToken (empty keeps
// none) and returns how many were terminated.
func (r *Registry) TerminateAll(ctx context.Context, userID, exceptToken, reason string) int {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	n, err := r.store.TerminateAllForUser(sctx, userID, exceptToken, reason, r.now().UTC())
	if err != nil {
		r.failed("terminate_all", err, "user_id", userID)
		return 0
	}
	r.ok("terminate_all")
	if n > 0 {
		r.emit(ctx, audit.Event{
			Type:   audit.EventSessionTerminated,
			Action: fmt.Sprintf("Terminated %d sessions", n),
			Actor:  audit.Actor{UserID: userID},
			Details: map[string]interface{}{
				"reason": reason,
				"count":  n,
			},
		})
	}
	return int(n)
}

// ListActive returns userID's unexpired active sessions, most recently active first.
func (r *Registry) ListActive(ctx context.Context, userID string) []*models.Session {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	sessions, err := r.store.ListActive(sctx, userID, r.now().UTC())
	if err != nil {
		r.failed("list", err, "user_id", userID)
		return []*models.Session{}
	}
	return sessions
}

// CountActive returns the number of userID's unexpired active sessions, or 0 if the
// store failed.
func (r *Registry) CountActive(ctx context.Context, userID string) int {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	n, err := r.store.CountActive(sctx, userID, r.now().UTC())
	if err != nil {
		r.failed("count", err, "user_id", userID)
		return 0
	}
	return n
}

// WithinLimit reports whether userID has fewer than max active sessions.
func (r *Registry) WithinLimit(ctx context.Context, userID string, max int) bool {
	return r.CountActive(ctx, userID) < max
}

// Admit makes room for a new session under the configured ceiling. With
// PolicyReject a user at the ceiling is refused; with PolicyTerminateOldest the least
// recently active sessions are terminated until one slot is free. An empty policy
// selects the registry's configured one.
func (r *Registry) Admit(ctx context.Context, userID string, policy LimitPolicy) AdmitResult {
	if policy == "" {
		policy = r.policy
	}
	active := r.CountActive(ctx, userID)
	if active < r.maxActive {
		return AdmitResult{Allowed: true, Active: active}
	}
	if policy != PolicyTerminateOldest {
		return AdmitResult{Allowed: false, Active: active}
	}

	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	n, err := r.store.TerminateOldest(sctx, userID, r.maxActive-1, ReasonSessionLimit, r.now().UTC())
	if err != nil {
		r.failed("admit", err, "user_id", userID)
		return AdmitResult{Allowed: true, Active: active}
	}
	r.ok("admit")
	if n > 0 {
		r.emit(ctx, audit.Event{
			Type:    audit.EventSessionTerminated,
			Action:  fmt.Sprintf("Terminated %d sessions over the concurrent session limit", n),
			Actor:   audit.Actor{UserID: userID},
			Details: map[string]interface{}{"reason": ReasonSessionLimit, "count": n},
		})
	}
	return AdmitResult{Allowed: true, Active: active - int(n), Terminated: int(n)}
}

// Get returns the session row for token, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, token string) (*models.Session, error) {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	s, err := r.store.GetBySessionID(sctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if s == nil {
		return nil, ErrNotFound
	}
	return s, nil
}

// Validate resolves the state of a presented token. An active session past its expiry
// is terminated with reason "expired" the first time it is observed.
func (r *Registry) Validate(ctx context.Context, token string) Status {
	s, err := r.Get(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return StatusUnknown
	}
	if err != nil {
		r.failed("validate", err)
		return StatusUnknown
	}

	if !s.IsActive {
		if s.TerminationReason != nil && *s.TerminationReason == ReasonExpired {
			return StatusExpired
		}
		return StatusTerminated
	}

	now := r.now().UTC()
	if !s.Expired(now) {
		return StatusActive
	}

	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	expired, err := r.store.Terminate(sctx, token, ReasonExpired, now)
	if err != nil {
		r.failed("validate", err)
	} else if expired {
		r.emit(ctx, audit.Event{
			Type:    audit.EventSessionExpired,
			Action:  "Session expired",
			Actor:   audit.Actor{UserID: s.UserID},
			Request: requestctx.RequestContext{SessionID: token},
		})
	}
	return StatusExpired
}

// ExpireStale terminates every active session whose expiry is before now and returns
// how many were expired.
func (r *Registry) ExpireStale(ctx context.Context, now time.Time) int {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	n, err := r.store.ExpireStale(sctx, now.UTC())
	if err != nil {
		r.failed("expire", err)
		return 0
	}
	r.ok("expire")
	return int(n)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
