// Package ratelimit implements per-identity fixed-window rate limiting with abuse
// detection.
//
// Each request is counted against the epoch-aligned window of its endpoint category,
// keyed by the authenticated user id or, for anonymous requests, the client origin.
// The first request to push a window over its limit records a security.rate_limit
// audit event; repeated violations within the lookback escalate into a single
// security.suspicious_activity event per identifier.
//
// The limiter fails open: if the window store errors or exceeds its timeout, the
// request is allowed and the decision is marked FailOpen.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinel-security/sentinel/internal/audit"
	"github.com/sentinel-security/sentinel/internal/db/models"
	"github.com/sentinel-security/sentinel/internal/requestctx"
	"github.com/sentinel-security/sentinel/internal/telemetry"
)

const (
	IdentifierUser = "user"
	IdentifierIP   = "ip"

	DefaultStoreTimeout   = 250 * time.Millisecond
	DefaultCleanupTimeout = 30 * time.Second
	DefaultRetention      = time.Hour
	DefaultAbuseThreshold = 3
	DefaultAbuseLookback  = time.Hour
	DefaultAbuseRiskScore = 80
	DefaultLimitRiskScore = 60
)

// EventLogger receives rate limit and abuse audit events.
type EventLogger interface {
	Log(ctx context.Context, ev audit.Event)
}

// Options configures a Limiter. Zero values select the defaults.
type Options struct {
	Policies       *Policies
	StoreTimeout   time.Duration
	// CleanupTimeout bounds one Cleanup sweep. Sweeps delete in bulk, so this is
	// much longer than StoreTimeout.
	CleanupTimeout time.Duration
	Retention      time.Duration
	AbuseThreshold int
	AbuseLookback  time.Duration
	AbuseRiskScore int
	LimitRiskScore int
	Audit          EventLogger
	Logger         *slog.Logger
	Now            func() time.Time
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed        bool
	Remaining      int
	Limit          int
	Count          int
	ResetAt        time.Time
	Category       Category
	Identifier     string
	IdentifierType string
	// FailOpen is set when the store could not be consulted and the request was
	// allowed without counting.
	FailOpen bool
}

// AbuseReport is the outcome of DetectAbuse.
type AbuseReport struct {
	IsAbusive  bool `json:"isAbusive"`
	Violations int  `json:"violations"`
}

// Limiter is the rate limiter and abuse detector. It is safe for concurrent use.
type Limiter struct {
	store Store

	mu       sync.RWMutex
	policies Policies

	storeTimeout   time.Duration
	cleanupTimeout time.Duration
	retention      time.Duration
	abuseThreshold int
	abuseLookback  time.Duration
	abuseRisk      int
	limitRisk      int
	audit          EventLogger
	log            *slog.Logger
	now            func() time.Time
}

// NewLimiter creates a Limiter backed by store.
func NewLimiter(store Store, opts Options) (*Limiter, error) {
	policies := DefaultPolicies()
	if opts.Policies != nil {
		policies = opts.Policies.clone()
	}
	if err := policies.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit policies: %w", err)
	}

	l := &Limiter{
		store:          store,
		policies:       policies,
		storeTimeout:   opts.StoreTimeout,
		cleanupTimeout: opts.CleanupTimeout,
		retention:      opts.Retention,
		abuseThreshold: opts.AbuseThreshold,
		abuseLookback:  opts.AbuseLookback,
		abuseRisk:      opts.AbuseRiskScore,
		limitRisk:      opts.LimitRiskScore,
		audit:          opts.Audit,
		log:            opts.Logger,
		now:            opts.Now,
	}
	if l.storeTimeout <= 0 {
		l.storeTimeout = DefaultStoreTimeout
	}
	if l.cleanupTimeout <= 0 {
		l.cleanupTimeout = DefaultCleanupTimeout
	}
	if l.retention <= 0 {
		l.retention = DefaultRetention
	}
	if l.abuseThreshold <= 0 {
		l.abuseThreshold = DefaultAbuseThreshold
	}
	if l.abuseLookback <= 0 {
		l.abuseLookback = DefaultAbuseLookback
	}
	if l.abuseRisk <= 0 {
		l.abuseRisk = DefaultAbuseRiskScore
	}
	if l.limitRisk <= 0 {
		l.limitRisk = DefaultLimitRiskScore
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// Policies returns a copy of the active policies.
func (l *Limiter) Policies() Policies {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policies.clone()
}

// UpdatePolicies replaces the active policies. Windows already in flight keep their
// start times; a changed window length takes effect from the next aligned window.
func (l *Limiter) UpdatePolicies(p Policies) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit policies: %w", err)
	}
	next := p.clone()
	l.mu.Lock()
	l.policies = next
	l.mu.Unlock()
	l.log.Info("rate limit policies updated")
	return nil
}

// Classify returns the endpoint category for path and method.
func (l *Limiter) Classify(path, method string) Category {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policies.Classify(path, method)
}

func identify(userID, origin string) (string, string) {
	if userID != "" {
		return userID, IdentifierUser
	}
	if origin == "" {
		origin = "unknown"
	}
	return origin, IdentifierIP
}

func (l *Limiter) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.storeTimeout)
}

// Check counts one request and decides whether it is allowed.
func (l *Limiter) Check(ctx context.Context, userID, origin, path, method string) Decision {
	l.mu.RLock()
	category := l.policies.Classify(path, method)
	limit := l.policies.LimitFor(category)
	l.mu.RUnlock()

	identifier, identifierType := identify(userID, origin)
	now := l.now().UTC()
	start, end := WindowBounds(now, limit.Window)

	d := Decision{
		Limit:          limit.MaxRequests,
		ResetAt:        end,
		Category:       category,
		Identifier:     identifier,
		IdentifierType: identifierType,
	}

	sctx, cancel := l.storeCtx(ctx)
	wc, err := l.store.Increment(sctx, models.WindowIncrement{
		Identifier:       identifier,
		IdentifierType:   identifierType,
		EndpointCategory: string(category),
		WindowStart:      start,
		WindowEnd:        end,
		Limit:            limit.MaxRequests,
		Now:              now,
	})
	cancel()
	if err != nil {
		telemetry.RateLimitDecisionsTotal.WithLabelValues(string(category), "fail_open").Inc()
		l.log.Warn("rate limiter failing open",
			"category", category,
			"identifier_type", identifierType,
			"error", fmt.Errorf("%w: %w", ErrStoreUnavailable, err),
		)
		d.Allowed = true
		d.Remaining = limit.MaxRequests
		d.FailOpen = true
		return d
	}

	d.Count = wc.RequestCount
	d.Allowed = wc.RequestCount <= limit.MaxRequests
	d.Remaining = max(0, limit.MaxRequests-wc.RequestCount)

	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	telemetry.RateLimitDecisionsTotal.WithLabelValues(string(category), outcome).Inc()

	if wc.Transitioned {
		telemetry.RateLimitTransitionsTotal.WithLabelValues(string(category)).Inc()
		l.emit(ctx, audit.Event{
			Type:      audit.EventRateLimit,
			Action:    fmt.Sprintf("Rate limit exceeded for %s endpoint", category),
			Actor:     audit.Actor{UserID: userID},
			Request:   l.requestFor(ctx, origin, path, method),
			RiskScore: audit.Risk(l.limitRisk),
			Details: map[string]interface{}{
				"identifier":     identifier,
				"identifierType": identifierType,
				"endpoint":       string(category),
				"requestCount":   wc.RequestCount,
				"limit":          limit.MaxRequests,
			},
		})
	}
	return d
}

// DetectAbuse counts exceeded windows for the identity in the trailing lookback. The
// first abusive result per identifier within a lookback records a
// security.suspicious_activity event. Store failures report not abusive.
func (l *Limiter) DetectAbuse(ctx context.Context, userID, origin string) AbuseReport {
	identifier, _ := identify(userID, origin)
	now := l.now().UTC()

	sctx, cancel := l.storeCtx(ctx)
	defer cancel()

	violations, err := l.store.CountViolations(sctx, identifier, now.Add(-l.abuseLookback))
	if err != nil {
		l.log.Warn("abuse detection failed", "error", fmt.Errorf("%w: %w", ErrStoreUnavailable, err))
		return AbuseReport{}
	}

	report := AbuseReport{IsAbusive: violations >= l.abuseThreshold, Violations: violations}
	if !report.IsAbusive {
		return report
	}

	claimed, err := l.store.ClaimAbuseSignal(sctx, identifier, now, now.Add(l.abuseLookback))
	if err != nil {
		// Record rather than drop the signal when the claim cannot be made.
		l.log.Warn("abuse signal claim failed", "error", err)
		claimed = true
	}
	if claimed {
		telemetry.AbuseSignalsTotal.Inc()
		l.emit(ctx, audit.Event{
			Type:      audit.EventSuspiciousActivity,
			Action:    "Potential API abuse detected",
			Actor:     audit.Actor{UserID: userID},
			Request:   l.requestFor(ctx, origin, "", ""),
			RiskScore: audit.Risk(l.abuseRisk),
			IsAnomaly: true,
			Details: map[string]interface{}{
				"identifier":     identifier,
				"violationCount": violations,
				"timeframe":      formatLookback(l.abuseLookback),
			},
		})
	}
	return report
}

// Violations returns the abuse status and exceeded windows of an identity without
// recording any event.
func (l *Limiter) Violations(ctx context.Context, userID, origin string) (AbuseReport, []*models.RateLimitWindow, error) {
	identifier, _ := identify(userID, origin)
	since := l.now().UTC().Add(-l.abuseLookback)

	sctx, cancel := l.storeCtx(ctx)
	defer cancel()

	windows, err := l.store.ListViolations(sctx, identifier, since)
	if err != nil {
		return AbuseReport{}, nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return AbuseReport{IsAbusive: len(windows) >= l.abuseThreshold, Violations: len(windows)}, windows, nil
}

// Cleanup deletes windows that ended more than the retention horizon ago and lapsed
// abuse claims. It returns the number of windows deleted. The sweep is bounded by
// the cleanup timeout and stops early if ctx is cancelled.
func (l *Limiter) Cleanup(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cleanupTimeout)
	defer cancel()

	now := l.now().UTC()
	n, err := l.store.DeleteExpired(ctx, now.Add(-l.retention), now)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return n, nil
}

func (l *Limiter) emit(ctx context.Context, ev audit.Event) {
	if l.audit != nil {
		l.audit.Log(ctx, ev)
	}
}

func (l *Limiter) requestFor(ctx context.Context, origin, path, method string) requestctx.RequestContext {
	return requestctx.RequestContext{
		IPAddress: origin,
		Method:    method,
		Path:      path,
		RequestID: requestctx.RequestID(ctx),
		SessionID: requestctx.SessionID(ctx),
	}
}

func formatLookback(d time.Duration) string {
	if d == time.Hour {
		return "1 hour"
	}
	return d.String()
}

// IsStoreUnavailable reports whether err came from a window store failure.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
