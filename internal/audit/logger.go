// Package audit records security-relevant events to an append-only store of record.
//
// Every Logger.Log call derives the event's category and severity from its type,
// enriches it with request attributes, writes it to the Store, and emits an
// operational slog line. A failed store write falls back to a local JSON-lines sink
// so no event is lost. Log never returns an error and never panics into the caller.
package audit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sentinel-security/sentinel/internal/db/models"
	"github.com/sentinel-security/sentinel/internal/safego"
	"github.com/sentinel-security/sentinel/internal/telemetry"
)

const (
	defaultWriteTimeout = 2 * time.Second
	shipTimeout         = 10 * time.Second
)

// Options configures a Logger. Zero values select the defaults.
type Options struct {
	// WriteTimeout bounds each store write. Default 2s.
	WriteTimeout time.Duration
	// Fallback receives events whose store write failed. Default: JSON lines on stderr.
	Fallback Shipper
	// Shipper optionally receives a copy of every event, asynchronously.
	Shipper Shipper
	// Logger is the operational log. Default slog.Default().
	Logger *slog.Logger
	// Now is the clock used for fallback timestamps.
	Now func() time.Time
}

// Logger is the audit event logger. It is safe for concurrent use.
type Logger struct {
	store        Store
	fallback     Shipper
	shipper      Shipper
	log          *slog.Logger
	writeTimeout time.Duration
	now          func() time.Time
}

// NewLogger creates a Logger writing to store.
func NewLogger(store Store, opts Options) *Logger {
	l := &Logger{
		store:        store,
		fallback:     opts.Fallback,
		shipper:      opts.Shipper,
		log:          opts.Logger,
		writeTimeout: opts.WriteTimeout,
		now:          opts.Now,
	}
	if l.fallback == nil {
		l.fallback = NewWriterShipper(os.Stderr)
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	if l.writeTimeout <= 0 {
		l.writeTimeout = defaultWriteTimeout
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Log records ev. Store failures are diverted to the fallback sink and logged.
func (l *Logger) Log(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("audit logging panicked", "event_type", ev.Type, "panic", r)
		}
	}()
	if ctx == nil {
		ctx = context.Background()
	}

	rec := l.record(ev)
	telemetry.AuditEventsTotal.WithLabelValues(rec.EventCategory, rec.Severity).Inc()
	l.emit(rec)

	if err := l.insert(ctx, rec); err != nil {
		telemetry.AuditFallbackWritesTotal.Inc()
		l.log.Error("failed to write audit event", "event_type", rec.EventType, "event_id", rec.ID, "error", err)
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = l.now().UTC()
		}
		if ferr := l.fallback.Ship(context.Background(), rec); ferr != nil {
			l.log.Error("failed to write audit fallback", "event_type", rec.EventType, "event_id", rec.ID, "error", ferr)
		}
	}

	if l.shipper != nil {
		shipped := *rec
		safego.Go("audit-shipper", func() {
			sctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
			defer cancel()
			if err := l.shipper.Ship(sctx, &shipped); err != nil {
				telemetry.AuditShipperErrorsTotal.Inc()
				l.log.Warn("failed to ship audit event", "event_id", shipped.ID, "error", err)
			}
		})
	}
}

func (l *Logger) insert(ctx context.Context, rec *models.AuditEvent) error {
	if l.store == nil {
		return errNoStore
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
	defer cancel()
	return l.store.Insert(wctx, rec)
}

// record builds the persisted form of ev.
func (l *Logger) record(ev Event) *models.AuditEvent {
	severity := ev.Severity
	if severity == "" {
		severity = SeverityOf(ev.Type)
	}

	rc := ev.Request
	requestID := rc.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	rec := &models.AuditEvent{
		ID:                 uuid.New().String(),
		EventType:          string(ev.Type),
		EventCategory:      string(CategoryOf(ev.Type)),
		Severity:           string(severity),
		UserID:             optional(ev.Actor.UserID),
		UserEmail:          optional(ev.Actor.Email),
		UserRole:           optional(ev.Actor.Role),
		TargetUserID:       optional(ev.TargetUserID),
		TargetResourceType: optional(ev.TargetResourceType),
		TargetResourceID:   optional(ev.TargetResourceID),
		Action:             ev.Action,
		ActionDetails:      jsonMap(ev.Details),
		IPAddress:          optional(rc.IPAddress),
		UserAgent:          optional(rc.UserAgent),
		SessionID:          optional(rc.SessionID),
		RequestMethod:      optional(rc.Method),
		RequestPath:        optional(rc.Path),
		RequestID:          &requestID,
		ErrorMessage:       optional(ev.ErrorMessage),
		GeoLocation:        jsonMap(ev.GeoLocation),
		DeviceFingerprint:  optional(rc.DeviceFingerprint),
		RiskScore:          ev.RiskScore,
		IsAnomaly:          ev.IsAnomaly,
		Metadata:           jsonMap(ev.Metadata),
	}
	if ev.ResponseStatus != 0 {
		status := ev.ResponseStatus
		rec.ResponseStatus = &status
	}
	return rec
}

// emit writes the operational log line for rec.
func (l *Logger) emit(rec *models.AuditEvent) {
	level := slog.LevelInfo
	switch Severity(rec.Severity) {
	case SeverityCritical, SeverityError:
		level = slog.LevelError
	case SeverityWarning:
		level = slog.LevelWarn
	}
	l.log.Log(context.Background(), level, "security audit event",
		"event_type", rec.EventType,
		"action", rec.Action,
		"user_id", deref(rec.UserID),
		"ip", deref(rec.IPAddress),
		"severity", rec.Severity,
	)
}

// LogLogin records a login attempt. Failed attempts carry the presented email only.
func (l *Logger) LogLogin(ctx context.Context, actor Actor, success bool, rc RequestContext) {
	if success {
		l.Log(ctx, Event{
			Type:           EventLogin,
			Action:         "User logged in successfully",
			Actor:          actor,
			Request:        rc,
			ResponseStatus: 200,
			Severity:       SeverityInfo,
		})
		return
	}
	l.Log(ctx, Event{
		Type:           EventFailedLogin,
		Action:         "Login attempt failed",
		Actor:          Actor{Email: actor.Email},
		Request:        rc,
		ResponseStatus: 401,
		ErrorMessage:   "Invalid credentials",
		Severity:       SeverityWarning,
	})
}

// LogLogout records the end of a user session.
func (l *Logger) LogLogout(ctx context.Context, actor Actor, rc RequestContext) {
	l.Log(ctx, Event{
		Type:           EventLogout,
		Action:         "User logged out",
		Actor:          actor,
		Request:        rc,
		ResponseStatus: 200,
	})
}

// LogPasswordChange records a password change.
func (l *Logger) LogPasswordChange(ctx context.Context, actor Actor, rc RequestContext) {
	l.Log(ctx, Event{
		Type:           EventPasswordChange,
		Action:         "User changed password",
		Actor:          Actor{UserID: actor.UserID, Email: actor.Email},
		Request:        rc,
		ResponseStatus: 200,
		Severity:       SeverityCritical,
	})
}

// DataAccess describes a read of a domain resource.
type DataAccess struct {
	Actor        Actor
	ResourceType string
	ResourceID   string
	Action       string
	Request      RequestContext
}

// LogDataAccess records a read of a domain resource.
func (l *Logger) LogDataAccess(ctx context.Context, a DataAccess) {
	l.Log(ctx, Event{
		Type:               EventDataAccess,
		Action:             a.Action,
		Actor:              a.Actor,
		TargetResourceType: a.ResourceType,
		TargetResourceID:   a.ResourceID,
		Request:            a.Request,
		ResponseStatus:     200,
	})
}

// LogDataModification records a create, modify or delete of a domain resource.
func (l *Logger) LogDataModification(ctx context.Context, m DataModification) {
	l.Log(ctx, Event{
		Type:               m.Kind.eventType(),
		Action:             m.Kind.verb() + " " + m.ResourceType,
		Actor:              m.Actor,
		TargetResourceType: m.ResourceType,
		TargetResourceID:   m.ResourceID,
		Details:            m.Changes,
		Request:            m.Request,
		ResponseStatus:     200,
	})
}

// AdminAction describes an administrative operation.
type AdminAction struct {
	Actor        Actor
	Type         EventType
	Action       string
	TargetUserID string
	Details      map[string]interface{}
	Request      RequestContext
}

// LogAdminAction records an administrative operation. Admin actions are always
// critical and attributed to the admin role.
func (l *Logger) LogAdminAction(ctx context.Context, a AdminAction) {
	actor := a.Actor
	actor.Role = "admin"
	l.Log(ctx, Event{
		Type:         a.Type,
		Action:       a.Action,
		Actor:        actor,
		TargetUserID: a.TargetUserID,
		Details:      a.Details,
		Request:      a.Request,
		Severity:     SeverityCritical,
	})
}

// SecurityEvent describes a detection such as a rate limit breach or abuse signal.
type SecurityEvent struct {
	Type      EventType
	Action    string
	Actor     Actor
	Details   map[string]interface{}
	Request   RequestContext
	RiskScore *int
	IsAnomaly bool
}

// LogSecurityEvent records a security detection. Severity comes from the taxonomy.
func (l *Logger) LogSecurityEvent(ctx context.Context, s SecurityEvent) {
	l.Log(ctx, Event{
		Type:      s.Type,
		Action:    s.Action,
		Actor:     Actor{UserID: s.Actor.UserID, Email: s.Actor.Email},
		Details:   s.Details,
		Request:   s.Request,
		RiskScore: s.RiskScore,
		IsAnomaly: s.IsAnomaly,
	})
}

// Close releases the fallback sink and shipper.
func (l *Logger) Close() error {
	var lastErr error
	if l.shipper != nil {
		if err := l.shipper.Close(); err != nil {
			lastErr = err
		}
	}
	if err := l.fallback.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func jsonMap(m map[string]interface{}) models.JSONMap {
	if len(m) == 0 {
		return nil
	}
	return models.JSONMap(m)
}
