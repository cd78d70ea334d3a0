package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentinel-security/sentinel/internal/db/models"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
	MaxStatsDays      = 365
)

var errNoStore = errors.New("no audit store configured")

// ValidationError reports a malformed query. Handlers map it to HTTP 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Filter selects audit events. Zero-valued fields do not constrain the query.
type Filter struct {
	UserID    string
	EventType EventType
	Category  Category
	Severity  Severity
	StartDate time.Time
	EndDate   time.Time
}

func (f Filter) validate() error {
	if f.Category != "" && !f.Category.Valid() {
		return &ValidationError{Field: "event_category", Message: fmt.Sprintf("unknown category %q", f.Category)}
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return &ValidationError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", f.Severity)}
	}
	if !f.StartDate.IsZero() && !f.EndDate.IsZero() && f.StartDate.After(f.EndDate) {
		return &ValidationError{Field: "start_date", Message: "must not be after end_date"}
	}
	return nil
}

func (f Filter) model() models.AuditFilter {
	var mf models.AuditFilter
	if f.UserID != "" {
		mf.UserID = optional(f.UserID)
	}
	if f.EventType != "" {
		mf.EventType = optional(string(f.EventType))
	}
	if f.Category != "" {
		mf.EventCategory = optional(string(f.Category))
	}
	if f.Severity != "" {
		mf.Severity = optional(string(f.Severity))
	}
	if !f.StartDate.IsZero() {
		start := f.StartDate
		mf.StartDate = &start
	}
	if !f.EndDate.IsZero() {
		end := f.EndDate
		mf.EndDate = &end
	}
	return mf
}

// Query returns one page of events matching filter, newest first, with the total
// number of matches. A limit of 0 selects DefaultQueryLimit.
func (l *Logger) Query(ctx context.Context, filter Filter, limit, offset int) ([]*models.AuditEvent, int, error) {
	if limit == 0 {
		limit = DefaultQueryLimit
	}
	if limit < 1 || limit > MaxQueryLimit {
		return nil, 0, &ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", MaxQueryLimit)}
	}
	if offset < 0 {
		return nil, 0, &ValidationError{Field: "offset", Message: "must not be negative"}
	}
	if err := filter.validate(); err != nil {
		return nil, 0, err
	}
	if l.store == nil {
		return nil, 0, errNoStore
	}

	events, total, err := l.store.List(ctx, filter.model(), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit events: %w", err)
	}
	return events, total, nil
}

// Get returns a single event by id, or nil when it does not exist.
func (l *Logger) Get(ctx context.Context, id string) (*models.AuditEvent, error) {
	if l.store == nil {
		return nil, errNoStore
	}
	e, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	return e, nil
}

// SecurityStats summarises audit activity over a trailing window.
type SecurityStats struct {
	WindowDays        int `json:"windowDays"`
	TotalEvents       int `json:"totalEvents"`
	FailedLogins      int `json:"failedLogins"`
	SuccessfulLogins  int `json:"successfulLogins"`
	DataModifications int `json:"dataModifications"`
	SecurityAlerts    int `json:"securityAlerts"`
	CriticalEvents    int `json:"criticalEvents"`
}

// Stats aggregates events created in the last windowDays days.
func (l *Logger) Stats(ctx context.Context, windowDays int) (*SecurityStats, error) {
	if windowDays < 1 || windowDays > MaxStatsDays {
		return nil, &ValidationError{Field: "days", Message: fmt.Sprintf("must be between 1 and %d", MaxStatsDays)}
	}
	if l.store == nil {
		return nil, errNoStore
	}

	since := l.now().UTC().AddDate(0, 0, -windowDays)
	counts, err := l.store.CountByType(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit events: %w", err)
	}

	stats := &SecurityStats{WindowDays: windowDays}
	for _, c := range counts {
		stats.TotalEvents += c.Count
		switch EventType(c.EventType) {
		case EventFailedLogin:
			stats.FailedLogins += c.Count
		case EventLogin:
			stats.SuccessfulLogins += c.Count
		}
		switch Category(c.EventCategory) {
		case CategoryDataModification:
			stats.DataModifications += c.Count
		case CategorySecurity:
			stats.SecurityAlerts += c.Count
		}
		if Severity(c.Severity) == SeverityCritical {
			stats.CriticalEvents += c.Count
		}
	}
	return stats, nil
}
