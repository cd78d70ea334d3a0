// Package repositories implements the PostgreSQL data access layer for the security
// telemetry service. Each repository owns the SQL for one table family; components
// depend on narrow store interfaces that these types satisfy.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sentinel-security/sentinel/internal/db/models"
)

const auditColumns = `id, event_type, event_category, severity, user_id, user_email, user_role,
	target_user_id, target_resource_type, target_resource_id, action, action_details,
	ip_address, user_agent, session_id, request_method, request_path, request_id,
	response_status, error_message, geo_location, device_fingerprint, risk_score,
	is_anomaly, metadata, created_at`

// AuditRepository persists security audit events. It only ever inserts and reads.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert appends an event. The database assigns created_at.
func (r *AuditRepository) Insert(ctx context.Context, e *models.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	query := `
		INSERT INTO security_audit_logs (
			id, event_type, event_category, severity, user_id, user_email, user_role,
			target_user_id, target_resource_type, target_resource_id, action, action_details,
			ip_address, user_agent, session_id, request_method, request_path, request_id,
			response_status, error_message, geo_location, device_fingerprint, risk_score,
			is_anomaly, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25
		)
		RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query,
		e.ID, e.EventType, e.EventCategory, e.Severity,
		e.UserID, e.UserEmail, e.UserRole,
		e.TargetUserID, e.TargetResourceType, e.TargetResourceID,
		e.Action, e.ActionDetails,
		e.IPAddress, e.UserAgent, e.SessionID, e.RequestMethod, e.RequestPath, e.RequestID,
		e.ResponseStatus, e.ErrorMessage, e.GeoLocation, e.DeviceFingerprint, e.RiskScore,
		e.IsAnomaly, e.Metadata,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// buildAuditWhere renders the shared WHERE clause for the count and page queries.
func buildAuditWhere(f models.AuditFilter) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(" WHERE 1=1")
	args := make([]interface{}, 0, 6)

	add := func(clause string, v interface{}) {
		args = append(args, v)
		fmt.Fprintf(&sb, " AND %s $%d", clause, len(args))
	}

	if f.UserID != nil {
		add("user_id =", *f.UserID)
	}
	if f.EventType != nil {
		add("event_type =", *f.EventType)
	}
	if f.EventCategory != nil {
		add("event_category =", *f.EventCategory)
	}
	if f.Severity != nil {
		add("severity =", *f.Severity)
	}
	if f.StartDate != nil {
		add("created_at >=", *f.StartDate)
	}
	if f.EndDate != nil {
		add("created_at <=", *f.EndDate)
	}
	return sb.String(), args
}

// List returns one page of events matching the filter, newest first, plus the total
// number of matching events. The count and the page are read from one snapshot so
// concurrent inserts cannot make them disagree; id breaks created_at ties so pages
// never overlap.
func (r *AuditRepository) List(ctx context.Context, filter models.AuditFilter, limit, offset int) ([]*models.AuditEvent, int, error) {
	where, args := buildAuditWhere(filter)

	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin audit list: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	var total int
	if err := tx.GetContext(ctx, &total, `SELECT COUNT(*) FROM security_audit_logs`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit events: %w", err)
	}

	query := `SELECT ` + auditColumns + ` FROM security_audit_logs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	events := make([]*models.AuditEvent, 0)
	if err := tx.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list audit events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to finish audit list: %w", err)
	}
	return events, total, nil
}

// Get returns a single event, or nil when no event has the given id.
func (r *AuditRepository) Get(ctx context.Context, id string) (*models.AuditEvent, error) {
	var e models.AuditEvent
	err := r.db.GetContext(ctx, &e, `SELECT `+auditColumns+` FROM security_audit_logs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}
	return &e, nil
}

// CountByType aggregates every event created at or after since in a single grouped query.
func (r *AuditRepository) CountByType(ctx context.Context, since time.Time) ([]models.AuditEventCount, error) {
	query := `
		SELECT event_type, event_category, severity, COUNT(*) AS count
		FROM security_audit_logs
		WHERE created_at >= $1
		GROUP BY event_type, event_category, severity`

	counts := make([]models.AuditEventCount, 0)
	if err := r.db.SelectContext(ctx, &counts, query, since); err != nil {
		return nil, fmt.Errorf("failed to aggregate audit events: %w", err)
	}
	return counts, nil
}
