// session_repository.go implements SessionRepository, the PostgreSQL store behind the
// session registry. Terminations are soft: rows flip is_active and keep their history.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sentinel-security/sentinel/internal/db/models"
)

const sessionColumns = `id, session_id, user_id, ip_address, user_agent, device_fingerprint,
	device_type, browser, os, geo_location, is_active, last_activity_at, expires_at,
	created_at, terminated_at, termination_reason`

// SessionRepository handles session database operations
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Insert records a new active session. Re-registering a session id that is already
// active for the same user refreshes its activity and expiry instead of creating a
// second row. If the active row belongs to another user nothing is written and
// models.ErrSessionOwnerConflict is returned.
func (r *SessionRepository) Insert(ctx context.Context, s *models.Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	query := `
		INSERT INTO security_sessions (
			id, session_id, user_id, ip_address, user_agent, device_fingerprint,
			device_type, browser, os, geo_location, is_active, last_activity_at, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $11, $12, $11)
		ON CONFLICT (session_id) WHERE is_active DO UPDATE SET
			last_activity_at = EXCLUDED.last_activity_at,
			expires_at = EXCLUDED.expires_at
		WHERE security_sessions.user_id = EXCLUDED.user_id
		RETURNING id, created_at`

	err := r.db.QueryRowContext(ctx, query,
		s.ID, s.SessionID, s.UserID, s.IPAddress, s.UserAgent, s.DeviceFingerprint,
		s.DeviceType, s.Browser, s.OS, s.GeoLocation, s.LastActivityAt, s.ExpiresAt,
	).Scan(&s.ID, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrSessionOwnerConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	s.IsActive = true
	return nil
}

// Touch bumps last_activity_at only if the stored value is older than staleBefore,
// which coalesces bursts of activity into at most one write per interval.
func (r *SessionRepository) Touch(ctx context.Context, sessionID string, now, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE security_sessions SET last_activity_at = $2
		WHERE session_id = $1 AND is_active AND last_activity_at < $3`

	res, err := r.db.ExecContext(ctx, query, sessionID, now, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to touch session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Terminate deactivates one session. It reports false if no active session matched.
func (r *SessionRepository) Terminate(ctx context.Context, sessionID, reason string, now time.Time) (bool, error) {
	query := `
		UPDATE security_sessions
		SET is_active = FALSE, terminated_at = $2, termination_reason = $3
		WHERE session_id = $1 AND is_active`

	res, err := r.db.ExecContext(ctx, query, sessionID, now, reason)
	if err != nil {
		return false, fmt.Errorf("failed to terminate session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TerminateAllForUser deactivates every active session of a user except
// exceptSessionID (empty means none are kept) and returns how many were terminated.
func (r *SessionRepository) TerminateAllForUser(ctx context.Context, userID, exceptSessionID, reason string, now time.Time) (int64, error) {
	query := `
		UPDATE security_sessions
		SET is_active = FALSE, terminated_at = $3, termination_reason = $4
		WHERE user_id = $1 AND is_active AND session_id <> $2`

	res, err := r.db.ExecContext(ctx, query, userID, exceptSessionID, now, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to terminate user sessions: %w", err)
	}
	return res.RowsAffected()
}

// TerminateOldest keeps the keep most recently active sessions of a user and
// terminates the rest.
func (r *SessionRepository) TerminateOldest(ctx context.Context, userID string, keep int, reason string, now time.Time) (int64, error) {
	query := `
		UPDATE security_sessions
		SET is_active = FALSE, terminated_at = $3, termination_reason = $4
		WHERE id IN (
			SELECT id FROM security_sessions
			WHERE user_id = $1 AND is_active
			ORDER BY last_activity_at DESC
			OFFSET $2
		)`

	res, err := r.db.ExecContext(ctx, query, userID, keep, now, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to terminate oldest sessions: %w", err)
	}
	return res.RowsAffected()
}

// ListActive returns a user's unexpired active sessions, most recently active first.
func (r *SessionRepository) ListActive(ctx context.Context, userID string, now time.Time) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM security_sessions
		WHERE user_id = $1 AND is_active AND expires_at > $2
		ORDER BY last_activity_at DESC`

	sessions := make([]*models.Session, 0)
	if err := r.db.SelectContext(ctx, &sessions, query, userID, now); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// CountActive counts a user's unexpired active sessions.
func (r *SessionRepository) CountActive(ctx context.Context, userID string, now time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM security_sessions WHERE user_id = $1 AND is_active AND expires_at > $2`
	if err := r.db.GetContext(ctx, &count, query, userID, now); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

// GetBySessionID returns the most relevant row for a session id: the active one if
// present, otherwise the most recently created. Returns nil when none exists.
func (r *SessionRepository) GetBySessionID(ctx context.Context, sessionID string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM security_sessions
		WHERE session_id = $1
		ORDER BY is_active DESC, created_at DESC
		LIMIT 1`

	var s models.Session
	err := r.db.GetContext(ctx, &s, query, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// ExpireStale terminates all active sessions whose expiry has passed.
func (r *SessionRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE security_sessions
		SET is_active = FALSE, terminated_at = $1, termination_reason = 'expired'
		WHERE is_active AND expires_at < $1`

	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	return res.RowsAffected()
}
