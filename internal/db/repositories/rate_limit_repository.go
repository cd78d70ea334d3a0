// rate_limit_repository.go implements RateLimitRepository, the PostgreSQL window store.
// Every increment is a single INSERT ... ON CONFLICT DO UPDATE so concurrent requests
// against the same window are counted without lost updates.
package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sentinel-security/sentinel/internal/db/models"
)

// RateLimitRepository handles rate limit window database operations
type RateLimitRepository struct {
	db *sqlx.DB
}

// NewRateLimitRepository creates a new RateLimitRepository
func NewRateLimitRepository(db *sqlx.DB) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// Increment counts one request against the window identified by inc and returns the
// post-increment state. The statement's fresh id is written to transition_id only when
// the window first becomes exceeded, so Transitioned is true for exactly one increment
// per window even if the limit changes between requests.
func (r *RateLimitRepository) Increment(ctx context.Context, inc models.WindowIncrement) (models.WindowCount, error) {
	query := `
		INSERT INTO rate_limit_windows (
			id, identifier, identifier_type, endpoint_category,
			window_start, window_end, request_count, limit_exceeded, last_request_at, transition_id
		) VALUES ($1, $2, $3, $4, $5, $6, 1, 1 > $7, $8, CASE WHEN 1 > $7 THEN $1::uuid END)
		ON CONFLICT (identifier, endpoint_category, window_start) DO UPDATE SET
			request_count = rate_limit_windows.request_count + 1,
			limit_exceeded = rate_limit_windows.limit_exceeded OR rate_limit_windows.request_count + 1 > $7,
			transition_id = COALESCE(rate_limit_windows.transition_id,
				CASE WHEN rate_limit_windows.request_count + 1 > $7 THEN $1::uuid END),
			last_request_at = EXCLUDED.last_request_at
		RETURNING request_count, limit_exceeded, (xmax = 0) AS inserted,
			COALESCE(transition_id = $1::uuid, FALSE) AS transitioned`

	var wc models.WindowCount
	err := r.db.GetContext(ctx, &wc, query,
		uuid.New().String(), inc.Identifier, inc.IdentifierType, inc.EndpointCategory,
		inc.WindowStart, inc.WindowEnd, inc.Limit, inc.Now,
	)
	if err != nil {
		return models.WindowCount{}, fmt.Errorf("failed to increment rate limit window: %w", err)
	}
	return wc, nil
}

// CountViolations counts exceeded windows for identifier with activity at or after since.
func (r *RateLimitRepository) CountViolations(ctx context.Context, identifier string, since time.Time) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM rate_limit_windows
		WHERE identifier = $1 AND limit_exceeded AND last_request_at >= $2`
	if err := r.db.GetContext(ctx, &count, query, identifier, since); err != nil {
		return 0, fmt.Errorf("failed to count rate limit violations: %w", err)
	}
	return count, nil
}

// ClaimAbuseSignal records that an abuse signal is being emitted for identifier. It
// returns true only for the caller that wins the claim; later callers are suppressed
// until the stored suppress_until passes.
func (r *RateLimitRepository) ClaimAbuseSignal(ctx context.Context, identifier string, now, until time.Time) (bool, error) {
	query := `
		INSERT INTO rate_limit_abuse_signals (identifier, reported_at, suppress_until)
		VALUES ($1, $2, $3)
		ON CONFLICT (identifier) DO UPDATE SET
			reported_at = EXCLUDED.reported_at,
			suppress_until = EXCLUDED.suppress_until
		WHERE rate_limit_abuse_signals.suppress_until <= EXCLUDED.reported_at`

	res, err := r.db.ExecContext(ctx, query, identifier, now, until)
	if err != nil {
		return false, fmt.Errorf("failed to claim abuse signal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteExpired removes windows that ended before windowsBefore and abuse claims
// whose suppression has lapsed by now. It returns the number of windows deleted.
func (r *RateLimitRepository) DeleteExpired(ctx context.Context, windowsBefore, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rate_limit_windows WHERE window_end < $1`, windowsBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired rate limit windows: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM rate_limit_abuse_signals WHERE suppress_until < $1`, now); err != nil {
		return deleted, fmt.Errorf("failed to delete expired abuse signals: %w", err)
	}
	return deleted, nil
}

// ListViolations returns the exceeded windows for identifier with activity at or after
// since, newest first.
func (r *RateLimitRepository) ListViolations(ctx context.Context, identifier string, since time.Time) ([]*models.RateLimitWindow, error) {
	query := `
		SELECT id, identifier, identifier_type, endpoint_category, window_start, window_end,
			request_count, limit_exceeded, last_request_at
		FROM rate_limit_windows
		WHERE identifier = $1 AND limit_exceeded AND last_request_at >= $2
		ORDER BY last_request_at DESC`

	windows := make([]*models.RateLimitWindow, 0)
	if err := r.db.SelectContext(ctx, &windows, query, identifier, since); err != nil {
		return nil, fmt.Errorf("failed to list rate limit violations: %w", err)
	}
	return windows, nil
}
