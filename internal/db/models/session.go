package models

import (
	"errors"
	"time"
)

// ErrSessionOwnerConflict is returned when a session id is registered for one user
// while an active row for it belongs to another.
var ErrSessionOwnerConflict = errors.New("session id is active for a different user")

// Session tracks one authenticated transport session. At most one active row exists
// per SessionID.
type Session struct {
	ID                string     `db:"id" json:"id"`
	SessionID         string     `db:"session_id" json:"session_id"`
	UserID            string     `db:"user_id" json:"user_id"`
	IPAddress         *string    `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent         *string    `db:"user_agent" json:"user_agent,omitempty"`
	DeviceFingerprint *string    `db:"device_fingerprint" json:"device_fingerprint,omitempty"`
	DeviceType        string     `db:"device_type" json:"device_type"`
	Browser           string     `db:"browser" json:"browser"`
	OS                string     `db:"os" json:"os"`
	GeoLocation       JSONMap    `db:"geo_location" json:"geo_location,omitempty"`
	IsActive          bool       `db:"is_active" json:"is_active"`
	LastActivityAt    time.Time  `db:"last_activity_at" json:"last_activity_at"`
	ExpiresAt         time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	TerminatedAt      *time.Time `db:"terminated_at" json:"terminated_at,omitempty"`
	TerminationReason *string    `db:"termination_reason" json:"termination_reason,omitempty"`
}

// Expired reports whether the session's idle deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
