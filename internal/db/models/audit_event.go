// Package models - audit_event.go defines the append-only security audit record and the
// query shapes used to read it back.
package models

import "time"

// AuditEvent is one immutable entry in security_audit_logs. Category and severity are
// derived from EventType by the audit package unless the writer overrides severity.
type AuditEvent struct {
	ID            string `db:"id" json:"id"`
	EventType     string `db:"event_type" json:"event_type"`
	EventCategory string `db:"event_category" json:"event_category"`
	Severity      string `db:"severity" json:"severity"`

	// Actor
	UserID    *string `db:"user_id" json:"user_id,omitempty"`
	UserEmail *string `db:"user_email" json:"user_email,omitempty"`
	UserRole  *string `db:"user_role" json:"user_role,omitempty"`

	// Target
	TargetUserID       *string `db:"target_user_id" json:"target_user_id,omitempty"`
	TargetResourceType *string `db:"target_resource_type" json:"target_resource_type,omitempty"`
	TargetResourceID   *string `db:"target_resource_id" json:"target_resource_id,omitempty"`

	Action        string  `db:"action" json:"action"`
	ActionDetails JSONMap `db:"action_details" json:"action_details,omitempty"`

	// Request context
	IPAddress         *string `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent         *string `db:"user_agent" json:"user_agent,omitempty"`
	SessionID         *string `db:"session_id" json:"session_id,omitempty"`
	RequestMethod     *string `db:"request_method" json:"request_method,omitempty"`
	RequestPath       *string `db:"request_path" json:"request_path,omitempty"`
	RequestID         *string `db:"request_id" json:"request_id,omitempty"`
	ResponseStatus    *int    `db:"response_status" json:"response_status,omitempty"`
	ErrorMessage      *string `db:"error_message" json:"error_message,omitempty"`
	GeoLocation       JSONMap `db:"geo_location" json:"geo_location,omitempty"`
	DeviceFingerprint *string `db:"device_fingerprint" json:"device_fingerprint,omitempty"`

	RiskScore *int    `db:"risk_score" json:"risk_score,omitempty"` // 0-100
	IsAnomaly bool    `db:"is_anomaly" json:"is_anomaly"`
	Metadata  JSONMap `db:"metadata" json:"metadata,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AuditFilter narrows an audit query. Nil fields are not applied.
type AuditFilter struct {
	UserID        *string
	EventType     *string
	EventCategory *string
	Severity      *string
	StartDate     *time.Time
	EndDate       *time.Time
}

// AuditEventCount is one row of the grouped aggregation behind security stats.
type AuditEventCount struct {
	EventType     string `db:"event_type"`
	EventCategory string `db:"event_category"`
	Severity      string `db:"severity"`
	Count         int    `db:"count"`
}
