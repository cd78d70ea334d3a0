package models

import "time"

// RateLimitWindow is the counter for one (identifier, endpoint category, window start).
// LimitExceeded is sticky for the lifetime of the row.
type RateLimitWindow struct {
	ID               string    `db:"id" json:"id"`
	Identifier       string    `db:"identifier" json:"identifier"`
	IdentifierType   string    `db:"identifier_type" json:"identifier_type"`
	EndpointCategory string    `db:"endpoint_category" json:"endpoint_category"`
	WindowStart      time.Time `db:"window_start" json:"window_start"`
	WindowEnd        time.Time `db:"window_end" json:"window_end"`
	RequestCount     int       `db:"request_count" json:"request_count"`
	LimitExceeded    bool      `db:"limit_exceeded" json:"limit_exceeded"`
	LastRequestAt    time.Time `db:"last_request_at" json:"last_request_at"`
}

// WindowIncrement describes one request to be counted against a window.
type WindowIncrement struct {
	Identifier       string
	IdentifierType   string
	EndpointCategory string
	WindowStart      time.Time
	WindowEnd        time.Time
	Limit            int
	Now              time.Time
}

// WindowCount is the state of a window immediately after an increment.
type WindowCount struct {
	RequestCount  int  `db:"request_count"`
	LimitExceeded bool `db:"limit_exceeded"`
	// Inserted is true when this increment created the window.
	Inserted bool `db:"inserted"`
	// Transitioned is true for exactly one increment per window: the one that moved
	// the window into the exceeded state, whatever limit was in force at the time.
	Transitioned bool `db:"transitioned"`
}
