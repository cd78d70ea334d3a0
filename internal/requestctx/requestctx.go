// Package requestctx extracts the per-request attributes that audit events and sessions
// record: client origin, user agent, session id, method, path, and correlation id.
package requestctx

import (
	"context"
	"net"
	"net/http"
	"strings"
)

const (
	// RequestIDHeader carries the inbound correlation id.
	RequestIDHeader = "X-Request-ID"
	// DeviceFingerprintHeader carries an optional client-computed device fingerprint.
	DeviceFingerprintHeader = "X-Device-Fingerprint"
	// SessionHeader carries the transport session id for clients that do not use cookies.
	SessionHeader = "X-Session-ID"
	// SessionCookie is the cookie name holding the transport session id.
	SessionCookie = "sid"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	sessionIDKey
)

// RequestContext is the set of request attributes attached to audit events.
// Every field is optional.
type RequestContext struct {
	IPAddress         string
	UserAgent         string
	SessionID         string
	Method            string
	Path              string
	RequestID         string
	DeviceFingerprint string
}

// WithRequestID stores the correlation id assigned to the current request.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the correlation id stored by WithRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithSessionID stores the authenticated transport session id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionID returns the session id stored by WithSessionID.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

// FromRequest builds a RequestContext from an inbound HTTP request. The path is the
// full request URI including the query string and the origin is the socket peer.
func FromRequest(r *http.Request) RequestContext {
	if r == nil {
		return RequestContext{}
	}
	rc := RequestContext{
		IPAddress:         ClientIP(r),
		UserAgent:         r.UserAgent(),
		Method:            r.Method,
		Path:              r.URL.RequestURI(),
		DeviceFingerprint: r.Header.Get(DeviceFingerprintHeader),
	}

	rc.RequestID = RequestID(r.Context())
	if rc.RequestID == "" {
		rc.RequestID = r.Header.Get(RequestIDHeader)
	}

	rc.SessionID = SessionID(r.Context())
	if rc.SessionID == "" {
		rc.SessionID = TransportSessionID(r)
	}
	return rc
}

// TransportSessionID reads the session id presented by the client, preferring the
// explicit header over the cookie.
func TransportSessionID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(SessionHeader)); id != "" {
		return id
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// ClientIP returns the socket peer address of r without its port, or "" when none is
// available. Forwarding headers are not consulted here: they can be set by any client,
// so they are resolved by the router against its trusted proxies instead.
func ClientIP(r *http.Request) string {
	if r.RemoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
