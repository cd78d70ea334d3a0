package ratelimit

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Category is the endpoint class a request is counted against.
type Category string

const (
	CategoryAuth      Category = "auth"
	CategorySensitive Category = "sensitive"
	CategoryWrite     Category = "write"
	CategoryRead      Category = "read"
	CategoryDefault   Category = "default"
)

// Categories lists every category in classification order.
var Categories = []Category{CategoryAuth, CategorySensitive, CategoryWrite, CategoryRead, CategoryDefault}

// Limit is the request budget for one category.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// Policies is the classification and limit table used by a Limiter.
type Policies struct {
	Limits         map[Category]Limit
	AuthPaths      []string
	SensitivePaths []string
}

// DefaultPolicies returns the built-in limits: auth 5 per 15 minutes, sensitive 20,
// write 50, read 200 and default 100 per minute.
func DefaultPolicies() Policies {
	return Policies{
		Limits: map[Category]Limit{
			CategoryAuth:      {MaxRequests: 5, Window: 15 * time.Minute},
			CategorySensitive: {MaxRequests: 20, Window: time.Minute},
			CategoryWrite:     {MaxRequests: 50, Window: time.Minute},
			CategoryRead:      {MaxRequests: 200, Window: time.Minute},
			CategoryDefault:   {MaxRequests: 100, Window: time.Minute},
		},
		AuthPaths:      []string{"/auth/login", "/auth/register", "/auth/reset"},
		SensitivePaths: []string{"/admin", "/billing", "/payment"},
	}
}

// Validate checks that every category has a positive budget and window.
func (p Policies) Validate() error {
	for _, c := range Categories {
		l, ok := p.Limits[c]
		if !ok {
			return fmt.Errorf("missing limit for category %q", c)
		}
		if l.MaxRequests <= 0 {
			return fmt.Errorf("category %q: max_requests must be positive", c)
		}
		if l.Window <= 0 {
			return fmt.Errorf("category %q: window must be positive", c)
		}
	}
	return nil
}

// Classify maps a request path and method to its category. Path rules are checked
// before method rules.
func (p Policies) Classify(path, method string) Category {
	if containsAny(path, p.AuthPaths) {
		return CategoryAuth
	}
	if containsAny(path, p.SensitivePaths) {
		return CategorySensitive
	}
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return CategoryWrite
	case http.MethodGet, http.MethodHead:
		return CategoryRead
	}
	return CategoryDefault
}

// LimitFor returns the limit for c, falling back to the default category.
func (p Policies) LimitFor(c Category) Limit {
	if l, ok := p.Limits[c]; ok {
		return l
	}
	return p.Limits[CategoryDefault]
}

func (p Policies) clone() Policies {
	out := Policies{
		Limits:         make(map[Category]Limit, len(p.Limits)),
		AuthPaths:      append([]string(nil), p.AuthPaths...),
		SensitivePaths: append([]string(nil), p.SensitivePaths...),
	}
	for c, l := range p.Limits {
		out.Limits[c] = l
	}
	return out
}

func containsAny(path string, fragments []string) bool {
	for _, f := range fragments {
		if f != "" && strings.Contains(path, f) {
			return true
		}
	}
	return false
}

// WindowBounds returns the epoch-aligned fixed window containing now. Times before
// the epoch round down too, so start is never after now.
func WindowBounds(now time.Time, window time.Duration) (start, end time.Time) {
	ns, w := now.UnixNano(), int64(window)
	rem := ns % w
	if rem < 0 {
		rem += w
	}
	start = time.Unix(0, ns-rem).UTC()
	return start, start.Add(window)
}
