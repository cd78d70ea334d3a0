package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sentinel-security/sentinel/internal/db/models"
)

// ErrStoreUnavailable wraps window store failures surfaced by the Limiter.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Store holds rate limit windows. Increment must be atomic: concurrent increments of
// one window each observe a distinct count. Implementations are
// repositories.RateLimitRepository (PostgreSQL), RedisStore and MemoryStore.
type Store interface {
	Increment(ctx context.Context, inc models.WindowIncrement) (models.WindowCount, error)
	CountViolations(ctx context.Context, identifier string, since time.Time) (int, error)
	ListViolations(ctx context.Context, identifier string, since time.Time) ([]*models.RateLimitWindow, error)
	ClaimAbuseSignal(ctx context.Context, identifier string, now, until time.Time) (bool, error)
	DeleteExpired(ctx context.Context, windowsBefore, now time.Time) (int64, error)
}

type windowKey struct {
	identifier string
	category   string
	start      int64
}

// MemoryStore is a mutex-guarded in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[windowKey]*models.RateLimitWindow
	signals map[string]time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[windowKey]*models.RateLimitWindow),
		signals: make(map[string]time.Time),
	}
}

// Increment implements Store.
func (m *MemoryStore) Increment(ctx context.Context, inc models.WindowIncrement) (models.WindowCount, error) {
	if err := ctx.Err(); err != nil {
		return models.WindowCount{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := windowKey{inc.Identifier, inc.EndpointCategory, inc.WindowStart.UnixNano()}
	w, ok := m.windows[key]
	if !ok {
		w = &models.RateLimitWindow{
			ID:               uuid.New().String(),
			Identifier:       inc.Identifier,
			IdentifierType:   inc.IdentifierType,
			EndpointCategory: inc.EndpointCategory,
			WindowStart:      inc.WindowStart,
			WindowEnd:        inc.WindowEnd,
		}
		m.windows[key] = w
	}
	wasExceeded := w.LimitExceeded
	w.RequestCount++
	w.LimitExceeded = w.LimitExceeded || w.RequestCount > inc.Limit
	w.LastRequestAt = inc.Now

	return models.WindowCount{
		RequestCount:  w.RequestCount,
		LimitExceeded: w.LimitExceeded,
		Inserted:      !ok,
		Transitioned:  !wasExceeded && w.LimitExceeded,
	}, nil
}

func (m *MemoryStore) violations(identifier string, since time.Time) []*models.RateLimitWindow {
	out := make([]*models.RateLimitWindow, 0)
	for _, w := range m.windows {
		if w.Identifier == identifier && w.LimitExceeded && !w.LastRequestAt.Before(since) {
			c := *w
			out = append(out, &c)
		}
	}
	return out
}

// CountViolations implements Store.
func (m *MemoryStore) CountViolations(ctx context.Context, identifier string, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.violations(identifier, since)), nil
}

// ListViolations implements Store.
func (m *MemoryStore) ListViolations(ctx context.Context, identifier string, since time.Time) ([]*models.RateLimitWindow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.violations(identifier, since)
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastRequestAt.After(out[j].LastRequestAt)
	})
	return out, nil
}

// ClaimAbuseSignal implements Store.
func (m *MemoryStore) ClaimAbuseSignal(ctx context.Context, identifier string, now, until time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if suppressUntil, ok := m.signals[identifier]; ok && suppressUntil.After(now) {
		return false, nil
	}
	m.signals[identifier] = until
	return true, nil
}

// DeleteExpired implements Store.
func (m *MemoryStore) DeleteExpired(ctx context.Context, windowsBefore, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, w := range m.windows {
		if w.WindowEnd.Before(windowsBefore) {
			delete(m.windows, k)
			n++
		}
	}
	for id, until := range m.signals {
		if until.Before(now) {
			delete(m.signals, id)
		}
	}
	return n, nil
}

// Len returns the number of live windows.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
