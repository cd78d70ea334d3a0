package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sentinel-security/sentinel/internal/db/models"
)

// Store is the append-only store of record for audit events.
// repositories.AuditRepository is the PostgreSQL implementation.
type Store interface {
	Insert(ctx context.Context, e *models.AuditEvent) error
	List(ctx context.Context, filter models.AuditFilter, limit, offset int) ([]*models.AuditEvent, int, error)
	Get(ctx context.Context, id string) (*models.AuditEvent, error)
	CountByType(ctx context.Context, since time.Time) ([]models.AuditEventCount, error)
}

// MemoryStore is an in-process Store used for tests and single-node development.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*models.AuditEvent
	now    func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// WithClock replaces the clock used to stamp created_at.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Insert implements Store.
func (s *MemoryStore) Insert(ctx context.Context, e *models.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.CreatedAt = s.now().UTC()
	stored := *e
	s.events = append(s.events, &stored)
	return nil
}

func matches(e *models.AuditEvent, f models.AuditFilter) bool {
	if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
		return false
	}
	if f.EventType != nil && e.EventType != *f.EventType {
		return false
	}
	if f.EventCategory != nil && e.EventCategory != *f.EventCategory {
		return false
	}
	if f.Severity != nil && e.Severity != *f.Severity {
		return false
	}
	if f.StartDate != nil && e.CreatedAt.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && e.CreatedAt.After(*f.EndDate) {
		return false
	}
	return true
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, filter models.AuditFilter, limit, offset int) ([]*models.AuditEvent, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Walk newest-inserted first so equal timestamps keep reverse insertion order.
	matched := make([]*models.AuditEvent, 0)
	for i := len(s.events) - 1; i >= 0; i-- {
		if e := s.events[i]; matches(e, filter) {
			c := *e
			matched = append(matched, &c)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []*models.AuditEvent{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events {
		if e.ID == id {
			c := *e
			return &c, nil
		}
	}
	return nil, nil
}

// CountByType implements Store.
func (s *MemoryStore) CountByType(ctx context.Context, since time.Time) ([]models.AuditEventCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct{ t, c, s string }
	counts := make(map[key]int)
	order := make([]key, 0)
	for _, e := range s.events {
		if e.CreatedAt.Before(since) {
			continue
		}
		k := key{e.EventType, e.EventCategory, e.Severity}
		if _, ok := counts[k]; !ok {
			order = append(order, k)
		}
		counts[k]++
	}

	out := make([]models.AuditEventCount, 0, len(order))
	for _, k := range order {
		out = append(out, models.AuditEventCount{EventType: k.t, EventCategory: k.c, Severity: k.s, Count: counts[k]})
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
