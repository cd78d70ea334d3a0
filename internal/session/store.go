package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sentinel-security/sentinel/internal/db/models"
)

// Store persists sessions. repositories.SessionRepository is the PostgreSQL
// implementation.
type Store interface {
	Insert(ctx context.Context, s *models.Session) error
	Touch(ctx context.Context, sessionID string, now, staleBefore time.Time) (bool, error)
	Terminate(ctx context.Context, sessionID, reason string, now time.Time) (bool, error)
	TerminateAllForUser(ctx context.Context, userID, exceptSessionID, reason string, now time.Time) (int64, error)
	TerminateOldest(ctx context.Context, userID string, keep int, reason string, now time.Time) (int64, error)
	ListActive(ctx context.Context, userID string, now time.Time) ([]*models.Session, error)
	CountActive(ctx context.Context, userID string, now time.Time) (int, error)
	GetBySessionID(ctx context.Context, sessionID string) (*models.Session, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// MemoryStore is an in-process Store with the same semantics as the PostgreSQL
// repository. Used in tests and single-process development.
type MemoryStore struct {
	mu   sync.Mutex
	rows []*models.Session
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) active(sessionID string) *models.Session {
	for _, s := range m.rows {
		if s.IsActive && s.SessionID == sessionID {
			return s
		}
	}
	return nil
}

func terminate(s *models.Session, reason string, now time.Time) {
	s.IsActive = false
	t := now
	s.TerminatedAt = &t
	r := reason
	s.TerminationReason = &r
}

// Insert implements Store.
func (m *MemoryStore) Insert(ctx context.Context, s *models.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.active(s.SessionID); existing != nil {
		if existing.UserID != s.UserID {
			return models.ErrSessionOwnerConflict
		}
		existing.LastActivityAt = s.LastActivityAt
		existing.ExpiresAt = s.ExpiresAt
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
		s.IsActive = true
		return nil
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.IsActive = true
	s.CreatedAt = s.LastActivityAt
	row := *s
	m.rows = append(m.rows, &row)
	return nil
}

// Touch implements Store.
func (m *MemoryStore) Touch(ctx context.Context, sessionID string, now, staleBefore time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.active(sessionID)
	if s == nil || !s.LastActivityAt.Before(staleBefore) {
		return false, nil
	}
	s.LastActivityAt = now
	return true, nil
}

// Terminate implements Store.
func (m *MemoryStore) Terminate(ctx context.Context, sessionID, reason string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.active(sessionID)
	if s == nil {
		return false, nil
	}
	terminate(s, reason, now)
	return true, nil
}

// TerminateAllForUser implements Store.
func (m *MemoryStore) TerminateAllForUser(ctx context.Context, userID, exceptSessionID, reason string, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, s := range m.rows {
		if s.IsActive && s.UserID == userID && s.SessionID != exceptSessionID {
			terminate(s, reason, now)
			n++
		}
	}
	return n, nil
}

// TerminateOldest implements Store.
func (m *MemoryStore) TerminateOldest(ctx context.Context, userID string, keep int, reason string, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.userActive(userID, time.Time{})
	var n int64
	for i := keep; i < len(active); i++ {
		terminate(active[i], reason, now)
		n++
	}
	return n, nil
}

// userActive returns a user's active rows, most recently active first. A zero now
// disables the expiry filter. Caller holds mu.
func (m *MemoryStore) userActive(userID string, now time.Time) []*models.Session {
	out := make([]*models.Session, 0)
	for _, s := range m.rows {
		if !s.IsActive || s.UserID != userID {
			continue
		}
		if !now.IsZero() && !s.ExpiresAt.After(now) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// ListActive implements Store.
func (m *MemoryStore) ListActive(ctx context.Context, userID string, now time.Time) ([]*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.userActive(userID, now)
	out := make([]*models.Session, len(rows))
	for i, s := range rows {
		c := *s
		out[i] = &c
	}
	return out, nil
}

// CountActive implements Store.
func (m *MemoryStore) CountActive(ctx context.Context, userID string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.userActive(userID, now)), nil
}

// GetBySessionID implements Store.
func (m *MemoryStore) GetBySessionID(ctx context.Context, sessionID string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.active(sessionID); s != nil {
		c := *s
		return &c, nil
	}
	var latest *models.Session
	for _, s := range m.rows {
		if s.SessionID == sessionID && (latest == nil || s.CreatedAt.After(latest.CreatedAt)) {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	return &c, nil
}

// ExpireStale implements Store.
func (m *MemoryStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, s := range m.rows {
		if s.IsActive && s.ExpiresAt.Before(now) {
			terminate(s, ReasonExpired, now)
			n++
		}
	}
	return n, nil
}
