package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-security/sentinel/internal/audit"
	"github.com/sentinel-security/sentinel/internal/db/models"
	"github.com/sentinel-security/sentinel/internal/requestctx"
)

const chromeMac = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *eventRecorder) Log(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// brokenStore fails every operation.
type brokenStore struct{}

var errBroken = errors.New("store unavailable")

func (brokenStore) Insert(context.Context, *models.Session) error { return errBroken }
func (brokenStore) Touch(context.Context, string, time.Time, time.Time) (bool, error) {
	return false, errBroken
}
func (brokenStore) Terminate(context.Context, string, string, time.Time) (bool, error) {
	return false, errBroken
}
func (brokenStore) TerminateAllForUser(context.Context, string, string, string, time.Time) (int64, error) {
	return 0, errBroken
}
func (brokenStore) TerminateOldest(context.Context, string, int, string, time.Time) (int64, error) {
	return 0, errBroken
}
func (brokenStore) ListActive(context.Context, string, time.Time) ([]*models.Session, error) {
	return nil, errBroken
}
func (brokenStore) CountActive(context.Context, string, time.Time) (int, error) {
	return 0, errBroken
}
func (brokenStore) GetBySessionID(context.Context, string) (*models.Session, error) {
	return nil, errBroken
}
func (brokenStore) ExpireStale(context.Context, time.Time) (int64, error) { return 0, errBroken }

func newTestRegistry(opts Options) (*Registry, *MemoryStore, *fakeClock, *eventRecorder) {
	clock := &fakeClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	rec := &eventRecorder{}
	store := NewMemoryStore()
	opts.Now = clock.Now
	opts.Audit = rec
	return NewRegistry(store, opts), store, clock, rec
}

// ---------------------------------------------------------------------------
// Create / Touch
// ---------------------------------------------------------------------------

func TestCreate_PopulatesDeviceInfo(t *testing.T) {
	r, _, clock, rec := newTestRegistry(Options{})
	ctx := context.Background()

	s := r.Create(ctx, "u1", "tok-1", requestctx.RequestContext{
		IPAddress:         "203.0.113.9",
		UserAgent:         chromeMac,
		DeviceFingerprint: "fp-1",
	}, clock.Now().Add(time.Hour))

	require.NotNil(t, s)
	assert.NotEmpty(t, s.ID)
	assert.True(t, s.IsActive)
	assert.Equal(t, "desktop", s.DeviceType)
	assert.Equal(t, "Chrome", s.Browser)
	assert.Equal(t, "macOS", s.OS)
	assert.Equal(t, "203.0.113.9", *s.IPAddress)
	assert.Equal(t, "fp-1", *s.DeviceFingerprint)
	assert.Equal(t, []audit.EventType{audit.EventSessionCreated}, rec.types())
}

func TestCreate_SameTokenKeepsOneActiveRow(t *testing.T) {
	r, _, clock, _ := newTestRegistry(Options{})
	ctx := context.Background()

	r.Create(ctx, "u1", "tok-1", requestctx.RequestContext{}, clock.Now().Add(time.Hour))
	r.Create(ctx, "u1", "tok-1", requestctx.RequestContext{}, clock.Now().Add(2*time.Hour))

	assert.Equal(t, 1, r.CountActive(ctx, "u1"))
	s, err := r.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(2*time.Hour), s.ExpiresAt)
}

func TestCreate_TokenActiveForAnotherUser(t *testing.T) {
	r, store, clock, rec := newTestRegistry(Options{})
	ctx := context.Background()

	require.NotNil(t, r.Create(ctx, "u1", "tok-1", requestctx.RequestContext{}, clock.Now().Add(time.Hour)))
	assert.Nil(t, r.Create(ctx, "u2", "tok-1", requestctx.RequestContext{}, clock.Now().Add(2*time.Hour)))

	s, err := r.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UserID)
	assert.Equal(t, clock.Now().Add(time.Hour), s.ExpiresAt)
	assert.Zero(t, r.CountActive(ctx, "u2"))
	assert.Len(t, store.rows, 1)
	assert.Equal(t, []audit.EventType{audit.EventSessionCreated}, rec.types())
}

func TestTouch_Coalesced(t *testing.T) {
	r, _, clock, _ := newTestRegistry(Options{TouchInterval: time.Minute})
	ctx := context.Background()
	r.Create(ctx, "u1", "tok-1", requestctx.RequestContext{}, clock.Now().Add(time.Hour))

	clock.Advance(10 * time.Second)
	assert.False(t, r.Touch(ctx, "tok-1"), "touch inside the interval must not write")

	clock.Advance(time.Minute)
	assert.True(t, r.Touch(ctx, "tok-1"))

	s, err := r.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), s.LastActivityAt)

	assert.False(t, r.Touch(ctx, "missing"))
}

// ---------------------------------------------------------------------------
// Terminate / TerminateAll
// ---------------------------------------------------------------------------

func TestTerminate(t *testing.T) {
	r, _, clock, rec := newTestRegistry(Options{})
	ctx := context.Background()
	r.Create(ctx, "u1", "tok-1", requestctx.RequestContext{}, clock.Now().Add(time.Hour))

	assert.True(t, r.Terminate(ctx, "tok-1", ReasonLogout))
	assert.False(t, r.Terminate(ctx, "tok-1", ReasonLogout), "second terminate is a no-op")

	s, err := r.Get(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, s.IsActive)
	assert.Equal(t, ReasonLogout, *s.TerminationReason)
	assert.NotNil(t, s.TerminatedAt)
	assert.Equal(t, StatusTerminated, r.Validate(ctx, "tok-1"))
	assert.Equal(t, []audit.EventType{audit.EventSessionCreated, audit.EventSessionTerminated}, rec.types())
}

func TestTerminateAll_KeepsCurrent(t *testing.T) {
	r, _, clock, _ := newTestRegistry(Options{})
	ctx := context.Background()
	for _, tok := range []string{"a", "b", "c"} {
		r.Create(ctx, "u1", tok, requestctx.RequestContext{}, clock.Now().Add(time.Hour))
	}
	r.Create(ctx, "u2", "other", requestctx.RequestContext{}, clock.Now().Add(time.Hour))

	n := r.TerminateAll(ctx, "u1", "b", ReasonRevoked)
	assert.Equal(t, 2, n)

	active := r.ListActive(ctx, "u1")
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].SessionID)
	assert.Equal(t, 1, r.CountActive(ctx, "u2"))
}

func TestTerminateAll_NoExcept(t *testing.T) {
	r, _, clock, _ := newTestRegistry(Options{})
	ctx := context.Background()
	r.Create(ctx, "u1", "a", requestctx.RequestContext{}, clock.Now().Add(time.Hour))
	r.Create(ctx, "u1", "b", requestctx.RequestContext{}, clock.Now().Add(time.Hour))

	assert.Equal(t, 2, r.TerminateAll(ctx, "u1", "", ReasonForceLogout))
	assert.Equal(t, 0, r.CountActive(ctx, "u1"))
}

// ---------------------------------------------------------------------------
// ListActive / limits
// ---------------------------------------------------------------------------

func TestListActive_OrderedByLastActivity(t *testing.T) {
	r, _, clock, _ := newTestRegistry(Options{TouchInterval: time.Second})
	ctx := context.Background()
	r.Create(ctx, "u1", "old", requestctx.RequestContext{}, clock.Now().Add(time.Hour))
	clock.Advance(time.Minute)
	r.Create(ctx, "u1", "new", requestctx.RequestContext{}, clock.Now().Add(time.Hour))
	clock.Advance(time.Minute)
	r.Touch(ctx, "old")

	active := r.ListActive(ctx, "u1")
	require.Len(t, active, 2)
	assert.Equal(t, "old", active[0].SessionID)
	assert.Equal(t, "new", active[1].SessionID)
}

func TestListActive_ExcludesExpired(t *testing.T) {
	r, _, clock, _ := newTestRegistry(Options{})
	ctx := context.Background()
	r.Create(ctx, "u1", "short", requestctx.RequestContext{}, clock.Now().Add(time.Minute))
	r.Create(ctx, "u1", "long", requestctx.RequestContext{}, clock.Now().Add(time.Hour))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, r.CountActive(ctx, "u1"))
	assert.Len(t, r.ListActive(ctx, "u1"), 1)
}

func TestWithinLimit(t *testing.T) {
	r, _, clock, _ := newTestRegistry(Options{})
	ctx := context.Background()
	for i, tok := range []string{"a", "b", "c", "d", "e"} {
		assert.True(t, r.WithinLimit(ctx, "u1", 5), "session %d should fit", i+1)
		r.Create(ctx, "u1", tok, requestctx.RequestContext{}, clock.Now().Add(time.Hour))
	}
	assert.False(t, r.WithinLimit(ctx, "u1", 5))
}

func TestAdmit_Reject(t *testing.T) {
	r, _, clock, _ := newTestRegistry(Options{MaxActive: 2})
	ctx := context.Background()
	r.Create(ctx, "u1", "a", requestctx.RequestContext{}, clock.Now().Add(time.Hour))

	assert.True(t, r.Admit(ctx, "u1", PolicyReject).Allowed)

	r.Create(ctx, "u1", "b", requestctx.RequestContext{}, clock.Now().Add(time.Hour))
	res := r.Admit(ctx, "u1", PolicyReject)
	assert.False(t, res.Allowed)
	assert.Equal(t, 2, res.Active)
	assert.Equal(t, 2, r.CountActive(ctx, "u1"), "reject must not evict")
}

func TestAdmit_TerminateOldest(t *testing.T) {
	r, _, clock, _ := newTestRegistry(Options{MaxActive: 3})
	ctx := context.Background()
	for _, tok := range []string{"a", "b", "c"} {
		r.Create(ctx, "u1", tok, requestctx.RequestContext{}, clock.Now().Add(time.Hour))
		clock.Advance(time.Minute)
	}

	res := r.Admit(ctx, "u1", PolicyTerminateOldest)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Terminated)
	assert.Equal(t, 2, res.Active)

	s, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, s.IsActive)
	assert.Equal(t, ReasonSessionLimit, *s.TerminationReason)
}

// ---------------------------------------------------------------------------
// Validate / expiry
// ---------------------------------------------------------------------------

func TestValidate(t *testing.T) {
	r, _, clock, rec := newTestRegistry(Options{})
	ctx := context.Background()
	r.Create(ctx, "u1", "tok", requestctx.RequestContext{}, clock.Now().Add(time.Minute))

	assert.Equal(t, StatusActive, r.Validate(ctx, "tok"))
	assert.Equal(t, StatusUnknown, r.Validate(ctx, "never-registered"))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, StatusExpired, r.Validate(ctx, "tok"))
	assert.Equal(t, StatusExpired, r.Validate(ctx, "tok"), "expired stays expired after lazy termination")
	assert.Contains(t, rec.types(), audit.EventSessionExpired)

	s, err := r.Get(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, s.IsActive)
}

func TestExpireStale(t *testing.T) {
	r, _, clock, _ := newTestRegistry(Options{})
	ctx := context.Background()
	r.Create(ctx, "u1", "a", requestctx.RequestContext{}, clock.Now().Add(time.Minute))
	r.Create(ctx, "u1", "b", requestctx.RequestContext{}, clock.Now().Add(time.Hour))

	assert.Equal(t, 1, r.ExpireStale(ctx, clock.Now().Add(5*time.Minute)))
	assert.Equal(t, StatusExpired, r.Validate(ctx, "a"))
}

func TestGet_NotFound(t *testing.T) {
	r, _, _, _ := newTestRegistry(Options{})
	_, err := r.Get(context.Background(), "none")
	assert.ErrorIs(t, err, ErrNotFound)
}

// ---------------------------------------------------------------------------
// Fire-and-allow on store failure
// ---------------------------------------------------------------------------

func TestRegistry_StoreFailuresAreSwallowed(t *testing.T) {
	rec := &eventRecorder{}
	r := NewRegistry(brokenStore{}, Options{Audit: rec})
	ctx := context.Background()

	assert.Nil(t, r.Create(ctx, "u1", "tok", requestctx.RequestContext{}, time.Now().Add(time.Hour)))
	assert.False(t, r.Touch(ctx, "tok"))
	assert.False(t, r.Terminate(ctx, "tok", ReasonLogout))
	assert.Equal(t, 0, r.TerminateAll(ctx, "u1", "", ReasonLogout))
	assert.Empty(t, r.ListActive(ctx, "u1"))
	assert.Equal(t, 0, r.CountActive(ctx, "u1"))
	assert.True(t, r.WithinLimit(ctx, "u1", 5))
	assert.True(t, r.Admit(ctx, "u1", PolicyReject).Allowed)
	assert.Equal(t, StatusUnknown, r.Validate(ctx, "tok"))
	assert.Equal(t, 0, r.ExpireStale(ctx, time.Now()))

	_, err := r.Get(ctx, "tok")
	assert.ErrorIs(t, err, errBroken)
	assert.Empty(t, rec.types(), "failed operations must not emit audit events")
}

func TestNewRegistry_Defaults(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), Options{})
	assert.Equal(t, DefaultMaxActive, r.MaxActive())
	assert.True(t, PolicyReject.Valid())
	assert.True(t, PolicyTerminateOldest.Valid())
	assert.False(t, LimitPolicy("evict").Valid())
}

func TestAdmit_ConfiguredPolicy(t *testing.T) {
	r, _, clock, _ := newTestRegistry(Options{MaxActive: 1, Policy: PolicyTerminateOldest})
	ctx := context.Background()
	r.Create(ctx, "u1", "a", requestctx.RequestContext{}, clock.Now().Add(time.Hour))

	res := r.Admit(ctx, "u1", "")
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Terminated)

	def, _, _, _ := newTestRegistry(Options{MaxActive: 1})
	def.Create(ctx, "u1", "a", requestctx.RequestContext{}, clock.Now().Add(time.Hour))
	assert.False(t, def.Admit(ctx, "u1", "").Allowed, "default policy is reject")
}
