package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-security/sentinel/internal/db/models"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test:rl:", time.Hour), mr
}

func readIncrement(identifier string, now time.Time, limit int) models.WindowIncrement {
	start, end := WindowBounds(now, time.Minute)
	return models.WindowIncrement{
		Identifier:       identifier,
		IdentifierType:   IdentifierUser,
		EndpointCategory: string(CategoryRead),
		WindowStart:      start,
		WindowEnd:        end,
		Limit:            limit,
		Now:              now,
	}
}

func TestRedisStore_IncrementTransitionsOnce(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	var transitions int
	for i := 1; i <= 6; i++ {
		wc, err := s.Increment(ctx, readIncrement("u1", t0.Add(time.Second), 3))
		require.NoError(t, err)
		assert.Equal(t, i, wc.RequestCount)
		assert.Equal(t, i == 1, wc.Inserted)
		assert.Equal(t, i > 3, wc.LimitExceeded, "request %d", i)
		if wc.Transitioned {
			transitions++
			assert.Equal(t, 4, wc.RequestCount)
		}
	}
	assert.Equal(t, 1, transitions)
}

func TestRedisStore_TransitionFollowsStoredFlagWhenLimitChanges(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	now := t0.Add(time.Second)

	// Lowered: the ninth request is the first to exceed.
	for i := 0; i < 8; i++ {
		_, err := s.Increment(ctx, readIncrement("low", now, 10))
		require.NoError(t, err)
	}
	wc, err := s.Increment(ctx, readIncrement("low", now, 5))
	require.NoError(t, err)
	assert.True(t, wc.Transitioned)

	// Raised after exceeding: no second transition.
	var transitions int
	for i, limit := range []int{2, 2, 2, 4, 4, 4} {
		wc, err := s.Increment(ctx, readIncrement("high", now, limit))
		require.NoError(t, err, "request %d", i+1)
		if wc.Transitioned {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions)
}

func TestRedisStore_KeysCarryTTL(t *testing.T) {
	s, mr := newTestRedisStore(t)
	inc := readIncrement("u1", t0.Add(15*time.Second), 1)

	_, err := s.Increment(context.Background(), inc)
	require.NoError(t, err)

	key := s.counterKey("u1", "read", inc.WindowStart)
	require.True(t, mr.Exists(key))
	assert.Equal(t, 45*time.Second+time.Hour, mr.TTL(key))

	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists(key))
}

func TestRedisStore_WindowsAreIndependent(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.Increment(ctx, readIncrement("u1", t0, 1))
	require.NoError(t, err)
	wc, err := s.Increment(ctx, readIncrement("u1", t0.Add(time.Minute), 1))
	require.NoError(t, err)
	assert.Equal(t, 1, wc.RequestCount)

	wc, err = s.Increment(ctx, readIncrement("u2", t0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, wc.RequestCount)
}

func TestRedisStore_Violations(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	for w := 0; w < 3; w++ {
		now := t0.Add(time.Duration(w) * time.Minute)
		for i := 0; i < 3; i++ {
			_, err := s.Increment(ctx, readIncrement("u1", now.Add(time.Duration(i)*time.Second), 1))
			require.NoError(t, err)
		}
	}
	// Within-limit traffic is not a violation.
	_, err := s.Increment(ctx, readIncrement("u2", t0, 5))
	require.NoError(t, err)

	n, err := s.CountViolations(ctx, "u1", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.CountViolations(ctx, "u1", t0.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountViolations(ctx, "u2", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	windows, err := s.ListViolations(ctx, "u1", t0.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, windows, 3)
	assert.Equal(t, t0.Add(2*time.Minute), windows[0].WindowStart)
	assert.Equal(t, t0.Add(3*time.Minute), windows[0].WindowEnd)
	assert.Equal(t, t0.Add(2*time.Minute+2*time.Second), windows[0].LastRequestAt)
	assert.Equal(t, 3, windows[0].RequestCount)
	assert.Equal(t, "read", windows[0].EndpointCategory)
	assert.Equal(t, "user", windows[0].IdentifierType)
	assert.Equal(t, "u1", windows[0].Identifier)
	assert.True(t, windows[0].LimitExceeded)
	assert.Equal(t, t0, windows[2].WindowStart)
}

func TestRedisStore_ClaimAbuseSignal(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	ok, err := s.ClaimAbuseSignal(ctx, "u1", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimAbuseSignal(ctx, "u1", t0.Add(time.Minute), t0.Add(time.Hour+time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ClaimAbuseSignal(ctx, "u2", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(time.Hour + time.Second)
	ok, err = s.ClaimAbuseSignal(ctx, "u1", t0.Add(2*time.Hour), t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_DeleteExpired(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	for _, id := range []string{"u1", "u2"} {
		for i := 0; i < 2; i++ {
			_, err := s.Increment(ctx, readIncrement(id, t0, 1))
			require.NoError(t, err)
		}
	}
	for i := 0; i < 2; i++ {
		_, err := s.Increment(ctx, readIncrement("u1", t0.Add(time.Hour), 1))
		require.NoError(t, err)
	}

	n, err := s.DeleteExpired(ctx, t0.Add(30*time.Minute), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := s.CountViolations(ctx, "u1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRedisStore_LimiterEndToEnd(t *testing.T) {
	s, _ := newTestRedisStore(t)
	l, _, rec := newTestLimiter(t, s, Options{})
	ctx := context.Background()

	for i, want := range []int{4, 3, 2, 1, 0} {
		d := l.Check(ctx, "", "198.51.100.7", "/auth/login", "POST")
		require.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, want, d.Remaining)
		assert.False(t, d.FailOpen)
	}
	d := l.Check(ctx, "", "198.51.100.7", "/auth/login", "POST")
	assert.False(t, d.Allowed)
	assert.Equal(t, t0.Add(15*time.Minute), d.ResetAt)
	l.Check(ctx, "", "198.51.100.7", "/auth/login", "POST")

	assert.Len(t, rec.events, 1)
}

func TestRedisStore_UnavailableFailsOpen(t *testing.T) {
	s, mr := newTestRedisStore(t)
	l, _, _ := newTestLimiter(t, s, Options{StoreTimeout: time.Second})
	mr.Close()

	d := l.Check(context.Background(), "u1", "", "/api/v1/projects", "GET")
	assert.True(t, d.Allowed)
	assert.True(t, d.FailOpen)
	assert.False(t, l.DetectAbuse(context.Background(), "u1", "").IsAbusive)
}
