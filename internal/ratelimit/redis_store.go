package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sentinel-security/sentinel/internal/db/models"
)

// incrementScript counts one request against a window and maintains the
// per-identifier violation index in a single round trip.
//
// KEYS[1] counter, KEYS[2] exceeded flag, KEYS[3] violation index
// ARGV[1] limit, ARGV[2] now (ms), ARGV[3] ttl (ms), ARGV[4] violation member
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
local exceeded = 0
local transitioned = 0
if count > tonumber(ARGV[1]) then
  exceeded = 1
  if redis.call('SET', KEYS[2], ARGV[2], 'NX', 'PX', ARGV[3]) then
    transitioned = 1
  end
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[4])
  redis.call('PEXPIRE', KEYS[3], ARGV[3])
elseif redis.call('EXISTS', KEYS[2]) == 1 then
  exceeded = 1
end
return {count, exceeded, transitioned}
`)

// RedisStore keeps windows in Redis. Keys are hash-tagged by identifier so one
// identifier's keys share a cluster slot. Expiry is delegated to key TTLs, which last
// for the window plus the retention horizon.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisStore creates a RedisStore. An empty prefix selects "sentinel:rl:".
func NewRedisStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "sentinel:rl:"
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisStore) identifierKey(identifier string) string {
	return s.prefix + "{" + identifier + "}"
}

func (s *RedisStore) counterKey(identifier, category string, start time.Time) string {
	return s.identifierKey(identifier) + ":" + category + ":" + strconv.FormatInt(start.UnixMilli(), 10)
}

func (s *RedisStore) violationsKey(identifier string) string {
	return s.identifierKey(identifier) + ":violations"
}

func (s *RedisStore) abuseKey(identifier string) string {
	return s.identifierKey(identifier) + ":abuse"
}

// violation members encode category|start|end|identifier type, all the fields of a
// window row except its counters.
func violationMember(inc models.WindowIncrement) string {
	return strings.Join([]string{
		inc.EndpointCategory,
		strconv.FormatInt(inc.WindowStart.UnixMilli(), 10),
		strconv.FormatInt(inc.WindowEnd.UnixMilli(), 10),
		inc.IdentifierType,
	}, "|")
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, inc models.WindowIncrement) (models.WindowCount, error) {
	counter := s.counterKey(inc.Identifier, inc.EndpointCategory, inc.WindowStart)
	ttl := inc.WindowEnd.Sub(inc.Now) + s.retention
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	res, err := incrementScript.Run(ctx, s.client,
		[]string{counter, counter + ":exceeded", s.violationsKey(inc.Identifier)},
		inc.Limit, inc.Now.UnixMilli(), ttl.Milliseconds(), violationMember(inc),
	).Int64Slice()
	if err != nil {
		return models.WindowCount{}, fmt.Errorf("failed to increment rate limit window: %w", err)
	}
	if len(res) != 3 {
		return models.WindowCount{}, fmt.Errorf("unexpected increment script reply of length %d", len(res))
	}

	return models.WindowCount{
		RequestCount:  int(res[0]),
		LimitExceeded: res[1] == 1,
		Inserted:      res[0] == 1,
		Transitioned:  res[2] == 1,
	}, nil
}

func sinceScore(since time.Time) string {
	return strconv.FormatInt(since.UnixMilli(), 10)
}

// CountViolations implements Store.
func (s *RedisStore) CountViolations(ctx context.Context, identifier string, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.violationsKey(identifier), sinceScore(since), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count rate limit violations: %w", err)
	}
	return int(n), nil
}

// ListViolations implements Store.
func (s *RedisStore) ListViolations(ctx context.Context, identifier string, since time.Time) ([]*models.RateLimitWindow, error) {
	members, err := s.client.ZRevRangeByScoreWithScores(ctx, s.violationsKey(identifier), &redis.ZRangeBy{
		Min: sinceScore(since),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rate limit violations: %w", err)
	}

	windows := make([]*models.RateLimitWindow, 0, len(members))
	counts := make([]*redis.StringCmd, 0, len(members))
	pipe := s.client.Pipeline()
	for _, z := range members {
		member, _ := z.Member.(string)
		w, ok := parseViolationMember(member)
		if !ok {
			continue
		}
		w.Identifier = identifier
		w.LimitExceeded = true
		w.LastRequestAt = time.UnixMilli(int64(z.Score)).UTC()
		windows = append(windows, w)
		counts = append(counts, pipe.Get(ctx, s.counterKey(identifier, w.EndpointCategory, w.WindowStart)))
	}
	if len(counts) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to read rate limit counters: %w", err)
		}
	}
	for i, cmd := range counts {
		if n, err := cmd.Int(); err == nil {
			windows[i].RequestCount = n
		}
	}
	return windows, nil
}

func parseViolationMember(member string) (*models.RateLimitWindow, bool) {
	parts := strings.Split(member, "|")
	if len(parts) != 4 {
		return nil, false
	}
	start, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, false
	}
	end, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, false
	}
	return &models.RateLimitWindow{
		EndpointCategory: parts[0],
		WindowStart:      time.UnixMilli(start).UTC(),
		WindowEnd:        time.UnixMilli(end).UTC(),
		IdentifierType:   parts[3],
	}, true
}

// ClaimAbuseSignal implements Store.
func (s *RedisStore) ClaimAbuseSignal(ctx context.Context, identifier string, now, until time.Time) (bool, error) {
	ttl := until.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	ok, err := s.client.SetNX(ctx, s.abuseKey(identifier), now.UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim abuse signal: %w", err)
	}
	return ok, nil
}

// DeleteExpired implements Store. Window counters expire through their TTLs; this only
// trims violation index entries last touched before windowsBefore.
func (s *RedisStore) DeleteExpired(ctx context.Context, windowsBefore, _ time.Time) (int64, error) {
	var deleted int64
	iter := s.client.Scan(ctx, 0, s.prefix+"{*}:violations", 100).Iterator()
	for iter.Next(ctx) {
		n, err := s.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", "("+sinceScore(windowsBefore)).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to trim rate limit violations: %w", err)
		}
		deleted += n
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("failed to scan rate limit violations: %w", err)
	}
	return deleted, nil
}
