package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/npezzotti/quizhub/internal/database"
	"github.com/redis/go-redis/v9"
)

const UnreadTTL = 10 * time.Minute

// setIfGreater keeps the counters monotonic when several nodes race to
// overwrite the same key.
var setIfGreater = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]))
local val = tonumber(ARGV[1])
if cur == nil or cur < val then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 0
`)

// UnreadCache holds the two inputs of unread counts: the latest sequence of
// each group and each user's read cursor.
type UnreadCache interface {
	SetLatest(ctx context.Context, groupId, seq int64) error
	SetCursor(ctx context.Context, userId string, groupId, seq int64) error
	// Lookup returns the cached states for groupIds and the ids it could not
	// resolve.
	Lookup(ctx context.Context, userId string, groupIds []int64) ([]database.UnreadState, []int64, error)
}

func latestKey(groupId int64) string {
	return fmt.Sprintf("channel:%d:seq", groupId)
}

func cursorKey(userId string, groupId int64) string {
	return fmt.Sprintf("cursor:%s:%d", userId, groupId)
}

type RedisUnreadCache struct {
	redis *RedisCache
	ttl   time.Duration

	// stale holds keys whose last write failed. Their cached value may be
	// behind the repository, so lookups report them missing until a write
	// succeeds again.
	mu    sync.Mutex
	stale map[string]struct{}
}

func NewRedisUnreadCache(redis *RedisCache, ttl time.Duration) *RedisUnreadCache {
	if ttl <= 0 {
		ttl = UnreadTTL
	}
	return &RedisUnreadCache{redis: redis, ttl: ttl, stale: make(map[string]struct{})}
}

func (uc *RedisUnreadCache) SetLatest(ctx context.Context, groupId, seq int64) error {
	return uc.setIfGreater(ctx, latestKey(groupId), seq)
}

func (uc *RedisUnreadCache) SetCursor(ctx context.Context, userId string, groupId, seq int64) error {
	return uc.setIfGreater(ctx, cursorKey(userId, groupId), seq)
}

func (uc *RedisUnreadCache) setIfGreater(ctx context.Context, key string, seq int64) error {
	err := setIfGreater.Run(ctx, uc.redis.Client(), []string{key}, seq, uc.ttl.Milliseconds()).Err()
	if err != nil {
		uc.markStale(key)
		// other nodes only see the key disappear; the ttl bounds the rest
		_ = uc.redis.Delete(ctx, key)
		return fmt.Errorf("cache set %s: %w", key, err)
	}

	uc.mu.Lock()
	delete(uc.stale, key)
	uc.mu.Unlock()
	return nil
}

func (uc *RedisUnreadCache) markStale(key string) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.stale[key] = struct{}{}
}

func (uc *RedisUnreadCache) isStale(keys ...string) bool {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	for _, k := range keys {
		if _, ok := uc.stale[k]; ok {
			return true
		}
	}
	return false
}

func (uc *RedisUnreadCache) Lookup(ctx context.Context, userId string, groupIds []int64) ([]database.UnreadState, []int64, error) {
	if len(groupIds) == 0 {
		return nil, nil, nil
	}

	keys := make([]string, 0, len(groupIds)*2)
	for _, id := range groupIds {
		keys = append(keys, latestKey(id), cursorKey(userId, id))
	}

	vals, err := uc.redis.MGet(ctx, keys...)
	if err != nil {
		return nil, groupIds, fmt.Errorf("cache lookup: %w", err)
	}

	var (
		states  []database.UnreadState
		missing []int64
	)
	for i, id := range groupIds {
		latest, okLatest := parseSeq(vals[2*i])
		cursor, okCursor := parseSeq(vals[2*i+1])
		if !okLatest || !okCursor || uc.isStale(keys[2*i], keys[2*i+1]) {
			missing = append(missing, id)
			continue
		}
		states = append(states, database.UnreadState{GroupId: id, Latest: latest, Cursor: cursor})
	}

	return states, missing, nil
}

func parseSeq(b []byte) (int64, bool) {
	if b == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	return n, err == nil
}

// NoopUnreadCache misses every lookup so callers always read the repository.
type NoopUnreadCache struct{}

func (NoopUnreadCache) SetLatest(context.Context, int64, int64) error         { return nil }
func (NoopUnreadCache) SetCursor(context.Context, string, int64, int64) error { return nil }
func (NoopUnreadCache) Lookup(_ context.Context, _ string, groupIds []int64) ([]database.UnreadState, []int64, error) {
	return nil, groupIds, nil
}
