package admission

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// WindowStore keeps a sliding log of admitted requests per key.
//
// Hit records a request at now only if fewer than limit requests fall in
// (now-window, now]. When the limit is reached nothing is recorded and the
// returned duration says when the oldest counted request expires.
type WindowStore interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (ok bool, retryAfter time.Duration, err error)
}

// ─── In-Memory Window ───────────────────────────────────────────────────────

// MemoryWindow is a process-local WindowStore.
type MemoryWindow struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewMemoryWindow creates an empty in-memory window store.
func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{hits: make(map[string][]time.Time)}
}

func (w *MemoryWindow) Hit(_ context.Context, key string, now time.Time, window time.Duration, limit int) (bool, time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-window)
	log := w.hits[key]
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	log = log[i:]

	if len(log) >= limit {
		w.hits[key] = log
		return false, log[0].Add(window).Sub(now), nil
	}
	w.hits[key] = append(log, now)
	return true, 0, nil
}

// Len returns the number of keys with recorded hits.
func (w *MemoryWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.hits)
}

// Prune drops keys whose hits have all expired.
func (w *MemoryWindow) Prune(now time.Time, window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-window)
	removed := 0
	for k, log := range w.hits {
		if len(log) == 0 || !log[len(log)-1].After(cutoff) {
			delete(w.hits, k)
			removed++
		}
	}
	return removed
}

// ─── Redis Window ───────────────────────────────────────────────────────────

// slidingWindow trims the sorted set, and adds the member only when under
// the limit. Returns {1, 0} on admit, {0, oldestScore} on reject.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, tonumber(oldest[2])}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, math.ceil(window / 1000))
return {1, 0}
`)

// RedisWindow shares windows across coordinator processes using one sorted
// set per key, scored by microsecond timestamps so scores stay exact
// as doubles.
type RedisWindow struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisWindow wraps an existing client.
func NewRedisWindow(client redis.UniversalClient, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = "swarmd:ratelimit:"
	}
	return &RedisWindow{client: client, prefix: prefix}
}

// DialRedisWindow connects to addr and checks the connection.
func DialRedisWindow(ctx context.Context, addr string) (*RedisWindow, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return NewRedisWindow(client, ""), nil
}

func (w *RedisWindow) Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, time.Duration, error) {
	res, err := slidingWindow.Run(ctx, w.client, []string{w.prefix + key},
		now.UnixMicro(), window.Microseconds(), limit, strconv.FormatInt(now.UnixMicro(), 10)+"-"+uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate window %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate window %s: unexpected reply %v", key, res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	oldest := time.UnixMicro(res[1])
	return false, oldest.Add(window).Sub(now), nil
}

// Close releases the client.
func (w *RedisWindow) Close() error { return w.client.Close() }
