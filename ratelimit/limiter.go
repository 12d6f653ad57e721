// Package ratelimit implements the distributed token-window rate limiter
// described in spec §4.4.
//
// Design Notes:
//   - Window is fixed-size: window_index = now / window_seconds. Unlike a
//     token bucket, this does not smooth bursts at window boundaries — that
//     is the explicit shape the spec asks for.
//   - The shared-counter path increments a Postgres-backed row
//     (rate_limit_counters, see service.go's PostgresCounter) keyed
//     "ratelimit:{tenant}:{source|global}:{identifier}:{window-index}" with
//     an expiration of window_seconds+1.
//   - The fallback path mirrors the teacher's cache-manager L1Cache idiom:
//     a sync.RWMutex-guarded map with lazy expiry on read and a periodic
//     sweep, here storing one counter per window key instead of an LRU
//     entry.
//
// Trade-offs: the fallback path is per-instance; under a partition the
// effective limit becomes max_requests per instance rather than globally,
// which spec §4.4 calls out as an accepted degradation.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the result of a rate-limit check.
type Decision struct {
	Allowed       bool
	Limit         int
	Remaining     int
	ResetSeconds  int
}

// Rule is the effective rule resolved for a (tenant, source) pair.
type Rule struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

// Counter is the minimal contract a shared backing store must satisfy.
// cachestore's Postgres-backed implementation and the in-memory fallback
// both implement it.
type Counter interface {
	// Increment atomically increments the counter for key and returns the
	// post-increment count. expiry bounds how long the counter is retained.
	Increment(key string, expiry time.Duration) (int64, error)
}

// localCounter is the in-memory fallback, keyed by window string, with
// lazy expiry on read exactly like the teacher's L1Cache.Get.
type localCounter struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	count     int64
	expiresAt time.Time
}

// NewLocalCounter creates a new per-instance fallback counter.
func NewLocalCounter() Counter {
	return &localCounter{entries: make(map[string]*localEntry)}
}

func (c *localCounter) Increment(key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, ok := c.entries[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &localEntry{count: 0, expiresAt: now.Add(expiry)}
		c.entries[key] = entry
	}
	entry.count++
	return entry.count, nil
}

// Sweep removes expired window entries. Intended to run periodically from
// a background goroutine, mirroring the teacher's CleanupExpired.
func (c *localCounter) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Limiter evaluates rate-limit rules against a Counter, falling back to a
// local counter when the shared one errors (fail-open per spec §7).
type Limiter struct {
	shared   Counter
	fallback Counter
}

// NewLimiter builds a Limiter. shared may be nil, in which case only the
// fallback counter is used.
func NewLimiter(shared Counter) *Limiter {
	return &Limiter{shared: shared, fallback: NewLocalCounter()}
}

// Check evaluates the rule for (tenant, source, identifier) at the current
// time. A disabled or absent rule is reported as unlimited (allowed=true,
// limit=0).
func (l *Limiter) Check(tenant string, source string, identifier string, rule Rule, now time.Time) Decision {
	if !rule.Enabled || rule.MaxRequests <= 0 || rule.WindowSeconds <= 0 {
		return Decision{Allowed: true}
	}

	if source == "" {
		source = "global"
	}

	windowIndex := now.Unix() / int64(rule.WindowSeconds)
	key := windowKey(tenant, source, identifier, windowIndex)
	expiry := time.Duration(rule.WindowSeconds+1) * time.Second

	count, err := l.increment(key, expiry)
	resetSeconds := rule.WindowSeconds - int(now.Unix()%int64(rule.WindowSeconds))
	if resetSeconds < 1 {
		resetSeconds = 1
	}

	if err != nil {
		// Fail-open per spec §7: a backing-store blip never blocks traffic.
		return Decision{Allowed: true, Limit: rule.MaxRequests, Remaining: rule.MaxRequests, ResetSeconds: resetSeconds}
	}

	remaining := rule.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:      count <= int64(rule.MaxRequests),
		Limit:        rule.MaxRequests,
		Remaining:    remaining,
		ResetSeconds: resetSeconds,
	}
}

func (l *Limiter) increment(key string, expiry time.Duration) (int64, error) {
	if l.shared != nil {
		count, err := l.shared.Increment(key, expiry)
		if err == nil {
			return count, nil
		}
	}
	return l.fallback.Increment(key, expiry)
}

func windowKey(tenant, source, identifier string, windowIndex int64) string {
	return "ratelimit:" + tenant + ":" + source + ":" + identifier + ":" + itoa(windowIndex)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Identifier resolves the front-door identifier precedence: bearer key ->
// API key -> client IP -> "default".
func Identifier(bearerKey, apiKey, clientIP string) string {
	if bearerKey != "" {
		return bearerKey
	}
	if apiKey != "" {
		return apiKey
	}
	if clientIP != "" {
		return clientIP
	}
	return "default"
}
