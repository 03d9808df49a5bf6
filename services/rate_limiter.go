package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"
)

// LimitVerdict is the result of a rate-limit check.
type LimitVerdict struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter is a fixed-window limiter keyed by (operation, apiKeyHash,
// windowStart), stored in KV. On KV failure it fails open by default:
// availability over strictness, toggleable via failOpen.
type RateLimiter struct {
	kv       KV
	limit    int
	window   time.Duration
	failOpen bool
	now      func() time.Time
}

// NewRateLimiter creates a fixed-window limiter (window 60 s).
func NewRateLimiter(kv KV, limitPerWindow int, failOpen bool) *RateLimiter {
	return &RateLimiter{
		kv:       kv,
		limit:    limitPerWindow,
		window:   60 * time.Second,
		failOpen: failOpen,
		now:      time.Now,
	}
}

func (rl *RateLimiter) key(operation, apiKeyHash string, windowStart int64) string {
	return fmt.Sprintf("rate_limit:%s:%s:%d", operation, apiKeyHash, windowStart)
}

func (rl *RateLimiter) windowStart() int64 {
	windowSecs := int64(rl.window / time.Second)
	return (rl.now().Unix() / windowSecs) * windowSecs
}

// CheckLimit reports whether another request is allowed in the current
// window. The error return is advisory: a non-nil error with Allowed=true
// means the limiter failed open.
func (rl *RateLimiter) CheckLimit(ctx context.Context, operation, apiKeyHash string) (*LimitVerdict, error) {
	windowStart := rl.windowStart()
	key := rl.key(operation, apiKeyHash, windowStart)

	val, ok, err := rl.kv.Get(ctx, key)
	if err != nil {
		log.Printf("⚠️  [RateLimit] KV error on check (fail-open=%v): %v", rl.failOpen, err)
		if rl.failOpen {
			return &LimitVerdict{Allowed: true, Remaining: rl.limit}, err
		}
		return &LimitVerdict{Allowed: false, RetryAfter: rl.window}, err
	}

	count := 0
	if ok {
		fmt.Sscanf(val, "%d", &count)
	}

	if count >= rl.limit {
		windowEnd := time.Unix(windowStart, 0).Add(rl.window)
		retryAfter := windowEnd.Sub(rl.now())
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &LimitVerdict{Allowed: false, RetryAfter: retryAfter}, nil
	}

	return &LimitVerdict{Allowed: true, Remaining: rl.limit - count}, nil
}

// RecordRequest increments the current window's counter. TTL is the
// window size plus a minute of slack so stale windows expire on their own.
func (rl *RateLimiter) RecordRequest(ctx context.Context, operation, apiKeyHash string) {
	key := rl.key(operation, apiKeyHash, rl.windowStart())
	if _, err := rl.kv.Incr(ctx, key, rl.window+60*time.Second); err != nil {
		log.Printf("⚠️  [RateLimit] KV error on record: %v", err)
	}
}

// HashAPIKey derives the limiter key component from an API key so raw
// secrets never appear in KV keys.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8])
}
