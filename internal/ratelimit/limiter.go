// Package ratelimit enforces per-principal request budgets with Redis
// sorted-set sliding windows.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aigateway/backend/internal/config"
)

const (
	minuteWindow = 60.0
	hourWindow   = 3600.0
)

// LimitExceededError reports an admission failure. RetryAfter is in
// seconds and is surfaced as the Retry-After header.
type LimitExceededError struct {
	Message    string
	RetryAfter int
}

func (e *LimitExceededError) Error() string { return e.Message }

// WindowStore is the subset of go-redis the limiter needs; *redis.Client
// satisfies it.
type WindowStore interface {
	ZCount(ctx context.Context, key, min, max string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
}

// Limiter keeps two sorted-set windows per principal (per-minute and
// per-hour), members and scores both being the admission timestamp.
type Limiter struct {
	store   WindowStore
	enabled bool
	tiers   map[string]config.TierConfig
	now     func() time.Time
}

func NewLimiter(store WindowStore, cfg config.RateLimitingConfig) *Limiter {
	return &Limiter{
		store:   store,
		enabled: cfg.Enabled,
		tiers:   cfg.Tiers,
		now:     time.Now,
	}
}

func (l *Limiter) tierLimits(tier string) config.TierConfig {
	if tc, ok := l.tiers[tier]; ok {
		return tc
	}
	if tc, ok := l.tiers["default"]; ok {
		return tc
	}
	return config.TierConfig{RequestsPerMinute: 60, RequestsPerHour: 1000}
}

// Check admits or rejects one request for userID under the tier's limits.
// Admission records the current timestamp into both windows and trims
// stale members.
func (l *Limiter) Check(ctx context.Context, userID, tier string) error {
	if !l.enabled || l.store == nil {
		return nil
	}

	limits := l.tierLimits(tier)
	now := float64(l.now().UnixNano()) / float64(time.Second)

	minuteKey := fmt.Sprintf("rate_limit:%s:minute", userID)
	hourKey := fmt.Sprintf("rate_limit:%s:hour", userID)

	if err := l.checkWindow(ctx, minuteKey, now, minuteWindow, limits.RequestsPerMinute, "minute"); err != nil {
		return err
	}
	if err := l.checkWindow(ctx, hourKey, now, hourWindow, limits.RequestsPerHour, "hour"); err != nil {
		return err
	}

	member := redis.Z{Score: now, Member: formatTS(now)}
	for key, window := range map[string]float64{minuteKey: minuteWindow, hourKey: hourWindow} {
		if err := l.store.ZAdd(ctx, key, member).Err(); err != nil {
			return fmt.Errorf("rate limit record %s: %w", key, err)
		}
		if err := l.store.Expire(ctx, key, time.Duration(window)*time.Second).Err(); err != nil {
			return fmt.Errorf("rate limit expire %s: %w", key, err)
		}
		if err := l.store.ZRemRangeByScore(ctx, key, "0", formatTS(now-window)).Err(); err != nil {
			return fmt.Errorf("rate limit trim %s: %w", key, err)
		}
	}

	return nil
}

func (l *Limiter) checkWindow(ctx context.Context, key string, now, window float64, limit int, unit string) error {
	count, err := l.store.ZCount(ctx, key, formatTS(now-window), formatTS(now)).Result()
	if err != nil {
		return fmt.Errorf("rate limit count %s: %w", key, err)
	}
	if count >= int64(limit) {
		retryAfter := int(window-math.Mod(now, window)) + 1
		return &LimitExceededError{
			Message:    fmt.Sprintf("rate limit exceeded: %d requests per %s", limit, unit),
			RetryAfter: retryAfter,
		}
	}
	return nil
}

func formatTS(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}
