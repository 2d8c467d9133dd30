// Package ratelimit implements fixed-window request quotas keyed by
// identity and operation class.
//
// The primary backing store is shared (redis) so limits hold across gateway
// instances. When the store is unreachable the limiter degrades to an
// in-process window scoped to this instance; it never fails open.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/BlackBearCC/mbti-gateway/internal/logging"
)

// Store is a windowed counter backend. Incr increments key up to limit and
// returns the post-increment value; once the counter reaches limit the value
// saturates and Incr reports limit+1 without growing the counter further.
// The key must expire once ttl has elapsed.
type Store interface {
	Incr(ctx context.Context, key string, limit int, ttl time.Duration) (int64, error)
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is the time until the current window resets. Set on
	// rejection so the error reply can carry it.
	RetryAfter time.Duration
}

// Limiter admits requests per (identity, class, window) triple.
type Limiter struct {
	quota        int
	window       time.Duration
	storeTimeout time.Duration
	enabled      bool

	primary  Store // shared store; may be nil when redis is not configured
	fallback Store // per-instance store, always present

	now func() time.Time
}

// Options configures a Limiter.
type Options struct {
	Enabled      bool
	Quota        int
	Window       time.Duration
	StoreTimeout time.Duration
	// Primary is the shared counter store; nil means in-process only.
	Primary Store
}

// New builds a Limiter. The in-process fallback store is always created.
func New(opts Options) *Limiter {
	if opts.Quota < 1 {
		opts.Quota = 1
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	} else if opts.Window < time.Millisecond {
		// Window indexing counts whole milliseconds; anything finer would
		// divide by zero.
		opts.Window = time.Millisecond
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 500 * time.Millisecond
	}
	return &Limiter{
		quota:        opts.Quota,
		window:       opts.Window,
		storeTimeout: opts.StoreTimeout,
		enabled:      opts.Enabled,
		primary:      opts.Primary,
		fallback:     NewMemoryStore(),
		now:          time.Now,
	}
}

// Allow admits the Nth request in a window iff N <= quota. Rejections leave
// the counter saturated at the quota.
func (l *Limiter) Allow(ctx context.Context, subject, class string) Result {
	if !l.enabled {
		return Result{Allowed: true, Remaining: l.quota}
	}

	now := l.now()
	windowIdx := now.UnixMilli() / l.window.Milliseconds()
	key := fmt.Sprintf("rl:%s:%s:%d", class, subject, windowIdx)

	count, ok := l.incrPrimary(ctx, key)
	if !ok {
		// Degraded mode: per-instance counting until the store answers
		// again. The next call retries the primary.
		count, _ = l.fallback.Incr(ctx, key, l.quota, l.window)
	}

	res := Result{Allowed: count <= int64(l.quota)}
	if remaining := int64(l.quota) - count; remaining > 0 {
		res.Remaining = int(remaining)
	}
	if !res.Allowed {
		windowEnd := time.UnixMilli((windowIdx + 1) * l.window.Milliseconds())
		res.RetryAfter = windowEnd.Sub(now)
	}
	return res
}

func (l *Limiter) incrPrimary(ctx context.Context, key string) (int64, bool) {
	if l.primary == nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()

	count, err := l.primary.Incr(ctx, key, l.quota, l.window)
	if err != nil {
		logging.Warn().Err(err).Str("key", key).Msg("rate limit store unreachable, using in-process fallback")
		return 0, false
	}
	return count, true
}
