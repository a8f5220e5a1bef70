package admission

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quietloop/projectbridge/internal/kvstore"
	"github.com/quietloop/projectbridge/internal/logger"
	"github.com/quietloop/projectbridge/internal/rpcerr"
)

const (
	defaultWindow      = 60 * time.Second
	defaultWindowLimit = 100
	rateLimitKeyPrefix = "ratelimit:"
)

// RateLimiter enforces a per-principal request budget. A local token-bucket
// limiter absorbs bursts cheaply; a KV-backed fixed-window counter is the
// authoritative cross-process limit, since the adapter may run more than
// one instance sharing the same store.
type RateLimiter struct {
	store  *kvstore.Store
	window time.Duration
	limit  int64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter returns a limiter enforcing limit requests per window,
// authoritatively tracked in store.
func NewRateLimiter(store *kvstore.Store, limit int64, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultWindowLimit
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &RateLimiter{
		store:    store,
		window:   window,
		limit:    limit,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) localLimiter(principal string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lim, ok := rl.limiters[principal]
	if !ok {
		perSecond := rate.Limit(float64(rl.limit) / rl.window.Seconds())
		// Burst matches the window limit so the local fast path never
		// rejects a request the authoritative KV counter would still admit;
		// it only protects against bursts beyond what the window allows.
		lim = rate.NewLimiter(perSecond, int(rl.limit))
		rl.limiters[principal] = lim
	}
	return lim
}

// Allow enforces the budget for principal, returning a rate-limited error
// with a retry-after hint equal to the window remainder on overflow. A
// transient failure reading or writing the authoritative counter fails
// open (admits the request) rather than rejecting a caller because the
// shared store had a bad moment.
func (rl *RateLimiter) Allow(ctx context.Context, principal string) error {
	key := rateLimitKeyPrefix + principal
	if !rl.localLimiter(principal).Allow() {
		return rpcerr.New(rpcerr.KindRateLimited, "rate limit exceeded for %q", principal).
			WithData(rpcerr.Data{RetryAfter: rl.windowRemainder(key)})
	}

	count, err := rl.store.IncrementTTL(key, 1, rl.window)
	if err != nil {
		logger.Warn(ctx, "rate limit accounting failed, admitting request", "principal", principal, "err", err)
		return nil
	}
	if count > rl.limit {
		retryAfter := rl.windowRemainder(key)
		return rpcerr.New(rpcerr.KindRateLimited, "rate limit exceeded for %q", principal).
			WithData(rpcerr.Data{RetryAfter: retryAfter})
	}
	return nil
}

// windowRemainder estimates the seconds left in the current fixed window
// by reading the key's TTL back out of the store. Falls back to the full
// window length if the remainder can't be determined.
func (rl *RateLimiter) windowRemainder(key string) int {
	remaining, err := rl.store.TTLRemaining(key)
	if err != nil || remaining <= 0 {
		return int(rl.window.Seconds())
	}
	return int(remaining.Seconds())
}
