package crawler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shedrachokonofua/lute/kv"
	"github.com/shedrachokonofua/lute/luteerr"
)

// rateLimiter is a sliding fixed-window counter over kv.Store: all requests
// landing in the same windowSeconds-wide bucket share one counter, keyed by
// windowID = now/windowSeconds so old windows expire naturally once their
// TTL lapses rather than needing active cleanup.
type rateLimiter struct {
	store         kv.Store
	windowSeconds int64
	maxRequests   uint32
}

func newRateLimiter(store kv.Store, windowSeconds int64, maxRequests uint32) *rateLimiter {
	return &rateLimiter{store: store, windowSeconds: windowSeconds, maxRequests: maxRequests}
}

func (r *rateLimiter) windowKey(now time.Time) string {
	windowID := now.Unix() / r.windowSeconds
	return fmt.Sprintf("crawler:window:%d", windowID)
}

func (r *rateLimiter) increment(ctx context.Context) error {
	key := r.windowKey(time.Now())
	_, err := r.store.Incr(ctx, key, time.Duration(r.windowSeconds)*time.Second)
	if err != nil {
		return luteerr.New(luteerr.KindStorage, "rateLimiter.increment", err)
	}
	return nil
}

func (r *rateLimiter) windowRequestCount(ctx context.Context) (uint32, error) {
	raw, found, err := r.store.Get(ctx, r.windowKey(time.Now()))
	if err != nil {
		return 0, luteerr.New(luteerr.KindStorage, "rateLimiter.windowRequestCount", err)
	}
	if !found {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, luteerr.New(luteerr.KindCorruption, "rateLimiter.windowRequestCount", err)
	}
	return uint32(n), nil
}

// remaining saturates at zero rather than wrapping, mirroring the original
// repository's Rust saturating_sub.
func (r *rateLimiter) remaining(ctx context.Context) (uint32, error) {
	count, err := r.windowRequestCount(ctx)
	if err != nil {
		return 0, err
	}
	if count >= r.maxRequests {
		return 0, nil
	}
	return r.maxRequests - count, nil
}

func (r *rateLimiter) reset(ctx context.Context) error {
	if err := r.store.Set(ctx, r.windowKey(time.Now()), "0", time.Duration(r.windowSeconds)*time.Second); err != nil {
		return luteerr.New(luteerr.KindStorage, "rateLimiter.reset", err)
	}
	return nil
}
