package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter throttles on-demand syncs per enrollment. The metering API
// rate-limits per enrollment, so that is the key used here.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, syncsPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(syncsPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func enrollmentKey(enrollmentID string) string {
	return fmt.Sprintf("ratelimit:enrollment:%s", enrollmentID)
}

// Allow consumes one sync from the enrollment's budget. A nil Limiter
// allows everything and reports no limit.
func (l *Limiter) Allow(ctx context.Context, enrollmentID string) (*extratelimit.Result, error) {
	if l == nil {
		return &extratelimit.Result{Allowed: true}, nil
	}
	return l.store.Allow(ctx, enrollmentKey(enrollmentID))
}
