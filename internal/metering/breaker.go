package metering

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerFetcher stops calling the metering service after repeated
// transport failures. HTTP and decode errors do not count against it.
type BreakerFetcher struct {
	next Fetcher
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerFetcher(next Fetcher, name string, maxFailures uint32, openTimeout time.Duration) *BreakerFetcher {
	if maxFailures == 0 {
		maxFailures = 3
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
	}
	return &BreakerFetcher{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerFetcher) Fetch(ctx context.Context, locator, bearerToken, etag string, force bool) (*Page, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Fetch(ctx, locator, bearerToken, etag, force)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &TransportError{Locator: locator, Err: err}
		}
		return nil, err
	}
	return result.(*Page), nil
}

func (b *BreakerFetcher) State() gobreaker.State {
	return b.cb.State()
}
