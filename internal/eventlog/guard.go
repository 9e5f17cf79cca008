package eventlog

import (
	"context"

	"github.com/porterly/backend/internal/breaker"
)

// GuardedPublisher wraps a Publisher with bounded retries and a circuit
// breaker, so a broker outage degrades to fast ErrOpen failures instead
// of stalling every request path that publishes.
type GuardedPublisher struct {
	inner Publisher
	cb    *breaker.Breaker
	retry breaker.RetryConfig
}

func NewGuardedPublisher(inner Publisher) *GuardedPublisher {
	return &GuardedPublisher{
		inner: inner,
		cb:    breaker.New(breaker.DefaultConfig("eventlog")),
		retry: breaker.DefaultRetry,
	}
}

func (g *GuardedPublisher) Publish(ctx context.Context, event Event) error {
	return g.cb.Execute(ctx, func(ctx context.Context) error {
		return breaker.Retry(ctx, g.retry, func(ctx context.Context) error {
			return g.inner.Publish(ctx, event)
		})
	})
}

func (g *GuardedPublisher) Close() error {
	return g.inner.Close()
}
