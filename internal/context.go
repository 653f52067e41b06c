package internal

import (
	"context"
	"time"
)

const DefaultProviderTimeout = 20 * time.Second

// WithTimeout returns a context with timeout, defaulting to 5 seconds if duration is zero or negative.
func WithTimeout(ctx context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if duration <= 0 {
		duration = 5 * time.Second
	}
	return context.WithTimeout(ctx, duration)
}

// WithProviderTimeout bounds a single outbound payment-provider call.
func WithProviderTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return WithTimeout(ctx, DefaultProviderTimeout)
}

// Detached keeps request-scoped values (logger fields, actor) but drops the
// request's cancellation, for side effects that outlive the HTTP response.
func Detached(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
