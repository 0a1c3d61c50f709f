package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// WithRateLimit throttles calls with a token bucket. rps <= 0 disables it.
// A wait that cannot complete (cancelled or past the caller's deadline) is
// reported as unavailable so fallbacks engage instead of hard failures.
func WithRateLimit(rps float64, burst int) Middleware {
	return func(next Backend) Backend {
		if rps <= 0 {
			return next
		}
		if burst <= 0 {
			burst = 1
		}
		limiter := rate.NewLimiter(rate.Limit(rps), burst)
		return BackendFunc(func(ctx context.Context, prompt, taskType string) (string, error) {
			if err := limiter.Wait(ctx); err != nil {
				return "", Unavailable(fmt.Errorf("rate limited: %w", err))
			}
			return next.Infer(ctx, prompt, taskType)
		})
	}
}
