// Package llm defines the model backend contract consumed by the request
// analyzer and the step executors, and a small middleware chain (timeouts,
// rate limiting, circuit breaking) applied uniformly to any backend.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBackendUnavailable means the model backend could not be reached or
// refused service. Callers with a heuristic path fall back on it.
var ErrBackendUnavailable = errors.New("model backend unavailable")

// Task types passed to Infer.
const (
	TaskAnalysis = "analysis"
	TaskPlan     = "plan"
	TaskCode     = "code"
	TaskReview   = "review"
	TaskQuality  = "quality"
	TaskRefine   = "refine"
)

// Backend performs a single request/response inference.
type Backend interface {
	Infer(ctx context.Context, prompt, taskType string) (string, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, prompt, taskType string) (string, error)

// Infer implements Backend.
func (f BackendFunc) Infer(ctx context.Context, prompt, taskType string) (string, error) {
	return f(ctx, prompt, taskType)
}

// Unavailable wraps err so that errors.Is(err, ErrBackendUnavailable) holds.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

// Offline returns a backend that always reports ErrBackendUnavailable.
func Offline() Backend {
	return BackendFunc(func(context.Context, string, string) (string, error) {
		return "", fmt.Errorf("%w: no backend configured", ErrBackendUnavailable)
	})
}

// Middleware decorates a Backend.
type Middleware func(Backend) Backend

// Chain applies middlewares so that the first one is the outermost.
func Chain(b Backend, mws ...Middleware) Backend {
	for i := len(mws) - 1; i >= 0; i-- {
		b = mws[i](b)
	}
	return b
}

// WithTimeout bounds every call. A call that exceeds the bound while the
// caller's own context is still live is reported as unavailable.
func WithTimeout(d time.Duration) Middleware {
	return func(next Backend) Backend {
		if d <= 0 {
			return next
		}
		return BackendFunc(func(ctx context.Context, prompt, taskType string) (string, error) {
			callCtx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			out, err := next.Infer(callCtx, prompt, taskType)
			if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return "", Unavailable(fmt.Errorf("%s inference exceeded %v", taskType, d))
			}
			return out, err
		})
	}
}
