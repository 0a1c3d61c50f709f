package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnavailable(t *testing.T) {
	assert.NoError(t, Unavailable(nil))

	base := errors.New("dial tcp: connection refused")
	err := Unavailable(base)
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
	assert.True(t, errors.Is(err, base))

	// 已经包装过的错误不重复包装
	assert.Equal(t, err, Unavailable(err))
}

func TestOffline(t *testing.T) {
	_, err := Offline().Infer(context.Background(), "hi", TaskAnalysis)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestChain_Order(t *testing.T) {
	var calls []string
	mw := func(name string) Middleware {
		return func(next Backend) Backend {
			return BackendFunc(func(ctx context.Context, prompt, taskType string) (string, error) {
				calls = append(calls, name)
				return next.Infer(ctx, prompt, taskType)
			})
		}
	}

	b := Chain(BackendFunc(func(context.Context, string, string) (string, error) {
		calls = append(calls, "backend")
		return "ok", nil
	}), mw("outer"), mw("inner"))

	out, err := b.Infer(context.Background(), "p", TaskCode)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, []string{"outer", "inner", "backend"}, calls)
}

func TestWithTimeout(t *testing.T) {
	slow := BackendFunc(func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	t.Run("deadline maps to unavailable", func(t *testing.T) {
		_, err := WithTimeout(10*time.Millisecond)(slow).Infer(context.Background(), "p", TaskAnalysis)
		assert.ErrorIs(t, err, ErrBackendUnavailable)
	})

	t.Run("caller cancellation passes through", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := WithTimeout(time.Second)(slow).Infer(ctx, "p", TaskAnalysis)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrBackendUnavailable)
	})

	t.Run("zero disables", func(t *testing.T) {
		fast := BackendFunc(func(context.Context, string, string) (string, error) { return "x", nil })
		out, err := WithTimeout(0)(fast).Infer(context.Background(), "p", TaskAnalysis)
		require.NoError(t, err)
		assert.Equal(t, "x", out)
	})
}

func TestWithRateLimit(t *testing.T) {
	var n atomic.Int32
	b := WithRateLimit(1, 1)(BackendFunc(func(context.Context, string, string) (string, error) {
		n.Add(1)
		return "ok", nil
	}))

	_, err := b.Infer(context.Background(), "p", TaskCode)
	require.NoError(t, err)

	// 第二次调用需要等待约 1s，超出调用方期限
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.Infer(ctx, "p", TaskCode)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, int32(1), n.Load())
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	cfg := CircuitBreakerConfig{
		FailureThreshold:           2,
		RecoveryTimeout:            time.Minute,
		HalfOpenMaxProbes:          1,
		SuccessThresholdInHalfOpen: 1,
	}
	cb := NewCircuitBreaker(TaskCode, cfg, nil, nil)
	clock := time.Now()
	cb.now = func() time.Time { return clock }

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Allow()
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	clock = clock.Add(time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	// 探测名额已用完
	assert.ErrorIs(t, cb.Allow(), ErrBackendUnavailable)

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestWithCircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	events := make(chan CircuitBreakerEvent, 4)
	failing := BackendFunc(func(context.Context, string, string) (string, error) {
		calls.Add(1)
		return "", Unavailable(errors.New("503"))
	})

	b := WithCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:           2,
		RecoveryTimeout:            time.Hour,
		HalfOpenMaxProbes:          1,
		SuccessThresholdInHalfOpen: 1,
	}, func(e CircuitBreakerEvent) { events <- e }, nil)(failing)

	for i := 0; i < 4; i++ {
		_, err := b.Infer(context.Background(), "p", TaskReview)
		assert.ErrorIs(t, err, ErrBackendUnavailable)
	}
	// 熔断后请求不再到达后端
	assert.Equal(t, int32(2), calls.Load())

	select {
	case e := <-events:
		assert.Equal(t, TaskReview, e.TaskType)
		assert.Equal(t, CircuitOpen, e.NewState)
	case <-time.After(time.Second):
		t.Fatal("expected state change event")
	}

	// 其他任务类型不受影响
	_, _ = b.Infer(context.Background(), "p", TaskCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWithCircuitBreaker_IgnoresNonBackendErrors(t *testing.T) {
	boom := errors.New("bad prompt")
	b := WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour, HalfOpenMaxProbes: 1, SuccessThresholdInHalfOpen: 1}, nil, nil)(
		BackendFunc(func(context.Context, string, string) (string, error) { return "", boom }))

	for i := 0; i < 3; i++ {
		_, err := b.Infer(context.Background(), "p", TaskCode)
		assert.ErrorIs(t, err, boom)
	}
}
