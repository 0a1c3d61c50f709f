package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常状态，允许请求通过
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断状态，拒绝所有请求
	CircuitOpen
	// CircuitHalfOpen 半开状态，允许探测请求
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	// FailureThreshold 连续失败次数阈值，达到后触发熔断
	FailureThreshold int `json:"failure_threshold"`
	// RecoveryTimeout 熔断后等待恢复的时间
	RecoveryTimeout time.Duration `json:"recovery_timeout"`
	// HalfOpenMaxProbes 半开状态允许的探测请求数
	HalfOpenMaxProbes int `json:"half_open_max_probes"`
	// SuccessThresholdInHalfOpen 半开状态下连续成功多少次后恢复
	SuccessThresholdInHalfOpen int `json:"success_threshold_in_half_open"`
}

// DefaultCircuitBreakerConfig 默认熔断器配置
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:           5,
		RecoveryTimeout:            30 * time.Second,
		HalfOpenMaxProbes:          3,
		SuccessThresholdInHalfOpen: 2,
	}
}

// CircuitBreakerEvent 熔断器状态变更事件
type CircuitBreakerEvent struct {
	TaskType  string       `json:"task_type"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
}

// CircuitBreakerEventHandler 事件处理器
type CircuitBreakerEventHandler func(event CircuitBreakerEvent)

// CircuitBreaker 按任务类型统计后端失败的熔断器
type CircuitBreaker struct {
	taskType        string
	config          CircuitBreakerConfig
	state           CircuitState
	failures        int       // 连续失败次数
	successes       int       // 半开状态下连续成功次数
	lastFailureTime time.Time // 最后一次失败时间
	probeCount      int       // 半开状态下已探测次数
	onChange        CircuitBreakerEventHandler
	now             func() time.Time
	logger          *zap.Logger
	mu              sync.Mutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(taskType string, config CircuitBreakerConfig, onChange CircuitBreakerEventHandler, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		taskType: taskType,
		config:   config,
		state:    CircuitClosed,
		onChange: onChange,
		now:      time.Now,
		logger:   logger.With(zap.String("task_type", taskType)),
	}
}

// Allow 检查是否允许请求通过，拒绝时返回 ErrBackendUnavailable
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		elapsed := cb.now().Sub(cb.lastFailureTime)
		if elapsed >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probeCount = 1
			cb.successes = 0
			return nil
		}
		return fmt.Errorf("%w: circuit open for %s after %d consecutive failures, retry after %v",
			ErrBackendUnavailable, cb.taskType, cb.failures, cb.config.RecoveryTimeout-elapsed)

	case CircuitHalfOpen:
		if cb.probeCount < cb.config.HalfOpenMaxProbes {
			cb.probeCount++
			return nil
		}
		return fmt.Errorf("%w: circuit half-open for %s, max probes (%d) reached",
			ErrBackendUnavailable, cb.taskType, cb.config.HalfOpenMaxProbes)

	default:
		return fmt.Errorf("unknown circuit breaker state: %d", cb.state)
	}
}

// RecordSuccess 记录成功
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThresholdInHalfOpen {
			cb.transitionTo(CircuitClosed, fmt.Sprintf("%d consecutive successes in half-open", cb.successes))
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure 记录失败
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}

	case CircuitHalfOpen:
		// 半开状态下任何失败都重新熔断
		cb.successes = 0
		cb.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

// State 获取当前状态
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed, "manual reset")
	}
	cb.failures = 0
	cb.successes = 0
	cb.probeCount = 0
}

// transitionTo 状态转换（必须在锁内调用）
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	if cb.onChange != nil {
		event := CircuitBreakerEvent{
			TaskType:  cb.taskType,
			OldState:  oldState,
			NewState:  newState,
			Timestamp: cb.now(),
			Reason:    reason,
			Failures:  cb.failures,
		}
		// 异步发送避免在锁内回调
		go cb.onChange(event)
	}
}

// breakerSet 按任务类型管理熔断器
type breakerSet struct {
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	onChange CircuitBreakerEventHandler
	logger   *zap.Logger
	mu       sync.RWMutex
}

func (s *breakerSet) get(taskType string) *CircuitBreaker {
	s.mu.RLock()
	if cb, ok := s.breakers[taskType]; ok {
		s.mu.RUnlock()
		return cb
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// 双重检查
	if cb, ok := s.breakers[taskType]; ok {
		return cb
	}
	cb := NewCircuitBreaker(taskType, s.config, s.onChange, s.logger)
	s.breakers[taskType] = cb
	return cb
}

// WithCircuitBreaker 为每个任务类型挂一个熔断器。
// 只有 ErrBackendUnavailable 计为失败；调用方取消不计入。
func WithCircuitBreaker(config CircuitBreakerConfig, onChange CircuitBreakerEventHandler, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Backend) Backend {
		set := &breakerSet{
			breakers: make(map[string]*CircuitBreaker),
			config:   config,
			onChange: onChange,
			logger:   logger.With(zap.String("component", "llm_circuit_breaker")),
		}
		return BackendFunc(func(ctx context.Context, prompt, taskType string) (string, error) {
			cb := set.get(taskType)
			if err := cb.Allow(); err != nil {
				return "", err
			}

			out, err := next.Infer(ctx, prompt, taskType)
			switch {
			case err == nil:
				cb.RecordSuccess()
			case errors.Is(err, ErrBackendUnavailable):
				cb.RecordFailure()
			}
			return out, err
		})
	}
}
