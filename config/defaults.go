// =============================================================================
// 📦 TaskFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Engine:     DefaultEngineConfig(),
		Supervisor: DefaultSupervisorConfig(),
		Checkpoint: DefaultCheckpointConfig(),
		LLM:        DefaultLLMConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Metrics:    DefaultMetricsConfig(),
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxParallel:        4,
		DefaultNodeTimeout: 5 * time.Minute,
		EventBuffer:        1024,
		ExcerptBytes:       256,
		ArchiveTerminal:    false,
	}
}

// DefaultSupervisorConfig 返回默认分析器配置
// 复杂度等级到步骤集合的映射属于配置而非代码
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		UseModel:             true,
		AnalysisTimeout:      30 * time.Second,
		ComplexWordThreshold: 60,
		Tiers: map[string]TierConfig{
			"simple": {
				Steps:    []string{"Coder"},
				Keywords: []string{"typo", "rename", "fix", "small", "simple", "quick", "one-line"},
			},
			"moderate": {
				Steps:    []string{"Coder", "Reviewer"},
				Keywords: []string{"add", "implement", "feature", "endpoint", "function", "update", "review"},
			},
			"complex": {
				Steps:    []string{"Planner", "Coder", "Reviewer", "QualityGate"},
				Keywords: []string{"refactor", "migrate", "architecture", "redesign", "system", "multiple", "across", "security", "delete"},
			},
		},
		StrategySteps: map[string][]string{
			"iterative": {"Refiner"},
		},
		StrategyKeywords: map[string][]string{
			"parallel-fanout": {"parallel", "independent", "concurrently", "in parallel"},
			"iterative":       {"iterate", "refine", "polish", "improve until", "iteratively"},
		},
	}
}

// DefaultCheckpointConfig 返回默认检查点存储配置
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Type:    "memory",
		BaseDir: "./data/checkpoints",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "taskflow:",
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Host:            "localhost",
			Port:            5432,
			Name:            "taskflow.db",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
	}
}

// DefaultLLMConfig 返回默认模型后端配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Timeout:        60 * time.Second,
		RateLimitRPS:   0,
		RateLimitBurst: 1,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:           true,
			FailureThreshold:  5,
			RecoveryTimeout:   30 * time.Second,
			HalfOpenMaxProbes: 3,
			SuccessThreshold:  2,
		},
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "taskflow",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "taskflow",
	}
}
