// MockBackend 是模型后端的测试模拟实现。
//
// 支持按任务类型的固定响应、响应脚本、延迟与错误注入。
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/taskflow/llm"
)

// --- MockBackend 结构 ---

// MockBackendCall 记录单次调用
type MockBackendCall struct {
	Prompt   string
	TaskType string
	Response string
	Error    error
}

// MockBackend 是 llm.Backend 的模拟实现
type MockBackend struct {
	mu sync.Mutex

	// 响应配置
	response  string
	byTask    map[string][]string
	err       error
	taskErr   map[string]error
	inferFunc func(ctx context.Context, prompt, taskType string) (string, error)

	// 行为控制
	delay     time.Duration
	failAfter int

	// 调用记录
	calls []MockBackendCall
}

// NewMockBackend 创建新的 MockBackend
func NewMockBackend() *MockBackend {
	return &MockBackend{
		response: "{}",
		byTask:   make(map[string][]string),
		taskErr:  make(map[string]error),
	}
}

// --- Builder 方法 ---

// WithResponse 设置默认响应
func (m *MockBackend) WithResponse(response string) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithTaskResponses 设置某任务类型的响应脚本；脚本用完后重复最后一条
func (m *MockBackend) WithTaskResponses(taskType string, responses ...string) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTask[taskType] = append([]string(nil), responses...)
	return m
}

// WithError 设置所有调用返回错误
func (m *MockBackend) WithError(err error) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithTaskError 设置某任务类型返回错误
func (m *MockBackend) WithTaskError(taskType string, err error) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskErr[taskType] = err
	return m
}

// Unavailable 模拟后端不可用
func (m *MockBackend) Unavailable() *MockBackend {
	return m.WithError(llm.Unavailable(fmt.Errorf("mock backend offline")))
}

// WithDelay 设置响应延迟（遵守 ctx 取消）
func (m *MockBackend) WithDelay(d time.Duration) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailAfter 第 n 次调用之后全部返回后端不可用
func (m *MockBackend) WithFailAfter(n int) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithInferFunc 设置自定义推理函数，优先于其它配置
func (m *MockBackend) WithInferFunc(fn func(ctx context.Context, prompt, taskType string) (string, error)) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inferFunc = fn
	return m
}

// --- llm.Backend 实现 ---

// Infer 实现 llm.Backend
func (m *MockBackend) Infer(ctx context.Context, prompt, taskType string) (string, error) {
	m.mu.Lock()
	delay := m.delay
	fn := m.inferFunc
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m.record(prompt, taskType, "", ctx.Err())
			return "", ctx.Err()
		}
	}
	if fn != nil {
		out, err := fn(ctx, prompt, taskType)
		m.record(prompt, taskType, out, err)
		return out, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out string
	var err error
	switch {
	case m.failAfter > 0 && len(m.calls) >= m.failAfter:
		err = llm.Unavailable(fmt.Errorf("mock backend failed after %d calls", m.failAfter))
	case m.err != nil:
		err = m.err
	case m.taskErr[taskType] != nil:
		err = m.taskErr[taskType]
	default:
		out = m.response
		if script := m.byTask[taskType]; len(script) > 0 {
			out = script[0]
			if len(script) > 1 {
				m.byTask[taskType] = script[1:]
			}
		}
	}
	m.calls = append(m.calls, MockBackendCall{Prompt: prompt, TaskType: taskType, Response: out, Error: err})
	return out, err
}

func (m *MockBackend) record(prompt, taskType, out string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockBackendCall{Prompt: prompt, TaskType: taskType, Response: out, Error: err})
}

// --- 调用记录 ---

// Calls 返回全部调用记录
func (m *MockBackend) Calls() []MockBackendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockBackendCall(nil), m.calls...)
}

// CallCount 返回调用次数
func (m *MockBackend) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// CallsFor 返回某任务类型的调用次数
func (m *MockBackend) CallsFor(taskType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.TaskType == taskType {
			n++
		}
	}
	return n
}

// Reset 清空调用记录
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
