// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	view := testutil.View(t, req, analysis, slots)
//	rep := testutil.WaitForState(t, engine, id, workflow.WorkflowCompleted)
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BaSui01/taskflow/supervisor"
	"github.com/BaSui01/taskflow/workflow"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 📋 共享状态辅助
// =============================================================================

// View 构造只读视图：slots 的每个键由同名伪节点写入
func View(t *testing.T, req supervisor.Request, analysis supervisor.Analysis, slots map[string]any) workflow.StateView {
	t.Helper()

	owners := make(map[string]string, len(slots))
	names := make([]string, 0, len(slots))
	for slot := range slots {
		owners[slot] = "writer_" + slot
		names = append(names, slot)
	}
	state, err := workflow.NewSharedState(req, analysis, owners, nil)
	if err != nil {
		t.Fatalf("new shared state: %v", err)
	}
	for slot, v := range slots {
		if err := state.Merge(owners[slot], workflow.Update{slot: v}); err != nil {
			t.Fatalf("seed %s: %v", slot, err)
		}
	}
	return state.View(names)
}

// =============================================================================
// ⏱️ 工作流等待
// =============================================================================

// WaitForState 等待工作流到达期望状态
func WaitForState(t *testing.T, e *workflow.Engine, id string, want workflow.WorkflowState) *workflow.StatusReport {
	t.Helper()

	ctx := TestContextWithTimeout(t, 10*time.Second)
	rep, err := e.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait for %s: %v", id, err)
	}
	if rep.State != want {
		t.Fatalf("workflow %s is %s, want %s (failure: %+v)", id, rep.State, want, rep.Failure)
	}
	return rep
}

// WaitFor 等待条件满足或超时
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// WaitForChannel 等待通道接收或超时
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

// =============================================================================
// 🔧 测试数据辅助
// =============================================================================

// MustJSON 将值转换为 JSON 字符串，失败时 panic
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// MustParseJSON 解析 JSON 字符串，失败时 panic
func MustParseJSON[T any](s string) T {
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		panic(err)
	}
	return v
}
