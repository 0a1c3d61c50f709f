// Package ctxkeys carries execution identifiers through executor contexts.
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	workflowIDKey contextKey = "workflow_id"
	nodeIDKey     contextKey = "node_id"
	subStepIDKey  contextKey = "sub_step_id"
)

// WithWorkflowID 设置工作流 ID
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WorkflowID 获取工作流 ID
func WorkflowID(ctx context.Context) (string, bool) {
	return stringValue(ctx, workflowIDKey)
}

// WithNodeID 设置节点 ID
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

// NodeID 获取节点 ID
func NodeID(ctx context.Context) (string, bool) {
	return stringValue(ctx, nodeIDKey)
}

// WithSubStepID 设置计划子步骤 ID
func WithSubStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, subStepIDKey, id)
}

// SubStepID 获取计划子步骤 ID
func SubStepID(ctx context.Context) (string, bool) {
	return stringValue(ctx, subStepIDKey)
}

// Fields 返回已设置的全部标识，键为日志字段名
func Fields(ctx context.Context) map[string]string {
	out := make(map[string]string, 3)
	for _, k := range []contextKey{workflowIDKey, nodeIDKey, subStepIDKey} {
		if v, ok := stringValue(ctx, k); ok {
			out[string(k)] = v
		}
	}
	return out
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
