package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentifiers(t *testing.T) {
	ctx := context.Background()
	_, ok := WorkflowID(ctx)
	assert.False(t, ok)
	assert.Empty(t, Fields(ctx))

	ctx = WithWorkflowID(ctx, "wf_1")
	ctx = WithNodeID(ctx, "Coder")
	id, ok := WorkflowID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "wf_1", id)
	node, _ := NodeID(ctx)
	assert.Equal(t, "Coder", node)
	assert.Equal(t, map[string]string{"workflow_id": "wf_1", "node_id": "Coder"}, Fields(ctx))

	ctx = WithSubStepID(ctx, "s1")
	sub, ok := SubStepID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "s1", sub)

	_, ok = SubStepID(WithSubStepID(context.Background(), ""))
	assert.False(t, ok, "empty ids are treated as unset")
}
