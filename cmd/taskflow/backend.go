package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/BaSui01/taskflow/internal/ctxkeys"
	"github.com/BaSui01/taskflow/llm"
)

// newCommandBackend runs command through sh -c for every inference. The
// prompt is written to stdin; the task type and the workflow, node and
// sub-step ids are exported as TASKFLOW_* variables. A failing command
// counts as an unavailable backend.
func newCommandBackend(command, dir string) llm.Backend {
	return llm.BackendFunc(func(ctx context.Context, prompt, taskType string) (string, error) {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = dir
		cmd.Stdin = strings.NewReader(prompt)
		cmd.Env = append(os.Environ(), "TASKFLOW_TASK_TYPE="+taskType)
		if id, ok := ctxkeys.WorkflowID(ctx); ok {
			cmd.Env = append(cmd.Env, "TASKFLOW_WORKFLOW_ID="+id)
		}
		if id, ok := ctxkeys.NodeID(ctx); ok {
			cmd.Env = append(cmd.Env, "TASKFLOW_NODE_ID="+id)
		}
		if id, ok := ctxkeys.SubStepID(ctx); ok {
			cmd.Env = append(cmd.Env, "TASKFLOW_SUB_STEP_ID="+id)
		}

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", llm.Unavailable(fmt.Errorf("backend command: %w: %s", err, strings.TrimSpace(stderr.String())))
		}
		return stdout.String(), nil
	})
}
