package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Eval(t *testing.T) {
	vars := map[string]any{
		"qa_result": map[string]any{
			"passed": false,
			"score":  0.42,
			"issues": []any{"lint"},
		},
		"planner_output": map[string]any{
			"destructive": true,
			"goal":        "cleanup",
		},
		"attempts": 2,
	}

	tests := []struct {
		name string
		src  string
		want bool
	}{
		{"bool equality", "qa_result.passed == false", true},
		{"bool inequality", "qa_result.passed != false", false},
		{"bare truthy path", "planner_output.destructive", true},
		{"negation", "!planner_output.destructive", false},
		{"numeric comparison", "qa_result.score < 0.5", true},
		{"int against float literal", "attempts >= 2", true},
		{"string equality", `planner_output.goal == "cleanup"`, true},
		{"single quoted string", `planner_output.goal != 'cleanup'`, false},
		{"and", "qa_result.passed == false && qa_result.score > 0.4", true},
		{"or short", "qa_result.passed || planner_output.destructive", true},
		{"parentheses", "!(qa_result.passed || attempts > 5)", true},
		{"missing path is nil", "qa_result.missing == null", true},
		{"missing path is falsy", "review_feedback.approved", false},
		{"non-empty list truthy", "qa_result.issues", true},
		{"negative literal", "attempts > -1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Compile(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Eval(vars))
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	for _, src := range []string{
		"",
		"   ",
		"a ==",
		"(a == 1",
		`a == "open`,
		"a.b. == 1",
		"a == 1 b",
		"a # b",
	} {
		t.Run(src, func(t *testing.T) {
			_, err := Compile(src)
			assert.Error(t, err)
		})
	}
}

func TestExpr_Roots(t *testing.T) {
	e, err := Compile(`qa_result.passed == false || (planner_output.destructive && qa_result.score < 1) || request.task != ""`)
	require.NoError(t, err)

	assert.Equal(t, []string{"planner_output", "qa_result", "request"}, e.Roots())

	// Roots 返回副本
	roots := e.Roots()
	roots[0] = "mutated"
	assert.Equal(t, "planner_output", e.Roots()[0])
}

func TestExpr_LiteralsHaveNoRoots(t *testing.T) {
	e, err := Compile("true && !false")
	require.NoError(t, err)
	assert.Empty(t, e.Roots())
	assert.True(t, e.Eval(nil))
	assert.Equal(t, "true && !false", e.String())
}

func TestMustCompile_Panics(t *testing.T) {
	assert.Panics(t, func() { MustCompile("(") })
	assert.NotPanics(t, func() { MustCompile("a == 1") })
}
