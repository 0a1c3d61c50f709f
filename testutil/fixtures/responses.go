// =============================================================================
// 📦 测试数据工厂 - 模型响应测试数据
// =============================================================================
// 提供预定义的模型后端响应，按任务类型组织
// =============================================================================
package fixtures

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/taskflow/workflow"
)

// =============================================================================
// 🎯 分析响应
// =============================================================================

// AnalysisResponse 返回分析器期望的 JSON 响应
func AnalysisResponse(complexity, strategy, rationale string) string {
	return fmt.Sprintf(`{"complexity": %q, "strategy": %q, "rationale": %q}`, complexity, strategy, rationale)
}

// FencedAnalysisResponse 返回带说明文字与代码块包裹的分析响应
func FencedAnalysisResponse(complexity, strategy string) string {
	return "Here is my assessment.\n```json\n" + AnalysisResponse(complexity, strategy, "fenced") + "\n```"
}

// =============================================================================
// 🗺️ 计划响应
// =============================================================================

// SafePlan 返回不含破坏性动作的计划
func SafePlan() workflow.Plan {
	return workflow.Plan{
		Goal: "add a health endpoint",
		Steps: []workflow.PlanStep{
			{ID: "s1", Action: workflow.ActionCreateFile, Target: "health.go", Content: "package main\n"},
			{ID: "s2", Action: workflow.ActionModifyFile, Target: "main.go", Content: "package main\n\nfunc main() {}\n", DependsOn: []string{"s1"}},
			{ID: "s3", Action: workflow.ActionRunTests, Target: "go test ./...", DependsOn: []string{"s2"}},
		},
	}
}

// DestructivePlan 返回删除文件的计划
func DestructivePlan() workflow.Plan {
	return workflow.Plan{
		Goal:        "remove the legacy handler",
		Destructive: true,
		Steps: []workflow.PlanStep{
			{ID: "s1", Action: workflow.ActionDeleteFile, Target: "legacy.go"},
			{ID: "s2", Action: workflow.ActionModifyFile, Target: "main.go", Content: "package main\n", DependsOn: []string{"s1"}},
		},
	}
}

// PlanResponse 将计划编码为模型响应
func PlanResponse(p workflow.Plan) string {
	raw, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return string(raw)
}

// =============================================================================
// 🔍 评审与质量响应
// =============================================================================

// CodeResponse 返回编码步骤的 JSON 响应
func CodeResponse(summary string, files ...string) string {
	raw, _ := json.Marshal(map[string]any{
		"summary": summary,
		"changes": "diff --git a/" + summary,
		"files":   files,
	})
	return string(raw)
}

// ReviewResponse 返回评审响应
func ReviewResponse(approved bool, comments ...string) string {
	raw, _ := json.Marshal(map[string]any{"approved": approved, "comments": comments})
	return string(raw)
}

// QualityResponse 返回质量检查响应
func QualityResponse(passed bool, score float64, issues ...string) string {
	raw, _ := json.Marshal(map[string]any{"passed": passed, "score": score, "issues": issues})
	return string(raw)
}

// RefineResponse 返回精炼响应
func RefineResponse(summary string, addressed ...string) string {
	raw, _ := json.Marshal(map[string]any{"summary": summary, "changes": "refined: " + summary, "addressed": addressed})
	return string(raw)
}
