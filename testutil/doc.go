// Copyright (c) TaskFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 TaskFlow 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，避免重复实现
相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 共享状态: View 以任意槽位构造只读视图，用于直接测试步骤执行器
  - 工作流等待: WaitForState 等待引擎挂起或结束并断言状态
  - 数据工具: MustJSON / MustParseJSON / WaitFor / WaitForChannel

# 子包

  - testutil/mocks: MockBackend（按任务类型编排响应、错误注入、
    调用记录）与 RecordingSink（按工作流记录事件）
  - testutil/fixtures: 分析、计划、评审、质量检查等模型响应样例

# 使用示例

	backend := mocks.NewMockBackend().
	    WithTaskResponses(llm.TaskAnalysis, fixtures.AnalysisResponse("simple", "linear", "typo"))
	rep := testutil.WaitForState(t, engine, id, workflow.WorkflowCompleted)
*/
package testutil
