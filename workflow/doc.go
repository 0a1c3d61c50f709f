// Copyright (c) TaskFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供由 Supervisor 驱动的动态工作流引擎。

# 概述

请求先经 supervisor.Analyzer 分析得到复杂度、策略与步骤列表，Builder
依据 capability.Registry 中声明的输入/输出把步骤编译为有向无环图，
Engine 再按节点状态机并发调度执行，直到工作流完成、失败、被中止，
或因人工审批而挂起。

# 核心类型

  - Builder         : Analysis → Graph，纯函数，校验环、依赖满足与写冲突
  - Graph / Node    : 节点状态机 pending → ready → running → 终态
  - SharedState     : 每个槽位只有一个写者，Merge 原子提交
  - Engine          : Start / Status / Wait / Resume / Abort / Rollback
  - StepExecutor    : 步骤执行器；FallbackExecutor 提供降级路径
  - SubStepExecutor : 逐个执行 Plan 子步骤，子步骤同样可以要求审批
  - CheckpointStore : 挂起与中止时持久化，进程重启后可恢复
  - EventSink       : 每次状态迁移产生一个带序号的事件，投递不阻塞引擎

# 失败策略

节点失败按能力声明处理：retry 重试后失败、skip 跳过并让下游降级、
fail_workflow 立即终止整个工作流。写冲突总是终止工作流。

# 人工审批

审批由能力静态声明（before / after），可附带运行期条件表达式。
触发后节点进入 awaiting_approval，工作流写入 Checkpoint 并挂起，
不占用任何 goroutine。Resume 接受 approve / reject / modify 三种决定。
*/
package workflow
