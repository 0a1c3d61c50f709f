/*
包 metrics 提供基于 Prometheus 的工作流指标采集能力。

# 概述

Collector 通过 promauto.With 注册到调用方提供的 Registerer，
所有指标按 namespace 隔离。nil *Collector 可以安全调用，
未启用指标时引擎无需分支判断。

# 主要能力

  - 工作流指标：启动、终态、耗时、内存中的活跃数。
  - 节点指标：执行次数与耗时，按 step/status 分组；重试次数；审批决定。
  - 分析器指标：分析来源（model/heuristic）与降级原因。
  - 事件与检查点：丢弃事件数、检查点读写结果、模型后端熔断状态变化。
*/
package metrics
