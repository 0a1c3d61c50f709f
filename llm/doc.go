// Copyright (c) TaskFlow Authors.
// Licensed under the MIT License.

/*
Package llm 定义工作流步骤与请求分析器使用的模型后端契约。

# 概述

后端只有一个方法 Infer(ctx, prompt, taskType)，返回文本回答。具体调用哪家
模型服务不在本包范围内，调用方通过 [BackendFunc] 或自己的实现接入。

# 错误语义

后端无法服务时返回包装了 [ErrBackendUnavailable] 的错误（见 [Unavailable]）。
引擎据此对声明了回退能力的步骤调用启发式 Fallback，分析器据此切换到规则分类。
其它错误按步骤失败策略处理。

# 装饰器

  - [WithTimeout]：单次调用超时，超时报告为不可用
  - [WithRateLimit]：令牌桶限流（golang.org/x/time/rate）
  - [WithCircuitBreaker]：按任务类型熔断，仅 ErrBackendUnavailable 计为失败
  - [Chain]：组合装饰器，第一个为最外层

# 回答解析

[ExtractJSON] / [DecodeJSON] 从模型回答中取出最外层 JSON 对象，容忍说明文字
与代码块包裹。
*/
package llm
