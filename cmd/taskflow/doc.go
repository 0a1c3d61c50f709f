// Copyright (c) TaskFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 TaskFlow 命令行入口。

# 概述

cmd/taskflow 以单次进程的方式驱动工作流：run 启动并等待工作流挂起或结束，
status / resume / abort / rollback 通过检查点存储在后续进程中继续操作同一工作流。
内存存储无法跨进程，命令行会自动改用文件存储。

# 子命令

  - run       启动工作流（--workspace 指定计划子步骤作用的目录）
  - status    查看工作流状态
  - resume    提交审批决定（approve / reject / modify）
  - abort     中止工作流
  - rollback  按完成逆序撤销节点计划已应用的子步骤
  - list      列出存储中的检查点
  - version   显示版本信息

# 模型后端

--backend-cmd 指定一个外部命令：提示词写入其标准输入，标准输出作为模型回答，
任务类型与工作流、节点、子步骤 ID 通过 TASKFLOW_* 环境变量传递。未指定时所有步骤走启发式回退。

# 构建注入

Version、BuildTime、GitCommit 通过 ldflags 设置。
*/
package main
