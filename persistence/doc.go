// Copyright (c) TaskFlow Authors.
// Licensed under the MIT License.

/*
包 persistence 提供工作流检查点的持久化后端。

# 概述

引擎只依赖 workflow.CheckpointStore 接口（Save/Load/Delete），
本包给出三种可替换的实现，使挂起等待审批的工作流在进程重启后
可以从检查点恢复。未知 id 的 Load 返回匹配 workflow.ErrNotFound 的错误。

# 后端实现

  - File: 每个工作流一个 JSON 文件，先写临时文件再 rename，适合单节点部署。
  - Redis: 基于 go-redis/v9，数据键 + Sorted Set 索引，支持 TTL，适合分布式部署。
  - SQL: 基于 GORM 的单表存储（AutoMigrate + upsert），
    支持 sqlite（glebarez/sqlite）、postgres 与 mysql。

# 使用方式

	store, err := persistence.NewCheckpointStore(cfg.Checkpoint, logger)
	engine := workflow.NewEngine(registry, analyzer, store, sink, logger)
*/
package persistence
