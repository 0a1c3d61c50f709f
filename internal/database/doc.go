// Copyright (c) TaskFlow Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库连接管理，供 SQL 检查点存储使用。

# 概述

Open 按 config.DatabaseConfig 选择方言（glebarez/sqlite、postgres、mysql），
打开连接并设置连接池参数。PoolManager 统一管理连接生命周期，
可选的后台健康检查通过 zap 输出诊断信息。

# 核心类型

  - PoolManager：持有 GORM 实例与底层 sql.DB，提供 DB()、Ping()、Close()。
  - TransactionFunc：事务回调函数类型。

# 事务

WithTransaction 执行单次事务；WithTransactionRetry 对死锁、序列化失败、
sqlite 锁冲突与连接中断等错误做指数退避重试。
*/
package database
