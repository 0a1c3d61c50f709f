// Package config 提供 TaskFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加，
// 复杂度等级与步骤集合的映射也在这里声明。
package config
