// Package config 提供 agenttree 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加，
// Agent 库（级别、工具、可委派子 Agent）在加载期解析为显式索引，
// 运行期只做查表，不做反射。
package config
