// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 agenttree HTTP API 的请求处理器实现。

# 概述

handlers 只负责传输层：解析请求、调用编排引擎 / HIL 队列 / 确认管理器，
把结果与 types.Error 转成统一 JSON 响应。运行本身在引擎的后台 goroutine
中进行，HTTP 请求结束不会取消运行。

# 核心类型

  - TaskHandler      — 启动、停止任务，读取调用栈与调用树
  - EventHandler     — 按任务订阅事件流，支持 SSE 与 WebSocket
  - HILHandler       — 查询与回复人工介入请求
  - ConfirmHandler   — 列出并裁决待确认的工具调用
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - HealthCheck      — 可插拔健康检查接口（文档存储等）

# 主要能力

  - ErrorCode → HTTP 状态码映射：任务锁冲突 409、委派不允许 403、未找到 404
  - DecodeJSONBody：1 MB 限制 + 严格模式
  - 事件流回放：订阅时先补发该任务最近的事件，收到 end/error 后关闭
*/
package handlers
