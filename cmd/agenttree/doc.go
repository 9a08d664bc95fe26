// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 agenttree 的程序入口。

# 概述

cmd/agenttree 同时是 HTTP 服务和运维命令行：serve 启动 API 服务，
run 在进程内执行一条指令并把事件以 JSONL 写到 stdout，
state / hil / confirm 直接读写文档存储，不需要推理服务。

# 核心类型

  - Server      — 持有运行时、API 与 Metrics 两个服务，负责优雅关闭
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、run、state、hil list|respond、confirm list|approve|deny、health、version
  - 中间件链：Recovery、RequestID、OTelTracing、SecurityHeaders、RequestLogger、
    Metrics、CORS、RateLimiter（基于 IP）、JWTAuth（HS256 Bearer，事件流接受 access_token）
  - Metrics：metrics_port 为 0 时 /metrics 挂在 API 端口
  - 优雅关闭：信号 → 停止所有运行（事件流收到 end）→ 断开事件流 → 关闭 HTTP → 关闭运行时
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置

run 的退出码：0 完成，1 失败或错误，2 被中断。
*/
package main
