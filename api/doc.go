// Package api 定义 agenttree HTTP API 的请求与响应结构。
//
// # API 概览
//
//   - POST /api/tasks/run      启动一条指令，返回 202，运行在后台进行
//   - POST /api/tasks/stop     停止运行中的任务
//   - GET  /api/tasks/state    读取调用栈与调用树
//   - GET  /api/tasks/events   事件流（SSE）
//   - GET  /api/tasks/ws       事件流（WebSocket）
//   - GET  /api/hil/{hil_id}   读取 HIL 请求
//   - GET  /api/hil/workspace  查找任务当前待回复的 HIL 请求
//   - POST /api/hil/respond    回复 HIL 请求
//   - GET  /api/confirm        列出任务的工具确认请求
//   - POST /api/confirm/{id}   批准或拒绝工具调用
//
// # 认证
//
// 配置 jwt.secret 后，/api/ 下的端点需要 Bearer token：
//
//	Authorization: Bearer <token>
//
// # Base URL
//
//	http://localhost:8080
package api
