// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 HTTP 服务器生命周期：非阻塞启动、阻塞式 Run（配合 errgroup
与 ctx 取消）以及在超时内的优雅关闭。

Manager 同时用于 API 主服务与独立的 metrics 服务。WriteTimeout 默认为 0，
事件流（SSE、WebSocket）不会被写超时中断。
*/
package server
