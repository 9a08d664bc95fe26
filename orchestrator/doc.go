// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 orchestrator 管理一次运行的完整生命周期。

Engine 通过 hierarchy.Registry 获取任务的单写者锁，激活调用树（相同指令时恢复，
不同指令时先归档旧树），然后蹦床式地执行调用栈的叶子：
执行器委派时转向子节点，子节点结束时回到父节点，直到根节点出栈或运行被中断。

每次运行恰好发出一个 start 事件，并以 end 或 error 结束。

Runtime 按配置装配存储后端、工具网关、确认管理、HIL 队列、推理客户端、
压缩器与执行器，供 cmd/agenttree 的 serve 与 run 子命令共享。
*/
package orchestrator
