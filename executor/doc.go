/*
包 executor 驱动单个调用节点的执行循环。

每一轮：检查停止信号，组装作用域上下文（最新快照、未压缩尾部与层级作用域），
调用推理引擎，解释决策并追加一条动作日志；每 N 条动作后同步压缩。
工具调用与委派在执行前先持久化为 pending，重启后据此恢复。
*/
package executor
