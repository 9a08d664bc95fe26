/*
包 hierarchy 维护任务的调用图：扁平的节点表、由根到叶的调用栈与共享上下文。

Manager 的每个变更都先在副本上计算，持久化成功后才替换内存状态，
因此持久化失败不会留下半更新的调用栈。委派只允许指向当前 Agent 声明的子 Agent，
并且不能回到调用链上已有的 Agent。

Registry 把任务身份映射到进行中的运行，并用 persistence.Locker 保证每个任务只有一个写者。
*/
package hierarchy
