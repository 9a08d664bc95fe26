/*
包 metrics 提供基于 Prometheus 的编排指标采集。

Collector 通过 promauto.With(reg) 在给定注册表上注册指标，按 namespace 隔离，
覆盖 HTTP 请求、运行生命周期、执行器步骤、委派、推理调用与 token、
上下文压缩、工具调用、HIL 以及数据库连接池。

nil *Collector 可以安全调用，未启用指标时组件无需判空。
*/
package metrics
