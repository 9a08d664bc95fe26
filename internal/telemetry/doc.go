// Package telemetry 封装 OpenTelemetry SDK 初始化，为编排引擎提供 TracerProvider、
// MeterProvider 以及执行器步骤 span 使用的 tracer 与属性键。
// 遥测关闭时使用 noop 实现，不连接任何外部服务。
package telemetry
