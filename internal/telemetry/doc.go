// Package telemetry 初始化 OpenTelemetry 的 TracerProvider 与 MeterProvider，
// 通过 OTLP gRPC 导出。禁用时保持全局 noop 实现，不连接外部服务。
// 网关的 HTTP 中间件与 LLM 调用 span 都使用这里注册的全局 provider。
package telemetry
