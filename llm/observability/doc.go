// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 observability 为网关请求提供 OpenTelemetry 追踪与指标。

# 概述

每个网关请求对应一个根 span（gateway.<operation>），
脱敏、输入护栏、上游调用、输出护栏等阶段作为子 span 记录。
请求结束时按模型、推理类型与状态记录请求数、延迟、token、成本
与错误码；护栏违规与限额拒绝单独计数。

# 使用方式

  - [NewMetrics] 由显式的 TracerProvider/MeterProvider 构造，测试可注入 SDK 的内存 reader
  - [NewGlobalMetrics] 使用 otel 全局 provider，遥测关闭时为 noop
  - nil *Metrics 的所有方法均为空操作

凭证只以哈希前缀出现在属性中。
*/
package observability
