// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package types 提供网关的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 guardrails、llm、gateway、
api 等上层模块提供统一的类型契约，避免循环依赖。

# 核心类型

  - Message / Role / ToolCall：对话消息
  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记

# 错误分类

  - 校验拒绝：ErrGuardrailViolation / ErrOutputValidation（客户端可修正）
  - 准入拒绝：ErrSpendLimitExceeded（次日 00:00 UTC 重置）
  - 上游失败：ErrUpstreamError / ErrUpstreamTimeout / ErrRateLimited / ErrEmptyCompletion
  - 数据形状：ErrMalformedJSON / ErrDatasetValidation
  - 兜底：ErrInternalError（不泄露内部细节）
*/
package types
