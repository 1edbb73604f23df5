// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 定义网关与上游模型服务之间的最小契约。

# 概述

网关只依赖上游的聊天补全能力：发送消息列表与采样参数，
取回一条助手消息与 token 用量。流式场景下按增量片段返回。

# 核心接口

  - [Provider]：上游提供者接口，提供 Completion / Stream / HealthCheck / Name
  - [ChatRequest] / [ChatResponse]：请求与响应模型
  - [StreamChunk]：流式增量，最终片段可携带 [ChatUsage]

# 子包

  - retry：仅对瞬时错误重试的指数退避
  - providers/openrouter：OpenRouter HTTP 客户端与熔断
  - tokenizer：基于 tiktoken 的 token 计数
  - budget：成本计算、每日花费账本与准入控制
  - cache：基于 Redis 的补全结果缓存

错误统一使用 types.Error，HTTP 状态与可重试性由 Provider 在源头标注。
*/
package llm
