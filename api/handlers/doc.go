// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 llmgateway HTTP API 的请求处理器实现。

# 概述

handlers 包把 HTTP 请求解码为 gateway 的请求模型，调用编排器，
再把结果或 *types.Error 写成统一的 JSON 响应。路由与中间件在
cmd/llmgateway 中装配。

# 核心类型

  - ChatHandler：/chat、/chat/completion、/chat/stream (SSE)、/chat/ws (websocket)
  - DatasetHandler：/chat/dataset-generator 与 /datasets/* 管理接口
  - HealthHandler：/、/health、/healthz、/ready，可注册 HealthCheck
  - ModelsHandler：/models，数据来自价格表
  - Response：统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter：捕获状态码，透传 Flush 与 Hijack

# 错误映射

WriteError 优先使用 types.Error.HTTPStatus，否则按错误码映射；
其他错误一律返回 500 INTERNAL_ERROR，不透出原始信息。
超出成本限额的 429 响应在 details 中带 current_spend_usd 与 daily_limit_usd。

# 流式输出

SSE 每个增量是一条 data 事件，结束时发送 event: done（携带用量与成本）
和 data: [DONE]。第一个增量之前的错误按普通 JSON 错误返回，之后以
event: error 发送。websocket 每条文本消息是一个补全请求，回复
delta / done / error 三类 JSON 消息。
*/
package handlers
