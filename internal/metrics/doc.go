// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 定义网关暴露在 /metrics 上的 Prometheus 指标。

Collector 通过 promauto.With 注册到给定的 Registerer：服务进程用
NewCollector 注册到默认 Registry，测试用 NewCollectorWith 配独立 Registry。
它满足 gateway.Recorder，由编排器直接调用；HTTP 指标由 cmd/llmgateway
的中间件写入，连接池指标由 database.PoolManager 与 cache.Manager
的探活回调写入（Redis 的 driver 标签为 redis）。

指标（均带 namespace 前缀）：

  - http_requests_total、http_request_duration_seconds、http_body_bytes
  - upstream_requests_total、upstream_duration_seconds、tokens_total、spend_usd_total
  - guardrail_violations_total、spend_rejections_total、cache_lookups_total
  - db_connections

路径标签必须是归一化后的路由，状态码只保留 2xx/3xx/4xx/5xx 分类。
*/
package metrics
