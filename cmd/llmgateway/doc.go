// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 llmgateway 服务端程序入口。

# 概述

cmd/llmgateway 装配请求治理网关：加载 YAML / .env / 环境变量配置，
初始化存储（数据库、Redis、MongoDB）、价格表与成本限制器、OpenRouter
客户端和编排器，再挂载 HTTP 路由与中间件链。同时提供数据库迁移、
健康检查和版本查询子命令。

# 核心类型

  - Server：主服务器，管理 HTTP、Metrics 双端口、后台任务及优雅关闭
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate（up/down/steps/goto/force/reset/status/info/version）、version、health
  - 中间件链（auth.go 放认证与花费，middleware.go 放其余）：Recovery、RequestID、SecurityHeaders、OTelTracing、Metrics、
    RequestLogger、CORS（rs/cors）、RateLimiter（基于 IP）、APIKeyAuth、CostLimit
  - 成本限额：/chat 路由在进入编排器前按凭证检查当日花费，超限返回 429
  - 管理接口：/datasets/* 需要 HS256 JWT 且带管理员角色
  - 价格表热更新：watch_pricing_file 开启时轮询文件内容，连续两次相同的新内容才重载
  - 优雅关闭：信号监听 → 关闭 HTTP → 关闭 Metrics → 停止价格监听 → 关闭存储与遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
