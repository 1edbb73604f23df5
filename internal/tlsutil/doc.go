// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package tlsutil 提供网关出站 HTTPS 连接的加固配置（TLS 1.2+，仅 AEAD 密码套件），
// OpenRouter 客户端通过它创建 http.Client。
package tlsutil
