// Package openrouter 实现 OpenRouter 聊天补全客户端：
// 同步补全、SSE 流式输出、健康检查、HTTP 错误映射，
// 以及仅对瞬时错误生效的重试与熔断。
package openrouter
