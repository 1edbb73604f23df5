// Package tokenizer 提供统一的 Token 计数接口，
// 以 tiktoken 精确计数为主，字符比例估算器兜底，用于成本预估与流式计费。
package tokenizer
