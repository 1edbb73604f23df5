// Package ctxkeys 定义中间件写入、处理器与编排器读取的请求级上下文值。
package ctxkeys

import "context"

// contextKey 避免与其他包的键冲突
type contextKey string

const (
	requestIDKey  contextKey = "request_id"
	credentialKey contextKey = "credential"
	subjectKey    contextKey = "subject"
)

// WithRequestID 设置请求 ID，与 X-Request-ID 响应头一致
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	return stringValue(ctx, requestIDKey)
}

// WithCredential 设置调用方的原始 API Key。只在进程内传递，不得写日志。
func WithCredential(ctx context.Context, credential string) context.Context {
	return context.WithValue(ctx, credentialKey, credential)
}

// Credential 获取调用方 API Key
func Credential(ctx context.Context) (string, bool) {
	return stringValue(ctx, credentialKey)
}

// WithSubject 设置管理端 JWT 的 subject
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// Subject 获取 JWT subject
func Subject(ctx context.Context) (string, bool) {
	return stringValue(ctx, subjectKey)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
