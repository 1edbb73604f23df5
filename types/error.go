package types

import (
	"errors"
	"fmt"
)

// ErrorCode 对外稳定的错误码，出现在响应信封的 error.code
type ErrorCode string

// 请求与认证
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrForbidden      ErrorCode = "FORBIDDEN"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrNotImplemented ErrorCode = "NOT_IMPLEMENTED"
)

// 护栏与花费治理
const (
	ErrGuardrailViolation ErrorCode = "GUARDRAIL_VIOLATION"
	ErrOutputValidation   ErrorCode = "OUTPUT_VALIDATION_FAILED"
	ErrSpendLimitExceeded ErrorCode = "SPEND_LIMIT_EXCEEDED"
)

// 上游
const (
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	ErrUpstreamTimeout    ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrEmptyCompletion    ErrorCode = "EMPTY_COMPLETION"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// 数据集生成
const (
	ErrMalformedJSON     ErrorCode = "MALFORMED_JSON"
	ErrDatasetValidation ErrorCode = "DATASET_VALIDATION_FAILED"
)

// ErrInternalError 兜底错误码，对外只返回通用信息
const ErrInternalError ErrorCode = "INTERNAL_ERROR"

// Error 网关统一错误。Code 与 Message 会返回给调用方，Cause 只进日志。
type Error struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"http_status,omitempty"`
	Retryable  bool           `json:"retryable"`
	Provider   string         `json:"provider,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

func (e *Error) Error() string {
	s := "[" + string(e.Code) + "] " + e.Message
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError 下面的 With* 方法原地修改并返回同一个 *Error，便于链式构造
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf 用格式化消息构造 *Error
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

func (e *Error) WithCause(cause error) *Error     { e.Cause = cause; return e }
func (e *Error) WithHTTPStatus(status int) *Error { e.HTTPStatus = status; return e }
func (e *Error) WithRetryable(r bool) *Error      { e.Retryable = r; return e }
func (e *Error) WithProvider(name string) *Error  { e.Provider = name; return e }

// WithDetail 附加一个对调用方可见的字段，例如花费超限时的当前花费
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 2)
	}
	e.Details[key] = value
	return e
}

// AsError 沿错误链查找 *Error
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsRetryable 错误链上的 *Error 是否标记为可重试，普通错误一律不重试
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	return ok && e.Retryable
}

// GetErrorCode 错误链上第一个 *Error 的错误码，没有时为空
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode 判断错误链上是否存在指定错误码
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
