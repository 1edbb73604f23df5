package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/BaSui01/llmgateway/types"
	"go.uber.org/zap"
)

// Response 所有 JSON 接口共用的响应信封
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 信封中的错误部分，HTTPStatus 只在进程内使用
type ErrorInfo struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Retryable  bool           `json:"retryable,omitempty"`
	HTTPStatus int            `json:"-"`
}

func newErrorInfo(err *types.Error) *ErrorInfo {
	return &ErrorInfo{
		Code:       string(err.Code),
		Message:    err.Message,
		Details:    err.Details,
		Retryable:  err.Retryable,
		HTTPStatus: StatusFor(err),
	}
}

// WriteJSON 以 status 写出 data 的 JSON 编码
func WriteJSON(w http.ResponseWriter, status int, data any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// 状态行已发出，编码失败无从补救
	_ = json.NewEncoder(w).Encode(data)
}

func envelope(w http.ResponseWriter) Response {
	return Response{Timestamp: time.Now(), RequestID: w.Header().Get(RequestIDHeader)}
}

// WriteSuccess 200 + success 信封
func WriteSuccess(w http.ResponseWriter, data any) {
	resp := envelope(w)
	resp.Success = true
	resp.Data = data
	WriteJSON(w, http.StatusOK, resp)
}

// WriteError 写出错误信封。非 *types.Error 一律按 INTERNAL_ERROR 处理，原始信息只进日志。
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	apiErr := publicError(err)
	info := newErrorInfo(apiErr)
	if logger != nil {
		logAPIError(logger, apiErr, info.HTTPStatus)
	}
	resp := envelope(w)
	resp.Error = info
	WriteJSON(w, info.HTTPStatus, resp)
}

func logAPIError(logger *zap.Logger, e *types.Error, status int) {
	fields := []zap.Field{
		zap.String("code", string(e.Code)),
		zap.String("message", e.Message),
		zap.Int("status", status),
		zap.Bool("retryable", e.Retryable),
	}
	if e.Cause != nil {
		fields = append(fields, zap.Error(e.Cause))
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", fields...)
		return
	}
	logger.Warn("request rejected", fields...)
}

// WriteErrorMessage WriteError 的简写，status 显式给出
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// publicError 可以直接返回给调用方的错误
func publicError(err error) *types.Error {
	if apiErr, ok := types.AsError(err); ok {
		return apiErr
	}
	return types.NewError(types.ErrInternalError, "internal server error").
		WithHTTPStatus(http.StatusInternalServerError).
		WithCause(err)
}

// codeStatus 错误码的默认 HTTP 状态，未列出的按 500
var codeStatus = map[types.ErrorCode]int{
	types.ErrInvalidRequest:     http.StatusBadRequest,
	types.ErrGuardrailViolation: http.StatusBadRequest,
	types.ErrUnauthorized:       http.StatusUnauthorized,
	types.ErrQuotaExceeded:      http.StatusPaymentRequired,
	types.ErrForbidden:          http.StatusForbidden,
	types.ErrNotFound:           http.StatusNotFound,
	types.ErrSpendLimitExceeded: http.StatusTooManyRequests,
	types.ErrRateLimited:        http.StatusTooManyRequests,

	types.ErrNotImplemented:     http.StatusNotImplemented,
	types.ErrUpstreamError:      http.StatusBadGateway,
	types.ErrEmptyCompletion:    http.StatusBadGateway,
	types.ErrServiceUnavailable: http.StatusServiceUnavailable,
	types.ErrUpstreamTimeout:    http.StatusGatewayTimeout,
}

// StatusFor 优先使用错误自带的 HTTPStatus，否则按错误码映射
func StatusFor(err *types.Error) int {
	if err.HTTPStatus != 0 {
		return err.HTTPStatus
	}
	if s, ok := codeStatus[err.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}
