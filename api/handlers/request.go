package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/BaSui01/llmgateway/internal/ctxkeys"
	"github.com/BaSui01/llmgateway/types"
	"go.uber.org/zap"
)

// MaxBodyBytes 请求体上限
const MaxBodyBytes = 1 << 20

// RequestIDHeader 请求 ID 响应头
const RequestIDHeader = "X-Request-ID"

func badRequest(msg string, cause error) *types.Error {
	e := types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(http.StatusBadRequest)
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}

// DecodeJSONBody 严格解码请求体到 dst，未知字段与超限都返回 400 并已写出应答。
// dst 应预先填好默认值，缺失字段保持默认。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		err := badRequest("request body is empty", nil)
		WriteError(w, err, logger)
		return err
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	decodeErr := dec.Decode(dst)
	if decodeErr == nil {
		return nil
	}

	msg := "invalid JSON body"
	if tooLarge := (*http.MaxBytesError)(nil); errors.As(decodeErr, &tooLarge) {
		msg = fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)
	}
	err := badRequest(msg, decodeErr)
	WriteError(w, err, logger)
	return err
}

// ValidateContentType 要求 application/json，参数（charset 等）不限。
// 返回 false 时已写出 415。
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && mt == "application/json" {
		return true
	}
	WriteErrorMessage(w, http.StatusUnsupportedMediaType, types.ErrInvalidRequest,
		"Content-Type must be application/json", logger)
	return false
}

// Credential 取调用方凭据：先取认证中间件写入的值，再退回 Authorization: Bearer
func Credential(r *http.Request) string {
	if c, ok := ctxkeys.Credential(r.Context()); ok {
		return c
	}
	return BearerToken(r)
}

// BearerToken 解析 Authorization: Bearer 头，scheme 不区分大小写；缺失时返回空串
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
