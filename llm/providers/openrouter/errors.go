package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/BaSui01/llmgateway/types"
)

const providerName = "openrouter"

// 读取错误响应体的上限
const maxErrorBody = 64 << 10

// MapHTTPError 将上游 HTTP 状态码映射为带重试标记的 types.Error
func MapHTTPError(status int, msg string) *types.Error {
	e := types.NewError(types.ErrUpstreamError, msg).WithHTTPStatus(status).WithProvider(providerName)

	switch {
	case status == http.StatusUnauthorized:
		e.Code = types.ErrUnauthorized
	case status == http.StatusForbidden:
		e.Code = types.ErrForbidden
	case status == http.StatusTooManyRequests:
		e.Code = types.ErrRateLimited
		e.Retryable = true
	case status == http.StatusBadRequest:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit") {
			e.Code = types.ErrQuotaExceeded
		} else {
			e.Code = types.ErrInvalidRequest
		}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Code = types.ErrUpstreamTimeout
		e.HTTPStatus = http.StatusGatewayTimeout
		e.Retryable = true
	case status >= 500:
		e.HTTPStatus = http.StatusBadGateway
		e.Retryable = true
	default:
		e.HTTPStatus = http.StatusBadGateway
	}
	return e
}

// mapTransportError 映射网络层错误
func mapTransportError(err error) *types.Error {
	if errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrUpstreamError, "upstream request canceled").
			WithHTTPStatus(http.StatusBadGateway).
			WithProvider(providerName).
			WithCause(err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return types.NewError(types.ErrUpstreamTimeout, "upstream request timed out").
			WithHTTPStatus(http.StatusGatewayTimeout).
			WithRetryable(true).
			WithProvider(providerName).
			WithCause(err)
	}

	return types.NewError(types.ErrUpstreamError, "upstream network error").
		WithHTTPStatus(http.StatusBadGateway).
		WithRetryable(true).
		WithProvider(providerName).
		WithCause(err)
}

// readErrorMessage 读取错误响应中的 message，失败则回退到原始文本
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return strings.TrimSpace(string(data))
}
