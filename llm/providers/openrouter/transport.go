package openrouter

import (
	"net/http"

	"github.com/BaSui01/llmgateway/internal/tlsutil"
)

// 单个网关实例对 OpenRouter 的并发连接上限
const maxUpstreamConns = 64

// newHTTPClient 响应头等待上限取 cfg.Timeout，流式正文的时长由调用方 ctx 控制
func newHTTPClient(cfg Config) *http.Client {
	return tlsutil.NewClient(tlsutil.Options{
		ResponseHeaderTimeout: cfg.Timeout,
		MaxConnsPerHost:       maxUpstreamConns,
	})
}
