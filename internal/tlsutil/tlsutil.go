package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"time"
)

// Options 出站 HTTPS 连接参数，零值即可用
type Options struct {
	// ResponseHeaderTimeout 请求发出后等待响应头的上限，0 表示不限
	ResponseHeaderTimeout time.Duration
	// MaxConnsPerHost 单个上游的连接上限，0 表示不限
	MaxConnsPerHost int
	// RootCAs 为空时使用系统根证书
	RootCAs *x509.CertPool
}

// aeadSuites TLS 1.2 下允许的密码套件，TLS 1.3 套件由 Go 固定
var aeadSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// ClientTLSConfig 最低 TLS 1.2，仅 AEAD 套件
func ClientTLSConfig(roots *x509.CertPool) *tls.Config {
	suites := make([]uint16, len(aeadSuites))
	copy(suites, aeadSuites)
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: suites,
		RootCAs:      roots,
	}
}

// NewTransport 上游调用的 Transport，代理取自 HTTPS_PROXY 等环境变量
func NewTransport(o Options) *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       ClientTLSConfig(o.RootCAs),
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: o.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		MaxConnsPerHost:       o.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
	}
}

// NewClient 不设 Client.Timeout：流式响应可能持续数分钟，整体时长交给调用方 ctx
func NewClient(o Options) *http.Client {
	return &http.Client{Transport: NewTransport(o)}
}
