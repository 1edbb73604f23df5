package handlers

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

// ResponseWriter 记录状态码与写出字节数，供日志、指标和 tracing 中间件读取。
// Flush 与 Hijack 透传，SSE 与 websocket 可以穿过中间件。
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	Written      bool
	BytesWritten int64
}

func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader 只有第一次生效
func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.Written {
		return
	}
	rw.StatusCode, rw.Written = code, true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	rw.WriteHeader(http.StatusOK)
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += int64(n)
	return n, err
}

func (rw *ResponseWriter) Flush() {
	f, ok := rw.ResponseWriter.(http.Flusher)
	if !ok {
		return
	}
	rw.WriteHeader(http.StatusOK)
	f.Flush()
}

var errNoHijack = errors.New("handlers: underlying ResponseWriter cannot hijack")

// Hijack websocket 升级用，状态记为 101
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errNoHijack
	}
	rw.StatusCode, rw.Written = http.StatusSwitchingProtocols, true
	return hj.Hijack()
}

// Unwrap 供 http.ResponseController 使用
func (rw *ResponseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
