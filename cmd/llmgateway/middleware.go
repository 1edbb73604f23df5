package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/llmgateway/api/handlers"
	"github.com/BaSui01/llmgateway/internal/ctxkeys"
	"github.com/BaSui01/llmgateway/internal/metrics"
	"github.com/BaSui01/llmgateway/types"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Middleware 包装一个 http.Handler
type Middleware func(http.Handler) http.Handler

// Chain 按顺序套上中间件，第一个在最外层
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := range mws {
		h = mws[len(mws)-1-i](h)
	}
	return h
}

// around 把 (w, r, next) 形式的函数转成 Middleware
func around(fn func(w http.ResponseWriter, r *http.Request, next http.Handler)) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { fn(w, r, next) })
	}
}

// passthrough 关闭状态的中间件
func passthrough(next http.Handler) http.Handler { return next }

// Recovery 把 handler 的 panic 转成 500 信封。http.ErrAbortHandler 原样抛出，
// 由 net/http 中断连接。
func Recovery(logger *zap.Logger) Middleware {
	return around(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			id, _ := ctxkeys.RequestID(r.Context())
			logger.Error("handler panic",
				zap.Any("panic", rec),
				zap.String("route", r.Method+" "+r.URL.Path),
				zap.String("request_id", id),
				zap.Stack("stack"),
			)
			handlers.WriteError(w, types.NewError(types.ErrInternalError, "internal server error"), logger)
		}()
		next.ServeHTTP(w, r)
	})
}

// clientRequestID 允许沿用的客户端请求 ID
var clientRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// RequestID 为每个请求分配 ID，写入 X-Request-ID 响应头与上下文。
// 客户端传入的合法 ID 会被沿用。
func RequestID() Middleware {
	return around(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		id := r.Header.Get(handlers.RequestIDHeader)
		if !clientRequestID.MatchString(id) {
			id = uuid.NewString()
		}
		w.Header().Set(handlers.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctxkeys.WithRequestID(r.Context(), id)))
	})
}

// 网关只返回 JSON，不需要加载任何子资源
var securityHeaders = [][2]string{
	{"X-Frame-Options", "DENY"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Content-Security-Policy", "default-src 'none'"},
}

// SecurityHeaders 为每个响应添加安全头
func SecurityHeaders() Middleware {
	return around(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		h := w.Header()
		for _, kv := range securityHeaders {
			h.Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger 每个请求一条访问日志。凭证与请求体不进日志。
func RequestLogger(logger *zap.Logger) Middleware {
	return around(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		began := time.Now()
		rec := handlers.NewResponseWriter(w)
		next.ServeHTTP(rec, r)

		id, _ := ctxkeys.RequestID(r.Context())
		level := zap.InfoLevel
		if rec.StatusCode >= http.StatusInternalServerError {
			level = zap.WarnLevel
		}
		logger.Log(level, "http access",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.StatusCode),
			zap.Int64("resp_bytes", rec.BytesWritten),
			zap.Duration("elapsed", time.Since(began)),
			zap.String("peer", r.RemoteAddr),
		)
	})
}

// MetricsMiddleware 通过 metrics.Collector 记录 HTTP 请求耗时、状态和大小。
// 路径标签经过归一化。
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return around(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		began := time.Now()
		rec := handlers.NewResponseWriter(w)
		next.ServeHTTP(rec, r)

		collector.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), rec.StatusCode,
			time.Since(began), max(r.ContentLength, 0), rec.BytesWritten)
	})
}

// fixedRoutes 固定路由原样作为标签
var fixedRoutes = []string{
	"/", "/health", "/healthz", "/ready", "/models", "/metrics",
	"/chat", "/chat/completion", "/chat/stream", "/chat/ws", "/chat/dataset-generator",
	"/datasets/export", "/datasets/stats", "/datasets/quality", "/datasets/split",
}

// idSegment 形似标识符的路径段：UUID、8 位以上十六进制、纯数字
var idSegment = regexp.MustCompile(`^(?:[0-9a-fA-F]{8,}(?:-[0-9a-fA-F]{4,}){0,4}|[0-9]+)$`)

const downloadPrefix = "/chat/dataset-generator/download/"

// normalizePath 把动态路径段替换为 ":id"，例如:
//
//	/chat/dataset-generator/download/abc -> /chat/dataset-generator/download/:id
//	/chat/completion                     -> /chat/completion
func normalizePath(p string) string {
	if slices.Contains(fixedRoutes, p) {
		return p
	}
	if strings.HasPrefix(p, downloadPrefix) {
		return downloadPrefix + ":id"
	}
	var b strings.Builder
	for i, seg := range strings.Split(p, "/") {
		if i > 0 {
			b.WriteByte('/')
		}
		if seg != "" && idSegment.MatchString(seg) {
			seg = ":id"
		}
		b.WriteString(seg)
	}
	return b.String()
}

// OTelTracing 为每个请求开一个 server span，沿用请求头里的 traceparent
func OTelTracing() Middleware {
	tracer := otel.Tracer("llmgateway/http")
	return around(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		route := normalizePath(r.URL.Path)
		parent := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(parent, r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.HTTPRoute(route),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		rec := handlers.NewResponseWriter(w)
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", rec.StatusCode))
		if rec.StatusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.StatusCode))
		}
	})
}

// ipLimiter 每个客户端 IP 一个令牌桶，闲置超过 idleTTL 的桶被回收
type ipLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*ipBucket
}

type ipBucket struct {
	*rate.Limiter
	seen time.Time
}

const idleTTL = 3 * time.Minute

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{Limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[ip] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.AllowN(now, 1)
}

func (l *ipLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.buckets {
		if now.Sub(b.seen) > idleTTL {
			delete(l.buckets, ip)
		}
	}
}

func (l *ipLimiter) sweepUntil(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.sweep(now)
		}
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimiter 按客户端 IP 限流，rps <= 0 时关闭。ctx 结束后停止回收协程。
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) Middleware {
	if rps <= 0 {
		return passthrough
	}
	l := &ipLimiter{rps: rate.Limit(rps), burst: max(burst, 1), buckets: make(map[string]*ipBucket)}
	go l.sweepUntil(ctx, time.Minute)

	return around(func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		ip := clientIP(r)
		if l.allow(ip, time.Now()) {
			next.ServeHTTP(w, r)
			return
		}
		logger.Debug("rate limited", zap.String("ip", ip))
		w.Header().Set("Retry-After", "1")
		handlers.WriteErrorMessage(w, http.StatusTooManyRequests, types.ErrRateLimited, "too many requests", logger)
	})
}

// CORS 跨域中间件。allowedOrigins 为空时不设置任何 CORS 头，浏览器会拒绝跨域请求。
func CORS(allowedOrigins []string, logger *zap.Logger) Middleware {
	if len(allowedOrigins) == 0 {
		return passthrough
	}
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key", handlers.RequestIDHeader},
		ExposedHeaders: []string{handlers.RequestIDHeader},
		MaxAge:         86400,
		Logger:         corsLogger{logger.With(zap.String("component", "cors"))},
	}).Handler
}

// corsLogger 把 rs/cors 的调试输出接到 zap
type corsLogger struct{ l *zap.Logger }

func (c corsLogger) Printf(format string, args ...any) { c.l.Debug(fmt.Sprintf(format, args...)) }
