package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/BaSui01/llmgateway/gateway"

// Metrics 网关追踪与指标
type Metrics struct {
	tracer trace.Tracer
	meter  metric.Meter
	// 计数器
	requestTotal     metric.Int64Counter
	tokenTotal       metric.Int64Counter
	errorTotal       metric.Int64Counter
	cacheHitTotal    metric.Int64Counter
	violationTotal   metric.Int64Counter
	spendRejectTotal metric.Int64Counter
	// 直方图
	requestDuration metric.Float64Histogram
	costPerRequest  metric.Float64Histogram
	// 当前处理中的请求
	activeRequests metric.Int64UpDownCounter
}

// NewGlobalMetrics 使用 otel 全局 provider
func NewGlobalMetrics() (*Metrics, error) {
	return NewMetrics(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// NewMetrics 创建追踪与指标
func NewMetrics(tp trace.TracerProvider, mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
	}

	var err error
	if m.requestTotal, err = m.meter.Int64Counter("gateway.request.total",
		metric.WithDescription("Total number of gateway requests"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.tokenTotal, err = m.meter.Int64Counter("gateway.token.total",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}")); err != nil {
		return nil, err
	}
	if m.errorTotal, err = m.meter.Int64Counter("gateway.error.total",
		metric.WithDescription("Total number of failed requests by error code"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if m.cacheHitTotal, err = m.meter.Int64Counter("gateway.cache.hit.total",
		metric.WithDescription("Completions served from cache"),
		metric.WithUnit("{hit}")); err != nil {
		return nil, err
	}
	if m.violationTotal, err = m.meter.Int64Counter("gateway.guardrail.violation.total",
		metric.WithDescription("Guardrail violations by phase and guard"),
		metric.WithUnit("{violation}")); err != nil {
		return nil, err
	}
	if m.spendRejectTotal, err = m.meter.Int64Counter("gateway.spend.rejection.total",
		metric.WithDescription("Requests rejected by the daily spend limit"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.requestDuration, err = m.meter.Float64Histogram("gateway.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60)); err != nil {
		return nil, err
	}
	if m.costPerRequest, err = m.meter.Float64Histogram("gateway.cost.per_request",
		metric.WithDescription("Cost per request in USD"),
		metric.WithUnit("USD"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1)); err != nil {
		return nil, err
	}
	if m.activeRequests, err = m.meter.Int64UpDownCounter("gateway.request.active",
		metric.WithDescription("Number of in-flight requests"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	return m, nil
}

// RequestAttrs 请求属性
type RequestAttrs struct {
	Operation     string
	Model         string
	InferenceType string
	Credential    string // 哈希前缀
	RequestID     string
}

// ResponseAttrs 响应属性
type ResponseAttrs struct {
	Status           string
	ErrorCode        string
	TokensPrompt     int
	TokensCompletion int
	Cost             float64
	Duration         time.Duration
	Cached           bool
	PromptVersion    string
}

// StartRequest 开始请求 span
func (m *Metrics) StartRequest(ctx context.Context, attrs RequestAttrs) (context.Context, trace.Span) {
	if m == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := m.tracer.Start(ctx, "gateway."+attrs.Operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("gateway.operation", attrs.Operation),
			attribute.String("llm.model", attrs.Model),
			attribute.String("gateway.inference_type", attrs.InferenceType),
			attribute.String("gateway.credential", attrs.Credential),
			attribute.String("gateway.request_id", attrs.RequestID),
		))

	m.activeRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", attrs.Operation)))
	return ctx, span
}

// EndRequest 结束请求 span 并记录指标
func (m *Metrics) EndRequest(ctx context.Context, span trace.Span, req RequestAttrs, resp ResponseAttrs) {
	if m == nil {
		return
	}
	defer span.End()

	common := metric.WithAttributes(
		attribute.String("operation", req.Operation),
		attribute.String("model", req.Model),
		attribute.String("inference_type", req.InferenceType),
		attribute.String("status", resp.Status),
	)

	m.activeRequests.Add(ctx, -1, metric.WithAttributes(
		attribute.String("operation", req.Operation)))
	m.requestTotal.Add(ctx, 1, common)
	m.requestDuration.Record(ctx, resp.Duration.Seconds(), common)

	if resp.TokensPrompt > 0 {
		m.tokenTotal.Add(ctx, int64(resp.TokensPrompt), metric.WithAttributes(
			attribute.String("model", req.Model),
			attribute.String("type", "prompt")))
	}
	if resp.TokensCompletion > 0 {
		m.tokenTotal.Add(ctx, int64(resp.TokensCompletion), metric.WithAttributes(
			attribute.String("model", req.Model),
			attribute.String("type", "completion")))
	}
	if resp.Cost > 0 {
		m.costPerRequest.Record(ctx, resp.Cost, common)
	}
	if resp.Cached {
		m.cacheHitTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("model", req.Model)))
		span.SetAttributes(attribute.Bool("gateway.cache_hit", true))
	}
	if resp.ErrorCode != "" {
		m.errorTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", req.Operation),
			attribute.String("error_code", resp.ErrorCode)))
		span.SetAttributes(attribute.String("error.code", resp.ErrorCode))
		span.SetStatus(codes.Error, resp.ErrorCode)
	}

	span.SetAttributes(
		attribute.String("gateway.status", resp.Status),
		attribute.String("gateway.prompt_version", resp.PromptVersion),
		attribute.Int("llm.tokens.prompt", resp.TokensPrompt),
		attribute.Int("llm.tokens.completion", resp.TokensCompletion),
		attribute.Float64("llm.cost_usd", resp.Cost),
		attribute.Int64("gateway.duration_ms", resp.Duration.Milliseconds()))
}

// StartStage 开始请求内的阶段 span
func (m *Metrics) StartStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	if m == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, "gateway.stage."+stage)
}

// RecordViolation 记录一次护栏违规
func (m *Metrics) RecordViolation(ctx context.Context, phase, guard string) {
	if m == nil {
		return
	}
	m.violationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("guard", guard)))
	trace.SpanFromContext(ctx).AddEvent("guardrail.violation", trace.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("guard", guard)))
}

// RecordSpendRejection 记录一次限额拒绝
func (m *Metrics) RecordSpendRejection(ctx context.Context, inferenceType string) {
	if m == nil {
		return
	}
	m.spendRejectTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("inference_type", inferenceType)))
}

// Tracer 获取 Tracer
func (m *Metrics) Tracer() trace.Tracer {
	if m == nil {
		return otel.Tracer(instrumentationName)
	}
	return m.tracer
}
