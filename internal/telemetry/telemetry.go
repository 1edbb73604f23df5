package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/BaSui01/llmgateway/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// Providers 网关进程级的 TracerProvider / MeterProvider。
// 遥测关闭时两者为 nil，Shutdown 为空操作。
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Option 覆盖默认的 OTLP 导出方式，主要给测试注入内存 exporter
type Option func(*setup)

type setup struct {
	spanExporter sdktrace.SpanExporter
	metricReader sdkmetric.Reader
}

// WithSpanExporter 用给定 exporter 替代 OTLP gRPC trace exporter
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(s *setup) { s.spanExporter = exp }
}

// WithMetricReader 用给定 reader 替代 OTLP gRPC 周期导出
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(s *setup) { s.metricReader = r }
}

// Init 按配置装配 OTel SDK 并设为全局 provider，gateway 与 observability
// 包里的 otel.Tracer / otel.Meter 因此拿到真实实现。
// version 为空时读取构建信息。
func Init(ctx context.Context, cfg config.TelemetryConfig, version string, logger *zap.Logger, opts ...Option) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return &Providers{}, nil
	}
	if version == "" {
		version = buildVersion()
	}

	var st setup
	for _, opt := range opts {
		opt(&st)
	}

	res, err := gatewayResource(ctx, cfg.ServiceName, version)
	if err != nil {
		return nil, err
	}

	spanExp := st.spanExporter
	if spanExp == nil {
		if spanExp, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		); err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
	}

	reader := st.metricReader
	if reader == nil {
		metricExp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			_ = spanExp.Shutdown(ctx)
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(metricExp)
	}

	p := &Providers{
		// 上游已采样的请求沿用其决定，只有根 span 按 sample_rate 抽样
		tp: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(spanExp),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
		),
		mp: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(reader),
			sdkmetric.WithResource(res),
		),
	}
	p.install()

	logger.Info("telemetry enabled",
		zap.String("otlp_endpoint", cfg.OTLPEndpoint),
		zap.String("service", cfg.ServiceName),
		zap.String("version", version),
		zap.Float64("sample_rate", cfg.SampleRate),
		zap.Bool("custom_exporters", st.spanExporter != nil || st.metricReader != nil),
	)
	return p, nil
}

func gatewayResource(ctx context.Context, service, version string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithProcessRuntimeName(),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	return res, nil
}

// install 注册全局 provider 与 W3C traceparent / baggage 传播
func (p *Providers) install() {
	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// Enabled 是否装配了 SDK provider
func (p *Providers) Enabled() bool {
	return p != nil && p.tp != nil
}

// ForceFlush 立即导出缓冲中的 span 与指标
func (p *Providers) ForceFlush(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return errors.Join(p.tp.ForceFlush(ctx), p.mp.ForceFlush(ctx))
}

// Shutdown 刷新并关闭导出器，nil 安全
func (p *Providers) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	var errs []error
	if err := p.tp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider: %w", err))
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider: %w", err))
	}
	return errors.Join(errs...)
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return "dev"
}
