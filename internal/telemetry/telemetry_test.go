package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/llmgateway/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap/zaptest"
)

// restoreGlobals 测试结束后恢复全局 provider
func restoreGlobals(t *testing.T) {
	t.Helper()
	origTP := otel.GetTracerProvider()
	origMP := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetMeterProvider(origMP)
	})
}

func shutdownQuickly(t *testing.T, p *Providers) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
}

func TestInit_Disabled(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: false}, "", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_Enabled(t *testing.T) {
	restoreGlobals(t)

	cfg := config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "llmgateway-test",
		SampleRate:   0.5,
	}
	p, err := Init(context.Background(), cfg, "v1.2.3", nil)
	require.NoError(t, err)
	shutdownQuickly(t, p)

	assert.True(t, p.Enabled())
	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK)
	assert.True(t, mpIsSDK)
}

func TestInit_CustomExporters(t *testing.T) {
	restoreGlobals(t)

	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	cfg := config.TelemetryConfig{Enabled: true, ServiceName: "llmgateway", SampleRate: 1.0}

	p, err := Init(context.Background(), cfg, "v0.4.0", zaptest.NewLogger(t),
		WithSpanExporter(spans), WithMetricReader(reader))
	require.NoError(t, err)
	shutdownQuickly(t, p)

	_, span := otel.Tracer("gateway").Start(context.Background(), "chat")
	span.End()
	counter, err := otel.Meter("gateway").Int64Counter("requests")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	require.NoError(t, p.ForceFlush(context.Background()))

	got := spans.GetSpans()
	require.Len(t, got, 1)
	assert.Equal(t, "chat", got[0].Name)
	assert.Contains(t, got[0].Resource.Attributes(), semconv.ServiceNameKey.String("llmgateway"))
	assert.Contains(t, got[0].Resource.Attributes(), attribute.String("service.version", "v0.4.0"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, "requests", rm.ScopeMetrics[0].Metrics[0].Name)
}

func TestInit_ZeroSampleRateDropsRootSpans(t *testing.T) {
	restoreGlobals(t)

	spans := tracetest.NewInMemoryExporter()
	cfg := config.TelemetryConfig{Enabled: true, ServiceName: "llmgateway", SampleRate: 0}
	p, err := Init(context.Background(), cfg, "", nil,
		WithSpanExporter(spans), WithMetricReader(sdkmetric.NewManualReader()))
	require.NoError(t, err)
	shutdownQuickly(t, p)

	_, span := otel.Tracer("gateway").Start(context.Background(), "chat")
	span.End()
	require.NoError(t, p.ForceFlush(context.Background()))

	assert.Empty(t, spans.GetSpans())
}

func TestProviders_ForceFlush_Disabled(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NoError(t, (&Providers{}).ForceFlush(context.Background()))
}

func TestProviders_Shutdown_Nil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.False(t, p.Enabled())
}

func TestProviders_Shutdown_NoCollector(t *testing.T) {
	restoreGlobals(t)

	cfg := config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "llmgateway-shutdown-test",
		SampleRate:   1.0,
	}
	p, err := Init(context.Background(), cfg, "", zaptest.NewLogger(t))
	require.NoError(t, err)

	// 没有 collector 时导出可能失败，只要求不 panic 且按时返回
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NotPanics(t, func() { _ = p.Shutdown(ctx) })
}

func TestBuildVersion(t *testing.T) {
	assert.Equal(t, "dev", buildVersion())
}
