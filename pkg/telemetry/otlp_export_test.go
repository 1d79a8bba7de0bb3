package telemetry

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	collectormetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

type mockCollector struct {
	collectortrace.UnimplementedTraceServiceServer

	mu              sync.Mutex
	resourceSpans   []*tracepb.ResourceSpans
	resourceMetrics []*metricspb.ResourceMetrics
	headers         []metadata.MD
}

type mockMetricsService struct {
	collectormetrics.UnimplementedMetricsServiceServer
	collector *mockCollector
}

func startMockCollector(t *testing.T) (*mockCollector, string) {
	t.Helper()

	lis, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to start OTLP listener")

	collector := &mockCollector{}
	server := grpc.NewServer()
	collectortrace.RegisterTraceServiceServer(server, collector)
	collectormetrics.RegisterMetricsServiceServer(server, &mockMetricsService{collector: collector})

	go func() {
		_ = server.Serve(lis)
	}()

	t.Cleanup(func() {
		server.Stop()
		_ = lis.Close()
	})

	return collector, lis.Addr().String()
}

func (m *mockCollector) Export(ctx context.Context, req *collectortrace.ExportTraceServiceRequest) (*collectortrace.ExportTraceServiceResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resourceSpans = append(m.resourceSpans, req.ResourceSpans...)
	m.recordHeaders(ctx)
	return &collectortrace.ExportTraceServiceResponse{}, nil
}

func (s *mockMetricsService) Export(ctx context.Context, req *collectormetrics.ExportMetricsServiceRequest) (*collectormetrics.ExportMetricsServiceResponse, error) {
	m := s.collector
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resourceMetrics = append(m.resourceMetrics, req.ResourceMetrics...)
	m.recordHeaders(ctx)
	return &collectormetrics.ExportMetricsServiceResponse{}, nil
}

// recordHeaders must be called with mu held.
func (m *mockCollector) recordHeaders(ctx context.Context) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		m.headers = append(m.headers, md)
	}
}

func (m *mockCollector) spans() []*tracepb.ResourceSpans {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*tracepb.ResourceSpans(nil), m.resourceSpans...)
}

func (m *mockCollector) metricNames() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := map[string]bool{}
	for _, rm := range m.resourceMetrics {
		for _, scope := range rm.ScopeMetrics {
			for _, metric := range scope.Metrics {
				names[metric.Name] = true
			}
		}
	}
	return names
}

func (m *mockCollector) headerValues(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var values []string
	for _, md := range m.headers {
		values = append(values, md.Get(key)...)
	}
	return values
}

func flattenResourceSpans(resSpans []*tracepb.ResourceSpans) []*tracepb.Span {
	var spans []*tracepb.Span
	for _, rs := range resSpans {
		for _, scope := range rs.ScopeSpans {
			spans = append(spans, scope.Spans...)
		}
	}
	return spans
}

func stringAttrs(kvs []*commonpb.KeyValue) map[string]string {
	attrs := map[string]string{}
	for _, kv := range kvs {
		attrs[kv.Key] = kv.Value.GetStringValue()
	}
	return attrs
}

func restoreGlobalProviders(t *testing.T) {
	t.Helper()
	prevTracer := otel.GetTracerProvider()
	prevMeter := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTracer)
		otel.SetMeterProvider(prevMeter)
		ResetMetricsForTest()
	})
}

func TestSetupProviderExportsSpans(t *testing.T) {
	collector, addr := startMockCollector(t)
	restoreGlobalProviders(t)

	shutdown, err := SetupProvider(context.Background(), Config{
		ServiceVersion: "1.2.3",
		Environment:    "staging",
		Endpoint:       addr,
		Insecure:       true,
		Headers:        map[string]string{"x-tenant": "lab"},
	})
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "pipeline.execute")
	RecordStageEvent(span, 0, "df", 0, 12*time.Millisecond)
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, shutdown(ctx))

	resSpans := collector.spans()
	spans := flattenResourceSpans(resSpans)
	require.Len(t, spans, 1)
	assert.Equal(t, "pipeline.execute", spans[0].Name)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "pipeline.stage", spans[0].Events[0].Name)

	attrs := stringAttrs(resSpans[0].Resource.Attributes)
	assert.Equal(t, DefaultServiceName, attrs["service.name"])
	assert.Equal(t, "1.2.3", attrs["service.version"])
	assert.Equal(t, "staging", attrs["deployment.environment"])
	assert.Contains(t, collector.headerValues("x-tenant"), "lab")
}

func TestSetupProviderExportsPipelineMetrics(t *testing.T) {
	collector, addr := startMockCollector(t)
	restoreGlobalProviders(t)

	shutdown, err := SetupProvider(context.Background(), Config{
		Endpoint: addr,
		Insecure: true,
	})
	require.NoError(t, err)
	ResetMetricsForTest()

	RecordPipelineMetrics(context.Background(), PipelineMetrics{
		Name:     "disk-usage",
		Stages:   1,
		Outcome:  "success",
		Duration: 5 * time.Millisecond,
	})
	RecordStageMetrics(context.Background(), StageMetrics{Name: "disk-usage", Program: "df"})

	// Shutdown runs a final collection through the periodic reader.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, shutdown(ctx))

	names := collector.metricNames()
	assert.True(t, names["polis_exec.pipeline.executions_total"], "got %v", names)
	assert.True(t, names["polis_exec.pipeline.duration_ms"], "got %v", names)
	assert.True(t, names["polis_exec.stage.executions_total"], "got %v", names)
}

func TestSetupProviderWithoutEndpointKeepsGlobalMeterProvider(t *testing.T) {
	restoreGlobalProviders(t)
	prev := otel.GetMeterProvider()

	shutdown, err := SetupProvider(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	assert.Equal(t, prev, otel.GetMeterProvider())
}
