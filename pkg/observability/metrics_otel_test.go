package observability

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupTestMeterProvider(t *testing.T) *metric.ManualReader {
	t.Helper()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	return reader
}

func TestOTelMetrics_RecordCall(t *testing.T) {
	reader := setupTestMeterProvider(t)

	m, err := NewOTelMetrics()
	if err != nil {
		t.Fatalf("NewOTelMetrics() error = %v", err)
	}
	ctx := context.Background()
	m.RecordCall(ctx, "tmpl", "template", 3*time.Millisecond, "")
	m.RecordCall(ctx, "tmpl", "template", 4*time.Millisecond, "ExecutionFailed")
	m.RecordInstall(ctx, "success")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[md.Name] += dp.Value
				}
			}
		}
	}

	want := map[string]int64{
		"plughost.plugin.calls":       2,
		"plughost.plugin.call.errors": 1,
		"plughost.installs":           1,
	}
	for name, v := range want {
		if sums[name] != v {
			t.Errorf("%s = %d, want %d", name, sums[name], v)
		}
	}
}

func TestInitOTel_Disabled(t *testing.T) {
	logger, _ := NewLogger("error", FormatText, nil)
	providers, err := InitOTel(context.Background(), OTelConfig{}, logger)
	if err != nil || providers != nil {
		t.Fatalf("InitOTel() = %v, %v; want nil, nil", providers, err)
	}
	if err := ShutdownOTel(context.Background(), nil, logger); err != nil {
		t.Errorf("ShutdownOTel(nil) error = %v", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := sampler(tt.ratio).Description()
		if !strings.Contains(desc, tt.want) {
			t.Errorf("sampler(%v) = %q, want it to contain %q", tt.ratio, desc, tt.want)
		}
	}
}
