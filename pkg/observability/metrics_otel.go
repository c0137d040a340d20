package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry metric instruments. They are exported
// through whichever meter provider InitOTel installed; without one they are
// no-ops.
type OTelMetrics struct {
	callsTotal    metric.Int64Counter
	callDuration  metric.Float64Histogram
	callErrors    metric.Int64Counter
	installsTotal metric.Int64Counter
}

// NewOTelMetrics creates a new OTel metrics instance
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/platinummonkey/plughost")

	m := &OTelMetrics{}
	var err error

	m.callsTotal, err = meter.Int64Counter(
		"plughost.plugin.calls",
		metric.WithDescription("Total number of plugin calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin calls counter: %w", err)
	}

	m.callDuration, err = meter.Float64Histogram(
		"plughost.plugin.call.duration",
		metric.WithDescription("Plugin call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin call duration histogram: %w", err)
	}

	m.callErrors, err = meter.Int64Counter(
		"plughost.plugin.call.errors",
		metric.WithDescription("Total number of failed plugin calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin call errors counter: %w", err)
	}

	m.installsTotal, err = meter.Int64Counter(
		"plughost.installs",
		metric.WithDescription("Total number of plugin installs"),
		metric.WithUnit("{install}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create installs counter: %w", err)
	}

	return m, nil
}

// RecordCall records a plugin call. category is empty on success.
func (m *OTelMetrics) RecordCall(ctx context.Context, plugin, pluginType string, duration time.Duration, category string) {
	attrs := []attribute.KeyValue{
		attribute.String("plugin.id", plugin),
		attribute.String("plugin.type", pluginType),
	}

	m.callsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.callDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if category != "" {
		m.callErrors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.category", category))...))
	}
}

// RecordInstall records an install attempt.
func (m *OTelMetrics) RecordInstall(ctx context.Context, status string) {
	m.installsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
