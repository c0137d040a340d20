// Package observability holds the ambient plumbing shared by the plugin
// host: logrus loggers, Prometheus and OpenTelemetry metrics, tracing setup,
// liveness and readiness checks, panic recovery and graceful shutdown.
//
// Loggers:
//
//	logger, err := observability.NewLogger("info", observability.FormatJSON, os.Stderr)
//	observability.FromContext(ctx, logger).Info("dispatching")
//
// Metrics are registered on a caller supplied registry so tests can use a
// fresh one:
//
//	reg := prometheus.NewRegistry()
//	m := observability.NewMetrics(reg)
//	m.ObserveCall("auth-basic", "auth", 12*time.Millisecond, "")
//
// Health:
//
//	h := observability.NewHealthHandler(observability.HealthOptions{Registerer: reg})
//	h.AddReadiness("plugins", observability.PluginsSettledCheck(registry.AnyLoading))
//	mux.HandleFunc("/live", h.LiveEndpoint)
//	mux.HandleFunc("/ready", h.ReadyEndpoint)
//
// InitOTel installs global tracer and meter providers exporting over OTLP
// gRPC. When disabled, otel's no-op providers stay in place and spans and
// OTelMetrics cost nothing.
package observability
