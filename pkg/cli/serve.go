package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/platinummonkey/plughost/pkg/admin"
	"github.com/platinummonkey/plughost/pkg/async"
	"github.com/platinummonkey/plughost/pkg/observability"
	"github.com/platinummonkey/plughost/pkg/plugins"
	"github.com/platinummonkey/plughost/pkg/plugins/host"
)

// minFreeBytes is the free space below which the host reports not ready.
const minFreeBytes = 64 * 1024 * 1024

func newServeCommand(app *App) *cobra.Command {
	var (
		addr  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load installed plugins and serve the admin API, metrics and health checks",
		Args:  checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				app.cfg.Server.AdminAddr = addr
			}
			return app.serve(cmd.Context(), watch)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin listen address (overrides PLUGHOST_ADMIN_ADDR)")
	cmd.Flags().BoolVar(&watch, "watch", true, "reinstall local-directory plugins when their files change")
	return cmd
}

func (a *App) serve(ctx context.Context, watch bool) error {
	cfg := a.cfg
	logger := a.logger
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:         cfg.Observability.OTelEnabled,
		Endpoint:        cfg.Observability.OTelEndpoint,
		ServiceName:     cfg.Observability.OTelServiceName,
		ServiceVersion:  cfg.Observability.OTelServiceVersion,
		Insecure:        cfg.Observability.OTelInsecure,
		SampleRatio:     cfg.Observability.OTelSampleRatio,
		RuntimeBackends: []string{string(plugins.RuntimeWasm), string(plugins.RuntimeRemote)},
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promRegistry)
	otelMetrics, err := observability.NewOTelMetrics()
	if err != nil {
		return err
	}

	opts := append([]host.Option{
		host.WithLogger(logger),
		host.WithMetrics(metrics),
		host.WithOTelMetrics(otelMetrics),
	}, a.HostOptions...)
	h, err := host.New(ctx, cfg, opts...)
	if err != nil {
		_ = observability.ShutdownOTel(context.Background(), providers, logger)
		return err
	}

	health := observability.NewHealthHandler(observability.HealthOptions{Registerer: promRegistry})
	health.AddReadiness("plugins-settled", observability.PluginsSettledCheck(h.Registry().AnyLoading))
	health.AddReadiness("data-dir-writable", observability.DirWritableCheck(cfg.DataDir))
	health.AddReadiness("cache-disk-space", observability.DiskSpaceCheck(cfg.CacheDir, minFreeBytes))

	server := admin.NewServer(h, admin.Options{
		Logger:   logger,
		Metrics:  metrics,
		Registry: promRegistry,
		Health:   health,
	}).HTTPServer(cfg.Server.AdminAddr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	shutdown.RegisterShutdownFunc("plugin-host", func(ctx context.Context) error {
		cancel()
		return h.Close(ctx)
	})

	if err := h.LoadInstalled(ctx); err != nil {
		logger.WithError(err).Warn("Some installed plugins failed to load")
	}
	if watch {
		async.SafeGo(ctx, logger, 0, "local plugin watcher", h.Watch)
	}

	waitCtx, stop := context.WithCancel(ctx)
	defer stop()
	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.AdminAddr).Info("Admin server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	err = shutdown.WaitForShutdown(waitCtx)
	select {
	case listenErr := <-serveErr:
		return fmt.Errorf("admin server: %w", listenErr)
	default:
		return err
	}
}
