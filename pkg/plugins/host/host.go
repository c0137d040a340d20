// Package host ties acquisition, verification, validation, binding and
// registration of plugins into one owned object.
package host

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughost/pkg/config"
	"github.com/platinummonkey/plughost/pkg/dependencies"
	"github.com/platinummonkey/plughost/pkg/observability"
	"github.com/platinummonkey/plughost/pkg/plugins"
	"github.com/platinummonkey/plughost/pkg/plugins/cache"
	"github.com/platinummonkey/plughost/pkg/plugins/dispatch"
	"github.com/platinummonkey/plughost/pkg/plugins/integrity"
	"github.com/platinummonkey/plughost/pkg/plugins/metadata"
	"github.com/platinummonkey/plughost/pkg/plugins/registry"
	"github.com/platinummonkey/plughost/pkg/plugins/sandbox"
	"github.com/platinummonkey/plughost/pkg/plugins/source"
)

// Option customises a Host.
type Option func(*Host)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *logrus.Logger) Option {
	return func(h *Host) { h.logger = logger }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// WithOTelMetrics records OpenTelemetry metrics.
func WithOTelMetrics(m *observability.OTelMetrics) Option {
	return func(h *Host) { h.otelMetrics = m }
}

// WithTrustedKeys replaces the keys loaded from the trusted keys dir.
func WithTrustedKeys(keys *integrity.KeySet) Option {
	return func(h *Host) { h.keys = keys }
}

// WithHTTPClient sets the client used for registry lookups and for
// sandboxed plugins' granted outbound requests.
func WithHTTPClient(client *http.Client) Option {
	return func(h *Host) { h.httpClient = client }
}

// WithRemoteBackoff sets the first retry delay of remote adapters.
func WithRemoteBackoff(d time.Duration) Option {
	return func(h *Host) { h.remoteBackoff = d }
}

// Host installs, activates and serves plugins.
type Host struct {
	cfg         *config.Config
	logger      *logrus.Logger
	metrics     *observability.Metrics
	otelMetrics *observability.OTelMetrics
	keys        *integrity.KeySet
	httpClient  *http.Client

	remoteBackoff time.Duration

	cache      *cache.Cache
	resolver   *source.Resolver
	verifier   *integrity.Verifier
	validator  *plugins.Validator
	engine     *sandbox.Engine
	deps       *dependencies.Resolver
	registry   *registry.Registry
	store      *metadata.Store
	dispatcher *dispatch.Dispatcher

	cron   *cron.Cron
	probes map[string]cron.EntryID
	mu     sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Host from cfg. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Host, error) {
	h := &Host{cfg: cfg, probes: make(map[string]cron.EntryID)}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logrus.New()
	}

	if h.keys == nil {
		h.keys = integrity.NewKeySet()
		if cfg.Security.TrustedKeysDir != "" {
			keys, err := integrity.LoadKeyDir(cfg.Security.TrustedKeysDir)
			if err != nil {
				return nil, fmt.Errorf("failed to load trusted keys: %w", err)
			}
			h.keys = keys
		}
	}

	c, err := cache.New(cfg.CacheDir, h.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	h.cache = c

	store, err := metadata.Open(cfg.MetadataDSN())
	if err != nil {
		return nil, err
	}
	h.store = store

	downloader := source.NewDownloader(source.DownloaderOptions{
		MaxBytes:  cfg.Download.MaxBytes,
		Timeout:   cfg.Download.Timeout,
		Retries:   cfg.Download.Retries,
		VerifyTLS: cfg.Download.VerifyTLS,
	}, h.logger)
	git := source.NewGit(cfg.Git.Binary, cfg.Git.Timeout, h.logger)
	registryClient := source.NewRegistryClient(cfg.Registry.URL, h.httpClient, h.logger)
	h.resolver = source.NewResolver(c, downloader, git, registryClient, h.logger)
	if cfg.S3.Enabled {
		s3, err := source.NewS3Fetcher(ctx, source.S3Options{
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			MaxBytes:        cfg.Download.MaxBytes,
		}, h.logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		h.resolver.UseS3(s3)
	}

	h.verifier = integrity.NewVerifier(h.keys, h.logger)
	h.validator = plugins.NewValidator(plugins.Ceilings{
		MaxMemoryBytes:        cfg.Limits.MaxMemoryBytes,
		MaxCPUTimeMs:          cfg.Limits.MaxCPUTime.Milliseconds(),
		MaxConcurrentRequests: cfg.Limits.MaxConcurrent,
	}, h.logger)
	h.engine = sandbox.NewEngine(ctx, sandbox.Options{
		Logger:     h.logger,
		HTTPClient: h.httpClient,
		OnDenied:   h.onDenied,
	})
	h.deps = dependencies.NewResolver(h.logger)
	h.registry = registry.New(h.logger, h.onStatus)
	h.dispatcher = dispatch.New(h.registry, dispatch.Options{
		Logger:      h.logger,
		Metrics:     h.metrics,
		OTelMetrics: h.otelMetrics,
	})

	cronLogger := cron.PrintfLogger(h.logger)
	h.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	h.cron.Start()

	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h, nil
}

// Registry exposes the live registry for read-only consumers.
func (h *Host) Registry() *registry.Registry {
	return h.registry
}

// Dispatcher returns the dispatcher protocol servers call.
func (h *Host) Dispatcher() *dispatch.Dispatcher {
	return h.dispatcher
}

// DependencyGraph builds the graph of the registered plugins.
func (h *Host) DependencyGraph() *dependencies.Graph {
	return dependencies.FromManifests(h.registry.Manifests()...)
}

// Close stops probes, unloads every plugin and releases resources.
func (h *Host) Close(ctx context.Context) error {
	h.cancel()
	<-h.cron.Stop().Done()

	var result *multierror.Error
	if err := h.registry.Close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := h.engine.Close(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("sandbox engine: %w", err))
	}
	if err := h.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("metadata store: %w", err))
	}
	return result.ErrorOrNil()
}

func (h *Host) onDenied(pluginID string, access plugins.Access) {
	if h.metrics != nil {
		h.metrics.CapabilityDenialsTotal.WithLabelValues(pluginID, access.String()).Inc()
	}
}

// onStatus refreshes the per-state plugin gauge.
func (h *Host) onStatus(*registry.Instance, registry.Status) {
	if h.metrics == nil {
		return
	}
	counts := make(map[plugins.State]int)
	for _, inst := range h.registry.List() {
		counts[inst.State()]++
	}
	for _, s := range []plugins.State{plugins.StateLoading, plugins.StateReady, plugins.StateFailed, plugins.StateUnloading} {
		h.metrics.PluginsInstalled.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

func (h *Host) lookup(id string) (dependencies.Installed, bool) {
	inst, ok := h.registry.Get(id)
	if !ok {
		return dependencies.Installed{}, false
	}
	return dependencies.Installed{Version: inst.Version(), State: inst.State()}, true
}

func (h *Host) drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.cfg.Server.DrainTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.cfg.Server.DrainTimeout)
}
