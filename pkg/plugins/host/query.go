package host

import (
	"context"
	"time"

	"github.com/platinummonkey/plughost/pkg/plugins"
	"github.com/platinummonkey/plughost/pkg/plugins/cache"
	"github.com/platinummonkey/plughost/pkg/plugins/integrity"
	"github.com/platinummonkey/plughost/pkg/plugins/registry"
	"github.com/platinummonkey/plughost/pkg/plugins/runtime"
)

// Info describes one installed plugin.
type Info struct {
	Manifest    *plugins.Manifest `json:"manifest"`
	Status      registry.Status   `json:"status"`
	Source      string            `json:"source"`
	InstallDir  string            `json:"install_dir"`
	Checksum    string            `json:"checksum,omitempty"`
	InstalledAt time.Time         `json:"installed_at"`
	CircuitOpen bool              `json:"circuit_open,omitempty"`
	ActiveCalls int               `json:"active_calls"`
	Dependents  []string          `json:"dependents,omitempty"`
}

// List describes every registered plugin in registration order.
func (h *Host) List() []Info {
	g := h.DependencyGraph()
	instances := h.registry.List()
	out := make([]Info, 0, len(instances))
	for _, inst := range instances {
		info := infoFor(inst)
		info.Dependents = g.Dependents(inst.ID(), false)
		out = append(out, info)
	}
	return out
}

// Info describes one registered plugin.
func (h *Host) Info(id string) (*Info, error) {
	inst, ok := h.registry.Get(id)
	if !ok {
		return nil, plugins.NewError(plugins.ErrPluginNotFound, id, "plugin is not installed")
	}
	info := infoFor(inst)
	info.Dependents = h.DependencyGraph().Dependents(id, false)
	return &info, nil
}

func infoFor(inst *registry.Instance) Info {
	info := Info{
		Manifest:    inst.Manifest,
		Status:      inst.Status(),
		Source:      inst.Source,
		InstallDir:  inst.InstallDir,
		Checksum:    inst.Checksum,
		InstalledAt: inst.InstalledAt,
		ActiveCalls: inst.Active(),
	}
	if remote, ok := inst.Adapter.(*runtime.RemoteAdapter); ok {
		info.CircuitOpen = remote.CircuitOpen()
	}
	return info
}

// ValidationReport is the outcome of a dry-run install.
type ValidationReport struct {
	Manifest  *plugins.Manifest `json:"manifest"`
	Integrity *integrity.Result `json:"integrity"`
	Warnings  []string          `json:"warnings,omitempty"`
}

// Validate runs every install step except registration against raw and
// reports the result. Nothing is cached or installed.
func (h *Host) Validate(ctx context.Context, raw string, opts InstallOptions) (*ValidationReport, error) {
	resolved, m, err := h.fetch(ctx, raw, opts)
	if err != nil {
		return nil, err
	}
	defer resolved.Release()

	verified, err := h.check(resolved, m, opts)
	if err != nil {
		return nil, err
	}
	report := &ValidationReport{Manifest: m, Integrity: verified}

	for _, finding := range h.validator.ValidateManifest(m) {
		if finding.Severity == "warning" {
			report.Warnings = append(report.Warnings, finding.Error())
		}
	}
	warnings, err := h.checkDependencies(m)
	if err != nil {
		report.Warnings = append(report.Warnings, err.Error())
	}
	report.Warnings = append(report.Warnings, warnings...)

	adapter, err := h.bind(ctx, m, resolved.Dir)
	if err != nil {
		return nil, err
	}
	defer adapter.Close(ctx)

	if remote, ok := adapter.(*runtime.RemoteAdapter); ok {
		if err := remote.Probe(ctx); err != nil {
			report.Warnings = append(report.Warnings, err.Error())
		}
	}
	return report, nil
}

// CacheStats reports cache usage.
func (h *Host) CacheStats() (*cache.Stats, error) {
	stats, err := h.cache.Stats()
	if err != nil {
		return nil, err
	}
	if h.metrics != nil {
		h.metrics.CacheSizeBytes.WithLabelValues(string(cache.KindDownload)).Set(float64(stats.DownloadSize))
		h.metrics.CacheSizeBytes.WithLabelValues(string(cache.KindGit)).Set(float64(stats.GitSize))
	}
	return stats, nil
}

// ClearCache removes every cache entry. Installed plugins are unaffected.
func (h *Host) ClearCache() error {
	if err := h.cache.Clear(); err != nil {
		return err
	}
	h.logger.Info("Plugin cache cleared")
	return nil
}
