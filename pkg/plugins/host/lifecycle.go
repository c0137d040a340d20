package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughost/pkg/async"
	"github.com/platinummonkey/plughost/pkg/plugins"
	"github.com/platinummonkey/plughost/pkg/plugins/metadata"
	"github.com/platinummonkey/plughost/pkg/plugins/registry"
)

// updateWorkers bounds concurrent reinstalls in UpdateAll.
const updateWorkers = 4

// Uninstall drains and unloads a plugin and removes its files. A plugin
// that a Ready plugin requires is kept unless force is set.
func (h *Host) Uninstall(ctx context.Context, id string, force bool) error {
	unlock := h.registry.Lock(id)
	defer unlock()

	if _, ok := h.registry.Get(id); !ok {
		return plugins.NewError(plugins.ErrPluginNotFound, id, "plugin is not installed")
	}
	if dependents := h.readyDependents(id); len(dependents) > 0 && !force {
		return plugins.NewError(plugins.ErrDependencyMissing, id,
			"required by %s; uninstall them first or use --force", strings.Join(dependents, ", "))
	}

	h.unschedule(id)
	drainCtx, cancel := h.drainContext(ctx)
	defer cancel()
	inst, err := h.registry.Remove(drainCtx, id)
	if err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.CircuitOpen.DeleteLabelValues(id)
	}

	log := h.logger.WithFields(logrus.Fields{"plugin": id, "version": inst.Version()})
	if err := os.RemoveAll(filepath.Join(h.cfg.PluginsDir(), id)); err != nil {
		log.WithError(err).Warn("Failed to remove plugin files")
	}
	if err := h.store.Delete(ctx, id); err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return fmt.Errorf("failed to delete plugin record: %w", err)
	}
	log.Info("Plugin uninstalled")
	return nil
}

func (h *Host) readyDependents(id string) []string {
	var ready []string
	for _, dep := range h.DependencyGraph().Dependents(id, true) {
		if inst, ok := h.registry.Get(dep); ok && inst.State() == plugins.StateReady {
			ready = append(ready, dep)
		}
	}
	return ready
}

// Update reinstalls a plugin from the source it was installed from, with
// the options it was installed with.
func (h *Host) Update(ctx context.Context, id string) (*InstallResult, error) {
	rec, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, plugins.NewError(plugins.ErrPluginNotFound, id, "plugin is not installed")
		}
		return nil, err
	}
	return h.Install(ctx, rec.Source, InstallOptions{
		Force:          true,
		SkipValidation: rec.SkipValidation,
		NoVerify:       rec.NoVerify,
		Checksum:       rec.PinnedChecksum,
	})
}

// UpdateAll updates every installed plugin. Failures do not stop the
// others and are returned together.
func (h *Host) UpdateAll(ctx context.Context) (map[string]*InstallResult, error) {
	records, err := h.store.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}

	results := async.Batch(ctx, ids, updateWorkers, 0, h.Update)

	out := make(map[string]*InstallResult, len(results))
	var errs *multierror.Error
	for _, r := range results {
		if r.Err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", r.Item, r.Err))
			continue
		}
		out[r.Item] = r.Value
	}
	return out, errs.ErrorOrNil()
}

// LoadInstalled activates every plugin recorded in the metadata store, in
// dependency order. Plugins that cannot be activated are skipped and their
// errors returned together.
func (h *Host) LoadInstalled(ctx context.Context) error {
	records, err := h.store.List(ctx)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	byID := make(map[string]*metadata.Record, len(records))
	manifests := make([]*plugins.Manifest, 0, len(records))
	for _, rec := range records {
		m, err := plugins.LoadManifestFromDir(rec.InstallDir)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", rec.ID, err))
			continue
		}
		byID[m.ID] = rec
		manifests = append(manifests, m)
	}

	order, err := h.deps.Plan(h.registry.Manifests(), manifests)
	if err != nil {
		return multierror.Append(errs, err)
	}
	index := make(map[string]*plugins.Manifest, len(manifests))
	for _, m := range manifests {
		index[m.ID] = m
	}

	for _, id := range order {
		if err := h.load(ctx, index[id], byID[id]); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}

	h.logger.WithField("count", h.registry.Len()).Info("Loaded installed plugins")
	return errs.ErrorOrNil()
}

func (h *Host) load(ctx context.Context, m *plugins.Manifest, rec *metadata.Record) error {
	unlock := h.registry.Lock(m.ID)
	defer unlock()

	if _, ok := h.registry.Get(m.ID); ok {
		return nil
	}
	if _, err := h.deps.Check(m, h.lookup); err != nil {
		return err
	}
	adapter, err := h.bind(ctx, m, rec.InstallDir)
	if err != nil {
		return err
	}

	inst := registry.NewInstance(m, adapter)
	inst.Source = rec.Source
	inst.CacheKey = rec.CacheKey
	inst.Checksum = rec.Checksum
	inst.InstallDir = rec.InstallDir
	inst.InstalledAt = rec.InstalledAt

	h.activate(ctx, inst)
	if err := h.registry.Register(inst); err != nil {
		adapter.Close(ctx)
		return err
	}
	h.schedule(inst)
	return nil
}
