package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughost/pkg/dependencies"
	"github.com/platinummonkey/plughost/pkg/observability"
	"github.com/platinummonkey/plughost/pkg/plugins"
	"github.com/platinummonkey/plughost/pkg/plugins/integrity"
	"github.com/platinummonkey/plughost/pkg/plugins/metadata"
	"github.com/platinummonkey/plughost/pkg/plugins/registry"
	"github.com/platinummonkey/plughost/pkg/plugins/runtime"
	"github.com/platinummonkey/plughost/pkg/plugins/source"
)

// InstallOptions adjusts one install.
type InstallOptions struct {
	// Force refetches the source and replaces an installed plugin with the
	// same id.
	Force bool
	// SkipValidation runs only the checks needed to identify the plugin.
	SkipValidation bool
	// NoVerify skips signature verification. Checksums are still checked.
	NoVerify bool
	// Checksum pins the artifact's sha256 digest.
	Checksum string
}

// InstallResult reports what an install did.
type InstallResult struct {
	Instance *registry.Instance
	// Installed is false when the same version was already installed.
	Installed bool
	// Previous is the replaced version, if any.
	Previous string
	Warnings []string
}

// Install status labels.
const (
	installSuccess = "success"
	installNoop    = "noop"
	installFailure = "failure"
)

// Install resolves, verifies, validates, binds and registers the plugin at
// raw. Remote plugins whose health check fails are registered Failed.
func (h *Host) Install(ctx context.Context, raw string, opts InstallOptions) (*InstallResult, error) {
	resolved, m, err := h.fetch(ctx, raw, opts)
	if err != nil {
		h.recordInstall(ctx, installFailure)
		return nil, err
	}
	defer resolved.Release()
	return h.install(ctx, resolved, m, opts)
}

// InstallBatch installs several sources in dependency order. It stops at
// the first failure.
func (h *Host) InstallBatch(ctx context.Context, raws []string, opts InstallOptions) ([]*InstallResult, error) {
	candidates := make(map[string]*source.Resolved, len(raws))
	manifests := make([]*plugins.Manifest, 0, len(raws))
	defer func() {
		for _, r := range candidates {
			r.Release()
		}
	}()

	for _, raw := range raws {
		resolved, m, err := h.fetch(ctx, raw, opts)
		if err != nil {
			h.recordInstall(ctx, installFailure)
			return nil, err
		}
		if _, dup := candidates[m.ID]; dup {
			resolved.Release()
			return nil, plugins.NewError(plugins.ErrAlreadyInstalled, m.ID, "plugin listed more than once")
		}
		candidates[m.ID] = resolved
		manifests = append(manifests, m)
	}

	order, err := h.deps.Plan(h.registry.Manifests(), manifests)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*plugins.Manifest, len(manifests))
	for _, m := range manifests {
		byID[m.ID] = m
	}

	results := make([]*InstallResult, 0, len(order))
	for _, id := range order {
		res, err := h.install(ctx, candidates[id], byID[id], opts)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// fetch resolves raw and reads its manifest.
func (h *Host) fetch(ctx context.Context, raw string, opts InstallOptions) (*source.Resolved, *plugins.Manifest, error) {
	resolved, err := h.resolver.Resolve(ctx, raw, source.Options{
		ExpectedChecksum: opts.Checksum,
		Refresh:          opts.Force,
	})
	if err != nil {
		return nil, nil, err
	}
	m, err := plugins.LoadManifestFromDir(resolved.Dir)
	if err != nil {
		resolved.Release()
		return nil, nil, err
	}
	return resolved, m, nil
}

func (h *Host) install(ctx context.Context, resolved *source.Resolved, m *plugins.Manifest, opts InstallOptions) (result *InstallResult, err error) {
	log := observability.FromContext(ctx, h.logger).WithFields(logrus.Fields{
		"plugin":  m.ID,
		"version": m.Version,
		"source":  resolved.Source.Raw,
	})
	status := installFailure
	defer func() { h.recordInstall(ctx, status) }()

	unlock := h.registry.Lock(m.ID)
	defer unlock()

	existing, installed := h.registry.Get(m.ID)
	if installed && !opts.Force {
		if existing.Version() == m.Version {
			log.Info("Plugin already installed")
			status = installNoop
			return &InstallResult{Instance: existing}, nil
		}
		return nil, plugins.NewError(plugins.ErrAlreadyInstalled, m.ID,
			"version %s is installed; use --force to replace it with %s", existing.Version(), m.Version)
	}

	verified, err := h.check(resolved, m, opts)
	if err != nil {
		return nil, err
	}

	warnings, err := h.checkDependencies(m)
	if err != nil {
		return nil, err
	}

	installDir, err := h.stage(resolved, m)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			os.RemoveAll(installDir)
		}
	}()

	adapter, err := h.bind(ctx, m, installDir)
	if err != nil {
		return nil, err
	}

	inst := registry.NewInstance(m, adapter)
	inst.Source = sourceString(resolved.Source)
	inst.CacheKey = resolved.CacheKey
	inst.Checksum = verified.Checksum
	inst.InstallDir = installDir

	h.activate(ctx, inst)

	var previous *registry.Instance
	if installed {
		previous, err = h.registry.Replace(ctx, inst)
	} else {
		err = h.registry.Register(inst)
	}
	if err != nil {
		adapter.Close(ctx)
		return nil, err
	}

	if err := resolved.Commit(verified.Checksum); err != nil {
		log.WithError(err).Warn("Failed to cache plugin source")
	}
	if err := h.store.Put(ctx, recordFor(inst, opts)); err != nil {
		log.WithError(err).Error("Failed to persist plugin record")
	}
	h.schedule(inst)

	result = &InstallResult{Instance: inst, Installed: true, Warnings: warnings}
	if previous != nil {
		result.Previous = previous.Version()
		if previous.InstallDir != "" && previous.InstallDir != installDir {
			if rmErr := os.RemoveAll(previous.InstallDir); rmErr != nil {
				log.WithError(rmErr).Warn("Failed to remove previous install")
			}
		}
	}

	st := inst.Status()
	log.WithFields(logrus.Fields{
		"state":    st.State.String(),
		"previous": result.Previous,
		"signed":   verified.Signed,
	}).Info("Plugin installed")
	status = installSuccess
	return result, nil
}

// check runs integrity verification and manifest validation.
func (h *Host) check(resolved *source.Resolved, m *plugins.Manifest, opts InstallOptions) (*integrity.Result, error) {
	manifestBytes, err := os.ReadFile(filepath.Join(resolved.Dir, plugins.ManifestFile))
	if err != nil {
		return nil, plugins.WrapError(plugins.ErrBinding, m.ID, err, "cannot read %s", plugins.ManifestFile)
	}
	var module []byte
	if m.RuntimeKind() == plugins.RuntimeWasm {
		if module, err = os.ReadFile(filepath.Join(resolved.Dir, m.ModuleFile())); err != nil {
			return nil, plugins.WrapError(plugins.ErrBinding, m.ID, err, "cannot read %s", m.ModuleFile())
		}
	}
	bundle := integrity.BundleDigest(manifestBytes, module)

	// Archives are signed as downloaded. Everything else is signed as a
	// bundle of manifest and module.
	artifact, payload := manifestBytes, bundle
	if module != nil {
		artifact = module
	}
	if resolved.ArtifactPath != "" {
		if artifact, err = os.ReadFile(resolved.ArtifactPath); err != nil {
			return nil, plugins.WrapError(plugins.ErrSourceNotFound, m.ID, err, "cannot read artifact")
		}
		format, err := source.DetectFormat(resolved.ArtifactPath)
		if err != nil {
			return nil, plugins.WrapError(plugins.ErrInvalidSource, m.ID, err, "cannot read artifact")
		}
		if format != source.FormatWasm {
			payload = artifact
		}
	}

	req := integrity.Request{
		Plugin:           m.ID,
		Artifact:         artifact,
		ExpectedChecksum: resolved.ExpectedChecksum,
		Payload:          payload,
	}
	if !opts.NoVerify {
		req.RequireSignature = h.cfg.Security.RequireSignatures && resolved.Source.Kind != source.KindLocal
		sigPath := resolved.SignaturePath
		if sigPath == "" {
			sigPath = filepath.Join(resolved.Dir, integrity.BundleSignatureFile)
		}
		sig, err := os.ReadFile(sigPath)
		switch {
		case err == nil:
			req.Signature = sig
		case !errors.Is(err, os.ErrNotExist):
			return nil, plugins.WrapError(plugins.ErrSignatureInvalid, m.ID, err, "cannot read signature")
		}
	}

	verified, err := h.verifier.Verify(req)
	if err != nil {
		return nil, err
	}

	if opts.SkipValidation {
		err = h.validator.ValidateRequired(m)
	} else {
		err = h.validator.Validate(m)
	}
	if err != nil {
		return nil, err
	}
	return verified, nil
}

// checkDependencies rejects cycles through m and unmet required
// dependencies.
func (h *Host) checkDependencies(m *plugins.Manifest) ([]string, error) {
	g := dependencies.FromManifests(h.registry.Manifests()...)
	g.Add(m)
	if _, err := g.DetectCycle(); err != nil {
		return nil, err
	}
	return h.deps.Check(m, h.lookup)
}

// stage copies the resolved tree into a fresh install dir.
func (h *Host) stage(resolved *source.Resolved, m *plugins.Manifest) (string, error) {
	parent := filepath.Join(h.cfg.PluginsDir(), m.ID)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("failed to create plugin dir: %w", err)
	}
	dir, err := os.MkdirTemp(parent, m.Version+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create install dir: %w", err)
	}
	if err := source.CopyTree(resolved.Dir, dir); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to copy plugin: %w", err)
	}
	return dir, nil
}

// bind creates the adapter for m from the tree at dir.
func (h *Host) bind(ctx context.Context, m *plugins.Manifest, dir string) (plugins.Adapter, error) {
	switch m.RuntimeKind() {
	case plugins.RuntimeRemote:
		return runtime.NewRemoteAdapter(m, runtime.RemoteOptions{
			Logger:       h.logger,
			RetryBackoff: h.remoteBackoff,
		})
	default:
		wasm, err := os.ReadFile(filepath.Join(dir, m.ModuleFile()))
		if err != nil {
			return nil, plugins.WrapError(plugins.ErrBinding, m.ID, err, "cannot read module %s", m.ModuleFile())
		}
		mod, err := h.engine.Load(ctx, m, wasm)
		if err != nil {
			return nil, err
		}
		return runtime.NewLocalAdapter(mod), nil
	}
}

// activate moves a freshly bound instance out of Loading. Remote plugins
// are probed once and left Failed with an open circuit when unreachable.
func (h *Host) activate(ctx context.Context, inst *registry.Instance) {
	remote, ok := inst.Adapter.(*runtime.RemoteAdapter)
	if !ok {
		inst.MarkReady()
		return
	}

	remote.OnStateChange(h.circuitListener(inst))
	if err := remote.Probe(ctx); err != nil {
		h.logger.WithError(err).WithField("plugin", inst.ID()).Warn("Remote plugin is unreachable")
		reason := err
		if cause := errors.Unwrap(err); cause != nil {
			reason = cause
		}
		inst.MarkFailed("health-check: " + reason.Error())
		return
	}
	inst.MarkReady()
}

// circuitListener mirrors a remote adapter's circuit into the registry.
func (h *Host) circuitListener(inst *registry.Instance) runtime.StateFunc {
	return func(open bool, reason string) {
		if h.metrics != nil {
			h.metrics.SetCircuit(inst.ID(), open)
		}
		state, why := plugins.StateReady, ""
		if open {
			state, why = plugins.StateFailed, reason
		}
		if err := h.registry.Update(inst, state, why); err != nil && !errors.Is(err, plugins.ErrPluginNotFound) {
			h.logger.WithError(err).WithField("plugin", inst.ID()).Warn("Failed to update plugin status")
		}
	}
}

func (h *Host) recordInstall(ctx context.Context, status string) {
	if h.metrics != nil {
		h.metrics.InstallsTotal.WithLabelValues(status).Inc()
	}
	if h.otelMetrics != nil {
		h.otelMetrics.RecordInstall(ctx, status)
	}
}

// sourceString is the source recorded for updates. Local paths are made
// absolute so they survive a change of working directory.
func sourceString(src source.Source) string {
	if src.Kind == source.KindLocal && src.Path != "" {
		return src.Path
	}
	return src.Raw
}

func recordFor(inst *registry.Instance, opts InstallOptions) metadata.Record {
	return metadata.Record{
		ID:          inst.ID(),
		Version:     inst.Version(),
		Source:      inst.Source,
		CacheKey:    inst.CacheKey,
		Checksum:    inst.Checksum,
		InstallDir:  inst.InstallDir,
		InstalledAt: inst.InstalledAt,
		UpdatedAt:   time.Now().UTC(),

		PinnedChecksum: opts.Checksum,
		NoVerify:       opts.NoVerify,
		SkipValidation: opts.SkipValidation,
	}
}
