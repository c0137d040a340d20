package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plughost/pkg/config"
	"github.com/platinummonkey/plughost/pkg/observability"
	"github.com/platinummonkey/plughost/pkg/plugins"
	"github.com/platinummonkey/plughost/pkg/plugins/integrity"
	"github.com/platinummonkey/plughost/pkg/plugins/metadata"
	"github.com/platinummonkey/plughost/pkg/plugins/runtime"
	"github.com/platinummonkey/plughost/pkg/plugins/sandbox/wasmtest"
)

const authOutput = `{"authenticated":true,"principal":"bob"}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:  t.TempDir(),
		CacheDir: t.TempDir(),
		Limits: config.LimitsConfig{
			MaxMemoryBytes: 256 << 20,
			MaxCPUTime:     30 * time.Second,
			MaxConcurrent:  64,
		},
		Download: config.DownloadConfig{
			MaxBytes:  1 << 20,
			Timeout:   5 * time.Second,
			VerifyTLS: true,
		},
		Git:      config.GitConfig{Binary: "git", Timeout: time.Minute},
		Registry: config.RegistryConfig{URL: "http://127.0.0.1:1", HealthInterval: time.Hour},
		Server:   config.ServerConfig{DrainTimeout: time.Second},
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newHost(t *testing.T, cfg *config.Config, opts ...Option) *Host {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithRemoteBackoff(time.Millisecond)}, opts...)
	h, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

type pluginDef struct {
	id, version string
	types       []plugins.PluginType
	deps        []plugins.Dependency
	remote      string
	memory      int64
	concurrency int
}

func (p pluginDef) manifest() string {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\nversion: %s\nname: %s\nauthor:\n  name: Tester\ntypes:\n", p.id, p.version, p.id)
	for _, t := range p.types {
		fmt.Fprintf(&b, "  - %s\n", t)
	}
	if p.remote != "" {
		fmt.Fprintf(&b, "runtime: remote\nremote:\n  protocol: http\n  endpoint: %s\n  timeout_ms: 500\n", p.remote)
	}
	if p.memory != 0 || p.concurrency != 0 {
		fmt.Fprintf(&b, "capabilities:\n  resources:\n    max_memory_bytes: %d\n    max_concurrent_requests: %d\n",
			p.memory, p.concurrency)
	}
	if len(p.deps) > 0 {
		b.WriteString("dependencies:\n")
		for _, d := range p.deps {
			fmt.Fprintf(&b, "  - id: %s\n    version: %q\n", d.ID, d.Version)
		}
	}
	return b.String()
}

// writePlugin lays out a plugin directory and returns its path.
func writePlugin(t *testing.T, p pluginDef) string {
	t.Helper()
	if len(p.types) == 0 {
		p.types = []plugins.PluginType{plugins.TypeAuth}
	}
	dir := filepath.Join(t.TempDir(), p.id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugins.ManifestFile), []byte(p.manifest()), 0o644))
	if p.remote == "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, plugins.DefaultModuleFile),
			wasmtest.Responder(authOutput, "authenticate"), 0o644))
	}
	return dir
}

func remoteOf(t *testing.T, a plugins.Adapter) *runtime.RemoteAdapter {
	t.Helper()
	remote, ok := a.(*runtime.RemoteAdapter)
	require.True(t, ok)
	return remote
}

func TestInstall_LocalDirectory(t *testing.T) {
	cfg := testConfig(t)
	h := newHost(t, cfg)
	dir := writePlugin(t, pluginDef{id: "hello", version: "1.0.0"})

	res, err := h.Install(context.Background(), dir, InstallOptions{})
	require.NoError(t, err)
	assert.True(t, res.Installed)
	assert.Equal(t, plugins.StateReady, res.Instance.State())
	assert.Equal(t, integrity.Checksum(wasmtest.Responder(authOutput, "authenticate")), res.Instance.Checksum)
	assert.True(t, strings.HasPrefix(res.Instance.InstallDir, filepath.Join(cfg.PluginsDir(), "hello")))

	got, err := h.Dispatcher().Authenticate(context.Background(), "hello", plugins.PluginContext{}, plugins.AuthRequest{Method: "GET", URI: "/"})
	require.NoError(t, err)
	assert.True(t, got.Authenticated)
	assert.Equal(t, "bob", got.Principal)

	rec, err := h.store.Get(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", rec.Version)
	assert.Equal(t, dir, rec.Source)
}

func TestInstall_SameVersionIsNoop(t *testing.T) {
	h := newHost(t, testConfig(t))
	dir := writePlugin(t, pluginDef{id: "hello", version: "1.0.0"})

	first, err := h.Install(context.Background(), dir, InstallOptions{})
	require.NoError(t, err)

	second, err := h.Install(context.Background(), dir, InstallOptions{})
	require.NoError(t, err)
	assert.False(t, second.Installed)
	assert.Same(t, first.Instance, second.Instance)
	assert.Len(t, h.List(), 1)
}

func TestInstall_OtherVersionNeedsForce(t *testing.T) {
	h := newHost(t, testConfig(t))
	v1 := writePlugin(t, pluginDef{id: "hello", version: "1.0.0"})
	v2 := writePlugin(t, pluginDef{id: "hello", version: "2.0.0"})

	first, err := h.Install(context.Background(), v1, InstallOptions{})
	require.NoError(t, err)

	_, err = h.Install(context.Background(), v2, InstallOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrAlreadyInstalled))
	assert.Equal(t, "Conflict", plugins.Category(err))

	res, err := h.Install(context.Background(), v2, InstallOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.Previous)

	info, err := h.Info("hello")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", info.Manifest.Version)
	assert.NoDirExists(t, first.Instance.InstallDir)
	assert.Equal(t, plugins.StateUnloading, first.Instance.State())
}

func TestInstall_ForcedReinstallOfSameVersion(t *testing.T) {
	h := newHost(t, testConfig(t))
	dir := writePlugin(t, pluginDef{id: "hello", version: "1.0.0"})

	first, err := h.Install(context.Background(), dir, InstallOptions{})
	require.NoError(t, err)
	second, err := h.Install(context.Background(), dir, InstallOptions{Force: true})
	require.NoError(t, err)

	assert.True(t, second.Installed)
	assert.NotSame(t, first.Instance, second.Instance)
	assert.Len(t, h.List(), 1)
}

func TestInstall_CorruptArchiveLeavesNothingBehind(t *testing.T) {
	cfg := testConfig(t)
	h := newHost(t, cfg)
	archive := filepath.Join(t.TempDir(), "broken.zip")
	require.NoError(t, os.WriteFile(archive, []byte("PK\x03\x04 definitely not a zip"), 0o644))

	_, err := h.Install(context.Background(), archive, InstallOptions{})
	require.Error(t, err)
	assert.Empty(t, h.List())

	entries, _ := os.ReadDir(cfg.PluginsDir())
	assert.Empty(t, entries)
}

func TestInstall_ChecksumMismatch(t *testing.T) {
	h := newHost(t, testConfig(t))
	dir := writePlugin(t, pluginDef{id: "hello", version: "1.0.0"})

	_, err := h.Install(context.Background(), dir, InstallOptions{Checksum: "sha256:" + strings.Repeat("0", 64)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrChecksumMismatch))
	assert.Equal(t, "IntegrityError", plugins.Category(err))
	assert.Empty(t, h.List())

	want := integrity.Checksum(wasmtest.Responder(authOutput, "authenticate"))
	_, err = h.Install(context.Background(), dir, InstallOptions{Checksum: want})
	require.NoError(t, err)
}

func TestInstall_InvalidManifest(t *testing.T) {
	h := newHost(t, testConfig(t))
	dir := writePlugin(t, pluginDef{id: "hello", version: "not-semver"})

	_, err := h.Install(context.Background(), dir, InstallOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrValidation))
}

func TestInstall_SkipValidationKeepsResourceLimits(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.MaxMemoryBytes = 1 << 20
	h := newHost(t, cfg)
	ctx := context.Background()

	big := writePlugin(t, pluginDef{id: "big", version: "1.0.0", memory: 64 << 20})
	for _, skip := range []bool{false, true} {
		_, err := h.Install(ctx, big, InstallOptions{SkipValidation: skip})
		require.Error(t, err, "skip=%v", skip)
		assert.True(t, errors.Is(err, plugins.ErrValidation), "skip=%v: %v", skip, err)
	}

	assert.Empty(t, h.List())

	other := newHost(t, testConfig(t))
	negative := writePlugin(t, pluginDef{id: "negative", version: "1.0.0", concurrency: -1})
	_, err := other.Install(ctx, negative, InstallOptions{SkipValidation: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrValidation))
	assert.Contains(t, err.Error(), "must not be negative")
	assert.Empty(t, other.List())
}

func TestInstall_UnreachableRemoteFailsFast(t *testing.T) {
	h := newHost(t, testConfig(t))
	dir := writePlugin(t, pluginDef{id: "far", version: "1.0.0", remote: "http://127.0.0.1:1"})

	res, err := h.Install(context.Background(), dir, InstallOptions{})
	require.NoError(t, err)
	st := res.Instance.Status()
	assert.Equal(t, plugins.StateFailed, st.State)
	assert.True(t, strings.HasPrefix(st.Reason, "health-check: "), st.Reason)

	info, err := h.Info("far")
	require.NoError(t, err)
	assert.True(t, info.CircuitOpen)

	start := time.Now()
	_, err = h.Dispatcher().Authenticate(context.Background(), "far", plugins.PluginContext{}, plugins.AuthRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrCircuitOpen))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestProbe_RecoversRemote(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" && !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	h := newHost(t, testConfig(t), WithMetrics(metrics))
	dir := writePlugin(t, pluginDef{id: "svc", version: "1.0.0", remote: srv.URL})

	res, err := h.Install(context.Background(), dir, InstallOptions{})
	require.NoError(t, err)
	require.Equal(t, plugins.StateFailed, res.Instance.State())

	healthy.Store(true)
	remote := remoteOf(t, res.Instance.Adapter)
	h.probe(res.Instance, remote, time.Second)

	assert.Equal(t, plugins.StateReady, res.Instance.State())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.CircuitOpen.WithLabelValues("svc")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PluginsInstalled.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.PluginsInstalled.WithLabelValues("failed")))
}

func TestInstallBatch_DependencyOrder(t *testing.T) {
	h := newHost(t, testConfig(t))
	app := writePlugin(t, pluginDef{id: "app", version: "1.0.0",
		deps: []plugins.Dependency{{ID: "base", Version: ">= 1.0"}}})
	base := writePlugin(t, pluginDef{id: "base", version: "1.2.0"})

	results, err := h.InstallBatch(context.Background(), []string{app, base}, InstallOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "base", results[0].Instance.ID())
	assert.Equal(t, "app", results[1].Instance.ID())

	info, err := h.Info("base")
	require.NoError(t, err)
	assert.Equal(t, []string{"app"}, info.Dependents)
}

func TestInstall_MissingDependency(t *testing.T) {
	h := newHost(t, testConfig(t))
	app := writePlugin(t, pluginDef{id: "app", version: "1.0.0",
		deps: []plugins.Dependency{{ID: "base", Version: ">= 1.0"}}})

	_, err := h.Install(context.Background(), app, InstallOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrDependencyMissing))
	assert.Empty(t, h.List())
}

func TestInstallBatch_Cycle(t *testing.T) {
	h := newHost(t, testConfig(t))
	a := writePlugin(t, pluginDef{id: "a", version: "1.0.0", deps: []plugins.Dependency{{ID: "b", Version: "*"}}})
	b := writePlugin(t, pluginDef{id: "b", version: "1.0.0", deps: []plugins.Dependency{{ID: "a", Version: "*"}}})

	_, err := h.InstallBatch(context.Background(), []string{a, b}, InstallOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrDependencyCycle))
	assert.Empty(t, h.List())
}

func TestUninstall_BlockedByDependent(t *testing.T) {
	cfg := testConfig(t)
	h := newHost(t, cfg)
	base := writePlugin(t, pluginDef{id: "base", version: "1.0.0"})
	app := writePlugin(t, pluginDef{id: "app", version: "1.0.0",
		deps: []plugins.Dependency{{ID: "base", Version: "~> 1.0"}}})
	_, err := h.InstallBatch(context.Background(), []string{base, app}, InstallOptions{})
	require.NoError(t, err)

	err = h.Uninstall(context.Background(), "base", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrDependencyMissing))
	assert.Contains(t, err.Error(), "app")

	require.NoError(t, h.Uninstall(context.Background(), "app", false))
	require.NoError(t, h.Uninstall(context.Background(), "base", false))
	assert.Empty(t, h.List())
	assert.NoDirExists(t, filepath.Join(cfg.PluginsDir(), "base"))

	_, err = h.store.Get(context.Background(), "base")
	assert.True(t, errors.Is(err, metadata.ErrNotFound))

	err = h.Uninstall(context.Background(), "base", false)
	assert.True(t, errors.Is(err, plugins.ErrPluginNotFound))
}

func TestUninstall_Force(t *testing.T) {
	h := newHost(t, testConfig(t))
	base := writePlugin(t, pluginDef{id: "base", version: "1.0.0"})
	app := writePlugin(t, pluginDef{id: "app", version: "1.0.0",
		deps: []plugins.Dependency{{ID: "base", Version: "*"}}})
	_, err := h.InstallBatch(context.Background(), []string{base, app}, InstallOptions{})
	require.NoError(t, err)

	require.NoError(t, h.Uninstall(context.Background(), "base", true))
	assert.Len(t, h.List(), 1)
}

func TestLoadInstalled_RestoresRegistry(t *testing.T) {
	cfg := testConfig(t)
	first, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	base := writePlugin(t, pluginDef{id: "base", version: "1.0.0"})
	app := writePlugin(t, pluginDef{id: "app", version: "1.0.0",
		deps: []plugins.Dependency{{ID: "base", Version: "*"}}})
	_, err = first.InstallBatch(context.Background(), []string{base, app}, InstallOptions{})
	require.NoError(t, err)
	require.NoError(t, first.Close(context.Background()))

	second := newHost(t, cfg)
	require.NoError(t, second.LoadInstalled(context.Background()))

	list := second.List()
	require.Len(t, list, 2)
	for _, info := range list {
		assert.Equal(t, plugins.StateReady, info.Status.State, info.Manifest.ID)
	}
	assert.Equal(t, "base", list[0].Manifest.ID)
}

func TestUpdate_ReinstallsFromRecordedSource(t *testing.T) {
	h := newHost(t, testConfig(t))
	dir := writePlugin(t, pluginDef{id: "hello", version: "1.0.0"})
	_, err := h.Install(context.Background(), dir, InstallOptions{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, plugins.ManifestFile),
		[]byte(pluginDef{id: "hello", version: "1.1.0", types: []plugins.PluginType{plugins.TypeAuth}}.manifest()), 0o644))

	results, err := h.UpdateAll(context.Background())
	require.NoError(t, err)
	require.Contains(t, results, "hello")
	assert.Equal(t, "1.0.0", results["hello"].Previous)

	_, err = h.Update(context.Background(), "ghost")
	assert.True(t, errors.Is(err, plugins.ErrPluginNotFound))
}

func TestValidate_DoesNotInstall(t *testing.T) {
	h := newHost(t, testConfig(t))
	dir := writePlugin(t, pluginDef{id: "hello", version: "1.0.0"})

	report, err := h.Validate(context.Background(), dir, InstallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", report.Manifest.ID)
	assert.NotEmpty(t, report.Integrity.Checksum)
	assert.Empty(t, h.List())
}

func TestCacheStats(t *testing.T) {
	h := newHost(t, testConfig(t))
	stats, err := h.CacheStats()
	require.NoError(t, err)
	assert.Zero(t, stats.TotalSize)
	require.NoError(t, h.ClearCache())
}
