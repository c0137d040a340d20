package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plughost/pkg/plugins"
	"github.com/platinummonkey/plughost/pkg/plugins/sandbox/wasmtest"
)

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e := NewEngine(context.Background(), opts)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func manifestFor(id string, caps plugins.Capabilities, types ...plugins.PluginType) *plugins.Manifest {
	return &plugins.Manifest{
		ID:           id,
		Version:      "1.0.0",
		Name:         id,
		Types:        types,
		Capabilities: caps,
	}
}

func smallLimits(cpu time.Duration) plugins.Capabilities {
	return plugins.Capabilities{Resources: plugins.ResourceLimits{
		MaxMemoryBytes:        1 << 20,
		MaxCPUTimeMs:          cpu.Milliseconds(),
		MaxConcurrentRequests: 2,
	}}
}

func load(t *testing.T, e *Engine, m *plugins.Manifest, wasm []byte) *Module {
	t.Helper()
	mod, err := e.Load(context.Background(), m, wasm)
	require.NoError(t, err)
	t.Cleanup(func() { mod.Close(context.Background()) })
	return mod
}

func TestLoad_CallReturnsGuestOutput(t *testing.T) {
	e := newEngine(t, Options{})
	out := `{"success":true,"result":{"authenticated":true,"principal":"alice"}}`
	mod := load(t, e, manifestFor("auth", smallLimits(time.Second), plugins.TypeAuth),
		wasmtest.Responder(out, "authenticate"))

	got, err := mod.Call(context.Background(), "authenticate", []byte(`{"context":{}}`))
	require.NoError(t, err)
	assert.JSONEq(t, out, string(got))
	assert.True(t, mod.Exports("authenticate"))
	assert.False(t, mod.Exports("query_datasource"))
}

func TestLoad_MissingExport(t *testing.T) {
	e := newEngine(t, Options{})
	_, err := e.Load(context.Background(),
		manifestFor("both", smallLimits(time.Second), plugins.TypeAuth, plugins.TypeDataSource),
		wasmtest.Responder("{}", "authenticate"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrBinding))
	assert.Contains(t, err.Error(), "query_datasource")
}

func TestLoad_RejectsGarbage(t *testing.T) {
	e := newEngine(t, Options{})
	_, err := e.Load(context.Background(), manifestFor("bad", smallLimits(time.Second), plugins.TypeAuth), []byte("not wasm"))
	assert.True(t, errors.Is(err, plugins.ErrBinding))
}

func TestLoad_RejectsForeignImports(t *testing.T) {
	e := newEngine(t, Options{})
	_, err := e.Load(context.Background(), manifestFor("env", smallLimits(time.Second), plugins.TypeAuth),
		wasmtest.ForeignImport("env", "authenticate"))
	assert.True(t, errors.Is(err, plugins.ErrBinding))
}

func TestLoad_MemoryMinimumAboveLimit(t *testing.T) {
	e := newEngine(t, Options{})
	_, err := e.Load(context.Background(), manifestFor("big", smallLimits(time.Second), plugins.TypeAuth),
		wasmtest.BigMemory(64, "authenticate"))
	assert.True(t, errors.Is(err, plugins.ErrResourceExceeded))
}

// A module that imports http_request is refused when outbound HTTP is not
// granted, so it can never reach the network.
func TestLoad_HTTPImportWithoutCapability(t *testing.T) {
	e := newEngine(t, Options{})
	_, err := e.Load(context.Background(), manifestFor("net", smallLimits(time.Second), plugins.TypeAuth),
		wasmtest.HostCaller("http_request", `{"url":"http://example.com"}`, "authenticate"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrCapabilityDenied))
	assert.Equal(t, "CapabilityDenied", plugins.Category(err))
}

func TestCall_CPUBudget(t *testing.T) {
	e := newEngine(t, Options{})
	budget := 200 * time.Millisecond
	looper := load(t, e, manifestFor("looper", smallLimits(budget), plugins.TypeAuth), wasmtest.Looper("authenticate"))
	healthy := load(t, e, manifestFor("healthy", smallLimits(time.Second), plugins.TypeAuth),
		wasmtest.Responder(`{"authenticated":true}`, "authenticate"))

	var wg sync.WaitGroup
	wg.Add(1)
	var loopErr error
	var elapsed time.Duration
	go func() {
		defer wg.Done()
		start := time.Now()
		_, loopErr = looper.Call(context.Background(), "authenticate", []byte(`{}`))
		elapsed = time.Since(start)
	}()

	// The other plugin is unaffected while the looper spins
	out, err := healthy.Call(context.Background(), "authenticate", []byte(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"authenticated":true}`, string(out))

	wg.Wait()
	require.Error(t, loopErr)
	assert.True(t, errors.Is(loopErr, plugins.ErrResourceExceeded), loopErr.Error())
	assert.Less(t, elapsed, budget+2*time.Second)

	// The looper stays usable: the next call gets a fresh instance and the
	// same typed failure.
	_, err = looper.Call(context.Background(), "authenticate", []byte(`{}`))
	assert.True(t, errors.Is(err, plugins.ErrResourceExceeded))
}

func TestCall_CallerDeadlineIsTimeout(t *testing.T) {
	e := newEngine(t, Options{})
	looper := load(t, e, manifestFor("looper", smallLimits(5*time.Second), plugins.TypeAuth), wasmtest.Looper("authenticate"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := looper.Call(ctx, "authenticate", []byte(`{}`))
	assert.True(t, errors.Is(err, plugins.ErrTimeout), err)
}

func TestCall_MemoryCeiling(t *testing.T) {
	e := newEngine(t, Options{})
	hog := load(t, e, manifestFor("hog", smallLimits(5*time.Second), plugins.TypeAuth), wasmtest.MemoryHog("authenticate"))

	_, err := hog.Call(context.Background(), "authenticate", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugins.ErrResourceExceeded), err.Error())
}

func TestCall_TrapIsContained(t *testing.T) {
	e := newEngine(t, Options{})
	trap := load(t, e, manifestFor("trap", smallLimits(time.Second), plugins.TypeAuth), wasmtest.Trapper("authenticate"))

	for i := 0; i < 3; i++ {
		_, err := trap.Call(context.Background(), "authenticate", []byte(`{}`))
		assert.True(t, errors.Is(err, plugins.ErrExecutionFailed))
	}
}

func TestCall_ConcurrencyBoundedByPool(t *testing.T) {
	e := newEngine(t, Options{})
	caps := smallLimits(time.Second)
	caps.Resources.MaxConcurrentRequests = 3
	mod := load(t, e, manifestFor("pool", caps, plugins.TypeTemplate), wasmtest.Responder(`"ok"`, "template_function"))

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mod.Call(context.Background(), "template_function", []byte(`{}`)); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, failures.Load())
	assert.LessOrEqual(t, len(mod.idle), 3)
}

func TestLoad_NonPositiveConcurrencyUsesDefault(t *testing.T) {
	e := newEngine(t, Options{})
	caps := smallLimits(time.Second)
	caps.Resources.MaxConcurrentRequests = -1
	mod := load(t, e, manifestFor("neg", caps, plugins.TypeAuth), wasmtest.Responder("{}", "authenticate"))

	assert.Equal(t, plugins.DefaultMaxConcurrentRequests, cap(mod.slots))
	_, err := mod.Call(context.Background(), "authenticate", []byte(`{}`))
	require.NoError(t, err)
}

func TestCall_AfterClose(t *testing.T) {
	e := newEngine(t, Options{})
	mod, err := e.Load(context.Background(), manifestFor("c", smallLimits(time.Second), plugins.TypeAuth),
		wasmtest.Responder("{}", "authenticate"))
	require.NoError(t, err)
	require.NoError(t, mod.Close(context.Background()))
	require.NoError(t, mod.Close(context.Background()))

	_, err = mod.Call(context.Background(), "authenticate", []byte(`{}`))
	assert.True(t, errors.Is(err, plugins.ErrExecutionFailed))
}

func TestHostHTTP_AllowedAndDeniedHosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	var denied atomic.Int32
	e := newEngine(t, Options{OnDenied: func(id string, a plugins.Access) {
		assert.Equal(t, "net", id)
		assert.Equal(t, plugins.AccessHTTP, a)
		denied.Add(1)
	}})

	caps := smallLimits(2 * time.Second)
	caps.Network = plugins.NetworkCapabilities{AllowHTTPOutbound: true, AllowedHosts: []string{"127.0.0.1"}}

	allowed := load(t, e, manifestFor("net", caps, plugins.TypeAuth),
		wasmtest.HostCaller("http_request", fmt.Sprintf(`{"url":%q}`, srv.URL+"/ping"), "authenticate"))
	out, err := allowed.Call(context.Background(), "authenticate", []byte(`{}`))
	require.NoError(t, err)
	assert.Contains(t, string(out), `"ok":true`)
	assert.Contains(t, string(out), `"body":"pong"`)

	blocked := load(t, e, manifestFor("net", caps, plugins.TypeAuth),
		wasmtest.HostCaller("http_request", `{"url":"http://evil.example.com/x"}`, "authenticate"))
	out, err = blocked.Call(context.Background(), "authenticate", []byte(`{}`))
	require.NoError(t, err)
	assert.Contains(t, string(out), `"ok":false`)
	assert.Contains(t, string(out), "not in allowed_hosts")
	assert.Equal(t, int32(1), denied.Load())
}

func TestHostFS_PathContainment(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "data.txt"), []byte("inside"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "link.txt")))

	e := newEngine(t, Options{})
	caps := smallLimits(time.Second)
	caps.Filesystem = plugins.FilesystemCapabilities{AllowRead: true, AllowedPaths: []string{root}}

	tests := []struct {
		path string
		ok   bool
		want string
	}{
		{filepath.Join(root, "data.txt"), true, "inside"},
		{filepath.Join(outside, "secret.txt"), false, "outside allowed_paths"},
		{filepath.Join(root, "link.txt"), false, "outside allowed_paths"},
		{filepath.Join(root, "..", filepath.Base(outside), "secret.txt"), false, "outside allowed_paths"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			mod := load(t, e, manifestFor("fs", caps, plugins.TypeDataSource),
				wasmtest.HostCaller("fs_read", fmt.Sprintf(`{"path":%q}`, tt.path), "query_datasource"))
			out, err := mod.Call(context.Background(), "query_datasource", []byte(`{}`))
			require.NoError(t, err)
			assert.Contains(t, string(out), fmt.Sprintf(`"ok":%t`, tt.ok))
			assert.Contains(t, string(out), tt.want)
		})
	}
}

func TestHostFS_WriteNeedsWriteCapability(t *testing.T) {
	e := newEngine(t, Options{})
	caps := smallLimits(time.Second)
	caps.Filesystem = plugins.FilesystemCapabilities{AllowRead: true, AllowedPaths: []string{t.TempDir()}}

	_, err := e.Load(context.Background(), manifestFor("fs", caps, plugins.TypeDataSource),
		wasmtest.HostCaller("fs_write", `{"path":"/tmp/x","content":"y"}`, "query_datasource"))
	assert.True(t, errors.Is(err, plugins.ErrCapabilityDenied))
}

func TestHostLog(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)

	e := newEngine(t, Options{Logger: logger})
	mod := load(t, e, manifestFor("chatty", smallLimits(time.Second), plugins.TypeAuth),
		wasmtest.Logger(int32(LogWarn), "hello from guest", `{}`, "authenticate"))

	_, err := mod.Call(context.Background(), "authenticate", []byte(`{}`))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "hello from guest")
	assert.Contains(t, buf.String(), "plugin=chatty")
	assert.Contains(t, buf.String(), "level=warning")
}

func TestPagesFor(t *testing.T) {
	assert.Equal(t, uint32(1), pagesFor(0))
	assert.Equal(t, uint32(1), pagesFor(65536))
	assert.Equal(t, uint32(2), pagesFor(65537))
	assert.Equal(t, uint32(160), pagesFor(10*1024*1024))
}
