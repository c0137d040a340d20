// Package sandbox runs WASM plugins under wazero with per-instance memory
// ceilings, per-call CPU budgets and capability-gated host functions.
package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

const (
	pageSize = 65536

	// HostModule is the import module name for host functions.
	HostModule = "plughost"
	wasiModule = "wasi_snapshot_preview1"
)

// Guest exports.
const (
	ExportMemory  = "memory"
	ExportAlloc   = "alloc"
	ExportDealloc = "dealloc"
)

var typeExports = map[plugins.PluginType]string{
	plugins.TypeAuth:             "authenticate",
	plugins.TypeTemplate:         "template_function",
	plugins.TypeResponse:         "generate_response",
	plugins.TypeResponseModifier: "modify_response",
	plugins.TypeDataSource:       "query_datasource",
}

// ExportFor returns the guest function implementing a plugin type.
func ExportFor(t plugins.PluginType) string {
	return typeExports[t]
}

// DenyFunc observes host calls refused by the capability gate.
type DenyFunc func(pluginID string, access plugins.Access)

// Options configures an Engine.
type Options struct {
	Logger *logrus.Logger
	// HTTPClient performs granted outbound requests. Nil uses a client with
	// a 30s timeout.
	HTTPClient *http.Client
	// OnDenied is called for every refused host call.
	OnDenied DenyFunc
}

// Engine compiles and loads plugin modules. One Engine is shared by all
// plugins so compiled code is cached across instances.
type Engine struct {
	compiled wazero.CompilationCache
	inspect  wazero.Runtime
	logger   *logrus.Logger
	client   *http.Client
	onDenied DenyFunc
}

// NewEngine creates an engine.
func NewEngine(ctx context.Context, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.OnDenied == nil {
		opts.OnDenied = func(string, plugins.Access) {}
	}

	cc := wazero.NewCompilationCache()
	return &Engine{
		compiled: cc,
		inspect:  wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCompilationCache(cc)),
		logger:   opts.Logger,
		client:   opts.HTTPClient,
		onDenied: opts.OnDenied,
	}
}

// Close releases the compilation cache.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.inspect.Close(ctx); err != nil {
		return err
	}
	return e.compiled.Close(ctx)
}

// Load validates wasm against the manifest and returns a bound module with
// one warm instance.
func (e *Engine) Load(ctx context.Context, manifest *plugins.Manifest, wasm []byte) (*Module, error) {
	limits := manifest.Capabilities.Resources.WithDefaults()
	limitPages := pagesFor(limits.MaxMemoryBytes)

	if err := e.check(ctx, manifest, wasm, limitPages); err != nil {
		return nil, err
	}

	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(limitPages).
		WithCloseOnContextDone(true).
		WithCompilationCache(e.compiled)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		rt.Close(ctx)
		return nil, plugins.WrapError(plugins.ErrBinding, manifest.ID, err, "failed to compile module")
	}

	gate := plugins.NewGate(manifest.ID, manifest.Capabilities)
	host := &hostFuncs{
		pluginID: manifest.ID,
		gate:     gate,
		client:   e.client,
		logger:   e.logger,
		onDenied: e.onDenied,
		maxBytes: limits.MaxMemoryBytes,
	}
	if err := host.instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, plugins.WrapError(plugins.ErrBinding, manifest.ID, err, "failed to link host functions")
	}
	if usesWASI(compiled) {
		if err := instantiateWASI(ctx, rt); err != nil {
			rt.Close(ctx)
			return nil, plugins.WrapError(plugins.ErrBinding, manifest.ID, err, "failed to link wasi")
		}
	}

	m := newModule(manifest, rt, compiled, limits, limitPages, e.logger)
	inst, err := m.instantiate(ctx)
	if err != nil {
		m.Close(ctx)
		return nil, plugins.WrapError(plugins.ErrBinding, manifest.ID, err, "failed to instantiate module")
	}
	m.release(inst, true)

	e.logger.WithFields(logrus.Fields{
		"plugin":       manifest.ID,
		"memory_pages": limitPages,
		"cpu_budget":   limits.CPUTime(),
		"concurrency":  limits.MaxConcurrentRequests,
	}).Info("Loaded WASM plugin")
	return m, nil
}

// check compiles wasm without limits to inspect its imports, exports and
// memory before binding it.
func (e *Engine) check(ctx context.Context, manifest *plugins.Manifest, wasm []byte, limitPages uint32) error {
	compiled, err := e.inspect.CompileModule(ctx, wasm)
	if err != nil {
		return plugins.WrapError(plugins.ErrBinding, manifest.ID, err, "invalid WASM module")
	}
	defer compiled.Close(ctx)

	gate := plugins.NewGate(manifest.ID, manifest.Capabilities)
	for _, fn := range compiled.ImportedFunctions() {
		module, name, _ := fn.Import()
		switch module {
		case wasiModule:
		case HostModule:
			access, known := hostImports[name]
			if !known {
				return plugins.NewError(plugins.ErrBinding, manifest.ID, "unknown host function %s.%s", module, name)
			}
			if access != nil && !gate.Grants(*access) {
				return plugins.NewError(plugins.ErrCapabilityDenied, manifest.ID,
					"module imports %s.%s but %s is not granted", module, name, access)
			}
		default:
			return plugins.NewError(plugins.ErrBinding, manifest.ID, "import module %q is not available", module)
		}
	}
	if len(compiled.ImportedMemories()) > 0 {
		return plugins.NewError(plugins.ErrBinding, manifest.ID, "module must define its own memory")
	}

	mem, ok := compiled.ExportedMemories()[ExportMemory]
	if !ok {
		return plugins.NewError(plugins.ErrBinding, manifest.ID, "module does not export %q", ExportMemory)
	}
	if mem.Min() > limitPages {
		return plugins.NewError(plugins.ErrResourceExceeded, manifest.ID,
			"module requires %d bytes of memory, limit is %d", uint64(mem.Min())*pageSize, uint64(limitPages)*pageSize)
	}
	if max, declared := mem.Max(); declared && max > limitPages {
		return plugins.NewError(plugins.ErrResourceExceeded, manifest.ID,
			"module declares a memory maximum of %d bytes, limit is %d", uint64(max)*pageSize, uint64(limitPages)*pageSize)
	}

	exports := compiled.ExportedFunctions()
	if _, ok := exports[ExportAlloc]; !ok {
		return plugins.NewError(plugins.ErrBinding, manifest.ID, "module does not export %q", ExportAlloc)
	}
	for _, t := range manifest.Types {
		name := ExportFor(t)
		def, ok := exports[name]
		if !ok {
			return plugins.NewError(plugins.ErrBinding, manifest.ID, "type %s requires export %q", t, name)
		}
		if err := checkCallSignature(def); err != nil {
			return plugins.WrapError(plugins.ErrBinding, manifest.ID, err, "export %q", name)
		}
	}
	return nil
}

// checkCallSignature accepts (i32,i32)->(i32,i32) or (i32,i32)->i64.
func checkCallSignature(def api.FunctionDefinition) error {
	params, results := def.ParamTypes(), def.ResultTypes()
	if len(params) != 2 || params[0] != api.ValueTypeI32 || params[1] != api.ValueTypeI32 {
		return fmt.Errorf("expected parameters (i32, i32)")
	}
	switch {
	case len(results) == 2 && results[0] == api.ValueTypeI32 && results[1] == api.ValueTypeI32:
	case len(results) == 1 && results[0] == api.ValueTypeI64:
	default:
		return fmt.Errorf("expected results (i32, i32) or i64")
	}
	return nil
}

func usesWASI(compiled wazero.CompiledModule) bool {
	for _, fn := range compiled.ImportedFunctions() {
		if module, _, _ := fn.Import(); module == wasiModule {
			return true
		}
	}
	return false
}

func pagesFor(bytes int64) uint32 {
	pages := (bytes + pageSize - 1) / pageSize
	if pages < 1 {
		pages = 1
	}
	if pages > 65536 {
		pages = 65536
	}
	return uint32(pages)
}
