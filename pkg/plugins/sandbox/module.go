package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

// Module is a bound plugin: one wazero runtime holding a pool of instances
// of the same compiled module.
type Module struct {
	manifest   *plugins.Manifest
	runtime    wazero.Runtime
	compiled   wazero.CompiledModule
	limits     plugins.ResourceLimits
	limitBytes uint64
	logger     *logrus.Logger

	slots chan struct{}
	idle  chan api.Module
	seq   atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func newModule(manifest *plugins.Manifest, rt wazero.Runtime, compiled wazero.CompiledModule,
	limits plugins.ResourceLimits, limitPages uint32, logger *logrus.Logger) *Module {
	limits = limits.WithDefaults()
	n := limits.MaxConcurrentRequests
	return &Module{
		manifest:   manifest,
		runtime:    rt,
		compiled:   compiled,
		limits:     limits,
		limitBytes: uint64(limitPages) * pageSize,
		logger:     logger,
		slots:      make(chan struct{}, n),
		idle:       make(chan api.Module, n),
	}
}

// Manifest returns the manifest the module was bound with.
func (m *Module) Manifest() *plugins.Manifest {
	return m.manifest
}

// Exports reports whether the guest exports name.
func (m *Module) Exports(name string) bool {
	_, ok := m.compiled.ExportedFunctions()[name]
	return ok
}

func (m *Module) instantiate(ctx context.Context) (api.Module, error) {
	name := fmt.Sprintf("%s-%d", m.manifest.ID, m.seq.Add(1))
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_initialize")
	return m.runtime.InstantiateModule(ctx, m.compiled, cfg)
}

// acquire waits for a concurrency slot and returns an idle or fresh instance.
func (m *Module) acquire(ctx context.Context) (api.Module, error) {
	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, plugins.WrapError(plugins.ErrTimeout, m.manifest.ID, ctx.Err(),
			"no free instance within deadline (max %d concurrent)", m.limits.MaxConcurrentRequests)
	}

	select {
	case inst := <-m.idle:
		if !inst.IsClosed() {
			return inst, nil
		}
	default:
	}

	inst, err := m.instantiate(ctx)
	if err != nil {
		<-m.slots
		return nil, m.classify(ctx, nil, err)
	}
	return inst, nil
}

// release returns inst to the pool, or closes it when it may be corrupt.
func (m *Module) release(inst api.Module, healthy bool) {
	defer func() {
		select {
		case <-m.slots:
		default:
		}
	}()

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()

	if healthy && !closed && !inst.IsClosed() {
		select {
		case m.idle <- inst:
			return
		default:
		}
	}
	inst.Close(context.Background())
}

// Call invokes export with a JSON payload and returns the guest's JSON
// output. The call runs under the module's CPU budget.
func (m *Module) Call(ctx context.Context, export string, input []byte) (out []byte, err error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, plugins.NewError(plugins.ErrExecutionFailed, m.manifest.ID, "module is closed")
	}
	m.mu.RUnlock()

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, m.limits.CPUTime())
	defer cancel()

	inst, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}

	healthy := false
	defer func() {
		if r := recover(); r != nil {
			err = plugins.NewError(plugins.ErrExecutionFailed, m.manifest.ID, "host panic during %s: %v", export, r)
			healthy = false
		}
		m.release(inst, healthy)
	}()

	out, err = m.call(ctx, inst, export, input)
	if err != nil {
		return nil, m.classify(parent, inst, err)
	}
	healthy = true
	return out, nil
}

func (m *Module) call(ctx context.Context, inst api.Module, export string, input []byte) ([]byte, error) {
	fn := inst.ExportedFunction(export)
	if fn == nil {
		return nil, plugins.NewError(plugins.ErrBinding, m.manifest.ID, "module does not export %q", export)
	}

	ptr, err := writeGuest(ctx, inst, input)
	if err != nil {
		return nil, err
	}

	results, err := fn.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, err
	}

	var outPtr, outLen uint32
	switch len(results) {
	case 1:
		outPtr, outLen = unpack(results[0])
	case 2:
		outPtr, outLen = uint32(results[0]), uint32(results[1])
	default:
		return nil, plugins.NewError(plugins.ErrExecutionFailed, m.manifest.ID, "%s returned %d values", export, len(results))
	}

	data, ok := inst.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, plugins.NewError(plugins.ErrExecutionFailed, m.manifest.ID,
			"%s returned out-of-bounds output (ptr=%d len=%d)", export, outPtr, outLen)
	}
	out := append([]byte(nil), data...)

	if dealloc := inst.ExportedFunction(ExportDealloc); dealloc != nil {
		dealloc.Call(ctx, uint64(ptr), uint64(len(input)))
		dealloc.Call(ctx, uint64(outPtr), uint64(outLen))
	}
	return out, nil
}

// writeGuest copies data into guest memory through the guest allocator.
func writeGuest(ctx context.Context, inst api.Module, data []byte) (uint32, error) {
	alloc := inst.ExportedFunction(ExportAlloc)
	if alloc == nil {
		return 0, fmt.Errorf("module does not export %q", ExportAlloc)
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, err
	}
	ptr := uint32(res[0])
	if len(data) > 0 && ptr == 0 {
		return 0, errAllocFailed
	}
	if !inst.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("alloc returned out-of-bounds pointer %d for %d bytes", ptr, len(data))
	}
	return ptr, nil
}

var errAllocFailed = errors.New("guest allocation failed")

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(v uint64) (uint32, uint32) {
	return uint32(v >> 32), uint32(v)
}

// classify maps a wazero failure to a plugin error kind.
func (m *Module) classify(parent context.Context, inst api.Module, err error) error {
	var pe *plugins.Error
	if errors.As(err, &pe) {
		return err
	}

	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			if parent.Err() != nil {
				return plugins.WrapError(plugins.ErrTimeout, m.manifest.ID, parent.Err(), "call cancelled by caller")
			}
			return plugins.NewError(plugins.ErrResourceExceeded, m.manifest.ID,
				"cpu time budget of %s exceeded", m.limits.CPUTime())
		default:
			return plugins.WrapError(plugins.ErrExecutionFailed, m.manifest.ID, err, "module exited with code %d", exit.ExitCode())
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if parent.Err() != nil {
			return plugins.WrapError(plugins.ErrTimeout, m.manifest.ID, err, "call cancelled by caller")
		}
		return plugins.NewError(plugins.ErrResourceExceeded, m.manifest.ID,
			"cpu time budget of %s exceeded", m.limits.CPUTime())
	}

	if (inst != nil && m.atMemoryLimit(inst)) || errors.Is(err, errAllocFailed) {
		return plugins.WrapError(plugins.ErrResourceExceeded, m.manifest.ID, err,
			"memory limit of %d bytes reached", m.limitBytes)
	}
	return plugins.WrapError(plugins.ErrExecutionFailed, m.manifest.ID, err, "module trapped")
}

// atMemoryLimit reports whether the instance cannot grow another page.
func (m *Module) atMemoryLimit(inst api.Module) bool {
	mem := inst.Memory()
	if mem == nil {
		return false
	}
	return uint64(mem.Size())+pageSize > m.limitBytes
}

// Close closes every instance and the runtime. In-flight calls are
// interrupted.
func (m *Module) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	for {
		select {
		case inst := <-m.idle:
			inst.Close(ctx)
			continue
		default:
		}
		break
	}
	return m.runtime.Close(ctx)
}
