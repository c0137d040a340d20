package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

// Status is an instance's lifecycle state and why it is in it.
type Status struct {
	State  plugins.State `json:"state"`
	Reason string        `json:"reason,omitempty"`
	Since  time.Time     `json:"since"`
}

// Instance is an installed plugin bound to its adapter.
type Instance struct {
	Manifest    *plugins.Manifest
	Adapter     plugins.Adapter
	Source      string
	CacheKey    string
	Checksum    string
	InstallDir  string
	InstalledAt time.Time

	status atomic.Pointer[Status]

	// callMu guards active, closing and idle. Once closing is set no call
	// can enter, and idle closes when the last running call leaves.
	callMu  sync.Mutex
	active  int
	closing bool
	idle    chan struct{}
	closed  atomic.Bool
}

// NewInstance creates an instance in the Loading state.
func NewInstance(m *plugins.Manifest, adapter plugins.Adapter) *Instance {
	inst := &Instance{
		Manifest:    m,
		Adapter:     adapter,
		InstalledAt: time.Now().UTC(),
	}
	inst.status.Store(&Status{State: plugins.StateLoading, Since: inst.InstalledAt})
	return inst
}

// ID is the manifest id.
func (i *Instance) ID() string { return i.Manifest.ID }

// Version is the manifest version.
func (i *Instance) Version() string { return i.Manifest.Version }

// Status returns a copy of the current status.
func (i *Instance) Status() Status {
	return *i.status.Load()
}

// State returns the current lifecycle state.
func (i *Instance) State() plugins.State {
	return i.status.Load().State
}

// setStatus records a new state and reports whether it changed.
func (i *Instance) setStatus(state plugins.State, reason string) bool {
	next := &Status{State: state, Reason: reason, Since: time.Now().UTC()}
	for {
		prev := i.status.Load()
		if prev.State == state && prev.Reason == reason {
			return false
		}
		if i.status.CompareAndSwap(prev, next) {
			return true
		}
	}
}

// MarkReady moves a Loading instance to Ready. Used by the host before the
// instance is published.
func (i *Instance) MarkReady() {
	i.setStatus(plugins.StateReady, "")
}

// MarkFailed moves an instance to Failed with reason.
func (i *Instance) MarkFailed(reason string) {
	i.setStatus(plugins.StateFailed, reason)
}

// Enter registers a call against the instance. The returned func must be
// called when the call returns. Calls cannot enter an instance that is
// being unloaded.
func (i *Instance) Enter() (func(), error) {
	i.callMu.Lock()
	defer i.callMu.Unlock()
	if i.closing {
		return nil, plugins.NewError(plugins.ErrPluginNotFound, i.ID(), "plugin is unloading")
	}
	i.active++
	var once sync.Once
	return func() { once.Do(i.leave) }, nil
}

func (i *Instance) leave() {
	i.callMu.Lock()
	defer i.callMu.Unlock()
	i.active--
	if i.active == 0 && i.idle != nil {
		close(i.idle)
	}
}

// Active reports the number of calls currently inside the instance.
func (i *Instance) Active() int {
	i.callMu.Lock()
	defer i.callMu.Unlock()
	return i.active
}

// drain stops new calls, waits for running calls until ctx is done, and
// closes the adapter. It is safe to call more than once.
func (i *Instance) drain(ctx context.Context) error {
	i.callMu.Lock()
	i.closing = true
	if i.idle == nil {
		i.idle = make(chan struct{})
		if i.active == 0 {
			close(i.idle)
		}
	}
	idle := i.idle
	i.callMu.Unlock()
	i.setStatus(plugins.StateUnloading, "")

	select {
	case <-idle:
	case <-ctx.Done():
	}

	if !i.closed.CompareAndSwap(false, true) || i.Adapter == nil {
		return nil
	}
	return i.Adapter.Close(ctx)
}
