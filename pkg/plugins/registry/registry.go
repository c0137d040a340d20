// Package registry tracks installed plugin instances. Readers see an
// immutable snapshot and never take a lock; writers are serialised per
// plugin id.
package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

// StatusFunc is notified after an instance changes state.
type StatusFunc func(inst *Instance, status Status)

type snapshot struct {
	byID  map[string]*Instance
	order []string
}

func (s *snapshot) with(inst *Instance) *snapshot {
	next := &snapshot{byID: make(map[string]*Instance, len(s.byID)+1)}
	for id, i := range s.byID {
		next.byID[id] = i
	}
	if _, exists := s.byID[inst.ID()]; exists {
		next.order = s.order
	} else {
		next.order = append(append([]string(nil), s.order...), inst.ID())
	}
	next.byID[inst.ID()] = inst
	return next
}

func (s *snapshot) without(id string) *snapshot {
	next := &snapshot{
		byID:  make(map[string]*Instance, len(s.byID)),
		order: make([]string, 0, len(s.order)),
	}
	for k, i := range s.byID {
		if k != id {
			next.byID[k] = i
		}
	}
	for _, k := range s.order {
		if k != id {
			next.order = append(next.order, k)
		}
	}
	return next
}

// Registry holds the installed plugin instances.
type Registry struct {
	current atomic.Pointer[snapshot]
	// publish serialises snapshot swaps across ids.
	publish sync.Mutex
	locks   sync.Map // id -> *sync.Mutex

	onStatus StatusFunc
	logger   *logrus.Logger
}

// New creates an empty registry. onStatus may be nil.
func New(logger *logrus.Logger, onStatus StatusFunc) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	if onStatus == nil {
		onStatus = func(*Instance, Status) {}
	}
	r := &Registry{logger: logger, onStatus: onStatus}
	r.current.Store(&snapshot{byID: map[string]*Instance{}})
	return r
}

// Lock serialises install, uninstall and reload of one plugin id. It
// returns the unlock func.
func (r *Registry) Lock(id string) func() {
	v, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Register publishes a new instance. It fails with ErrAlreadyInstalled when
// the id is taken.
func (r *Registry) Register(inst *Instance) error {
	r.publish.Lock()
	defer r.publish.Unlock()

	cur := r.current.Load()
	if existing, ok := cur.byID[inst.ID()]; ok {
		return plugins.NewError(plugins.ErrAlreadyInstalled, inst.ID(),
			"version %s is already installed", existing.Version())
	}
	r.current.Store(cur.with(inst))

	r.logger.WithFields(logrus.Fields{
		"plugin":  inst.ID(),
		"version": inst.Version(),
		"state":   inst.State().String(),
	}).Info("Plugin registered")
	r.onStatus(inst, inst.Status())
	return nil
}

// Replace swaps inst in for the instance with the same id, then drains and
// closes the old one. inst must already be Ready; otherwise nothing
// changes and the old instance stays active.
func (r *Registry) Replace(ctx context.Context, inst *Instance) (*Instance, error) {
	if st := inst.Status(); st.State != plugins.StateReady {
		return nil, plugins.NewError(plugins.ErrBinding, inst.ID(),
			"replacement is %s, not ready: %s", st.State, st.Reason)
	}

	r.publish.Lock()
	cur := r.current.Load()
	old, ok := cur.byID[inst.ID()]
	if !ok {
		r.publish.Unlock()
		return nil, plugins.NewError(plugins.ErrPluginNotFound, inst.ID(), "nothing to replace")
	}
	r.current.Store(cur.with(inst))
	r.publish.Unlock()

	r.logger.WithFields(logrus.Fields{
		"plugin":      inst.ID(),
		"old_version": old.Version(),
		"new_version": inst.Version(),
	}).Info("Plugin replaced")
	r.onStatus(inst, inst.Status())

	if err := old.drain(ctx); err != nil {
		r.logger.WithField("plugin", old.ID()).WithError(err).Warn("Failed to close replaced plugin")
	}
	return old, nil
}

// SetStatus changes the state of the instance registered under id.
func (r *Registry) SetStatus(id string, state plugins.State, reason string) error {
	inst, ok := r.Get(id)
	if !ok {
		return plugins.NewError(plugins.ErrPluginNotFound, id, "not installed")
	}
	return r.Update(inst, state, reason)
}

// Update changes inst's state if inst is still the registered instance for
// its id. Callbacks from a replaced or removed instance get
// ErrPluginNotFound and change nothing.
func (r *Registry) Update(inst *Instance, state plugins.State, reason string) error {
	if cur, ok := r.Get(inst.ID()); !ok || cur != inst {
		return plugins.NewError(plugins.ErrPluginNotFound, inst.ID(), "instance is no longer registered")
	}
	if !inst.setStatus(state, reason) {
		return nil
	}

	entry := r.logger.WithFields(logrus.Fields{
		"plugin": inst.ID(),
		"state":  state.String(),
	})
	if reason != "" {
		entry = entry.WithField("reason", reason)
	}
	if state == plugins.StateFailed {
		entry.Warn("Plugin state changed")
	} else {
		entry.Info("Plugin state changed")
	}
	r.onStatus(inst, inst.Status())
	return nil
}

// Remove unpublishes id, drains its running calls and closes it.
func (r *Registry) Remove(ctx context.Context, id string) (*Instance, error) {
	r.publish.Lock()
	cur := r.current.Load()
	inst, ok := cur.byID[id]
	if !ok {
		r.publish.Unlock()
		return nil, plugins.NewError(plugins.ErrPluginNotFound, id, "not installed")
	}
	// Unloading is visible before the instance disappears from snapshots.
	inst.setStatus(plugins.StateUnloading, "")
	r.onStatus(inst, inst.Status())
	r.current.Store(cur.without(id))
	r.publish.Unlock()

	r.logger.WithField("plugin", id).Info("Plugin removed")
	return inst, inst.drain(ctx)
}

// Get returns the instance registered under id.
func (r *Registry) Get(id string) (*Instance, bool) {
	inst, ok := r.current.Load().byID[id]
	return inst, ok
}

// List returns every instance in registration order.
func (r *Registry) List() []*Instance {
	cur := r.current.Load()
	out := make([]*Instance, 0, len(cur.order))
	for _, id := range cur.order {
		out = append(out, cur.byID[id])
	}
	return out
}

// Len is the number of registered instances.
func (r *Registry) Len() int {
	return len(r.current.Load().order)
}

// Manifests returns the manifests of every instance in registration order.
func (r *Registry) Manifests() []*plugins.Manifest {
	list := r.List()
	out := make([]*plugins.Manifest, 0, len(list))
	for _, inst := range list {
		out = append(out, inst.Manifest)
	}
	return out
}

// FirstOfType returns the earliest registered Ready instance that
// implements t, or failing that the earliest Failed one, so callers get the
// failed instance's error rather than a not-found.
func (r *Registry) FirstOfType(t plugins.PluginType) (*Instance, bool) {
	var failed *Instance
	for _, inst := range r.List() {
		if !inst.Manifest.HasType(t) {
			continue
		}
		switch inst.State() {
		case plugins.StateReady:
			return inst, true
		case plugins.StateFailed:
			if failed == nil {
				failed = inst
			}
		}
	}
	return failed, failed != nil
}

// AnyLoading reports whether an instance is still Loading.
func (r *Registry) AnyLoading() bool {
	for _, inst := range r.List() {
		if inst.State() == plugins.StateLoading {
			return true
		}
	}
	return false
}

// Close removes every instance, last registered first.
func (r *Registry) Close(ctx context.Context) error {
	var result *multierror.Error
	list := r.List()
	for i := len(list) - 1; i >= 0; i-- {
		if _, err := r.Remove(ctx, list[i].ID()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
