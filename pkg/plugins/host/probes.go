package host

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/plughost/pkg/async"
	"github.com/platinummonkey/plughost/pkg/plugins/registry"
	"github.com/platinummonkey/plughost/pkg/plugins/runtime"
)

// schedule starts periodic health probes for a remote instance, replacing
// any schedule left by a previous version of the same plugin.
func (h *Host) schedule(inst *registry.Instance) {
	h.unschedule(inst.ID())

	remote, ok := inst.Adapter.(*runtime.RemoteAdapter)
	if !ok {
		return
	}
	interval := h.cfg.Registry.HealthInterval
	if inst.Manifest.Remote != nil && inst.Manifest.Remote.HealthIntervalMs > 0 {
		interval = remote.HealthInterval()
	}
	if interval < time.Second {
		interval = time.Second
	}

	id, err := h.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		h.probe(inst, remote, interval)
	})
	if err != nil {
		h.logger.WithError(err).WithField("plugin", inst.ID()).Error("Failed to schedule health probe")
		return
	}

	h.mu.Lock()
	h.probes[inst.ID()] = id
	h.mu.Unlock()
}

func (h *Host) unschedule(pluginID string) {
	h.mu.Lock()
	id, ok := h.probes[pluginID]
	delete(h.probes, pluginID)
	h.mu.Unlock()
	if ok {
		h.cron.Remove(id)
	}
}

// probe runs one health check. The adapter's circuit listener moves the
// instance between Ready and Failed.
func (h *Host) probe(inst *registry.Instance, remote *runtime.RemoteAdapter, timeout time.Duration) {
	if current, ok := h.registry.Get(inst.ID()); !ok || current != inst {
		return
	}
	err := async.Run(h.ctx, timeout, func(ctx context.Context) error {
		return remote.Probe(ctx)
	})
	if err != nil {
		h.logger.WithError(err).WithField("plugin", inst.ID()).Debug("Health probe failed")
	}
}
