package observability

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/disk"
)

// HealthOptions configures the liveness and readiness handler.
type HealthOptions struct {
	// Registerer exports one gauge per check when set.
	Registerer    prometheus.Registerer
	MaxGoroutines int
	// CheckTimeout bounds each readiness check. Zero means 2s.
	CheckTimeout time.Duration
}

// HealthHandler serves /live and /ready.
type HealthHandler struct {
	healthcheck.Handler
	timeout time.Duration
}

// NewHealthHandler builds a handler with a goroutine-count liveness check.
func NewHealthHandler(opts HealthOptions) *HealthHandler {
	var h healthcheck.Handler
	if opts.Registerer != nil {
		h = healthcheck.NewMetricsHandler(opts.Registerer, "plughost")
	} else {
		h = healthcheck.NewHandler()
	}
	if opts.MaxGoroutines <= 0 {
		opts.MaxGoroutines = 10000
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 2 * time.Second
	}
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	return &HealthHandler{Handler: h, timeout: opts.CheckTimeout}
}

// AddReadiness registers a readiness check bounded by the handler timeout.
func (h *HealthHandler) AddReadiness(name string, check healthcheck.Check) {
	h.AddReadinessCheck(name, healthcheck.Timeout(check, h.timeout))
}

// PluginsSettledCheck fails while any plugin is still loading.
func PluginsSettledCheck(anyLoading func() bool) healthcheck.Check {
	return func() error {
		if anyLoading() {
			return errors.New("plugins still loading")
		}
		return nil
	}
}

// DirWritableCheck fails when dir cannot be created or written to.
func DirWritableCheck(dir string) healthcheck.Check {
	return func() error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return fmt.Errorf("write %s: %w", dir, err)
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	}
}

// DiskSpaceCheck fails when the filesystem holding dir has less than
// minFree bytes available.
func DiskSpaceCheck(dir string, minFree uint64) healthcheck.Check {
	return func() error {
		usage, err := disk.Usage(filepath.Clean(dir))
		if err != nil {
			return fmt.Errorf("disk usage for %s: %w", dir, err)
		}
		if usage.Free < minFree {
			return fmt.Errorf("only %d bytes free on %s, need %d", usage.Free, usage.Path, minFree)
		}
		return nil
	}
}
