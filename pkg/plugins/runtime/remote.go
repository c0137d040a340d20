package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

// Remote defaults.
const (
	DefaultRemoteTimeout  = 30 * time.Second
	DefaultHealthInterval = 10 * time.Second
	DefaultRetryBackoff   = 100 * time.Millisecond
)

// transport moves one request to a remote plugin.
type transport interface {
	// call returns the raw response body, or an *attemptError.
	call(ctx context.Context, v verb, body []byte, requestID string) ([]byte, error)
	health(ctx context.Context) error
	close() error
}

// RemoteOptions tunes a RemoteAdapter beyond what the manifest declares.
type RemoteOptions struct {
	Logger           *logrus.Logger
	FailureThreshold int
	RetryBackoff     time.Duration
	// OnStateChange is notified when the circuit opens or closes.
	OnStateChange StateFunc
}

// RemoteAdapter calls a plugin running as a separate service.
type RemoteAdapter struct {
	typedCalls
	manifest  *plugins.Manifest
	transport transport
	sem       *semaphore.Weighted
	breaker   *breaker
	timeout   time.Duration
	retries   int
	backoff   time.Duration
	interval  time.Duration
	logger    *logrus.Logger
}

var _ plugins.Adapter = (*RemoteAdapter)(nil)

// NewRemoteAdapter builds an adapter for the manifest's remote block. It
// does not contact the service; call Probe for that.
func NewRemoteAdapter(manifest *plugins.Manifest, opts RemoteOptions) (*RemoteAdapter, error) {
	cfg := manifest.Remote
	if cfg == nil {
		return nil, plugins.NewError(plugins.ErrBinding, manifest.ID, "runtime is remote but no remote block is declared")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}

	limits := manifest.Capabilities.Resources.WithDefaults()

	var (
		t   transport
		err error
	)
	switch cfg.Protocol {
	case plugins.ProtocolHTTP, "":
		t, err = newHTTPTransport(manifest.ID, cfg, limits.MaxConcurrentRequests, opts.Logger)
	case plugins.ProtocolGRPC:
		t, err = newGRPCTransport(manifest.ID, cfg)
	default:
		err = fmt.Errorf("unsupported protocol %q", cfg.Protocol)
	}
	if err != nil {
		return nil, plugins.WrapError(plugins.ErrBinding, manifest.ID, err, "cannot connect to %s", cfg.Endpoint)
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	interval := time.Duration(cfg.HealthIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = DefaultHealthInterval
	}

	a := &RemoteAdapter{
		manifest:  manifest,
		transport: t,
		sem:       semaphore.NewWeighted(int64(limits.MaxConcurrentRequests)),
		breaker:   newBreaker(manifest.ID, opts.FailureThreshold),
		timeout:   timeout,
		retries:   cfg.Retries(),
		backoff:   opts.RetryBackoff,
		interval:  interval,
		logger:    opts.Logger,
	}
	a.breaker.setOnChange(opts.OnStateChange)
	a.typedCalls = typedCalls{pluginID: manifest.ID, inv: a}
	return a, nil
}

// Runtime reports the remote runtime.
func (a *RemoteAdapter) Runtime() plugins.RuntimeKind {
	return plugins.RuntimeRemote
}

// HealthInterval is how often the host should Probe this adapter.
func (a *RemoteAdapter) HealthInterval() time.Duration {
	return a.interval
}

// OnStateChange replaces the circuit state listener.
func (a *RemoteAdapter) OnStateChange(fn StateFunc) {
	a.breaker.setOnChange(fn)
}

// CircuitOpen reports whether calls are currently failing fast.
func (a *RemoteAdapter) CircuitOpen() bool {
	return a.breaker.isOpen()
}

func (a *RemoteAdapter) invoke(ctx context.Context, v verb, payload interface{}) (json.RawMessage, error) {
	id := a.manifest.ID
	if !a.manifest.HasType(v.Type) {
		return nil, plugins.NewError(plugins.ErrBinding, id, "plugin does not implement %s", v.Type)
	}
	if err := a.breaker.allow(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, plugins.WrapError(plugins.ErrExecutionFailed, id, err, "failed to encode %s request", v.Type)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, plugins.WrapError(plugins.ErrTimeout, id, err, "no free remote slot within deadline")
	}
	defer a.sem.Release(1)

	deadline, _ := ctx.Deadline()
	machine := newRetryMachine(a.retries, v.Idempotent, a.backoff, deadline)

	var out []byte
	err = machine.run(ctx, func(ctx context.Context) error {
		requestID := uuid.NewString()
		res, err := a.transport.call(ctx, v, body, requestID)
		if err != nil {
			a.logger.WithFields(logrus.Fields{
				"plugin":     id,
				"verb":       v.Path,
				"attempt":    machine.attempt,
				"request_id": requestID,
			}).WithError(err).Debug("Remote plugin call failed")
			var ae *attemptError
			if errors.As(err, &ae) && ae.transport {
				a.breaker.failure(err)
			}
			return err
		}
		a.breaker.success()
		out = res
		return nil
	})
	if err != nil {
		return nil, a.classify(ctx, err)
	}
	return decodeResult(id, out)
}

func (a *RemoteAdapter) classify(ctx context.Context, err error) error {
	id := a.manifest.ID
	var pe *plugins.Error
	if errors.As(err, &pe) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return plugins.WrapError(plugins.ErrTimeout, id, err, "remote call exceeded %s", a.timeout)
	}
	return plugins.WrapError(plugins.ErrExecutionFailed, id, err, "remote call failed")
}

// Probe checks the service's health endpoint, opening the circuit on
// failure and closing it on success.
func (a *RemoteAdapter) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if err := a.transport.health(ctx); err != nil {
		a.breaker.trip("health-check: " + err.Error())
		return plugins.WrapError(plugins.ErrCircuitOpen, a.manifest.ID, err, "health check failed")
	}
	a.breaker.reset()
	return nil
}

// HealthCheck runs a probe.
func (a *RemoteAdapter) HealthCheck(ctx context.Context) error {
	return a.Probe(ctx)
}

// Close releases connections.
func (a *RemoteAdapter) Close(ctx context.Context) error {
	return a.transport.close()
}
