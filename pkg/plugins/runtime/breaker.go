package runtime

import (
	"sync"
	"sync/atomic"

	"github.com/tevino/abool"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

// DefaultFailureThreshold is the number of consecutive transport failures
// that opens the circuit.
const DefaultFailureThreshold = 5

// StateFunc is notified when the circuit opens (open=true, with a reason)
// or closes.
type StateFunc func(open bool, reason string)

// breaker fails calls fast while a remote plugin is unhealthy. It opens on
// a failed probe or after threshold consecutive transport failures, and
// only a successful probe closes it.
type breaker struct {
	pluginID  string
	open      *abool.AtomicBool
	failures  atomic.Int32
	threshold int32

	mu       sync.Mutex
	reason   string
	onChange StateFunc
}

func newBreaker(pluginID string, threshold int) *breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &breaker{
		pluginID:  pluginID,
		open:      abool.New(),
		threshold: int32(threshold),
		onChange:  func(bool, string) {},
	}
}

func (b *breaker) setOnChange(fn StateFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fn == nil {
		fn = func(bool, string) {}
	}
	b.onChange = fn
}

// allow returns ErrCircuitOpen while the circuit is open.
func (b *breaker) allow() error {
	if !b.open.IsSet() {
		return nil
	}
	b.mu.Lock()
	reason := b.reason
	b.mu.Unlock()
	return plugins.NewError(plugins.ErrCircuitOpen, b.pluginID, "circuit open: %s", reason)
}

func (b *breaker) success() {
	b.failures.Store(0)
}

func (b *breaker) failure(err error) {
	if b.failures.Add(1) >= b.threshold {
		b.trip("transport: " + err.Error())
	}
}

func (b *breaker) trip(reason string) {
	b.mu.Lock()
	b.reason = reason
	notify := b.onChange
	b.mu.Unlock()
	if b.open.SetToIf(false, true) {
		notify(true, reason)
	}
}

func (b *breaker) reset() {
	b.failures.Store(0)
	b.mu.Lock()
	b.reason = ""
	notify := b.onChange
	b.mu.Unlock()
	if b.open.SetToIf(true, false) {
		notify(false, "")
	}
}

func (b *breaker) isOpen() bool {
	return b.open.IsSet()
}
