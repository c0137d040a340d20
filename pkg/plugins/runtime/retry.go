package runtime

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type retryState int

const (
	stateAttempt retryState = iota
	stateWait
	stateDone
)

// attemptError describes how an attempt failed.
type attemptError struct {
	err error
	// transport is true when the request never produced an answer from the
	// plugin (connection refused, reset, 5xx from a proxy...).
	transport bool
	// observed is true when any response bytes or headers were received.
	observed bool
	// status is the HTTP status, when there was one.
	status int
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

// retryMachine drives attempt -> wait -> attempt ... -> done for one remote
// call. Idempotent verbs retry on transport failure and 5xx; non-idempotent
// verbs retry only when nothing was observed from the server.
type retryMachine struct {
	state      retryState
	attempt    int
	maxRetries int
	idempotent bool
	backoff    backoff.BackOff
	deadline   time.Time
	lastErr    error
}

func newRetryMachine(maxRetries int, idempotent bool, initial time.Duration, deadline time.Time) *retryMachine {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return &retryMachine{
		state:      stateAttempt,
		maxRetries: maxRetries,
		idempotent: idempotent,
		backoff:    b,
		deadline:   deadline,
	}
}

func (m *retryMachine) retryable(err error) bool {
	ae, ok := err.(*attemptError)
	if !ok {
		return false
	}
	if m.idempotent {
		return ae.transport || ae.status >= 500
	}
	return !ae.observed
}

// run executes op until it succeeds, fails permanently, exhausts retries,
// or would overrun the deadline.
func (m *retryMachine) run(ctx context.Context, op func(ctx context.Context) error) error {
	var delay time.Duration
	for {
		switch m.state {
		case stateAttempt:
			m.attempt++
			err := op(ctx)
			if err == nil {
				m.lastErr = nil
				m.state = stateDone
				continue
			}
			m.lastErr = err
			if !m.retryable(err) || m.attempt > m.maxRetries || ctx.Err() != nil {
				m.state = stateDone
				continue
			}
			delay = m.backoff.NextBackOff()
			if delay == backoff.Stop || (!m.deadline.IsZero() && time.Now().Add(delay).After(m.deadline)) {
				m.state = stateDone
				continue
			}
			m.state = stateWait

		case stateWait:
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
				m.state = stateAttempt
			case <-ctx.Done():
				timer.Stop()
				m.state = stateDone
			}

		case stateDone:
			return m.lastErr
		}
	}
}
