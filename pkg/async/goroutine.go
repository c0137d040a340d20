package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/plughost/pkg/observability"
)

// SafeGo executes fn in a goroutine with a timeout and panic recovery.
// Errors and panics are logged, never propagated.
//
// Example:
//
//	async.SafeGo(ctx, logger, 5*time.Second, "health probe", func(ctx context.Context) error {
//	    return adapter.Probe(ctx)
//	})
func SafeGo(parentCtx context.Context, logger logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		if err := Run(parentCtx, timeout, fn); err != nil {
			logger.WithField("task", taskName).WithError(err).Warn("Background task failed")
		}
	}()
}

// Run calls fn synchronously with a timeout, turning a panic into an error.
// A zero timeout leaves the parent deadline alone.
func Run(parentCtx context.Context, timeout time.Duration, fn func(context.Context) error) (err error) {
	ctx := parentCtx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parentCtx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w\n%s", observability.MustRecover(r), debug.Stack())
		}
	}()
	return fn(ctx)
}

// Result pairs a Batch input with its outcome.
type Result[T, R any] struct {
	Item  T
	Value R
	Err   error
}

// Batch runs fn over items with at most workers in flight. Results keep
// the order of items. Each call gets its own timeout; one failure does not
// cancel the others.
//
// Example:
//
//	results := async.Batch(ctx, ids, 4, 30*time.Second, func(ctx context.Context, id string) (string, error) {
//	    return host.Update(ctx, id)
//	})
func Batch[T, R any](ctx context.Context, items []T, workers int, timeout time.Duration,
	fn func(context.Context, T) (R, error)) []Result[T, R] {

	results := make([]Result[T, R], len(items))
	if workers <= 0 {
		workers = 1
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, item := range items {
		results[i].Item = item
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Err = Run(ctx, timeout, func(ctx context.Context) error {
				v, err := fn(ctx, item)
				results[i].Value = v
				return err
			})
			return nil
		})
	}
	_ = g.Wait()
	return results
}
