// Package async provides goroutine helpers with panic recovery and
// per-task timeouts.
//
// SafeGo runs fire-and-forget work and logs its failure. Run is the
// synchronous form used inside schedulers. Batch fans a slice out over a
// bounded number of workers and returns one Result per item, in order:
//
//	results := async.Batch(ctx, ids, 4, time.Minute, update)
//	for _, r := range results {
//		if r.Err != nil {
//			merr = multierror.Append(merr, fmt.Errorf("%s: %w", r.Item, r.Err))
//		}
//	}
package async
