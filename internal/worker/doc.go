// Package worker provides a fixed-size pool of worker goroutines that
// share one blocking, unbounded work queue.
//
// Each thread builds its own Worker, runs Initialize once, then loops on
// the queue: ordinary work goes to Execute, a shutdown request ends the
// loop, and a failed queue wait ends the thread with ExitWaitFailed.
// Terminate runs once on the way out, but never after a failed
// Initialize.
//
// # Basic Usage
//
//	pool := worker.New(worker.NewFuncWorker[struct{}], struct{}{})
//	if err := pool.Start(ctx, 4); err != nil {
//	    // errors.Is(err, worker.ErrInitFailed); surviving threads still run
//	}
//	defer pool.Stop(ctx)
//
//	pool.Submit(worker.NewRequest(func() {
//	    // do work
//	}))
//
// # Ownership
//
// A submitted item belongs to the pool until it is delivered, and then to
// the Executor. Execute must either release the item or put it back with
// Resubmit, exactly once.
//
// # Shutdown
//
// Shutdown(ctx, n) stops up to n threads one request at a time and
// reports how many actually exited. CancelShutdown withdraws a request
// that no thread has consumed yet; the thread that later meets it keeps
// running. Stop shuts every thread down and closes the queue, after which
// Drain hands back the items that were never delivered.
package worker
