// Package queue provides the shared, unbounded, blocking work queue.
//
// Any number of producers may Enqueue and any number of consumers may
// Dequeue concurrently. Each enqueued message is received by exactly one
// Dequeue call.
//
// # Messages
//
// A Message is either a work message carrying an item and an auxiliary
// value, or a shutdown message. Consumers switch on Message.Kind:
//
//	msg, err := q.Dequeue(ctx)
//	if err != nil {
//	    // the wait itself failed; msg carries nothing
//	}
//	switch msg.Kind {
//	case queue.KindShutdown:
//	    // ...
//	case queue.KindWork:
//	    process(msg.Item, msg.Aux)
//	}
//
// # Failures
//
// Dequeue blocks with no timeout. It fails only when the queue is closed
// (ErrClosed), when the caller's context ends, or when a failure was
// injected with Fail. Close wakes every waiter; entries still queued at
// that point are returned by Drain.
package queue
