// Package events provides a non-blocking pub/sub bus for worker pool
// lifecycle events.
//
// The pool publishes an Event when a thread becomes ready, fails to
// initialize, fails its queue wait, discards a cancelled shutdown
// request, or exits. Subscribers that fall behind lose events instead of
// stalling worker threads; Dropped reports how many deliveries were lost.
//
//	bus := events.NewBus()
//	exits := bus.SubscribeTypes(events.EventThreadExited)
//	defer bus.Unsubscribe(exits)
//
//	for ev := range exits {
//	    fmt.Println(ev.ThreadID, ev.Data.Status)
//	}
package events
