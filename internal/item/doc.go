// Package item provides tracked work items for the worker pool.
//
// An Arena lends out Items whose payload lives in a pooled byte buffer
// (github.com/valyala/bytebufferpool). Each Item must be released exactly
// once by whoever owns it last; a second Release panics, and the arena's
// InUse and Leaked report items that were never released.
//
//	arena := item.NewArena()
//	it := arena.New(1, []byte("payload"))
//	_ = pool.Submit(it)       // ownership moves to the pool
//	...
//	it.Release()              // inside Execute, by the final owner
//
//	if arena.InUse() != 0 {
//	    log.Printf("leaked: %v", arena.Leaked())
//	}
package item
