package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchpool/internal/events"
	"dispatchpool/internal/item"
)

const waitFor = 2 * time.Second
const tick = time.Millisecond

func TestPoolStartSubmitStop(t *testing.T) {
	j := newJournal()
	pool := newTestPool(j, nil)
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx, 4))
	assert.Equal(t, 4, pool.Size())
	assert.Equal(t, 4, pool.Live())

	for i := range 1000 {
		require.NoError(t, pool.Submit(i))
	}

	require.Eventually(t, func() bool { return j.total() == 1000 }, waitFor, tick)

	counts := j.itemCounts()
	assert.Len(t, counts, 1000)
	for id, n := range counts {
		assert.Equalf(t, 1, n, "item %d executed %d times", id, n)
	}

	require.NoError(t, pool.Stop(ctx))
	assert.Zero(t, pool.Live())
	assert.Zero(t, pool.Pending())

	for _, info := range pool.Threads() {
		assert.Equal(t, StateExited, info.State)
		assert.Equal(t, ExitShutdown, info.Status)
		assert.NoError(t, info.Err)
	}
	assert.Equal(t, uint64(1000), pool.Metrics().Executed())
	assert.Equal(t, uint64(4), pool.Metrics().Shutdowns())
}

func TestPoolLifecycleOrdering(t *testing.T) {
	j := newJournal()
	pool := newTestPool(j, nil)
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx, 3))
	for i := range 300 {
		require.NoError(t, pool.Submit(i))
	}
	require.Eventually(t, func() bool { return j.total() == 300 }, waitFor, tick)
	require.NoError(t, pool.Stop(ctx))

	for id := 1; id <= 3; id++ {
		h := j.history(id)
		require.NotEmpty(t, h)
		assert.Equal(t, "init", h[0], "worker %d", id)
		assert.Equal(t, "term", h[len(h)-1], "worker %d", id)
		assert.Equal(t, 1, j.count(id, "init"))
		assert.Equal(t, 1, j.count(id, "term"))
	}
}

func TestPoolStartDefaultsToNumCPU(t *testing.T) {
	j := newJournal()
	pool := newTestPool(j, nil)
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx, 0))
	assert.Equal(t, runtime.NumCPU(), pool.Size())
	require.NoError(t, pool.Stop(ctx))
}

func TestPoolStartTwice(t *testing.T) {
	pool := newTestPool(newJournal(), nil)
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx, 1))
	assert.ErrorIs(t, pool.Start(ctx, 1), ErrAlreadyStarted)
	require.NoError(t, pool.Stop(ctx))
}

func TestPoolSubmitStateErrors(t *testing.T) {
	pool := newTestPool(newJournal(), nil)
	ctx := context.Background()

	assert.ErrorIs(t, pool.Submit(1), ErrNotStarted)
	_, err := pool.Shutdown(ctx, 1)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, pool.Stop(ctx), ErrNotStarted)

	require.NoError(t, pool.Start(ctx, 1))
	require.NoError(t, pool.Stop(ctx))

	assert.ErrorIs(t, pool.Submit(1), ErrClosed)
	assert.ErrorIs(t, pool.Stop(ctx), ErrClosed)
}

func TestPoolPartialInitFailure(t *testing.T) {
	j := newJournal()
	pool := newTestPool(j, func(w *testWorker) {
		w.failInit = w.id == 2
	})
	ctx := context.Background()

	err := pool.Start(ctx, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitFailed)
	assert.Equal(t, 1, pool.Live())

	// 残ったスレッドは普通に動く
	for i := range 10 {
		require.NoError(t, pool.Submit(i))
	}
	require.Eventually(t, func() bool { return j.total() == 10 }, waitFor, tick)
	assert.Equal(t, 10, j.count(1, "exec"))

	// 初期化に失敗した Worker は Terminate されない
	assert.Equal(t, []string{"init"}, j.history(2))

	var failed int
	for _, info := range pool.Threads() {
		if info.State == StateExited {
			failed++
			assert.Equal(t, ExitInitFailed, info.Status)
			assert.ErrorIs(t, info.Err, ErrInitFailed)
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, uint64(1), pool.Metrics().InitFailures())

	removed, err := pool.Shutdown(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"init", "exec", "term"}, dedupe(j.history(1)))
}

func TestPoolInitPanicIsInitFailure(t *testing.T) {
	pool := NewWithOptions(func() Worker[int, *testConfig] {
		return Compose[int, *testConfig](panicHook{}, ExecutorFunc[int, *testConfig](func(int, *testConfig, any) {}))
	}, &testConfig{}, quietOptions())
	ctx := context.Background()

	err := pool.Start(ctx, 2)
	require.ErrorIs(t, err, ErrInitFailed)
	assert.Zero(t, pool.Live())
	assert.Contains(t, err.Error(), "boom")
}

func TestPoolNilWorkerIsInitFailure(t *testing.T) {
	pool := NewWithOptions(func() Worker[int, *testConfig] { return nil }, &testConfig{}, quietOptions())

	err := pool.Start(context.Background(), 1)
	require.ErrorIs(t, err, ErrInitFailed)
	assert.Zero(t, pool.Live())
}

type panicHook struct{ DefaultHook[*testConfig] }

func (panicHook) Initialize(*testConfig) bool { panic("boom") }

func TestPoolShutdownCompleteness(t *testing.T) {
	j := newJournal()
	pool := newTestPool(j, nil)
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx, 3))
	removed, err := pool.Shutdown(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Zero(t, pool.Live())
	assert.Zero(t, pool.Pending())

	// 稼働スレッドがなければ何もしない
	removed, err = pool.Shutdown(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestPoolShutdownSubset(t *testing.T) {
	j := newJournal()
	pool := newTestPool(j, nil)
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx, 3))
	removed, err := pool.Shutdown(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, pool.Live())

	for i := range 20 {
		require.NoError(t, pool.Submit(i))
	}
	require.Eventually(t, func() bool { return j.total() == 20 }, waitFor, tick)
	require.NoError(t, pool.Stop(ctx))
}

func TestPoolShutdownCancellation(t *testing.T) {
	j := newJournal()
	gate := make(chan struct{})
	pool := newTestPool(j, func(w *testWorker) {
		w.onItem = func(n int) {
			if n == 0 {
				<-gate
			}
		}
	})
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx, 1))
	require.NoError(t, pool.Submit(0))
	require.Eventually(t, func() bool { return j.total() == 1 }, waitFor, tick)

	type result struct {
		removed int
		err     error
	}
	done := make(chan result, 1)
	go func() {
		removed, err := pool.Shutdown(ctx, 1)
		done <- result{removed, err}
	}()

	// スレッドは item 0 で止まっているので、センチネルはまだキューにある
	require.Eventually(t, func() bool { return pool.Pending() == 1 }, waitFor, tick)
	require.True(t, pool.CancelShutdown())
	assert.False(t, pool.CancelShutdown())
	close(gate)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Zero(t, r.removed)
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for Shutdown")
	}

	assert.Equal(t, 1, pool.Live())
	assert.Equal(t, uint64(1), pool.Metrics().CancelledShutdowns())

	// 取り消されたスレッドは処理を続ける
	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool { return j.total() == 2 }, waitFor, tick)

	require.NoError(t, pool.Stop(ctx))
	assert.Equal(t, 1, j.count(1, "term"))
}

func TestPoolShutdownRaceLosesNoItems(t *testing.T) {
	for range 20 {
		j := newJournal()
		pool := newTestPool(j, nil)
		ctx := context.Background()

		require.NoError(t, pool.Start(ctx, 1))
		require.NoError(t, pool.Submit(1))

		done := make(chan int, 1)
		go func() {
			removed, err := pool.Shutdown(ctx, 1)
			assert.NoError(t, err)
			done <- removed
		}()
		require.NoError(t, pool.Submit(2))
		cancelled := pool.CancelShutdown()

		var removed int
		select {
		case removed = <-done:
		case <-time.After(waitFor):
			t.Fatal("timeout waiting for Shutdown")
		}

		// 取り消しが間に合えばスレッドは残る。間に合わなければ終了する
		if removed == 1 {
			assert.Zero(t, pool.Live())
		} else {
			assert.True(t, cancelled)
			assert.Equal(t, 1, pool.Live())
		}

		require.NoError(t, pool.Stop(ctx))
		drained, err := pool.Drain()
		require.NoError(t, err)

		seen := j.itemCounts()
		for _, it := range drained {
			seen[it]++
		}
		assert.Equal(t, map[int]int{1: 1, 2: 1}, seen)
	}
}

func TestPoolFailWait(t *testing.T) {
	j := newJournal()
	pool := newTestPool(j, nil)
	ctx := context.Background()
	injected := errors.New("lost wait")

	assert.ErrorIs(t, pool.FailWait(injected), ErrNotStarted)

	require.NoError(t, pool.Start(ctx, 2))
	require.NoError(t, pool.FailWait(injected))
	require.Eventually(t, func() bool { return pool.Live() == 1 }, waitFor, tick)
	assert.Equal(t, uint64(1), pool.Metrics().WaitFailures())

	require.NoError(t, pool.Stop(ctx))
	assert.ErrorIs(t, pool.FailWait(injected), ErrClosed)
}

func TestPoolWaitFailure(t *testing.T) {
	j := newJournal()
	pool := newTestPool(j, nil)
	ctx := context.Background()
	injected := errors.New("injected wait failure")

	require.NoError(t, pool.Start(ctx, 3))
	require.NoError(t, pool.Queue().Fail(injected))
	require.Eventually(t, func() bool { return pool.Live() == 2 }, waitFor, tick)

	var failed []ThreadInfo
	for _, info := range pool.Threads() {
		if info.State == StateExited {
			failed = append(failed, info)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, ExitWaitFailed, failed[0].Status)
	assert.ErrorIs(t, failed[0].Err, injected)

	terminated := 0
	for id := 1; id <= 3; id++ {
		terminated += j.count(id, "term")
	}
	assert.Equal(t, 1, terminated)

	// 他のスレッドは影響を受けない
	for i := range 50 {
		require.NoError(t, pool.Submit(i))
	}
	require.Eventually(t, func() bool { return j.total() == 50 }, waitFor, tick)

	removed, err := pool.Shutdown(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, uint64(1), pool.Metrics().WaitFailures())

	for id := 1; id <= 3; id++ {
		assert.Equal(t, 1, j.count(id, "term"), "worker %d", id)
	}
	require.NoError(t, pool.Stop(ctx))
}

func TestPoolShutdownReapsWaitFailure(t *testing.T) {
	pool := newTestPool(newJournal(), nil)
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx, 1))
	require.NoError(t, pool.Queue().Fail(errors.New("gone")))

	// 障害が先に配送されるので、センチネルを受け取るスレッドはいない
	removed, err := pool.Shutdown(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Zero(t, pool.Live())
	require.NoError(t, pool.Stop(ctx))
}

func TestPoolStartContextCancel(t *testing.T) {
	j := newJournal()
	pool := newTestPool(j, nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, pool.Start(ctx, 2))
	cancel()
	require.Eventually(t, func() bool { return pool.Live() == 0 }, waitFor, tick)

	for _, info := range pool.Threads() {
		assert.Equal(t, ExitWaitFailed, info.Status)
		assert.ErrorIs(t, info.Err, context.Canceled)
	}
	assert.Equal(t, 1, j.count(1, "term"))
	assert.Equal(t, 1, j.count(2, "term"))

	// スレッドがいなくてもキューは受け付け、Stop 後に Drain で戻る
	require.NoError(t, pool.Submit(7))
	require.NoError(t, pool.Submit(8))
	require.NoError(t, pool.Stop(context.Background()))

	drained, err := pool.Drain()
	require.NoError(t, err)
	assert.Equal(t, []int{7, 8}, drained)
}

func TestPoolDrainBeforeStop(t *testing.T) {
	pool := newTestPool(newJournal(), nil)
	ctx := context.Background()
	require.NoError(t, pool.Start(ctx, 1))

	_, err := pool.Drain()
	assert.Error(t, err)
	require.NoError(t, pool.Stop(ctx))
}

func TestPoolShutdownContextAbandon(t *testing.T) {
	j := newJournal()
	gate := make(chan struct{})
	pool := newTestPool(j, func(w *testWorker) {
		w.onItem = func(int) { <-gate }
	})
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx, 1))
	require.NoError(t, pool.Submit(0))
	require.Eventually(t, func() bool { return j.total() == 1 }, waitFor, tick)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	removed, err := pool.Shutdown(short, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, removed)

	// 要求はキューに残っているので、ブロックが解けるとスレッドは終了する
	close(gate)
	require.Eventually(t, func() bool { return pool.Live() == 0 }, waitFor, tick)
	require.NoError(t, pool.Stop(ctx))
}

func TestPoolAbandonedShutdownStaysArmed(t *testing.T) {
	j := newJournal()
	gate := make(chan struct{})
	pool := newTestPool(j, func(w *testWorker) {
		w.onItem = func(int) { <-gate }
	})
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx, 2))
	require.NoError(t, pool.Submit(0))
	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool { return j.total() == 2 }, waitFor, tick)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	removed, err := pool.Shutdown(short, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, removed)
	assert.Equal(t, 1, pool.PendingShutdowns())

	type result struct {
		removed int
		err     error
	}
	done := make(chan result, 1)
	go func() {
		removed, err := pool.Shutdown(ctx, 1)
		done <- result{removed, err}
	}()

	// 放棄した要求と新しい要求は別々に数えられる
	require.Eventually(t, func() bool { return pool.PendingShutdowns() == 2 }, waitFor, tick)
	close(gate)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, 1, r.removed)
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for Shutdown")
	}

	require.Eventually(t, func() bool { return pool.Live() == 0 }, waitFor, tick)
	assert.Zero(t, pool.PendingShutdowns())
	assert.Zero(t, pool.Metrics().CancelledShutdowns())
	assert.Equal(t, uint64(2), pool.Metrics().Shutdowns())
	for _, info := range pool.Threads() {
		assert.Equal(t, ExitShutdown, info.Status)
	}
	require.NoError(t, pool.Stop(ctx))
}

func TestPoolCancelAbandonedShutdown(t *testing.T) {
	j := newJournal()
	gate := make(chan struct{})
	pool := newTestPool(j, func(w *testWorker) {
		w.onItem = func(n int) {
			if n == 0 {
				<-gate
			}
		}
	})
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx, 1))
	require.NoError(t, pool.Submit(0))
	require.Eventually(t, func() bool { return j.total() == 1 }, waitFor, tick)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := pool.Shutdown(short, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 放棄した要求も取り消せる。届いたセンチネルは捨てられる
	require.True(t, pool.CancelShutdown())
	assert.Zero(t, pool.PendingShutdowns())
	close(gate)

	require.Eventually(t, func() bool { return pool.Metrics().CancelledShutdowns() == 1 }, waitFor, tick)
	assert.Equal(t, 1, pool.Live())

	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool { return j.total() == 2 }, waitFor, tick)
	require.NoError(t, pool.Stop(ctx))
}

func TestPoolStopClosesQueue(t *testing.T) {
	pool := newTestPool(newJournal(), nil)
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx, 2))
	require.NoError(t, pool.Stop(ctx))
	assert.True(t, pool.Queue().Closed())
	assert.ErrorIs(t, pool.Stop(ctx), ErrClosed)
}

func TestPoolExecutePanicRecovered(t *testing.T) {
	j := newJournal()
	pool := newTestPool(j, func(w *testWorker) {
		w.onItem = func(n int) {
			if n == 3 {
				panic("bad item")
			}
		}
	})
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx, 1))
	for i := range 6 {
		require.NoError(t, pool.Submit(i))
	}
	require.Eventually(t, func() bool { return pool.Metrics().Executed() == 6 }, waitFor, tick)

	assert.Equal(t, 1, pool.Live())
	assert.Equal(t, uint64(1), pool.Metrics().Panics())
	require.NoError(t, pool.Stop(ctx))
	assert.Equal(t, 1, j.count(1, "term"))
}

func TestPoolOwnershipDiscipline(t *testing.T) {
	const (
		items       = 200
		maxAttempts = 3
	)
	arena := item.NewArena()
	var pool *Pool[*item.Item, *testConfig]

	exec := ExecutorFunc[*item.Item, *testConfig](func(it *item.Item, _ *testConfig, _ any) {
		if _, err := it.Checksum(); err != nil {
			panic(err)
		}
		it.Attempts++
		if it.Attempts < maxAttempts {
			if err := pool.Resubmit(it, nil); err == nil {
				return
			}
		}
		it.Release()
	})
	pool = NewWithOptions(func() Worker[*item.Item, *testConfig] {
		return Compose[*item.Item, *testConfig](nil, exec)
	}, &testConfig{}, quietOptions())

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx, 4))

	var wg sync.WaitGroup
	for p := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range items / 4 {
				id := uint64(p*1000 + i)
				assert.NoError(t, pool.Submit(arena.New(id, []byte{byte(i)})))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return arena.Released() == items }, waitFor, tick)
	require.NoError(t, pool.Stop(ctx))

	drained, err := pool.Drain()
	require.NoError(t, err)
	assert.Empty(t, drained)
	assert.Zero(t, arena.InUse())
	assert.Empty(t, arena.Leaked())
	assert.Zero(t, pool.Metrics().Panics())
	assert.Equal(t, uint64(items*(maxAttempts-1)), pool.Metrics().Resubmitted())
	assert.Equal(t, uint64(items*maxAttempts), pool.Metrics().Executed())
}

func TestPoolPublishesEvents(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe()
	opts := quietOptions()
	opts.Events = bus

	j := newJournal()
	pool := NewWithOptions(j.factory(nil), &testConfig{}, opts)
	ctx := context.Background()

	require.NoError(t, pool.Start(ctx, 2))
	require.NoError(t, pool.Stop(ctx))

	got := make(map[events.EventType]int)
	timeout := time.After(waitFor)
	for got[events.EventThreadExited] < 2 {
		select {
		case ev := <-ch:
			assert.Equal(t, "test", ev.Pool)
			got[ev.Type]++
		case <-timeout:
			t.Fatalf("timeout, got %v", got)
		}
	}
	assert.Equal(t, 2, got[events.EventThreadReady])
	assert.Equal(t, 2, got[events.EventShutdownRequested])
}

func TestPoolConcurrentSubmitters(t *testing.T) {
	j := newJournal()
	pool := newTestPool(j, nil)
	ctx := context.Background()
	require.NoError(t, pool.Start(ctx, 4))

	var next atomic.Int64
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 250 {
				assert.NoError(t, pool.Submit(int(next.Add(1))))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return j.total() == 2000 }, waitFor, tick)
	require.NoError(t, pool.Stop(ctx))

	counts := j.itemCounts()
	assert.Len(t, counts, 2000)
	assert.Equal(t, uint64(2000), pool.Metrics().Submitted())
}

func TestStateAndStatusStrings(t *testing.T) {
	assert.Equal(t, "waiting", StateWaiting.String())
	assert.Equal(t, "exited", StateExited.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.Equal(t, "shutdown", ExitShutdown.String())
	assert.Equal(t, "init_failed", ExitInitFailed.String())
	assert.Equal(t, "wait_failed", ExitWaitFailed.String())
}

// dedupe は連続する同じ呼び出しをまとめる
func dedupe(calls []string) []string {
	var out []string
	for _, c := range calls {
		if len(out) == 0 || out[len(out)-1] != c {
			out = append(out, c)
		}
	}
	return out
}
