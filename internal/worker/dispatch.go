package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"dispatchpool/internal/events"
	"dispatchpool/internal/queue"
)

// State はスレッドの状態
type State int32

const (
	StateInitializing State = iota
	StateWaiting
	StateRunning
	StateTerminating
	StateExited
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// ExitStatus はスレッドの終了理由
type ExitStatus int

const (
	// ExitShutdown はシャットダウン要求を受け取って終了した
	ExitShutdown ExitStatus = 0
	// ExitInitFailed は Initialize に失敗した
	ExitInitFailed ExitStatus = 1
	// ExitWaitFailed はキューの待機に失敗した
	ExitWaitFailed ExitStatus = 2
)

func (s ExitStatus) String() string {
	switch s {
	case ExitShutdown:
		return "shutdown"
	case ExitInitFailed:
		return "init_failed"
	case ExitWaitFailed:
		return "wait_failed"
	default:
		return "unknown"
	}
}

// ErrExecutePanic は Execute のパニックを包む
var ErrExecutePanic = errors.New("execute panicked")

// thread はプールが管理する1スレッドの記録
// status, err, osTID は p.mu で保護し、done が閉じた後にだけ確定値になる
type thread struct {
	id    string
	state atomic.Int32
	ready chan bool
	done  chan struct{}

	status ExitStatus
	err    error
	osTID  int
}

func newThread(id string) *thread {
	return &thread{
		id:    id,
		ready: make(chan bool, 1),
		done:  make(chan struct{}),
	}
}

func (t *thread) setState(s State) {
	t.state.Store(int32(s))
}

func (t *thread) State() State {
	return State(t.state.Load())
}

// exitRecord は run の結果。Worker はこの時点でスコープを抜けている
type exitRecord struct {
	status ExitStatus
	err    error
	osTID  int
	seq    uint64 // ExitShutdown の場合、消費したセンチネルの番号
}

// dispatch はスレッドのエントリポイント
func (p *Pool[T, C]) dispatch(ctx context.Context, t *thread) {
	rec := p.run(ctx, t)
	p.finish(t, rec)
}

// run は Initialize → ループ → Terminate を実行する
func (p *Pool[T, C]) run(ctx context.Context, t *thread) exitRecord {
	w, err := p.build()
	if err != nil {
		p.log.Error(t.id, "Initialize failed: %v", err)
		p.metrics.RecordInitFailure()
		p.publish(events.NewThreadInitFailedEvent(p.name, t.id, err))
		t.ready <- false
		// Terminate は呼ばない
		return exitRecord{status: ExitInitFailed, err: err, osTID: currentOSThreadID()}
	}

	t.setState(StateWaiting)
	t.ready <- true
	p.log.Debug(t.id, "Thread ready")
	p.publish(events.NewThreadReadyEvent(p.name, t.id))

	rec := p.loop(ctx, t, w)

	t.setState(StateTerminating)
	rec.osTID = osThreadIDOf(w)
	p.terminate(t, w)
	return rec
}

// build は Worker を作って初期化する。パニックも初期化失敗として扱う
func (p *Pool[T, C]) build() (w Worker[T, C], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrInitFailed, r)
		}
	}()

	w = p.newWorker()
	if w == nil {
		return nil, fmt.Errorf("%w: worker factory returned nil", ErrInitFailed)
	}
	if !w.Initialize(p.cfg) {
		return nil, fmt.Errorf("%w: Initialize returned false", ErrInitFailed)
	}
	return w, nil
}

// loop はキューからメッセージを取り出して処理する
func (p *Pool[T, C]) loop(ctx context.Context, t *thread, w Worker[T, C]) exitRecord {
	for {
		msg, err := p.queue.Dequeue(ctx)
		if err != nil {
			// 待機失敗。msg はゼロ値なので見ない
			p.log.Warn(t.id, "Queue wait failed: %v", err)
			p.metrics.RecordWaitFailure()
			p.publish(events.NewWaitFailedEvent(p.name, t.id, err))
			return exitRecord{status: ExitWaitFailed, err: err}
		}

		switch msg.Kind {
		case queue.KindShutdown:
			seq, _ := msg.Aux.(uint64)
			if p.claim() {
				p.log.Debug(t.id, "Shutdown request consumed")
				p.metrics.RecordShutdown()
				return exitRecord{status: ExitShutdown, seq: seq}
			}
			// 要求は取り下げられていた。待機に戻る
			p.log.Info(t.id, "Shutdown request cancelled, continuing")
			p.metrics.RecordShutdownCancelled()
			p.publish(events.NewShutdownCancelledEvent(p.name, t.id))
			p.settle(seq, false)

		case queue.KindWork:
			t.setState(StateRunning)
			p.execute(t, w, msg)
			t.setState(StateWaiting)
		}
	}
}

// execute は Execute を1回呼ぶ。パニックは回収してループを続ける
func (p *Pool[T, C]) execute(t *thread, w Worker[T, C], msg queue.Message[T]) {
	start := time.Now()
	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err := fmt.Errorf("%w: %v", ErrExecutePanic, r)
			p.log.Error(t.id, "%v", err)
			p.publish(events.NewExecutePanicEvent(p.name, t.id, err))
		}
		p.metrics.RecordExecute(time.Since(start), panicked)
	}()

	w.Execute(msg.Item, p.cfg, msg.Aux)
}

func (p *Pool[T, C]) terminate(t *thread, w Worker[T, C]) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error(t.id, "Terminate panicked: %v", r)
		}
	}()
	w.Terminate(p.cfg)
}

// finish はスレッドの記録を確定し、done を閉じてからマネージャに知らせる
func (p *Pool[T, C]) finish(t *thread, rec exitRecord) {
	p.mu.Lock()
	t.status = rec.status
	t.err = rec.err
	t.osTID = rec.osTID
	t.setState(StateExited)
	p.mu.Unlock()

	close(t.done)

	// live と結果は同時に更新する。live == 0 を見た待機側が最後の終了を取りこぼさない
	p.mu.Lock()
	p.live--
	if rec.status == ExitShutdown {
		p.outcomes[rec.seq] = true
	}
	p.mu.Unlock()
	p.metrics.ThreadExited()

	p.log.Info(t.id, "Thread exited (%s)", rec.status)
	p.publish(events.NewThreadExitedEvent(p.name, t.id, rec.status.String(), rec.osTID))
	p.signal()
}

func osThreadIDOf[T, C any](w Worker[T, C]) int {
	if h, ok := w.(osThreadIDer); ok {
		if tid := h.OSThreadID(); tid != 0 {
			return tid
		}
	}
	return currentOSThreadID()
}
