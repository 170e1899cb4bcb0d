package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"dispatchpool/internal/events"
	"dispatchpool/internal/logger"
	"dispatchpool/internal/metrics"
	"dispatchpool/internal/queue"
)

var (
	// ErrInitFailed は1つ以上のスレッドの Initialize が失敗した
	ErrInitFailed = errors.New("thread initialization failed")
	// ErrNotStarted は Start 前の操作
	ErrNotStarted = errors.New("pool not started")
	// ErrAlreadyStarted は2回目の Start
	ErrAlreadyStarted = errors.New("pool already started")
	// ErrClosed は Stop 後の操作
	ErrClosed = errors.New("pool closed")
)

// Options はプールの付帯設定。ゼロ値のフィールドには既定値が入る
type Options struct {
	Name    string
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Events  *events.Bus
}

// ThreadInfo はスレッドの状態のスナップショット
type ThreadInfo struct {
	ID         string
	State      State
	Status     ExitStatus // State が StateExited の場合のみ有効
	OSThreadID int
	Err        error
}

// Pool は共有キューを待つ固定数のスレッドを管理する
type Pool[T, C any] struct {
	name      string
	newWorker func() Worker[T, C]
	cfg       C

	log     *logger.Logger
	metrics *metrics.Metrics
	bus     *events.Bus

	queue *queue.Queue[T]
	// 出ていて、まだどのスレッドにも消費されていないシャットダウン要求の数
	armed atomic.Int64

	mu       sync.Mutex
	started  bool
	stopped  bool
	size     int
	live     int
	threads  []*thread
	outcomes map[uint64]bool // センチネル番号 → スレッドが終了したか

	// Shutdown を直列化する
	shutdownMu sync.Mutex
	seq        uint64
	wake       chan struct{}
}

// New はプールを作成する。newWorker はスレッドごとに1回呼ばれる
func New[T, C any](newWorker func() Worker[T, C], cfg C) *Pool[T, C] {
	return NewWithOptions(newWorker, cfg, Options{})
}

// NewWithOptions はロガー・メトリクス・イベントバスを指定してプールを作成する
func NewWithOptions[T, C any](newWorker func() Worker[T, C], cfg C, opts Options) *Pool[T, C] {
	if opts.Name == "" {
		opts.Name = "pool"
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Pool[T, C]{
		name:      opts.Name,
		newWorker: newWorker,
		cfg:       cfg,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		bus:       opts.Events,
		queue:     queue.New[T](),
		outcomes:  make(map[uint64]bool),
		wake:      make(chan struct{}, 1),
	}
}

// Start は size 個のスレッドを起動し、全員の初期化結果が出るまで待つ
// size が 0 以下なら CPU 数。初期化に失敗したスレッドがあれば ErrInitFailed を包んだエラーを返すが、
// 成功したスレッドはそのまま稼働する。ctx はスレッドの待機を制限する
func (p *Pool[T, C]) Start(ctx context.Context, size int) error {
	if size <= 0 {
		size = runtime.NumCPU()
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.size = size
	threads := make([]*thread, size)
	for i := range size {
		threads[i] = newThread(fmt.Sprintf("worker-%d", i+1))
	}
	p.threads = threads
	p.live = size
	p.mu.Unlock()

	for _, t := range threads {
		p.metrics.ThreadStarted()
		go p.dispatch(ctx, t)
	}

	var errs []error
	for _, t := range threads {
		if ok := <-t.ready; !ok {
			<-t.done
			p.mu.Lock()
			err := t.err
			p.mu.Unlock()
			errs = append(errs, fmt.Errorf("%s: %w", t.id, err))
		}
	}

	p.log.Info("", "%s started with %d/%d threads", p.name, size-len(errs), size)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %d of %d threads: %w", ErrInitFailed, len(errs), size, errors.Join(errs...))
	}
	return nil
}

// Submit はワークアイテムをキューに入れる。ブロックしない
// 成功した時点でアイテムの所有権はプールに移る
func (p *Pool[T, C]) Submit(item T) error {
	return p.SubmitAux(item, nil)
}

// SubmitAux は補助データ付きでワークアイテムをキューに入れる
func (p *Pool[T, C]) SubmitAux(item T, aux any) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if err := p.queue.Enqueue(queue.Work(item, aux)); err != nil {
		return fmt.Errorf("submit: %w", ErrClosed)
	}
	p.metrics.RecordSubmit()
	return nil
}

// Resubmit は処理途中のアイテムをキューに戻す。Execute の中から呼ぶ
func (p *Pool[T, C]) Resubmit(item T, aux any) error {
	if err := p.SubmitAux(item, aux); err != nil {
		return err
	}
	p.metrics.RecordResubmit()
	return nil
}

func (p *Pool[T, C]) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrNotStarted
	}
	if p.stopped {
		return ErrClosed
	}
	return nil
}

// Shutdown は最大 n 個のスレッドを止め、止めた数を返す
//
// センチネル1つごとに要求を1つ積んでキューに入れ、その結果（スレッドの終了、または
// 取り消されたセンチネルの破棄）を1つ待つ。待機失敗で抜けたスレッドは数えない。
// 稼働スレッドがなくなればそこで終わる。ctx が終わると待機をやめて ctx.Err() を返す。
// 待つのをやめた要求は生きたまま残り、届いた時点でスレッドを1つ止める。
// 取り下げるには CancelShutdown を呼ぶ。その終了は後の呼び出しの戻り値には数えない
func (p *Pool[T, C]) Shutdown(ctx context.Context, n int) (int, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}

	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()

	// 以前に放棄された呼び出しの結果は捨てる
	p.mu.Lock()
	clear(p.outcomes)
	p.mu.Unlock()

	removed := 0
	for i := range n {
		if p.Live() == 0 {
			break
		}

		p.seq++
		seq := p.seq
		msg := queue.Shutdown[T]()
		msg.Aux = seq

		p.armed.Add(1)
		if err := p.queue.Enqueue(msg); err != nil {
			p.disarm()
			return removed, fmt.Errorf("shutdown: %w", ErrClosed)
		}
		p.log.Debug("", "Shutdown requested (%d remaining)", n-i)
		p.publish(events.NewShutdownRequestedEvent(p.name, n-i))

		exited, err := p.await(ctx, seq)
		if err != nil {
			return removed, err
		}
		if exited {
			removed++
		}
	}
	return removed, nil
}

// await はセンチネル seq の結果が出るか、稼働スレッドがなくなるまで待つ
func (p *Pool[T, C]) await(ctx context.Context, seq uint64) (bool, error) {
	for {
		p.mu.Lock()
		exited, ok := p.outcomes[seq]
		if ok {
			delete(p.outcomes, seq)
		}
		live := p.live
		p.mu.Unlock()

		if ok {
			return exited, nil
		}
		if live == 0 {
			// 受け取るスレッドがいない。センチネルはキューに残り、Drain で捨てられる
			p.disarm()
			return false, nil
		}

		select {
		case <-p.wake:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// settle はセンチネル seq の結果を記録してマネージャを起こす
func (p *Pool[T, C]) settle(seq uint64, exited bool) {
	p.mu.Lock()
	p.outcomes[seq] = exited
	p.mu.Unlock()
	p.signal()
}

func (p *Pool[T, C]) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// CancelShutdown は消費されていないシャットダウン要求をすべて取り下げる
// 次にセンチネルを受け取ったスレッドはそれを捨てて動き続ける。取り下げた要求があれば true
func (p *Pool[T, C]) CancelShutdown() bool {
	n := p.armed.Swap(0)
	if n <= 0 {
		return false
	}
	p.log.Info("", "%d pending shutdown requests cancelled", n)
	return true
}

// claim はシャットダウン要求を1つ消費する。残っていなければ false
func (p *Pool[T, C]) claim() bool {
	for {
		n := p.armed.Load()
		if n <= 0 {
			return false
		}
		if p.armed.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// disarm は届け先のなくなった要求を1つ取り下げる
func (p *Pool[T, C]) disarm() {
	p.claim()
}

// PendingShutdowns は消費されていないシャットダウン要求の数を返す
func (p *Pool[T, C]) PendingShutdowns() int {
	return int(p.armed.Load())
}

// Stop は全スレッドを止めてからキューを閉じる
func (p *Pool[T, C]) Stop(ctx context.Context) error {
	if err := p.checkOpen(); err != nil {
		return err
	}

	for {
		live := p.Live()
		if live == 0 {
			break
		}
		if _, err := p.Shutdown(ctx, live); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	if !p.queue.Closed() {
		if err := p.queue.Close(); err != nil && !errors.Is(err, queue.ErrClosed) {
			return err
		}
	}
	p.log.Info("", "%s stopped", p.name)
	return nil
}

// Drain は Stop 後に配送されなかったワークアイテムを返す。所有権は呼び出し側に戻る
func (p *Pool[T, C]) Drain() ([]T, error) {
	msgs, err := p.queue.Drain()
	if err != nil {
		return nil, fmt.Errorf("drain: %w", err)
	}
	items := make([]T, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Kind == queue.KindWork {
			items = append(items, msg.Item)
		}
	}
	return items, nil
}

// FailWait は次の待機1回を err で失敗させる。受け取ったスレッドは ExitWaitFailed で抜ける
func (p *Pool[T, C]) FailWait(err error) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	return p.queue.Fail(err)
}

// Live は終了していないスレッド数を返す
func (p *Pool[T, C]) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Size は Start で指定したスレッド数を返す
func (p *Pool[T, C]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Pending はキューに残っているメッセージ数を返す
func (p *Pool[T, C]) Pending() int {
	return p.queue.Len()
}

// Name はプール名を返す
func (p *Pool[T, C]) Name() string {
	return p.name
}

// Metrics はプールのメトリクスを返す
func (p *Pool[T, C]) Metrics() *metrics.Metrics {
	return p.metrics
}

// Queue は共有キューを返す。障害注入（Fail）に使う
func (p *Pool[T, C]) Queue() *queue.Queue[T] {
	return p.queue
}

// Threads は全スレッドのスナップショットを起動順で返す
func (p *Pool[T, C]) Threads() []ThreadInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]ThreadInfo, 0, len(p.threads))
	for _, t := range p.threads {
		info := ThreadInfo{ID: t.id, State: t.State()}
		if info.State == StateExited {
			info.Status = t.status
			info.OSThreadID = t.osTID
			info.Err = t.err
		}
		infos = append(infos, info)
	}
	return infos
}

func (p *Pool[T, C]) publish(ev events.Event) {
	if p.bus != nil {
		p.bus.Publish(ev)
	}
}
