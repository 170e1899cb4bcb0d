package workload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"dispatchpool/internal/chaos"
	"dispatchpool/internal/events"
	"dispatchpool/internal/item"
	"dispatchpool/internal/logger"
	"dispatchpool/internal/metrics"
	"dispatchpool/internal/worker"
)

var (
	// ErrRunning は実行中のエンジンに対する Run
	ErrRunning = errors.New("workload is already running")
	// ErrNoThreads は全スレッドが初期化に失敗した
	ErrNoThreads = errors.New("no thread survived initialization")
	// ErrLeaked は解放されなかったアイテムが残った
	ErrLeaked = errors.New("items leaked")
)

// Result はワークロード実行結果
type Result struct {
	Name      string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	// プール
	Threads     int
	LiveAtStart int
	Interrupted bool // 全アイテム完了前に ctx かタイムアウトで打ち切った

	// アイテム
	Items     int
	Completed uint64
	Drained   int
	Leaked    uint64

	// メトリクス
	Executed    uint64
	Resubmitted uint64
	Panics      uint64
	Throughput  float64
	AvgLatency  time.Duration
	P99Latency  time.Duration

	// ライフサイクル
	InitFailures       uint64
	WaitFailures       uint64
	Shutdowns          uint64
	CancelledShutdowns uint64

	// 障害注入
	ChaosAttacks uint64
	ThreadsLost  uint64

	// スレッドの最終状態
	FinalThreadStatus map[string]string
}

// Engine はプールにワークロードを流す実行エンジン
type Engine struct {
	config   Config
	eventBus *events.Bus
	log      *logger.Logger
	shared   *metrics.Metrics

	mu      sync.RWMutex
	running bool
	pool    *worker.Pool[*item.Item, *Config]
	metrics *metrics.Metrics
	arena   *item.Arena
	monkey  *chaos.Monkey

	completed atomic.Uint64
	done      chan struct{}
	doneOnce  sync.Once
	created   atomic.Int32
}

// New は新しい Engine を作成する
func New(config Config) *Engine {
	return &Engine{
		config: config,
		log:    logger.Default,
	}
}

// SetEventBus はイベントバスを設定する
func (e *Engine) SetEventBus(bus *events.Bus) {
	e.eventBus = bus
}

// SetLogger はロガーを設定する
func (e *Engine) SetLogger(l *logger.Logger) {
	e.log = l
}

// SetMetrics は実行をまたいで共有するメトリクスを設定する
// 設定しない場合は Run ごとに新しいメトリクスを使う
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.shared = m
}

// Run はワークロードを実行する
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if err := e.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workload config: %w", err)
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrRunning
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.log.Info("", "=== Workload '%s' started ===", e.config.Name)
	e.log.Info("", "Description: %s", e.config.Description)

	result := &Result{
		Name:      e.config.Name,
		StartTime: time.Now(),
		Items:     e.config.Items,
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	if err := e.setup(runCtx, result); err != nil {
		return nil, fmt.Errorf("setup failed: %w", err)
	}

	err := e.runWorkload(runCtx)
	if err != nil {
		e.log.Warn("", "Workload interrupted: %v", err)
		result.Interrupted = true
	}

	if err := e.teardown(result); err != nil {
		return result, err
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	e.collectResults(result)

	e.log.Info("", "=== Workload '%s' completed ===", e.config.Name)

	if result.Leaked > 0 {
		return result, fmt.Errorf("%w: %v", ErrLeaked, e.arena.Leaked())
	}
	return result, nil
}

func (e *Engine) timeout() time.Duration {
	if e.config.Timeout > 0 {
		return e.config.Timeout
	}
	return DefaultConfig().Timeout
}

// setup はプールを作って起動する
func (e *Engine) setup(ctx context.Context, result *Result) error {
	m := e.shared
	if m == nil {
		m = metrics.New()
	}

	cfg := e.config
	pool := worker.NewWithOptions(e.newWorker, &cfg, worker.Options{
		Name:    e.config.Name,
		Logger:  e.log,
		Metrics: m,
		Events:  e.eventBus,
	})

	e.mu.Lock()
	e.pool = pool
	e.metrics = m
	e.arena = item.NewArena()
	e.mu.Unlock()

	e.completed.Store(0)
	e.created.Store(0)
	e.done = make(chan struct{})
	e.doneOnce = sync.Once{}
	if e.config.Items == 0 {
		e.finish()
	}

	if err := pool.Start(ctx, e.config.Threads); err != nil {
		if !errors.Is(err, worker.ErrInitFailed) || pool.Live() == 0 {
			_ = pool.Stop(context.Background())
			return fmt.Errorf("%w: %w", ErrNoThreads, err)
		}
		e.log.Warn("", "Continuing with %d/%d threads: %v", pool.Live(), pool.Size(), err)
	}
	result.Threads = pool.Size()
	result.LiveAtStart = pool.Live()
	return nil
}

// newWorker はスレッドごとの Worker を作る
func (e *Engine) newWorker() worker.Worker[*item.Item, *Config] {
	n := int(e.created.Add(1))

	var hook worker.LifecycleHook[*Config] = worker.DefaultHook[*Config]{}
	if e.config.Hook == HookOSThread {
		hook = &worker.OSThreadHook[*Config]{}
	}
	if n <= e.config.FailInit {
		hook = failingHook{}
	}
	return worker.Compose[*item.Item, *Config](hook, worker.ExecutorFunc[*item.Item, *Config](e.execute))
}

// failingHook は Initialize に失敗するフック
type failingHook struct {
	worker.DefaultHook[*Config]
}

func (failingHook) Initialize(*Config) bool { return false }

// execute は1アイテムを処理する。再投入するか解放するかのどちらか一方を行う
func (e *Engine) execute(it *item.Item, cfg *Config, _ any) {
	if cfg.ExecDelay > 0 {
		time.Sleep(cfg.ExecDelay)
	}

	sum, err := it.Checksum()
	if err != nil {
		// 解放済みアイテムの配送は所有権の規律違反
		panic(err)
	}
	it.Attempts++

	if it.Attempts < cfg.MaxAttempts && shouldRetry(sum, it.Attempts, cfg.RetryRatio) {
		if err := e.pool.Resubmit(it, nil); err == nil {
			return
		}
	}

	it.Release()
	if int(e.completed.Add(1)) == cfg.Items {
		e.finish()
	}
}

// shouldRetry はペイロードのハッシュと試行回数から再投入するかを決める
func shouldRetry(sum uint64, attempts int, ratio float64) bool {
	if ratio <= 0 {
		return false
	}
	bucket := (sum ^ uint64(attempts)*0x9e3779b97f4a7c15) % 1000
	return float64(bucket) < ratio*1000
}

func (e *Engine) finish() {
	e.doneOnce.Do(func() { close(e.done) })
}

// runWorkload はアイテムを投入し、障害を注入し、完了を待つ
func (e *Engine) runWorkload(ctx context.Context) error {
	monkey := e.newMonkey()
	if e.config.ChaosInterval > 0 {
		monkey.Start(ctx)
		defer monkey.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	for p := range e.config.Producers {
		g.Go(func() error {
			return e.produce(gctx, p)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.log.Info("", "Submitted %d items with %d producers", e.config.Items, e.config.Producers)

	if err := e.injectFaults(ctx, monkey); err != nil {
		return err
	}

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// produce は producer 番目の担当分のアイテムを投入する
func (e *Engine) produce(ctx context.Context, producer int) error {
	payload := make([]byte, e.config.PayloadSize)
	for id := producer; id < e.config.Items; id += e.config.Producers {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := range payload {
			payload[i] = byte(id + i)
		}
		it := e.arena.New(uint64(id), payload)
		if err := e.pool.Submit(it); err != nil {
			it.Release()
			return fmt.Errorf("producer %d: %w", producer, err)
		}
	}
	return nil
}

// newMonkey はプールに障害を注入する Monkey を作る
func (e *Engine) newMonkey() *chaos.Monkey {
	config := chaos.DefaultConfig()
	if e.config.ChaosInterval > 0 {
		config.Interval = e.config.ChaosInterval
	}

	m := chaos.New(e.pool, config)
	m.SetLogger(e.log)
	m.SetEventBus(e.eventBus)

	e.mu.Lock()
	e.monkey = m
	e.mu.Unlock()
	return m
}

// injectFaults は設定された数の待機失敗と取り消しつきシャットダウン要求を注入する
// 最低1スレッドは残す
func (e *Engine) injectFaults(ctx context.Context, monkey *chaos.Monkey) error {
	n, err := monkey.InjectWaitFailures(ctx, e.config.WaitFailures)
	if err != nil {
		return err
	}
	if n > 0 {
		e.log.Info("", "Injected %d wait failures", n)
	}

	n, err = monkey.CancelShutdowns(ctx, e.config.CancelShutdowns)
	if err != nil {
		return err
	}
	if n > 0 {
		e.log.Info("", "Raced %d shutdown requests against cancellation, %d threads left", n, e.pool.Live())
	}
	return nil
}

// teardown はプールを止め、配送されなかったアイテムを回収して解放する
func (e *Engine) teardown(result *Result) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), e.timeout())
	defer cancel()

	if err := e.pool.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop failed: %w", err)
	}

	leftovers, err := e.pool.Drain()
	if err != nil {
		return fmt.Errorf("drain failed: %w", err)
	}
	for _, it := range leftovers {
		it.Release()
	}
	result.Drained = len(leftovers)
	if len(leftovers) > 0 {
		e.log.Warn("", "Released %d undelivered items", len(leftovers))
	}
	return nil
}

// collectResults は結果を収集する
func (e *Engine) collectResults(result *Result) {
	snapshot := e.metrics.Snapshot()
	result.Executed = snapshot.Executed
	result.Resubmitted = snapshot.Resubmitted
	result.Panics = snapshot.Panics
	result.Throughput = snapshot.Throughput
	result.AvgLatency = snapshot.AverageLatency
	result.P99Latency = snapshot.P99Latency
	result.InitFailures = snapshot.InitFailures
	result.WaitFailures = snapshot.WaitFailures
	result.Shutdowns = snapshot.Shutdowns
	result.CancelledShutdowns = snapshot.CancelledShutdowns

	stats := e.monkey.Stats()
	result.ChaosAttacks = stats.TotalAttacks
	result.ThreadsLost = stats.ThreadsLost

	result.Completed = e.completed.Load()
	result.Leaked = e.arena.InUse()

	result.FinalThreadStatus = make(map[string]string)
	for _, t := range e.pool.Threads() {
		status := t.State.String()
		if t.State == worker.StateExited {
			status = fmt.Sprintf("%s (%s)", status, t.Status)
		}
		result.FinalThreadStatus[t.ID] = status
	}
}

// Report は結果をフォーマットして返す
func (r *Result) Report() string {
	report := fmt.Sprintf(`
================================================================================
                         WORKLOAD REPORT: %s
================================================================================

EXECUTION SUMMARY
-----------------
  Start Time:     %s
  End Time:       %s
  Duration:       %v
  Interrupted:    %v

POOL
----
  Threads:          %d
  Live After Start: %d

ITEMS
-----
  Submitted:        %d
  Completed:        %d
  Drained:          %d
  Leaked:           %d

EXECUTION METRICS
-----------------
  Executions:       %d
  Resubmitted:      %d
  Panics:           %d
  Throughput:       %.1f/s
  Avg Latency:      %v
  P99 Latency:      %v

LIFECYCLE
---------
  Init Failures:        %d
  Wait Failures:        %d
  Shutdowns:            %d
  Cancelled Shutdowns:  %d

CHAOS
-----
  Attacks:          %d
  Threads Lost:     %d

FINAL THREAD STATUS
-------------------
`,
		r.Name,
		r.StartTime.Format("2006-01-02 15:04:05"),
		r.EndTime.Format("2006-01-02 15:04:05"),
		r.Duration.Round(time.Millisecond),
		r.Interrupted,
		r.Threads,
		r.LiveAtStart,
		r.Items,
		r.Completed,
		r.Drained,
		r.Leaked,
		r.Executed,
		r.Resubmitted,
		r.Panics,
		r.Throughput,
		r.AvgLatency.Round(time.Microsecond),
		r.P99Latency.Round(time.Microsecond),
		r.InitFailures,
		r.WaitFailures,
		r.Shutdowns,
		r.CancelledShutdowns,
		r.ChaosAttacks,
		r.ThreadsLost,
	)

	ids := make([]string, 0, len(r.FinalThreadStatus))
	for id := range r.FinalThreadStatus {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		report += fmt.Sprintf("  %-20s %s\n", id+":", r.FinalThreadStatus[id])
	}

	report += "\n================================================================================"

	return report
}

// IsRunning は実行中かどうかを返す
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Config は設定を返す
func (e *Engine) Config() Config {
	return e.config
}

// Metrics はプールのメトリクスを返す
func (e *Engine) Metrics() *metrics.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.metrics == nil {
		return nil
	}
	snapshot := e.metrics.Snapshot()
	return &snapshot
}

// Threads はプールのスレッド状態を返す
func (e *Engine) Threads() []worker.ThreadInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.pool == nil {
		return nil
	}
	return e.pool.Threads()
}
