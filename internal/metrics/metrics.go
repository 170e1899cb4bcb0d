package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Config はメトリクスの設定
type Config struct {
	MaxLatencySamples int // P99 計算用に保持する実行時間サンプル数
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{MaxLatencySamples: 1000}
}

// Metrics はプールの実行統計を収集する
type Metrics struct {
	submitted        atomic.Uint64
	executed         atomic.Uint64
	resubmitted      atomic.Uint64
	panics           atomic.Uint64
	initFailures     atomic.Uint64
	waitFailures     atomic.Uint64
	shutdowns        atomic.Uint64
	cancelledSignals atomic.Uint64
	liveThreads      atomic.Int64
	totalLatencyNs   atomic.Uint64

	mu                sync.RWMutex
	startTime         time.Time
	latencies         []time.Duration
	maxLatencySamples int
}

// New は新しいメトリクスを作成する
func New() *Metrics {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig は設定を指定してメトリクスを作成する
func NewWithConfig(config Config) *Metrics {
	samples := config.MaxLatencySamples
	if samples <= 0 {
		samples = DefaultConfig().MaxLatencySamples
	}
	return &Metrics{
		startTime:         time.Now(),
		latencies:         make([]time.Duration, 0, samples),
		maxLatencySamples: samples,
	}
}

// RecordSubmit は投入されたワークアイテムを記録する
func (m *Metrics) RecordSubmit() {
	m.submitted.Add(1)
}

// RecordResubmit は実行後にキューへ戻されたワークアイテムを記録する
func (m *Metrics) RecordResubmit() {
	m.resubmitted.Add(1)
}

// RecordExecute は1回の Execute を記録する。panicked は Execute がパニックしたかどうか
func (m *Metrics) RecordExecute(latency time.Duration, panicked bool) {
	m.executed.Add(1)
	if panicked {
		m.panics.Add(1)
	}
	m.totalLatencyNs.Add(uint64(latency.Nanoseconds()))

	m.mu.Lock()
	if len(m.latencies) < m.maxLatencySamples {
		m.latencies = append(m.latencies, latency)
	}
	m.mu.Unlock()
}

// RecordInitFailure は Initialize に失敗したスレッドを記録する
func (m *Metrics) RecordInitFailure() {
	m.initFailures.Add(1)
}

// RecordWaitFailure は待機失敗で終了したスレッドを記録する
func (m *Metrics) RecordWaitFailure() {
	m.waitFailures.Add(1)
}

// RecordShutdown はシャットダウン要求を消費して終了したスレッドを記録する
func (m *Metrics) RecordShutdown() {
	m.shutdowns.Add(1)
}

// RecordShutdownCancelled は要求が取り下げ済みで破棄されたセンチネルを記録する
func (m *Metrics) RecordShutdownCancelled() {
	m.cancelledSignals.Add(1)
}

// ThreadStarted は稼働スレッド数を1増やす
func (m *Metrics) ThreadStarted() {
	m.liveThreads.Add(1)
}

// ThreadExited は稼働スレッド数を1減らす
func (m *Metrics) ThreadExited() {
	m.liveThreads.Add(-1)
}

// Submitted は投入数を返す
func (m *Metrics) Submitted() uint64 {
	return m.submitted.Load()
}

// Executed は Execute 呼び出し数を返す
func (m *Metrics) Executed() uint64 {
	return m.executed.Load()
}

// Resubmitted は再投入数を返す
func (m *Metrics) Resubmitted() uint64 {
	return m.resubmitted.Load()
}

// Panics は Execute のパニック数を返す
func (m *Metrics) Panics() uint64 {
	return m.panics.Load()
}

// InitFailures は初期化失敗数を返す
func (m *Metrics) InitFailures() uint64 {
	return m.initFailures.Load()
}

// WaitFailures は待機失敗数を返す
func (m *Metrics) WaitFailures() uint64 {
	return m.waitFailures.Load()
}

// Shutdowns は正常シャットダウンしたスレッド数を返す
func (m *Metrics) Shutdowns() uint64 {
	return m.shutdowns.Load()
}

// CancelledShutdowns は破棄されたセンチネル数を返す
func (m *Metrics) CancelledShutdowns() uint64 {
	return m.cancelledSignals.Load()
}

// LiveThreads は稼働中のスレッド数を返す
func (m *Metrics) LiveThreads() int64 {
	return m.liveThreads.Load()
}

// Throughput は開始からの平均実行数/秒を返す
func (m *Metrics) Throughput() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.executed.Load()) / elapsed
}

// AverageLatency は平均実行時間を返す
func (m *Metrics) AverageLatency() time.Duration {
	total := m.executed.Load()
	if total == 0 {
		return 0
	}
	return time.Duration(m.totalLatencyNs.Load() / total)
}

// P99Latency はP99実行時間を返す（サンプルベース）
func (m *Metrics) P99Latency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Reset はレイテンシのサンプルを捨てる
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = m.latencies[:0]
}

// Snapshot はメトリクスのスナップショット
type Snapshot struct {
	Submitted          uint64        `json:"submitted"`
	Executed           uint64        `json:"executed"`
	Resubmitted        uint64        `json:"resubmitted"`
	Panics             uint64        `json:"panics"`
	InitFailures       uint64        `json:"init_failures"`
	WaitFailures       uint64        `json:"wait_failures"`
	Shutdowns          uint64        `json:"shutdowns"`
	CancelledShutdowns uint64        `json:"cancelled_shutdowns"`
	LiveThreads        int64         `json:"live_threads"`
	Throughput         float64       `json:"throughput"`
	AverageLatency     time.Duration `json:"average_latency_ns"`
	P99Latency         time.Duration `json:"p99_latency_ns"`
	Elapsed            time.Duration `json:"elapsed_ns"`
}

// Snapshot は現在のメトリクスのスナップショットを返す
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Submitted:          m.Submitted(),
		Executed:           m.Executed(),
		Resubmitted:        m.Resubmitted(),
		Panics:             m.Panics(),
		InitFailures:       m.InitFailures(),
		WaitFailures:       m.WaitFailures(),
		Shutdowns:          m.Shutdowns(),
		CancelledShutdowns: m.CancelledShutdowns(),
		LiveThreads:        m.LiveThreads(),
		Throughput:         m.Throughput(),
		AverageLatency:     m.AverageLatency(),
		P99Latency:         m.P99Latency(),
		Elapsed:            time.Since(m.startTime),
	}
}
