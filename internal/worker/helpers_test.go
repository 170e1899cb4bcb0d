package worker

import (
	"io"
	"sync"
	"sync/atomic"

	"dispatchpool/internal/logger"
)

type testConfig struct {
	name string
}

// journal は Worker インスタンスごとの呼び出し履歴を記録する
type journal struct {
	mu      sync.Mutex
	calls   map[int][]string
	counts  map[int]int // item → Execute 回数
	created atomic.Int32
}

func newJournal() *journal {
	return &journal{
		calls:  make(map[int][]string),
		counts: make(map[int]int),
	}
}

func (j *journal) record(worker int, call string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls[worker] = append(j.calls[worker], call)
}

func (j *journal) executed(item int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.counts[item]++
}

func (j *journal) history(worker int) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls[worker]...)
}

func (j *journal) itemCounts() map[int]int {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[int]int, len(j.counts))
	for k, v := range j.counts {
		out[k] = v
	}
	return out
}

func (j *journal) total() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, v := range j.counts {
		n += v
	}
	return n
}

func (j *journal) count(worker int, call string) int {
	n := 0
	for _, c := range j.history(worker) {
		if c == call {
			n++
		}
	}
	return n
}

type testWorker struct {
	id       int
	j        *journal
	failInit bool
	onItem   func(item int)
}

func (w *testWorker) Initialize(cfg *testConfig) bool {
	w.j.record(w.id, "init")
	return !w.failInit
}

func (w *testWorker) Terminate(cfg *testConfig) {
	w.j.record(w.id, "term")
}

func (w *testWorker) Execute(item int, cfg *testConfig, aux any) {
	w.j.record(w.id, "exec")
	w.j.executed(item)
	if w.onItem != nil {
		w.onItem(item)
	}
}

// factory は Worker を作るたびに1から番号を振る
func (j *journal) factory(configure func(w *testWorker)) func() Worker[int, *testConfig] {
	return func() Worker[int, *testConfig] {
		w := &testWorker{id: int(j.created.Add(1)), j: j}
		if configure != nil {
			configure(w)
		}
		return w
	}
}

func quietOptions() Options {
	return Options{Name: "test", Logger: logger.New(io.Discard, logger.LevelError)}
}

func newTestPool(j *journal, configure func(w *testWorker)) *Pool[int, *testConfig] {
	return NewWithOptions(j.factory(configure), &testConfig{name: "test"}, quietOptions())
}
