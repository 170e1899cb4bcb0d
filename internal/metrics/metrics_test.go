package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m := New()

	assert.Zero(t, m.Submitted())
	assert.Zero(t, m.Executed())
	assert.Zero(t, m.LiveThreads())
	assert.Equal(t, 1000, m.maxLatencySamples)
}

func TestNewWithConfigDefaults(t *testing.T) {
	m := NewWithConfig(Config{MaxLatencySamples: 0})
	assert.Equal(t, 1000, m.maxLatencySamples)

	m = NewWithConfig(Config{MaxLatencySamples: 5})
	for range 10 {
		m.RecordExecute(time.Millisecond, false)
	}
	assert.Len(t, m.latencies, 5)
	assert.Equal(t, uint64(10), m.Executed())
}

func TestMetricsRecordExecute(t *testing.T) {
	m := New()

	m.RecordExecute(10*time.Millisecond, false)
	m.RecordExecute(20*time.Millisecond, true)
	m.RecordExecute(30*time.Millisecond, false)

	assert.Equal(t, uint64(3), m.Executed())
	assert.Equal(t, uint64(1), m.Panics())
	assert.Equal(t, 20*time.Millisecond, m.AverageLatency())
}

func TestMetricsLifecycleCounters(t *testing.T) {
	m := New()

	m.ThreadStarted()
	m.ThreadStarted()
	m.ThreadStarted()
	m.ThreadExited()
	m.RecordInitFailure()
	m.RecordWaitFailure()
	m.RecordShutdown()
	m.RecordShutdown()
	m.RecordShutdownCancelled()
	m.RecordSubmit()
	m.RecordResubmit()

	assert.Equal(t, int64(2), m.LiveThreads())
	assert.Equal(t, uint64(1), m.Resubmitted())
	assert.Equal(t, uint64(1), m.InitFailures())
	assert.Equal(t, uint64(1), m.WaitFailures())
	assert.Equal(t, uint64(2), m.Shutdowns())
	assert.Equal(t, uint64(1), m.CancelledShutdowns())
	assert.Equal(t, uint64(1), m.Submitted())
}

func TestMetricsP99Latency(t *testing.T) {
	m := New()
	assert.Zero(t, m.P99Latency())

	for i := 1; i <= 100; i++ {
		m.RecordExecute(time.Duration(i)*time.Millisecond, false)
	}

	p99 := m.P99Latency()
	assert.GreaterOrEqual(t, p99, 99*time.Millisecond)
	assert.LessOrEqual(t, p99, 100*time.Millisecond)
}

func TestMetricsReset(t *testing.T) {
	m := New()

	m.RecordExecute(10*time.Millisecond, false)
	m.RecordExecute(20*time.Millisecond, false)

	m.Reset()

	assert.Zero(t, m.P99Latency())
	// 累計は残る
	assert.Equal(t, uint64(2), m.Executed())
}

func TestMetricsConcurrent(t *testing.T) {
	m := New()
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				m.RecordSubmit()
				m.RecordExecute(time.Millisecond, false)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, uint64(10000), m.Submitted())
	assert.Equal(t, uint64(10000), m.Executed())
}

func TestMetricsSnapshot(t *testing.T) {
	m := New()

	m.RecordSubmit()
	m.RecordSubmit()
	m.RecordExecute(10*time.Millisecond, false)
	m.RecordExecute(20*time.Millisecond, true)
	m.ThreadStarted()

	snap := m.Snapshot()

	assert.Equal(t, uint64(2), snap.Submitted)
	assert.Equal(t, uint64(2), snap.Executed)
	assert.Equal(t, uint64(1), snap.Panics)
	assert.Equal(t, int64(1), snap.LiveThreads)
	assert.Equal(t, 15*time.Millisecond, snap.AverageLatency)
	assert.Positive(t, snap.Elapsed)
}

func TestCollector(t *testing.T) {
	m := New()
	m.RecordSubmit()
	m.RecordSubmit()
	m.RecordExecute(5*time.Millisecond, false)
	m.ThreadStarted()
	m.RecordShutdownCancelled()

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(m, "dispatchpool")))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64, len(families))
	for _, mf := range families {
		require.Len(t, mf.GetMetric(), 1)
		metric := mf.GetMetric()[0]
		switch {
		case metric.GetCounter() != nil:
			values[mf.GetName()] = metric.GetCounter().GetValue()
		case metric.GetGauge() != nil:
			values[mf.GetName()] = metric.GetGauge().GetValue()
		}
	}

	assert.Len(t, values, 11)
	assert.Equal(t, 2.0, values["dispatchpool_pool_items_submitted_total"])
	assert.Equal(t, 1.0, values["dispatchpool_pool_items_executed_total"])
	assert.Equal(t, 1.0, values["dispatchpool_pool_live_threads"])
	assert.Equal(t, 1.0, values["dispatchpool_pool_shutdowns_cancelled_total"])
	assert.InDelta(t, 0.005, values["dispatchpool_pool_execute_latency_avg_seconds"], 1e-9)
}
