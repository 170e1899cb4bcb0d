package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector は Metrics を Prometheus に公開する
// 値は Collect のたびに Metrics から読み出す
type Collector struct {
	m *Metrics

	submitted    *prometheus.Desc
	executed     *prometheus.Desc
	resubmitted  *prometheus.Desc
	panics       *prometheus.Desc
	initFailures *prometheus.Desc
	waitFailures *prometheus.Desc
	shutdowns    *prometheus.Desc
	cancelled    *prometheus.Desc
	liveThreads  *prometheus.Desc
	avgLatency   *prometheus.Desc
	p99Latency   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector は namespace 配下のメトリクス名で Collector を作成する
func NewCollector(m *Metrics, namespace string) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, nil, nil)
	}
	return &Collector{
		m:            m,
		submitted:    desc("items_submitted_total", "Total number of work items submitted to the queue"),
		executed:     desc("items_executed_total", "Total number of Execute calls"),
		resubmitted:  desc("items_resubmitted_total", "Total number of work items put back on the queue after Execute"),
		panics:       desc("execute_panics_total", "Total number of Execute calls that panicked"),
		initFailures: desc("init_failures_total", "Total number of threads whose Initialize failed"),
		waitFailures: desc("wait_failures_total", "Total number of threads that exited on a failed queue wait"),
		shutdowns:    desc("shutdowns_total", "Total number of threads that consumed a shutdown request"),
		cancelled:    desc("shutdowns_cancelled_total", "Total number of shutdown sentinels discarded after cancellation"),
		liveThreads:  desc("live_threads", "Current number of live worker threads"),
		avgLatency:   desc("execute_latency_avg_seconds", "Average Execute latency"),
		p99Latency:   desc("execute_latency_p99_seconds", "Sampled P99 Execute latency"),
	}
}

// Describe は prometheus.Collector を実装する
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.submitted
	ch <- c.executed
	ch <- c.resubmitted
	ch <- c.panics
	ch <- c.initFailures
	ch <- c.waitFailures
	ch <- c.shutdowns
	ch <- c.cancelled
	ch <- c.liveThreads
	ch <- c.avgLatency
	ch <- c.p99Latency
}

// Collect は prometheus.Collector を実装する
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.submitted, s.Submitted)
	counter(c.executed, s.Executed)
	counter(c.resubmitted, s.Resubmitted)
	counter(c.panics, s.Panics)
	counter(c.initFailures, s.InitFailures)
	counter(c.waitFailures, s.WaitFailures)
	counter(c.shutdowns, s.Shutdowns)
	counter(c.cancelled, s.CancelledShutdowns)

	ch <- prometheus.MustNewConstMetric(c.liveThreads, prometheus.GaugeValue, float64(s.LiveThreads))
	ch <- prometheus.MustNewConstMetric(c.avgLatency, prometheus.GaugeValue, s.AverageLatency.Seconds())
	ch <- prometheus.MustNewConstMetric(c.p99Latency, prometheus.GaugeValue, s.P99Latency.Seconds())
}
