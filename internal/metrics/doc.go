// Package metrics provides worker pool statistics collection and reporting.
//
// Metrics counts submitted and executed work items, Execute panics, and
// thread lifecycle outcomes (initialization failures, wait failures,
// consumed and cancelled shutdown requests), tracks the live thread
// count, and samples Execute latency for average and P99 reporting.
//
// # Basic Usage
//
//	m := metrics.New()
//
//	start := time.Now()
//	// ... execute ...
//	m.RecordExecute(time.Since(start), false)
//
//	fmt.Printf("Executed: %d, Live: %d, P99: %v\n",
//	    m.Executed(), m.LiveThreads(), m.P99Latency())
//
//	snap := m.Snapshot()
//
// # Configuration
//
// Use NewWithConfig for custom settings:
//
//	config := metrics.Config{
//	    MaxLatencySamples: 5000, // More samples for P99 accuracy
//	}
//	m := metrics.NewWithConfig(config)
//
// # Prometheus
//
// NewCollector exposes a Metrics value as a prometheus.Collector:
//
//	prometheus.MustRegister(metrics.NewCollector(m, "dispatchpool"))
//
// # Thread Safety
//
// All operations use atomic counters and are safe for concurrent access.
package metrics
