// Package metrics exposes Prometheus metrics for mqkit workers.
//
// Each service gets an isolated registry; everything registered through
// Metrics carries a constant `service` label. The Observer type bridges the
// rabbit package's operation notifications to counters and histograms, so a
// worker reports declare, publish, consume and ack/nack/reject outcomes
// without importing Prometheus itself.
//
//	m := metrics.NewMetrics(metrics.Config{ServiceName: "receipt-scraper"})
//	obs := metrics.NewObserver(m)
//	topology := rabbit.NewTopologyManager(conns, rabbit.WithObserver(obs))
//
// Backlog growth under a downstream outage shows up as a rising
// mq_operations_total{operation="nack"} rate next to the broker's own
// queue depth metrics.
package metrics
