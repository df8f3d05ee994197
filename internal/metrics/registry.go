// Package metrics exposes Prometheus instrumentation for the post daemon:
// crypto operations, handshakes, sessions, and encrypted transport frames
// all register against a single Registry served at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "post"

// Registry is the collector registry every metric in this package registers
// against. A dedicated registry (rather than prometheus.DefaultRegisterer)
// keeps process-level Go/process collectors out of postd's export unless
// explicitly added.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
}
