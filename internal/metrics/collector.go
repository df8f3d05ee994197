package metrics

import (
	"sort"
	"sync"
	"time"
)

// Collector keeps an in-process rolling snapshot of daemon activity for
// cheap local reporting (postd status, GET /v1/status) without parsing the
// Prometheus text exposition format. Prometheus (crypto.go, handshake.go,
// session.go, message.go) remains the system of record for scraped metrics;
// this is a secondary, human-facing view.
type Collector struct {
	mu sync.RWMutex

	PayloadsSent       int64
	PayloadsReceived   int64
	PayloadsApplied    int64
	PayloadsSuppressed int64

	HandshakesInitiated int64
	HandshakesCompleted int64
	HandshakesFailed    int64

	SessionsActive int64
	PeersReady     int64
	PeersFailed    int64

	applyLatencies     []int64
	handshakeLatencies []int64

	startTime  time.Time
	maxSamples int
}

// NewCollector creates a status collector with its own mutex and clock; it
// is not a singleton so tests can construct isolated instances.
func NewCollector() *Collector {
	return &Collector{
		startTime:  time.Now(),
		maxSamples: 1000,
	}
}

func (c *Collector) RecordPayloadSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PayloadsSent++
}

func (c *Collector) RecordPayloadReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PayloadsReceived++
}

// RecordApply records the outcome of one inbound payload: suppressed (a
// loop, stale, or losing update) is counted in PayloadsSuppressed; otherwise
// it was written to the local clipboard and counts as applied, with its
// latency sampled.
func (c *Collector) RecordApply(suppressed bool, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if suppressed {
		c.PayloadsSuppressed++
		return
	}
	c.PayloadsApplied++
	c.recordTiming(&c.applyLatencies, latency)
}

func (c *Collector) RecordHandshake(completed bool, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HandshakesInitiated++
	if completed {
		c.HandshakesCompleted++
	} else {
		c.HandshakesFailed++
	}
	c.recordTiming(&c.handshakeLatencies, latency)
}

func (c *Collector) SetPeerCounts(ready, failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PeersReady = int64(ready)
	c.PeersFailed = int64(failed)
}

func (c *Collector) SetSessionsActive(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SessionsActive = int64(n)
}

func (c *Collector) recordTiming(timings *[]int64, d time.Duration) {
	*timings = append(*timings, d.Microseconds())
	if len(*timings) > c.maxSamples {
		*timings = (*timings)[len(*timings)-c.maxSamples:]
	}
}

// Snapshot is a point-in-time view of Collector, safe to marshal to JSON
// for GET /v1/status or `postd status`.
type Snapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`

	PayloadsSent       int64 `json:"payloads_sent"`
	PayloadsReceived   int64 `json:"payloads_received"`
	PayloadsApplied    int64 `json:"payloads_applied"`
	PayloadsSuppressed int64 `json:"payloads_suppressed"`

	HandshakesInitiated int64 `json:"handshakes_initiated"`
	HandshakesCompleted int64 `json:"handshakes_completed"`
	HandshakesFailed    int64 `json:"handshakes_failed"`

	SessionsActive int64 `json:"sessions_active"`
	PeersReady     int64 `json:"peers_ready"`
	PeersFailed    int64 `json:"peers_failed"`

	P95ApplyLatencyMicros     int64 `json:"p95_apply_latency_us"`
	P95HandshakeLatencyMicros int64 `json:"p95_handshake_latency_us"`
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Timestamp:                 time.Now(),
		Uptime:                    time.Since(c.startTime),
		PayloadsSent:              c.PayloadsSent,
		PayloadsReceived:          c.PayloadsReceived,
		PayloadsApplied:           c.PayloadsApplied,
		PayloadsSuppressed:        c.PayloadsSuppressed,
		HandshakesInitiated:       c.HandshakesInitiated,
		HandshakesCompleted:       c.HandshakesCompleted,
		HandshakesFailed:          c.HandshakesFailed,
		SessionsActive:            c.SessionsActive,
		PeersReady:                c.PeersReady,
		PeersFailed:               c.PeersFailed,
		P95ApplyLatencyMicros:     percentile(c.applyLatencies, 95),
		P95HandshakeLatencyMicros: percentile(c.handshakeLatencies, 95),
	}
}

func percentile(values []int64, p int) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := len(sorted) * p / 100
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

var globalCollector = NewCollector()

// Global returns the process-wide status collector used by the coordinator
// and transport server.
func Global() *Collector {
	return globalCollector
}
