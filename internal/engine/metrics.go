package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks execution attempt outcomes and latency
type Metrics struct {
	// Latency samples (in milliseconds), ring buffer
	samples   []int64
	sampleIdx int
	mu        sync.Mutex

	total     atomic.Int64
	submitted atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// NewMetrics creates a metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{
		samples: make([]int64, 100), // keep last 100 samples
	}
}

// Record logs one attempt outcome with its wall time
func (m *Metrics) Record(outcome string, elapsed time.Duration) {
	m.mu.Lock()
	m.samples[m.sampleIdx%len(m.samples)] = elapsed.Milliseconds()
	m.sampleIdx++
	m.mu.Unlock()

	m.total.Add(1)
	switch outcome {
	case "SUBMITTED":
		m.submitted.Add(1)
	case "SKIPPED":
		m.skipped.Add(1)
	case "FAILED":
		m.failed.Add(1)
	}
}

// Snapshot returns counters and average latency for the health endpoint
func (m *Metrics) Snapshot() map[string]any {
	m.mu.Lock()
	n := m.sampleIdx
	if n > len(m.samples) {
		n = len(m.samples)
	}
	var sum int64
	for i := 0; i < n; i++ {
		sum += m.samples[i]
	}
	m.mu.Unlock()

	avg := int64(0)
	if n > 0 {
		avg = sum / int64(n)
	}
	return map[string]any{
		"attempts_total":     m.total.Load(),
		"attempts_submitted": m.submitted.Load(),
		"attempts_skipped":   m.skipped.Load(),
		"attempts_failed":    m.failed.Load(),
		"avg_latency_ms":     avg,
	}
}
