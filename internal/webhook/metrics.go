package webhook

import "sync"

// MetricsSnapshot is a point-in-time copy of the processor counters.
type MetricsSnapshot struct {
	Total             int64   `json:"total"`
	Successful        int64   `json:"successful"`
	Failed            int64   `json:"failed"`
	SuccessRate       float64 `json:"success_rate"`
	AverageLatencyMS  float64 `json:"average_latency_ms"`
	QueueMessagesSent int64   `json:"queue_messages_sent"`
}

// Metrics tracks rolling ingestion counters. Safe for concurrent use.
//
// The counters are self-healing: if total ever drifts from successful+failed
// under concurrent updates, Snapshot corrects it to the sum.
type Metrics struct {
	mu                sync.Mutex
	total             int64
	successful        int64
	failed            int64
	latencySumMS      float64
	queueMessagesSent int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordSuccess counts one successful ingestion. enqueued is false for
// deduplicated sends, which succeed without adding a queue message.
func (m *Metrics) RecordSuccess(latencyMS float64, enqueued bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.successful++
	m.latencySumMS += latencyMS
	if enqueued {
		m.queueMessagesSent++
	}
}

// RecordFailure counts one failed ingestion.
func (m *Metrics) RecordFailure(latencyMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.failed++
	m.latencySumMS += latencyMS
}

// Snapshot returns a consistent copy of the counters, repairing total first.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.total != m.successful+m.failed {
		m.total = m.successful + m.failed
	}

	snap := MetricsSnapshot{
		Total:             m.total,
		Successful:        m.successful,
		Failed:            m.failed,
		QueueMessagesSent: m.queueMessagesSent,
	}
	if m.total > 0 {
		snap.SuccessRate = float64(m.successful) / float64(m.total)
		snap.AverageLatencyMS = m.latencySumMS / float64(m.total)
	}
	return snap
}
