package broker

import (
	"sync/atomic"

	"github.com/nyigoro/pneuma/confidence"
)

// requestKinds is the fixed label set opsapi's /metricsz exposes counters
// for; fixed rather than derived from the Request type switch so the
// exposition format never depends on reflection.
var requestKinds = []string{
	"create_page", "navigate", "evaluate", "screenshot",
	"close_browser", "shutdown", "status",
}

// Metrics accumulates plain counters the service loop updates inline.
// Every field is an atomic so a concurrent opsapi reader never takes a
// lock the loop itself might contend on.
type Metrics struct {
	requestsByKind map[string]*atomic.Int64

	handoffsAttempted atomic.Int64
	handoffsSucceeded atomic.Int64
	handoffsFailed    atomic.Int64
	rollbacks         atomic.Int64

	decisions [confidence.FailureSlowExecution + 1]atomic.Int64
}

// NewMetrics returns a zeroed Metrics with every known request kind
// pre-registered.
func NewMetrics() *Metrics {
	m := &Metrics{requestsByKind: make(map[string]*atomic.Int64, len(requestKinds))}
	for _, k := range requestKinds {
		m.requestsByKind[k] = &atomic.Int64{}
	}
	return m
}

func (m *Metrics) recordRequest(kind string) {
	if c, ok := m.requestsByKind[kind]; ok {
		c.Add(1)
	}
}

func (m *Metrics) recordHandoffAttempt() {
	m.handoffsAttempted.Add(1)
}

func (m *Metrics) recordHandoffResult(success bool) {
	if success {
		m.handoffsSucceeded.Add(1)
		return
	}
	m.handoffsFailed.Add(1)
}

func (m *Metrics) recordRollback() {
	m.rollbacks.Add(1)
}

func (m *Metrics) recordDecision(kind confidence.FailureKind) {
	if int(kind) < len(m.decisions) {
		m.decisions[kind].Add(1)
	}
}

// MetricsSnapshot is a point-in-time, render-ready copy of Metrics.
type MetricsSnapshot struct {
	RequestsByKind         map[string]int64
	HandoffsAttempted      int64
	HandoffsSucceeded      int64
	HandoffsFailed         int64
	Rollbacks              int64
	DecisionsByFailureKind map[string]int64
}

// Snapshot reads every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	req := make(map[string]int64, len(m.requestsByKind))
	for k, v := range m.requestsByKind {
		req[k] = v.Load()
	}
	dec := make(map[string]int64, len(m.decisions))
	for i := range m.decisions {
		dec[confidence.FailureKind(i).String()] = m.decisions[i].Load()
	}
	return MetricsSnapshot{
		RequestsByKind:         req,
		HandoffsAttempted:      m.handoffsAttempted.Load(),
		HandoffsSucceeded:      m.handoffsSucceeded.Load(),
		HandoffsFailed:         m.handoffsFailed.Load(),
		Rollbacks:              m.rollbacks.Load(),
		DecisionsByFailureKind: dec,
	}
}
