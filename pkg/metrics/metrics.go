// Package metrics is the in-process observability sink for the sync
// core: atomic counters, queue-depth gauges, a fixed reservoir of
// latency samples for percentile estimates, and a derived health score.
// The same figures are mirrored into Prometheus collectors when a
// registerer is supplied, so a host can mount them on its own endpoint.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// reservoirSize is the number of latency samples retained for
// percentile estimation; older samples are overwritten ring-style.
const reservoirSize = 512

// Metrics collects sync-core observability data. Safe for concurrent
// use. The zero value is not usable; construct with New.
type Metrics struct {
	enqueued          atomic.Int64
	processed         atomic.Int64
	failed            atomic.Int64
	retries           atomic.Int64
	conflictsResolved atomic.Int64
	breakerTrips      atomic.Int64
	lockTakeovers     atomic.Int64
	networkErrors     atomic.Int64

	mu           sync.Mutex
	latencies    [reservoirSize]time.Duration
	latencyCount int
	latencyNext  int

	queueDepth   int64
	queuePeak    int64
	depthSum     int64
	depthSamples int64

	prom *promCollectors
}

type promCollectors struct {
	enqueued          prometheus.Counter
	processed         prometheus.Counter
	failed            prometheus.Counter
	retries           prometheus.Counter
	conflictsResolved prometheus.Counter
	breakerTrips      prometheus.Counter
	lockTakeovers     prometheus.Counter
	networkErrors     prometheus.Counter
	queueDepth        prometheus.Gauge
	latency           prometheus.Histogram
}

// New creates a Metrics sink. A nil registerer disables the Prometheus
// mirror; the snapshot API works either way.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}
	if reg != nil {
		p := &promCollectors{
			enqueued:          prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_ops_enqueued_total", Help: "Operations accepted into the pending queue."}),
			processed:         prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_ops_processed_total", Help: "Operations confirmed by the server."}),
			failed:            prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_ops_failed_total", Help: "Operations moved to the failed archive."}),
			retries:           prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_ops_retries_total", Help: "Retry attempts scheduled."}),
			conflictsResolved: prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_conflicts_resolved_total", Help: "Conflicts resolved by the reconciler."}),
			breakerTrips:      prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_breaker_trips_total", Help: "Circuit breaker open transitions."}),
			lockTakeovers:     prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_lock_takeovers_total", Help: "Stale processing-lock takeovers."}),
			networkErrors:     prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_network_errors_total", Help: "Transport-level request failures."}),
			queueDepth:        prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_queue_depth", Help: "Current pending queue depth."}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "sync_request_duration_seconds",
				Help:    "Latency of successful sync requests.",
				Buckets: prometheus.DefBuckets,
			}),
		}
		reg.MustRegister(p.enqueued, p.processed, p.failed, p.retries,
			p.conflictsResolved, p.breakerTrips, p.lockTakeovers,
			p.networkErrors, p.queueDepth, p.latency)
		m.prom = p
	}
	return m
}

// RecordEnqueued counts an accepted operation.
func (m *Metrics) RecordEnqueued() {
	m.enqueued.Add(1)
	if m.prom != nil {
		m.prom.enqueued.Inc()
	}
}

// RecordSuccess counts a processed operation and feeds its latency into
// the reservoir.
func (m *Metrics) RecordSuccess(latency time.Duration) {
	m.processed.Add(1)
	m.mu.Lock()
	m.latencies[m.latencyNext] = latency
	m.latencyNext = (m.latencyNext + 1) % reservoirSize
	if m.latencyCount < reservoirSize {
		m.latencyCount++
	}
	m.mu.Unlock()
	if m.prom != nil {
		m.prom.processed.Inc()
		m.prom.latency.Observe(latency.Seconds())
	}
}

// RecordFailure counts a permanently failed operation.
func (m *Metrics) RecordFailure() {
	m.failed.Add(1)
	if m.prom != nil {
		m.prom.failed.Inc()
	}
}

// RecordRetry counts a scheduled retry.
func (m *Metrics) RecordRetry() {
	m.retries.Add(1)
	if m.prom != nil {
		m.prom.retries.Inc()
	}
}

// RecordConflictResolved counts a reconciled conflict.
func (m *Metrics) RecordConflictResolved() {
	m.conflictsResolved.Add(1)
	if m.prom != nil {
		m.prom.conflictsResolved.Inc()
	}
}

// RecordBreakerTrip counts a breaker open transition.
func (m *Metrics) RecordBreakerTrip() {
	m.breakerTrips.Add(1)
	if m.prom != nil {
		m.prom.breakerTrips.Inc()
	}
}

// RecordLockTakeover counts a stale-lease takeover.
func (m *Metrics) RecordLockTakeover() {
	m.lockTakeovers.Add(1)
	if m.prom != nil {
		m.prom.lockTakeovers.Inc()
	}
}

// RecordNetworkError counts a transport-level failure.
func (m *Metrics) RecordNetworkError() {
	m.networkErrors.Add(1)
	if m.prom != nil {
		m.prom.networkErrors.Inc()
	}
}

// SetQueueDepth updates the queue-depth gauge and its peak/average
// derivatives. Called on every enqueue and every queue removal.
func (m *Metrics) SetQueueDepth(depth int) {
	m.mu.Lock()
	m.queueDepth = int64(depth)
	if int64(depth) > m.queuePeak {
		m.queuePeak = int64(depth)
	}
	m.depthSum += int64(depth)
	m.depthSamples++
	m.mu.Unlock()
	if m.prom != nil {
		m.prom.queueDepth.Set(float64(depth))
	}
}

// LockTakeovers returns the takeover counter; the processing lock's
// tests assert on it directly.
func (m *Metrics) LockTakeovers() int64 { return m.lockTakeovers.Load() }

// Processed returns the processed counter.
func (m *Metrics) Processed() int64 { return m.processed.Load() }

// Retries returns the retry counter.
func (m *Metrics) Retries() int64 { return m.retries.Load() }

// ConflictsResolved returns the conflicts-resolved counter.
func (m *Metrics) ConflictsResolved() int64 { return m.conflictsResolved.Load() }

// SuccessRate returns the percentage of terminal operations that
// succeeded, or 100 when nothing terminal has happened yet.
func (m *Metrics) SuccessRate() float64 {
	processed := m.processed.Load()
	failed := m.failed.Load()
	total := processed + failed
	if total == 0 {
		return 100
	}
	return 100 * float64(processed) / float64(total)
}

// HealthScore derives a 0-100 endpoint health figure: the success rate
// minus a penalty of 5 points per recorded network error, capped at 50.
func (m *Metrics) HealthScore() float64 {
	penalty := 5 * float64(m.networkErrors.Load())
	if penalty > 50 {
		penalty = 50
	}
	score := m.SuccessRate() - penalty
	if score < 0 {
		return 0
	}
	return score
}

// Summary returns a point-in-time snapshot grouped the way the host's
// diagnostics screen consumes it. No I/O.
func (m *Metrics) Summary() map[string]interface{} {
	m.mu.Lock()
	p50, p95, p99 := m.percentilesLocked()
	depth := m.queueDepth
	peak := m.queuePeak
	var avg float64
	if m.depthSamples > 0 {
		avg = float64(m.depthSum) / float64(m.depthSamples)
	}
	m.mu.Unlock()

	return map[string]interface{}{
		"operations": map[string]interface{}{
			"enqueued":           m.enqueued.Load(),
			"processed":          m.processed.Load(),
			"failed":             m.failed.Load(),
			"retries":            m.retries.Load(),
			"conflicts_resolved": m.conflictsResolved.Load(),
			"success_rate":       m.SuccessRate(),
		},
		"latency": map[string]interface{}{
			"p50_ms": float64(p50.Milliseconds()),
			"p95_ms": float64(p95.Milliseconds()),
			"p99_ms": float64(p99.Milliseconds()),
		},
		"queue": map[string]interface{}{
			"depth":      depth,
			"peak_depth": peak,
			"avg_depth":  avg,
		},
		"network": map[string]interface{}{
			"errors":         m.networkErrors.Load(),
			"breaker_trips":  m.breakerTrips.Load(),
			"lock_takeovers": m.lockTakeovers.Load(),
			"health_score":   m.HealthScore(),
		},
	}
}

// percentilesLocked computes p50/p95/p99 over the current reservoir.
// Caller holds mu.
func (m *Metrics) percentilesLocked() (p50, p95, p99 time.Duration) {
	if m.latencyCount == 0 {
		return 0, 0, 0
	}
	samples := make([]time.Duration, m.latencyCount)
	copy(samples, m.latencies[:m.latencyCount])
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	at := func(q float64) time.Duration {
		idx := int(q * float64(len(samples)-1))
		return samples[idx]
	}
	return at(0.50), at(0.95), at(0.99)
}
