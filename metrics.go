package segrind

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the EXECUTE-latency histogram buckets in
// nanoseconds, covering from 1us to 10s with logarithmic spacing -- wide
// enough to span both a trivial target return and a near-MaxDuration hang.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for a running command server.
type Metrics struct {
	// Command counters, one per message tag the server dispatches.
	SetTargetOps atomic.Uint64
	FuzzOps      atomic.Uint64
	ExecuteOps   atomic.Uint64
	ResetOps     atomic.Uint64
	SetCtxOps    atomic.Uint64

	// Execution outcomes.
	ExecuteSuccesses atomic.Uint64 // target returned and reported via OK
	ExecuteFaults    atomic.Uint64 // child SIGSEGV'd, taint engine ran, NEW_ALLOC sent
	ExecuteTimeouts  atomic.Uint64 // wait_for_child tripped MaxDuration
	ExecuteFailures  atomic.Uint64 // any other FAIL

	// Performance tracking for EXECUTE round-trips (ACK to terminal message).
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Server lifecycle.
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordExecute records the outcome and latency of one EXECUTE round-trip.
func (m *Metrics) RecordExecute(latencyNs uint64, outcome ExecuteOutcome) {
	m.ExecuteOps.Add(1)
	switch outcome {
	case OutcomeSuccess:
		m.ExecuteSuccesses.Add(1)
	case OutcomeFault:
		m.ExecuteFaults.Add(1)
	case OutcomeTimeout:
		m.ExecuteTimeouts.Add(1)
	default:
		m.ExecuteFailures.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// ExecuteOutcome classifies how an EXECUTE round-trip ended, for metrics
// and logging.
type ExecuteOutcome int

const (
	OutcomeSuccess ExecuteOutcome = iota
	OutcomeFault
	OutcomeTimeout
	OutcomeFailure
)

// Stop marks the server as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of server metrics.
type MetricsSnapshot struct {
	SetTargetOps int64
	FuzzOps      int64
	ExecuteOps   int64
	ResetOps     int64
	SetCtxOps    int64

	ExecuteSuccesses int64
	ExecuteFaults    int64
	ExecuteTimeouts  int64
	ExecuteFailures  int64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		SetTargetOps:     int64(m.SetTargetOps.Load()),
		FuzzOps:          int64(m.FuzzOps.Load()),
		ExecuteOps:       int64(m.ExecuteOps.Load()),
		ResetOps:         int64(m.ResetOps.Load()),
		SetCtxOps:        int64(m.SetCtxOps.Load()),
		ExecuteSuccesses: int64(m.ExecuteSuccesses.Load()),
		ExecuteFaults:    int64(m.ExecuteFaults.Load()),
		ExecuteTimeouts:  int64(m.ExecuteTimeouts.Load()),
		ExecuteFailures:  int64(m.ExecuteFailures.Load()),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the EXECUTE latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer allows pluggable metrics collection for the command server.
type Observer interface {
	ObserveCommand(tag string)
	ObserveExecute(latencyNs uint64, outcome ExecuteOutcome)
}

// NoOpObserver is a no-op Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCommand(string)                     {}
func (NoOpObserver) ObserveExecute(uint64, ExecuteOutcome) {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCommand(tag string) {
	switch tag {
	case "SET_TGT", "SET_SO_TGT":
		o.metrics.SetTargetOps.Add(1)
	case "FUZZ":
		o.metrics.FuzzOps.Add(1)
	case "SET_CTX":
		o.metrics.SetCtxOps.Add(1)
	case "RESET":
		o.metrics.ResetOps.Add(1)
	}
}

func (o *MetricsObserver) ObserveExecute(latencyNs uint64, outcome ExecuteOutcome) {
	o.metrics.RecordExecute(latencyNs, outcome)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
