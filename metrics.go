package goIdentity

import (
	"sync/atomic"
	"time"
)

// MetricID names one engine counter.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricRegisterSuccess
	MetricRegisterConflict
	MetricPhoneCodeSent
	MetricPhoneCodeSendFailure
	MetricPhoneCodeVerified
	MetricPhoneCodeRejected
	MetricFederatedLoginSuccess
	MetricFederatedLoginFailure
	MetricIdentityCreated
	MetricIdentityMerged
	MetricMergeConfirmationRequired
	MetricMethodLinked
	MetricMethodUnlinked
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricRefreshReuseDetected
	MetricSessionCreated
	MetricSessionRevoked
	MetricLogout
	MetricLogoutAll
	MetricValidateFailure
	MetricRevokedTokenRejected
	MetricRevocationCacheHit
	MetricAuthorizationDenied
	MetricRateLimitHit
	MetricChallengeRequired
	MetricChallengeFailed
	MetricPasswordChanged
	MetricRoleChanged
	MetricIdentityDeleted
	MetricSweepRemoved
	MetricValidateLatency
	metricIDCount
)

const histBucketCount = 8

// counterSlot pads each counter to its own cache line; login, refresh and
// validate counters are bumped from every request goroutine.
type counterSlot struct {
	n atomic.Uint64
	_ [56]byte
}

// Metrics is the engine's fixed counter table plus the validation latency
// histogram. A nil or disabled *Metrics ignores every call.
type Metrics struct {
	on        bool
	latencyOn bool
	counters  [metricIDCount]counterSlot
	latency   [histBucketCount]atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy. Histogram buckets are per-bucket
// counts, not cumulative.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{on: cfg.Enabled, latencyOn: cfg.Enabled && cfg.EnableLatencyHistograms}
}

func (m *Metrics) Enabled() bool        { return m != nil && m.on }
func (m *Metrics) LatencyEnabled() bool { return m != nil && m.latencyOn }

func (m *Metrics) Inc(id MetricID) { m.Add(id, 1) }

func (m *Metrics) Add(id MetricID, n uint64) {
	if !m.Enabled() || id >= metricIDCount || id == MetricValidateLatency {
		return
	}
	m.counters[id].n.Add(n)
}

// Observe records one validation latency sample. Other ids have no histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if id != MetricValidateLatency || !m.LatencyEnabled() {
		return
	}
	m.latency[bucketIndex(d)].Add(1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return m.counters[id].n.Load()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, metricIDCount),
		Histograms: make(map[MetricID][]uint64, 1),
	}
	if !m.Enabled() {
		return snap
	}
	for id := range metricIDCount {
		if id != MetricValidateLatency {
			snap.Counters[id] = m.counters[id].n.Load()
		}
	}
	if m.latencyOn {
		buckets := make([]uint64, histBucketCount)
		for i := range m.latency {
			buckets[i] = m.latency[i].Load()
		}
		snap.Histograms[MetricValidateLatency] = buckets
	}
	return snap
}

// HistogramBoundsMillis are the inclusive upper bounds of the latency buckets.
// Samples above the last bound land in the final, open bucket.
var HistogramBoundsMillis = [histBucketCount - 1]int64{1, 2, 5, 10, 25, 50, 100}

func bucketIndex(d time.Duration) int {
	for i, ms := range HistogramBoundsMillis {
		if d <= time.Duration(ms)*time.Millisecond {
			return i
		}
	}
	return histBucketCount - 1
}
