package goIdentity

import (
	"testing"
	"time"
)

// loginPathMetrics is what a phone-code login followed by one refresh and a
// burst of validations touches.
var loginPathMetrics = [...]MetricID{
	MetricPhoneCodeSent,
	MetricPhoneCodeVerified,
	MetricLoginSuccess,
	MetricSessionCreated,
	MetricRefreshSuccess,
	MetricRevocationCacheHit,
	MetricRevokedTokenRejected,
	MetricRateLimitHit,
}

func BenchmarkMetricsInc(b *testing.B) {
	for _, enabled := range []bool{true, false} {
		name := "enabled"
		if !enabled {
			name = "disabled"
		}
		b.Run(name, func(b *testing.B) {
			m := NewMetrics(MetricsConfig{Enabled: enabled})
			b.ReportAllocs()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					m.Inc(MetricLoginSuccess)
				}
			})
		})
	}
}

func BenchmarkMetricsLoginPathParallel(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		// Each goroutine starts at a different offset so neighbouring
		// counters are hit concurrently.
		var seed uint64 = 0x9e3779b97f4a7c15
		for pb.Next() {
			seed ^= seed << 13
			seed ^= seed >> 7
			seed ^= seed << 17
			m.Inc(loginPathMetrics[seed%uint64(len(loginPathMetrics))])
		}
	})
}

func BenchmarkMetricsObserveValidateLatency(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	samples := []time.Duration{
		400 * time.Microsecond,
		3 * time.Millisecond,
		40 * time.Millisecond,
		250 * time.Millisecond,
	}
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			m.Observe(MetricValidateLatency, samples[i&3])
			i++
		}
	})
}

func BenchmarkMetricsSnapshot(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	for _, id := range loginPathMetrics {
		m.Add(id, 1000)
	}
	m.Observe(MetricValidateLatency, 2*time.Millisecond)
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = m.Snapshot()
	}
}
