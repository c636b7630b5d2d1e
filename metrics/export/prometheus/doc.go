// Package prometheus exposes goIdentity engine metrics as a Prometheus
// collector.
//
// [NewPrometheusExporter] wraps a [goIdentity.Engine]. The exporter
// implements prometheus.Collector and reads one MetricsSnapshot per scrape;
// [PrometheusExporter.Handler] serves it from a private registry. Counter
// names are goidentity_*_total; the single histogram is
// goidentity_validate_latency_seconds.
//
// # What this package must NOT do
//
//   - Register in the global Prometheus registry.
//   - Mutate engine state.
package prometheus
