// Package otel binds goIdentity engine metrics to an OpenTelemetry Meter.
//
// Every engine counter becomes an Int64ObservableCounter. The validation
// latency histogram is published as a cumulative "_bucket" gauge carrying an
// "le" attribute plus a "_count" gauge, so dashboards built for the Prometheus
// exporter read the same series. Callers own the MeterProvider.
package otel
