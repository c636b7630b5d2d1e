package otel

import (
	"context"
	"errors"
	"fmt"

	goIdentity "github.com/MrEthical07/goIdentity"
	"github.com/MrEthical07/goIdentity/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// Source is the read side of an Engine. Tests substitute a fixed snapshot.
type Source interface {
	MetricsSnapshot() goIdentity.MetricsSnapshot
	AuditDropped() uint64
}

// latencyInstruments publishes one engine histogram as a cumulative bucket
// gauge keyed by an "le" attribute, the same shape Prometheus scrapes.
type latencyInstruments struct {
	buckets metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
	bounds  []metric.ObserveOption
}

// OTelExporter reads one engine snapshot per collection cycle.
type OTelExporter struct {
	source       Source
	counters     map[goIdentity.MetricID]metric.Int64ObservableCounter
	latency      map[goIdentity.MetricID]latencyInstruments
	auditDropped metric.Int64ObservableCounter
	registration metric.Registration
}

// NewOTelExporter registers instruments on meter that read from engine.
func NewOTelExporter(meter metric.Meter, engine *goIdentity.Engine) (*OTelExporter, error) {
	if engine == nil {
		return nil, ErrNilSource
	}
	return NewOTelExporterFromSource(meter, engine)
}

func NewOTelExporterFromSource(meter metric.Meter, source Source) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &OTelExporter{
		source:   source,
		counters: make(map[goIdentity.MetricID]metric.Int64ObservableCounter, len(internaldefs.CounterDefs)),
		latency:  make(map[goIdentity.MetricID]latencyInstruments, len(internaldefs.HistogramDefs)),
	}
	var observed []metric.Observable

	for _, def := range internaldefs.CounterDefs {
		c, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", def.Name, err)
		}
		e.counters[def.ID] = c
		observed = append(observed, c)
	}

	for _, def := range internaldefs.HistogramDefs {
		inst, err := newLatencyInstruments(meter, def)
		if err != nil {
			return nil, err
		}
		e.latency[def.ID] = inst
		observed = append(observed, inst.buckets, inst.count)
	}

	dropped, err := meter.Int64ObservableCounter(internaldefs.AuditDroppedName,
		metric.WithDescription("Audit events dropped because the dispatcher buffer was full."))
	if err != nil {
		return nil, fmt.Errorf("counter %s: %w", internaldefs.AuditDroppedName, err)
	}
	e.auditDropped = dropped
	observed = append(observed, dropped)

	reg, err := meter.RegisterCallback(e.observe, observed...)
	if err != nil {
		return nil, fmt.Errorf("register metrics callback: %w", err)
	}
	e.registration = reg
	return e, nil
}

func newLatencyInstruments(meter metric.Meter, def internaldefs.HistogramDef) (latencyInstruments, error) {
	buckets, err := meter.Int64ObservableGauge(def.Name+"_bucket",
		metric.WithDescription(def.Help+" Cumulative count per upper bound."),
		metric.WithUnit("{sample}"))
	if err != nil {
		return latencyInstruments{}, fmt.Errorf("gauge %s_bucket: %w", def.Name, err)
	}
	count, err := meter.Int64ObservableGauge(def.Name+"_count",
		metric.WithDescription(def.Help+" Total samples."),
		metric.WithUnit("{sample}"))
	if err != nil {
		return latencyInstruments{}, fmt.Errorf("gauge %s_count: %w", def.Name, err)
	}

	bounds := make([]metric.ObserveOption, len(internaldefs.HistogramBounds))
	for i, le := range internaldefs.HistogramBounds {
		bounds[i] = metric.WithAttributeSet(attribute.NewSet(attribute.String("le", le)))
	}
	return latencyInstruments{buckets: buckets, count: count, bounds: bounds}, nil
}

func (e *OTelExporter) observe(_ context.Context, o metric.Observer) error {
	snap := e.source.MetricsSnapshot()

	for id, c := range e.counters {
		o.ObserveInt64(c, int64(snap.Counters[id]))
	}
	for id, inst := range e.latency {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[id]))
		for i, opt := range inst.bounds {
			o.ObserveInt64(inst.buckets, int64(cumulative[i]), opt)
		}
		o.ObserveInt64(inst.count, int64(cumulative[len(cumulative)-1]))
	}
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

// Close unregisters the collection callback. Safe on a nil exporter.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
