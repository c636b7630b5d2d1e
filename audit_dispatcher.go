package goIdentity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// queuedEvent keeps the emitting request's context values for the sink while
// shedding its deadline, since delivery happens after the request returns.
type queuedEvent struct {
	ctx   context.Context
	event AuditEvent
}

// auditDispatcher hands events from request goroutines to a single delivery
// worker. Emit never blocks when dropIfFull is set; lost events are counted.
type auditDispatcher struct {
	sink       AuditSink
	logger     *slog.Logger
	dropIfFull bool

	queue   chan queuedEvent
	stop    context.CancelFunc
	stopped context.Context
	worker  sync.WaitGroup

	dropped    atomic.Uint64
	shutdown   sync.Once
	warnedFull atomic.Bool
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink, logger *slog.Logger) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	stopped, stop := context.WithCancel(context.Background())
	d := &auditDispatcher{
		sink:       sink,
		logger:     logger.With(slog.String("component", "audit")),
		dropIfFull: cfg.DropIfFull,
		queue:      make(chan queuedEvent, max(cfg.BufferSize, 1)),
		stop:       stop,
		stopped:    stopped,
	}
	d.worker.Add(1)
	go d.loop()
	return d
}

func (d *auditDispatcher) loop() {
	defer d.worker.Done()
	for {
		select {
		case q := <-d.queue:
			d.deliver(q)
		case <-d.stopped.Done():
			// Everything accepted before Close is still delivered.
			for n := len(d.queue); n > 0; n-- {
				d.deliver(<-d.queue)
			}
			return
		}
	}
}

// deliver isolates the worker from a misbehaving sink.
func (d *auditDispatcher) deliver(q queuedEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("audit sink panicked",
				slog.String("event", q.event.EventType),
				slog.Any("panic", r),
			)
		}
	}()
	d.sink.Emit(q.ctx, q.event)
}

func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil || d.stopped.Err() != nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	q := queuedEvent{ctx: context.WithoutCancel(ctx), event: event}

	if !d.dropIfFull {
		select {
		case d.queue <- q:
		case <-ctx.Done():
		case <-d.stopped.Done():
		}
		return
	}

	select {
	case d.queue <- q:
	default:
		d.dropped.Add(1)
		if d.warnedFull.CompareAndSwap(false, true) {
			d.logger.Warn("audit buffer full, dropping events",
				slog.Int("buffer", cap(d.queue)))
		}
	}
}

// Close stops intake, flushes queued events and waits for the worker.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.shutdown.Do(func() {
		d.stop()
		d.worker.Wait()
	})
}

func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
