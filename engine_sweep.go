package goIdentity

import (
	"context"
	"fmt"
	"time"
)

// Sweep prunes index entries that point at expired sessions and expired
// access-token ids of live sessions. It is idempotent and returns the number
// of dangling session entries removed.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}
	n, err := e.sessions.Sweep(ctx)
	if n > 0 && e.metrics != nil {
		e.metrics.Add(MetricSweepRemoved, uint64(n))
	}
	if err != nil {
		return n, redisFailure(err)
	}
	e.emitAudit(ctx, auditEventSweepCompleted, true, "", "", nil, func() map[string]string {
		return map[string]string{
			"removed": fmt.Sprint(n),
		}
	})
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done. A non-positive
// interval falls back to the configured one. Failed sweeps are logged and
// retried on the next tick.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	if interval <= 0 {
		interval = e.config.Sweep.Interval
	}
	if interval <= 0 {
		return fmt.Errorf("%w: sweep interval must be > 0", ErrInvalidRequest)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			n, err := e.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.logger.WarnContext(ctx, "session sweep failed", "removed", n, "error", err)
				continue
			}
			e.logger.DebugContext(ctx, "session sweep completed", "removed", n, "took", time.Since(start))
		}
	}
}
