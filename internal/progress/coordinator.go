package progress

import (
	"context"
	"time"
)

// Counter reports how many records have been aggregated so far, typically
// backed by the aggregator's RecordCount method.
type Counter interface {
	RecordCount() int
}

// Coordinator periodically reports run progress until recordsTotal records
// have been counted or ctx is cancelled.
type Coordinator struct {
	counter      Counter
	recordsTotal int
	interval     time.Duration
	reporter     *Reporter
	startedAt    time.Time
}

// NewCoordinator constructs a Coordinator. recordsTotal is typically
// RequestCount + WarmupRequestCount, since ramp credits never count.
func NewCoordinator(counter Counter, recordsTotal int, interval time.Duration, reporter *Reporter) *Coordinator {
	return &Coordinator{
		counter:      counter,
		recordsTotal: recordsTotal,
		interval:     interval,
		reporter:     reporter,
	}
}

// Run logs progress on Coordinator.interval until recordsTotal is reached
// or ctx is cancelled. It returns once either condition is met.
func (co *Coordinator) Run(ctx context.Context) {
	co.startedAt = time.Now()
	ticker := time.NewTicker(co.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done := co.counter.RecordCount()
			co.reporter.LogRunProgress(done, co.recordsTotal, time.Since(co.startedAt).Milliseconds())
			if co.recordsTotal > 0 && done >= co.recordsTotal {
				return
			}
		}
	}
}
