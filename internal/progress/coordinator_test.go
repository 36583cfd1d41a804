package progress

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeCounter struct {
	n atomic.Int64
}

func (f *fakeCounter) RecordCount() int { return int(f.n.Load()) }

func TestCoordinatorStopsWhenTotalReached(t *testing.T) {
	var buf bytes.Buffer
	reporter := NewReporterWithWriter("run-1", &buf)
	counter := &fakeCounter{}
	counter.n.Store(10)

	co := NewCoordinator(counter, 10, 10*time.Millisecond, reporter)

	done := make(chan struct{})
	go func() {
		co.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Coordinator.Run did not return once total was reached")
	}
}

func TestCoordinatorStopsOnContextCancel(t *testing.T) {
	var buf bytes.Buffer
	reporter := NewReporterWithWriter("run-1", &buf)
	counter := &fakeCounter{}

	co := NewCoordinator(counter, 100, 10*time.Millisecond, reporter)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		co.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Coordinator.Run did not return after context cancellation")
	}
}
