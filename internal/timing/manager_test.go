package timing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aiperf-run/aiperf/internal/bus"
	"github.com/aiperf-run/aiperf/internal/types"
)

func newTestBus(t *testing.T) bus.Bus {
	t.Helper()
	b, srv, err := bus.NewIPCBus()
	if err != nil {
		t.Fatalf("NewIPCBus: %v", err)
	}
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return b
}

func TestResolveModePrecedence(t *testing.T) {
	cfg := types.UserConfig{FixedScheduleFile: "trace.jsonl", RequestRate: 10}
	if got := ResolveMode(cfg); got != types.TimingFixedSchedule {
		t.Fatalf("ResolveMode = %v, want fixed_schedule (highest precedence)", got)
	}

	cfg = types.UserConfig{RequestRate: 10}
	if got := ResolveMode(cfg); got != types.TimingRequestRate {
		t.Fatalf("ResolveMode = %v, want request_rate", got)
	}

	cfg = types.UserConfig{}
	if got := ResolveMode(cfg); got != types.TimingConcurrency {
		t.Fatalf("ResolveMode = %v, want concurrency (fallback)", got)
	}
}

func TestConcurrencyModeRespectsRequestCount(t *testing.T) {
	b := newTestBus(t)
	m := New(Config{
		Mode:         types.TimingConcurrency,
		Concurrency:  2,
		RequestCount: 5,
	}, b)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Drain credits and simulate returns so the manager makes progress.
	drained := 0
	for drained < 2+5 {
		msg, err := b.Pull(context.Background(), "CREDIT_DROP", time.Second)
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
		if msg.Payload == nil {
			continue
		}
		var c types.Credit
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			t.Fatalf("unmarshal credit: %v", err)
		}
		drained++
		m.OnCreditReturned()
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not complete after request_count satisfied")
	}

	if got := m.MeasuredCount(); got != 5 {
		t.Fatalf("MeasuredCount = %d, want 5 (ramp credits must not count)", got)
	}
	if got := m.TotalDropped(); got != 7 {
		t.Fatalf("TotalDropped = %d, want 7 (2 ramp + 5 measured)", got)
	}
}

func TestFixedScheduleDropsExactCount(t *testing.T) {
	b := newTestBus(t)
	m := New(Config{
		Mode:     types.TimingFixedSchedule,
		Schedule: []ScheduleEntry{{Delay: 0}, {Delay: 0}, {Delay: 0}},
	}, b)

	go func() {
		for i := 0; i < 3; i++ {
			b.Pull(context.Background(), "CREDIT_DROP", time.Second)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.MeasuredCount(); got != 3 {
		t.Fatalf("MeasuredCount = %d, want 3", got)
	}
}
