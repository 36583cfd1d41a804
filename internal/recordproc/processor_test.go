package recordproc

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
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
	t.Cleanup(func() { b.Close(); srv.Close() })
	return b
}

func TestProcessorComputesMetricsAndForwards(t *testing.T) {
	b := newTestBus(t)
	p, err := New("proc-1", b, DefaultMetrics(), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	rec := types.ParsedResponseRecord{
		CreditID:     "c1",
		StartNs:      1_000_000_000,
		FirstTokenNs: 1_050_000_000,
		EndNs:        1_200_000_000,
		OutputTokens: 10,
		InterTokenNs: []int64{10_000_000, 10_000_000},
	}
	payload, _ := json.Marshal(rec)
	if err := b.Push(context.Background(), "RECORDS", payload); err != nil {
		t.Fatalf("Push: %v", err)
	}

	msg, err := b.Pull(context.Background(), "AGGREGATOR_INPUT", 2*time.Second)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if msg.Payload == nil {
		t.Fatal("expected a metric dict")
	}

	var dict types.MetricRecordDict
	if err := json.Unmarshal(msg.Payload, &dict); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if dict.Values["ttft_ms"] != 50 {
		t.Fatalf("ttft_ms = %v, want 50", dict.Values["ttft_ms"])
	}
	if _, ok := dict.Values["itl_ms"]; !ok {
		t.Fatal("expected itl_ms to be present")
	}
}

func TestProcessorSkipsNoMetricValue(t *testing.T) {
	fns := DefaultMetrics()
	rec := types.ParsedResponseRecord{StartNs: 1, EndNs: 2} // no FirstTokenNs, no InterTokenNs
	if _, ok := fns["ttft_ms"](rec); ok {
		t.Fatal("expected ttft_ms to report no value when FirstTokenNs is zero")
	}
	if _, ok := fns["itl_ms"](rec); ok {
		t.Fatal("expected itl_ms to report no value with no inter-token samples")
	}
}

func TestProcessorWritesRawJSONL(t *testing.T) {
	dir := t.TempDir()
	b := newTestBus(t)
	p, err := New("proc-1", b, DefaultMetrics(), dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	rec := types.ParsedResponseRecord{CreditID: "c1", StartNs: 1, EndNs: 2}
	payload, _ := json.Marshal(rec)
	b.Push(context.Background(), "RECORDS", payload)

	// Wait for the metric dict to appear, proving the record was processed
	// (and therefore the raw write already happened under the mutex).
	if _, err := b.Pull(context.Background(), "AGGREGATOR_INPUT", 2*time.Second); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	p.Close()

	f, err := os.Open(filepath.Join(dir, "proc-1.jsonl"))
	if err != nil {
		t.Fatalf("open jsonl: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
	}
	if lines != 1 {
		t.Fatalf("got %d lines, want 1", lines)
	}
}
