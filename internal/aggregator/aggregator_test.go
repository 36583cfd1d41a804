package aggregator

import (
	"math"
	"testing"

	"github.com/aiperf-run/aiperf/internal/types"
)

func TestLinearInterpolationPercentileKnownValues(t *testing.T) {
	// 1..10: p50 should land between 5 and 6 (interpolated), not snap to a
	// single nearest-rank element.
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	got := linearInterpPercentile(sorted, 50)
	want := 5.5
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("p50 = %v, want %v", got, want)
	}

	got = linearInterpPercentile(sorted, 0)
	if got != 1 {
		t.Fatalf("p0 = %v, want 1", got)
	}
	got = linearInterpPercentile(sorted, 100)
	if got != 10 {
		t.Fatalf("p100 = %v, want 10", got)
	}
}

func TestSummarizeComputesAvgMinMax(t *testing.T) {
	a := New(0)
	for _, v := range []float64{10, 20, 30} {
		a.AddRecord(types.MetricRecordDict{Values: map[string]float64{"ttft_ms": v}})
	}

	results := a.Summarize()
	mr, ok := results["ttft_ms"]
	if !ok {
		t.Fatal("expected ttft_ms in results")
	}
	if mr.Avg != 20 || mr.Min != 10 || mr.Max != 30 || mr.Count != 3 {
		t.Fatalf("got %+v, want avg=20 min=10 max=30 count=3", mr)
	}
}

func TestMemoryBoundedByRecordPlusWarmupCount(t *testing.T) {
	a := New(2)
	for i := 0; i < 5; i++ {
		a.AddRecord(types.MetricRecordDict{Values: map[string]float64{"x": float64(i)}})
	}
	if got := a.RecordCount(); got != 2 {
		t.Fatalf("RecordCount = %d, want bounded to 2", got)
	}
}

func TestRequestCountExcludesWarmupAndRamp(t *testing.T) {
	a := New(0)
	a.AddRecord(types.MetricRecordDict{Kind: types.CreditKindRamp, Values: map[string]float64{"ttft_ms": 1}})
	a.AddRecord(types.MetricRecordDict{Kind: types.CreditKindWarmup, Values: map[string]float64{"ttft_ms": 2}})
	a.AddRecord(types.MetricRecordDict{Kind: types.CreditKindWarmup, Values: map[string]float64{"ttft_ms": 3}})
	a.AddRecord(types.MetricRecordDict{Kind: types.CreditKindMeasured, Values: map[string]float64{"ttft_ms": 4}})
	a.AddRecord(types.MetricRecordDict{Kind: types.CreditKindMeasured, Values: map[string]float64{"ttft_ms": 5}})
	a.AddError(types.CreditKindWarmup)
	a.AddError(types.CreditKindMeasured)

	final := a.FinalResults("run-1", false, nil)
	if final.RequestCount != 3 {
		t.Fatalf("RequestCount = %d, want 3 (2 measured records + 1 measured error, warmup/ramp excluded)", final.RequestCount)
	}
	if final.ErrorCount != 2 {
		t.Fatalf("ErrorCount = %d, want 2 (all errors counted regardless of kind)", final.ErrorCount)
	}

	if total, errs := a.Counts(); total != 7 || errs != 2 {
		t.Fatalf("Counts = (%d, %d), want (7, 2) — drain-detection total includes every kind", total, errs)
	}
}

func TestTelemetryHierarchyMergesByURLAndUUID(t *testing.T) {
	a := New(0)
	a.AddTelemetry(types.TelemetryRecord{DCGMURL: "http://gpu1", GPUUUID: "uuid-1", Metric: "gpu_util", Value: 42})
	a.AddTelemetry(types.TelemetryRecord{DCGMURL: "http://gpu1", GPUUUID: "uuid-1", Metric: "mem_used", Value: 1024})

	final := a.FinalResults("run-1", false, nil)
	if len(final.Telemetry) != 1 {
		t.Fatalf("got %d GPU entries, want 1 (same dcgm_url+gpu_uuid must merge)", len(final.Telemetry))
	}
	if len(final.Telemetry[0].Metrics) != 2 {
		t.Fatalf("got %d metrics, want 2", len(final.Telemetry[0].Metrics))
	}
}
