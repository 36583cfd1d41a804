// Package aggregator implements the Results Aggregator: per-tag growable
// value arrays, linear-interpolation percentiles computed on SUMMARIZE,
// telemetry aggregation, and FinalResults emission. Memory is bounded by
// record_count + warmup_request_count (spec.md §4.8).
//
// The percentile method is linear interpolation between closest ranks,
// NOT nearest-rank — this is a deliberate departure from the teacher's
// own internal/analysis/aggregator.go, which uses nearest-rank.
package aggregator

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aiperf-run/aiperf/internal/types"
)

// Aggregator accumulates MetricRecordDict values per tag and computes
// MetricResult summaries on demand.
type Aggregator struct {
	mu      sync.Mutex
	values  map[string][]float64
	bound   int // record_count + warmup_request_count; 0 = unbounded
	dropped int

	requestCount int
	errorCount   int

	telemetry map[string]types.GPUMetadata // key: dcgm_url+gpu_uuid
	startedAt time.Time
}

// New constructs an Aggregator bounded to maxRecords (record_count plus
// warmup_request_count); pass 0 for unbounded growth.
func New(maxRecords int) *Aggregator {
	return &Aggregator{
		values:    make(map[string][]float64),
		bound:     maxRecords,
		telemetry: make(map[string]types.GPUMetadata),
		startedAt: time.Now(),
	}
}

// AddRecord folds one worker record's values into the per-tag arrays.
// request_count only counts CreditKindMeasured records, per spec.md §8's
// testable invariant that request_count in final results equals the
// number of non-warmup records emitted; CreditKindWarmup and
// CreditKindRamp records still fold their metric values in (and count
// toward the drain-detection total returned by Counts) but never
// request_count.
func (a *Aggregator) AddRecord(rec types.MetricRecordDict) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bound > 0 && a.dropped >= a.bound {
		return
	}

	for tag, v := range rec.Values {
		a.values[tag] = append(a.values[tag], v)
	}
	a.dropped++
	if rec.Kind == types.CreditKindMeasured {
		a.requestCount++
	}
}

// AddError records a failed request so FinalResults.ErrorCount reflects it,
// without contributing metric values. Like AddRecord, request_count is only
// incremented for a measured-kind failure.
func (a *Aggregator) AddError(kind types.CreditKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropped++
	a.errorCount++
	if kind == types.CreditKindMeasured {
		a.requestCount++
	}
}

// AddTelemetry merges a GPU metric sample into the immutable-metadata
// hierarchy, keyed by (dcgm_url, gpu_uuid).
func (a *Aggregator) AddTelemetry(rec types.TelemetryRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := rec.DCGMURL + "|" + rec.GPUUUID
	meta, ok := a.telemetry[key]
	if !ok {
		meta = types.GPUMetadata{
			DCGMURL: rec.DCGMURL,
			GPUUUID: rec.GPUUUID,
			Metrics: make(map[string]float64),
		}
	}
	meta.Metrics[rec.Metric] = rec.Value
	a.telemetry[key] = meta
}

// Summarize computes MetricResult for every tag seen so far, using linear
// interpolation for percentiles (spec.md §4.8/§8).
func (a *Aggregator) Summarize() map[string]types.MetricResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	results := make(map[string]types.MetricResult, len(a.values))
	for tag, vals := range a.values {
		if len(vals) == 0 {
			continue
		}
		results[tag] = summarizeTag(tag, vals)
	}
	return results
}

func summarizeTag(tag string, vals []float64) types.MetricResult {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)

	sum, min, max := 0.0, sorted[0], sorted[len(sorted)-1]
	for _, v := range sorted {
		sum += v
	}
	avg := sum / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		d := v - avg
		variance += d * d
	}
	variance /= float64(len(sorted))
	std := math.Sqrt(variance)

	percentiles := map[string]float64{
		"p1":  linearInterpPercentile(sorted, 1),
		"p5":  linearInterpPercentile(sorted, 5),
		"p25": linearInterpPercentile(sorted, 25),
		"p50": linearInterpPercentile(sorted, 50),
		"p75": linearInterpPercentile(sorted, 75),
		"p90": linearInterpPercentile(sorted, 90),
		"p95": linearInterpPercentile(sorted, 95),
		"p99": linearInterpPercentile(sorted, 99),
	}

	return types.MetricResult{
		Tag:         tag,
		Count:       len(sorted),
		Avg:         avg,
		Min:         min,
		Max:         max,
		Std:         std,
		Percentiles: percentiles,
	}
}

// linearInterpPercentile computes the pct-th percentile of a pre-sorted
// slice using linear interpolation between the two closest ranks (the
// "R-7"/numpy-default method), as required by spec.md in place of the
// teacher's nearest-rank formula.
func linearInterpPercentile(sorted []float64, pct float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}

	rank := (pct / 100.0) * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// FinalResults emits the terminal benchmark summary. cancelled and
// errorSummary surface §7's "partial results on abort" contract
// (was_cancelled / error_summary).
func (a *Aggregator) FinalResults(runID string, cancelled bool, errorSummary []string) types.FinalResults {
	a.mu.Lock()
	telemetrySnapshot := make([]types.GPUMetadata, 0, len(a.telemetry))
	for _, meta := range a.telemetry {
		telemetrySnapshot = append(telemetrySnapshot, meta)
	}
	requestCount, errorCount := a.requestCount, a.errorCount
	startedAt := a.startedAt
	a.mu.Unlock()

	return types.FinalResults{
		RunID:        runID,
		RequestCount: requestCount,
		ErrorCount:   errorCount,
		Metrics:      a.Summarize(),
		Telemetry:    telemetrySnapshot,
		StartedAt:    startedAt,
		CompletedAt:  time.Now(),
		WasCancelled: cancelled,
		ErrorSummary: errorSummary,
	}
}

// RecordCount returns the number of metric records folded in so far.
func (a *Aggregator) RecordCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Counts returns the total number of records folded in so far (successful
// and errored, of any CreditKind) alongside the error count, used by the
// controller to detect when the pipeline has drained after
// CREDITS_COMPLETE. This total is not request_count: it also includes
// warmup and ramp records, which FinalResults.RequestCount excludes.
func (a *Aggregator) Counts() (total, errors int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped, a.errorCount
}
