// Package recordproc implements the Record Processor Pool: N processes
// compete on the RECORDS pull-topic, compute registered metrics for each
// ParsedResponseRecord, optionally write the raw record to a per-processor
// JSONL file, and forward the resulting MetricRecordDict to the
// aggregator's push topic.
package recordproc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aiperf-run/aiperf/internal/bus"
	"github.com/aiperf-run/aiperf/internal/types"
)

// MetricFunc computes one named metric from a parsed record. NoMetricValue
// (represented here by the ok=false return) is skipped rather than
// recorded as zero.
type MetricFunc func(rec types.ParsedResponseRecord) (value float64, ok bool)

// DefaultMetrics are the built-in metric computations every processor
// registers: time-to-first-token, inter-token latency average, request
// latency, output token throughput, and input token count.
func DefaultMetrics() map[string]MetricFunc {
	return map[string]MetricFunc{
		"ttft_ms": func(rec types.ParsedResponseRecord) (float64, bool) {
			if rec.Error != "" || rec.FirstTokenNs == 0 {
				return 0, false
			}
			return float64(rec.FirstTokenNs-rec.StartNs) / 1e6, true
		},
		"request_latency_ms": func(rec types.ParsedResponseRecord) (float64, bool) {
			if rec.Error != "" {
				return 0, false
			}
			return float64(rec.EndNs-rec.StartNs) / 1e6, true
		},
		"itl_ms": func(rec types.ParsedResponseRecord) (float64, bool) {
			if rec.Error != "" || len(rec.InterTokenNs) == 0 {
				return 0, false
			}
			var sum int64
			for _, d := range rec.InterTokenNs {
				sum += d
			}
			return float64(sum) / float64(len(rec.InterTokenNs)) / 1e6, true
		},
		"output_tokens_per_sec": func(rec types.ParsedResponseRecord) (float64, bool) {
			durationSec := float64(rec.EndNs-rec.StartNs) / 1e9
			if rec.Error != "" || durationSec <= 0 || rec.OutputTokens == 0 {
				return 0, false
			}
			return float64(rec.OutputTokens) / durationSec, true
		},
		"input_token_count": func(rec types.ParsedResponseRecord) (float64, bool) {
			if rec.Error != "" || rec.InputTokens == 0 {
				return 0, false
			}
			return float64(rec.InputTokens), true
		},
	}
}

// Processor is one instance in the competing-consumer pool.
type Processor struct {
	id      string
	b       bus.Bus
	metrics map[string]MetricFunc
	log     *slog.Logger

	rawWriter *os.File
	writeMu   sync.Mutex
}

// New constructs a Processor. If rawOutputDir is non-empty, every processed
// record is additionally appended to {rawOutputDir}/{id}.jsonl.
func New(id string, b bus.Bus, metrics map[string]MetricFunc, rawOutputDir string) (*Processor, error) {
	p := &Processor{
		id:      id,
		b:       b,
		metrics: metrics,
		log:     slog.Default().With("processor_id", id),
	}

	if rawOutputDir != "" {
		if err := os.MkdirAll(rawOutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("create raw output dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(rawOutputDir, id+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open raw output file: %w", err)
		}
		p.rawWriter = f
	}

	return p, nil
}

// Run pulls records from RECORDS until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := p.b.Pull(ctx, "RECORDS", time.Second)
		if err != nil {
			return err
		}
		if msg.Payload == nil {
			continue
		}

		var rec types.ParsedResponseRecord
		if err := json.Unmarshal(msg.Payload, &rec); err != nil {
			p.log.Error("malformed record", "error", err)
			continue
		}

		p.process(ctx, rec)
	}
}

func (p *Processor) process(ctx context.Context, rec types.ParsedResponseRecord) {
	if p.rawWriter != nil {
		p.writeRaw(rec)
	}

	dict := types.MetricRecordDict{
		CreditID: rec.CreditID,
		Kind:     rec.Kind,
		HasError: rec.Error != "",
		Values:   make(map[string]float64, len(p.metrics)),
	}
	for tag, fn := range p.metrics {
		if v, ok := fn(rec); ok {
			dict.Values[tag] = v
		}
	}

	payload, err := json.Marshal(dict)
	if err != nil {
		p.log.Error("marshal metric dict", "error", err)
		return
	}
	if err := p.b.Push(ctx, "AGGREGATOR_INPUT", payload); err != nil {
		p.log.Error("push metric dict", "error", err)
	}
}

func (p *Processor) writeRaw(rec types.ParsedResponseRecord) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	line = append(line, '\n')
	if _, err := p.rawWriter.Write(line); err != nil {
		p.log.Error("write raw record", "error", err)
	}
}

// Close flushes and closes the raw JSONL writer, if any.
func (p *Processor) Close() error {
	if p.rawWriter != nil {
		return p.rawWriter.Close()
	}
	return nil
}
