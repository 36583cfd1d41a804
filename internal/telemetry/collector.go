// Package telemetry implements the Telemetry Collector/Processor: one
// poller per configured dcgm_url, parsing the Prometheus text format DCGM
// exposes, building the GPU hierarchy (dcgm_url -> gpu_uuid -> metadata +
// metrics) with immutable first-seen metadata, applying the unit scaling
// table, and reporting unreachable endpoints without aborting the run.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/aiperf-run/aiperf/internal/aiperferrors"
	"github.com/aiperf-run/aiperf/internal/types"
)

// Sink receives parsed telemetry samples, typically the aggregator's
// AddTelemetry method.
type Sink interface {
	AddTelemetry(rec types.TelemetryRecord)
}

// Collector polls a set of DCGM endpoints on an interval and forwards
// parsed samples to a Sink. One poller goroutine runs per dcgm_url so a
// single unreachable endpoint never blocks the others.
type Collector struct {
	urls     []string
	interval time.Duration
	client   *http.Client
	sink     Sink
	log      *slog.Logger
}

// NewCollector constructs a Collector for the given DCGM endpoint URLs.
func NewCollector(urls []string, interval time.Duration, sink Sink) *Collector {
	return &Collector{
		urls:     urls,
		interval: interval,
		client:   &http.Client{Timeout: interval},
		sink:     sink,
		log:      slog.Default().With("component", "telemetry_collector"),
	}
}

// Run polls every configured URL on Collector.interval until ctx is
// cancelled.
func (c *Collector) Run(ctx context.Context) error {
	if len(c.urls) == 0 {
		return nil
	}

	done := make(chan struct{}, len(c.urls))
	for _, url := range c.urls {
		go func(url string) {
			c.pollLoop(ctx, url)
			done <- struct{}{}
		}(url)
	}
	for range c.urls {
		<-done
	}
	return nil
}

func (c *Collector) pollLoop(ctx context.Context, url string) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx, url)
		}
	}
}

func (c *Collector) pollOnce(ctx context.Context, url string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.log.Warn("build dcgm request failed", "url", url, "error", err)
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Unreachable endpoints are reported, not fatal (spec.md §4.9).
		c.log.Warn("dcgm endpoint unreachable", "url", url, "error", &aiperferrors.TransportError{Op: "poll", Topic: url, Err: err})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn("dcgm endpoint returned non-200", "url", url, "status", resp.StatusCode)
		return
	}

	samples, err := ParsePrometheusText(resp.Body)
	if err != nil {
		c.log.Warn("failed to parse dcgm metrics", "url", url, "error", err)
		return
	}

	now := time.Now().UnixNano()
	for _, s := range samples {
		scaled, unit := ScaleMetric(s.MetricName, s.Value)
		c.sink.AddTelemetry(types.TelemetryRecord{
			DCGMURL:   url,
			GPUUUID:   s.GPUUUID,
			Metric:    s.MetricName,
			Value:     scaled,
			Unit:      unit,
			Timestamp: now,
		})
	}
}
