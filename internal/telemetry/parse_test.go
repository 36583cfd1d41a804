package telemetry

import (
	"math"
	"strings"
	"testing"
)

const samplePrometheusText = `# HELP DCGM_FI_DEV_GPU_UTIL GPU utilization
# TYPE DCGM_FI_DEV_GPU_UTIL gauge
DCGM_FI_DEV_GPU_UTIL{gpu="0",UUID="GPU-abc123",modelName="H100"} 87
DCGM_FI_DEV_FB_USED{gpu="0",UUID="GPU-abc123",modelName="H100"} 1048576
DCGM_FI_DEV_TOTAL_ENERGY_CONSUMPTION{gpu="0",UUID="GPU-abc123"} 1000000000
unrelated_metric{foo="bar"} 42
`

func TestParsePrometheusTextExtractsKnownMetrics(t *testing.T) {
	samples, err := ParsePrometheusText(strings.NewReader(samplePrometheusText))
	if err != nil {
		t.Fatalf("ParsePrometheusText: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("got %d samples, want 3 (unrelated_metric must be excluded)", len(samples))
	}
	for _, s := range samples {
		if s.GPUUUID != "GPU-abc123" {
			t.Fatalf("GPUUUID = %q, want GPU-abc123", s.GPUUUID)
		}
	}
}

func TestScaleMetricMiBToGB(t *testing.T) {
	scaled, unit := ScaleMetric("DCGM_FI_DEV_FB_USED", 1048576)
	if unit != "GB" {
		t.Fatalf("unit = %q, want GB", unit)
	}
	want := 1048576 * 0.001048576
	if math.Abs(scaled-want) > 1e-6 {
		t.Fatalf("scaled = %v, want %v", scaled, want)
	}
}

func TestScaleMetricMJToMJ(t *testing.T) {
	scaled, unit := ScaleMetric("DCGM_FI_DEV_TOTAL_ENERGY_CONSUMPTION", 1_000_000_000)
	if unit != "MJ" {
		t.Fatalf("unit = %q, want MJ", unit)
	}
	if math.Abs(scaled-1.0) > 1e-9 {
		t.Fatalf("scaled = %v, want 1.0", scaled)
	}
}

func TestScaleMetricPowerUsesWattsUnit(t *testing.T) {
	scaled, unit := ScaleMetric("DCGM_FI_DEV_POWER_USAGE", 250)
	if unit != "W" {
		t.Fatalf("unit = %q, want W", unit)
	}
	if scaled != 250 {
		t.Fatalf("scaled = %v, want passthrough 250", scaled)
	}
}

func TestScaleMetricUtilAndTempUseLiteralUnits(t *testing.T) {
	if _, unit := ScaleMetric("DCGM_FI_DEV_GPU_UTIL", 87); unit != "%" {
		t.Fatalf("util unit = %q, want %%", unit)
	}
	if _, unit := ScaleMetric("DCGM_FI_DEV_GPU_TEMP", 65); unit != "C" {
		t.Fatalf("temp unit = %q, want C", unit)
	}
}

func TestScaleMetricPassthroughForUnrecognized(t *testing.T) {
	scaled, unit := ScaleMetric("DCGM_FI_UNKNOWN_METRIC", 5)
	if unit != "" {
		t.Fatalf("unit = %q, want empty for unrecognized metric", unit)
	}
	if scaled != 5 {
		t.Fatalf("scaled = %v, want passthrough 5", scaled)
	}
}
