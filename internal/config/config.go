// Package config overlays environment-variable configuration onto an
// already-constructed types.UserConfig. It does not parse CLI flags or
// YAML — that boundary stays external to this module (spec.md §1).
package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/aiperf-run/aiperf/internal/types"
)

// EnvPrefixes are the environment-variable namespaces honored for overlay,
// per spec.md §6 (AIPERF_*, AIPERF_NODE_*, AIPERF_SYSTEM_*).
var EnvPrefixes = []string{"AIPERF", "AIPERF_NODE", "AIPERF_SYSTEM"}

// Overlay applies environment-variable overrides onto cfg in place and
// returns it for chaining. Only fields with a corresponding env var set are
// touched; everything else is left as the caller constructed it.
func Overlay(cfg *types.UserConfig) *types.UserConfig {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if val := v.GetString("AIPERF_ENDPOINT"); val != "" {
		cfg.Endpoint = val
	}
	if val := v.GetString("AIPERF_MODEL"); val != "" {
		cfg.Model = val
	}
	if val := v.GetString("AIPERF_COMM_BACKEND"); val != "" {
		cfg.CommBackend = val
	}
	if val := v.GetString("AIPERF_BUS_ADDR"); val != "" {
		cfg.BusAddr = val
	}
	if val := v.GetInt("AIPERF_NODE_MIN_WORKERS"); val != 0 {
		cfg.MinWorkers = val
	}
	if val := v.GetInt("AIPERF_NODE_MAX_WORKERS"); val != 0 {
		cfg.MaxWorkers = val
	}
	if val := v.GetString("AIPERF_SYSTEM_DCGM_URLS"); val != "" {
		cfg.DCGMURLs = strings.Split(val, ",")
	}
	if val := v.GetInt("AIPERF_REQUEST_COUNT"); val != 0 {
		cfg.RequestCount = val
	}
	if val := v.GetInt("AIPERF_WARMUP_REQUEST_COUNT"); val != 0 {
		cfg.WarmupRequestCount = val
	}
	if val := v.GetFloat64("AIPERF_REQUEST_RATE"); val != 0 {
		cfg.RequestRate = val
	}
	if val := v.GetString("AIPERF_API_KEY"); val != "" {
		cfg.APIKey = val
	}
	if val := v.GetString("AIPERF_ENDPOINT_TYPE"); val != "" {
		cfg.EndpointType = types.EndpointType(val)
	}

	return cfg
}

// DefaultUserConfig returns a UserConfig with the runtime's baseline
// defaults, meant to be overlaid by CLI flags then env vars.
func DefaultUserConfig() *types.UserConfig {
	return &types.UserConfig{
		DatasetMode:       types.DatasetSynthetic,
		TimingMode:        types.TimingConcurrency,
		Concurrency:       1,
		RateDistribution:  types.DistributionPoisson,
		MinWorkers:        1,
		MaxWorkers:        32,
		RunType:           types.RunTypeMultiprocessing,
		CommBackend:       "ipc",
		RecordProcessors:  4,
		EndpointType:      types.EndpointChat,
		Streaming:         true,
	}
}
