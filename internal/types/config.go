package types

import "time"

// ServiceType enumerates the fixed set of services the controller spawns.
type ServiceType string

const (
	ServiceDataset    ServiceType = "dataset_manager"
	ServiceTiming     ServiceType = "timing_manager"
	ServiceWorkerMgr  ServiceType = "worker_manager"
	ServiceWorker     ServiceType = "worker"
	ServiceRecordsMgr ServiceType = "records_manager"
	ServiceAggregator ServiceType = "results_aggregator"
	ServiceTelemetry  ServiceType = "telemetry_manager"
)

// ServiceRunType selects how the controller spawns worker-class processes.
// Only multiprocessing (os/exec subprocess) is implemented; Kubernetes is a
// modeled but unimplemented extension point (SPEC_FULL.md §11).
type ServiceRunType string

const (
	RunTypeMultiprocessing ServiceRunType = "multiprocessing"
	RunTypeKubernetes      ServiceRunType = "kubernetes"
)

// DatasetMode selects how the Dataset Manager constructs conversations.
type DatasetMode string

const (
	DatasetSynthetic      DatasetMode = "synthetic"
	DatasetCustomFile     DatasetMode = "custom_file"
	DatasetFixedSchedule  DatasetMode = "fixed_schedule"
	DatasetMooncakeTrace  DatasetMode = "mooncake_trace"
)

// TimingMode selects how the Timing Manager paces credit drops.
type TimingMode string

const (
	TimingConcurrency   TimingMode = "concurrency"
	TimingRequestRate   TimingMode = "request_rate"
	TimingFixedSchedule TimingMode = "fixed_schedule"
)

// RequestRateDistribution selects the inter-arrival distribution for
// TimingRequestRate mode.
type RequestRateDistribution string

const (
	DistributionPoisson  RequestRateDistribution = "poisson"
	DistributionConstant RequestRateDistribution = "constant"
)

// UserConfig is the validated, already-parsed configuration the runtime
// accepts as input. CLI flag parsing and YAML loading happen outside this
// module's scope (spec.md §1 Non-goals); this struct is the boundary.
type UserConfig struct {
	Endpoint     string
	Model        string
	APIKey       string
	EndpointType EndpointType
	Streaming    bool

	DatasetMode       DatasetMode
	InputFile         string
	PromptPoolSize    int
	FixedScheduleFile string
	MooncakeTraceFile string

	TimingMode       TimingMode
	Concurrency      int
	RequestRate      float64
	RateDistribution RequestRateDistribution
	BenchmarkDuration time.Duration

	RequestCount       int
	WarmupRequestCount int

	RequestCancellationRate    float64
	RequestCancellationDelayMs int64

	MinWorkers int
	MaxWorkers int
	RunType    ServiceRunType

	CommBackend string // "ipc" or "tcp"
	BusAddr     string

	DCGMURLs []string

	RecordProcessors   int
	RawRecordOutputDir string
}
