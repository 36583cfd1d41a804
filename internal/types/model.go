// Package types defines the shared data model exchanged between aiperf
// services over the message bus: conversations, credits, parsed records,
// metric results, telemetry, and service registration.
package types

import "time"

// EndpointType selects which inference surface a Turn is sent against,
// and therefore how the worker builds its request body (spec.md §4.6b).
type EndpointType string

const (
	EndpointChat        EndpointType = "chat"
	EndpointCompletions EndpointType = "completions"
	EndpointEmbeddings  EndpointType = "embeddings"
	EndpointRankings    EndpointType = "rankings"
)

// NamedText is one tagged text field within a Turn (spec.md §3: "texts[]...
// ordered sequences tagged by a field name"), e.g. {Name: "query"} or
// {Name: "passages"} for a rankings request, or {Name: "text"} for a plain
// chat/completions prompt.
type NamedText struct {
	Name string `json:"name,omitempty"`
	Text string `json:"text"`
}

// Turn is one request/response exchange within a Conversation. Texts,
// Images, and Audios are the multimodal payload fields of spec.md §3;
// OptionalData carries custom-dataset extras (e.g. hash_ids, input_length)
// that don't map onto a first-class field.
type Turn struct {
	TurnIndex    int                    `json:"turn_index"`
	Texts        []NamedText            `json:"texts,omitempty"`
	Images       []string               `json:"images,omitempty"`
	Audios       []string               `json:"audios,omitempty"`
	OptionalData map[string]interface{} `json:"optional_data,omitempty"`
	Timestamp    *int64                 `json:"timestamp,omitempty"`
	DelayMs      int64                  `json:"delay_ms,omitempty"`
	MaxTokens    int                    `json:"max_tokens,omitempty"`
}

// Conversation is a sequence of Turns sharing a session.
type Conversation struct {
	SessionID string `json:"session_id"`
	Turns     []Turn `json:"turns"`
}

// CreditKind classifies a Credit for completion-criterion accounting.
// See SPEC_FULL.md §12.1 for the warmup-vs-measured resolution.
type CreditKind string

const (
	CreditKindRamp     CreditKind = "ramp"
	CreditKindWarmup   CreditKind = "warmup"
	CreditKindMeasured CreditKind = "measured"
)

// Credit is the unit of work dropped by the Timing Manager and pulled by a
// Worker. Credits never carry conversation data directly; the worker fetches
// the conversation from the Dataset Manager using SessionID.
type Credit struct {
	CreditID      string     `json:"credit_id"`
	Kind          CreditKind `json:"kind"`
	SessionID     string     `json:"session_id,omitempty"`
	DroppedAt     int64      `json:"dropped_at_ns"`
	ShouldCancel  bool       `json:"should_cancel,omitempty"`
	CancelAfterNs int64      `json:"cancel_after_ns,omitempty"`
}

// CreditsCompletePayload is published by the Timing Manager once it stops
// dropping credits, whether because the completion criterion was reached
// or an explicit CANCEL command arrived.
type CreditsCompletePayload struct {
	Cancelled bool `json:"cancelled"`
}

// ParsedResponseRecord is the worker's output for a single turn: timing,
// token counts, and, on failure, an error description. Workers never retry;
// failures are captured here.
type ParsedResponseRecord struct {
	CreditID     string     `json:"credit_id"`
	SessionID    string     `json:"session_id"`
	TurnIndex    int        `json:"turn_index"`
	Kind         CreditKind `json:"kind"`
	StartNs      int64      `json:"start_ns"`
	FirstTokenNs int64      `json:"first_token_ns,omitempty"`
	EndNs        int64      `json:"end_ns"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	InterTokenNs []int64    `json:"inter_token_ns,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// MetricRecordDict is the per-record output of metric computation, forwarded
// by a Record Processor to the Results Aggregator.
type MetricRecordDict struct {
	CreditID string             `json:"credit_id"`
	Kind     CreditKind         `json:"kind"`
	HasError bool               `json:"has_error,omitempty"`
	Values   map[string]float64 `json:"values"`
}

// MetricResult is a single aggregated metric (e.g. TTFT) computed at
// SUMMARIZE time over every record folded into the aggregator, warmup and
// ramp records included.
type MetricResult struct {
	Tag         string             `json:"tag"`
	Unit        string             `json:"unit"`
	Count       int                `json:"count"`
	Avg         float64            `json:"avg"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Std         float64            `json:"std"`
	Percentiles map[string]float64 `json:"percentiles"`
}

// FinalResults is the benchmark's terminal output emitted on SUMMARIZE.
type FinalResults struct {
	RunID        string                  `json:"run_id"`
	RequestCount int                     `json:"request_count"`
	ErrorCount   int                     `json:"error_count"`
	Metrics      map[string]MetricResult `json:"metrics"`
	Telemetry    []GPUMetadata           `json:"telemetry,omitempty"`
	StartedAt    time.Time               `json:"started_at"`
	CompletedAt  time.Time               `json:"completed_at"`
	WasCancelled bool                    `json:"was_cancelled"`
	ErrorSummary []string                `json:"error_summary,omitempty"`
}

// TelemetryRecord is a single DCGM metric sample for one GPU at one poll.
type TelemetryRecord struct {
	DCGMURL   string  `json:"dcgm_url"`
	GPUUUID   string  `json:"gpu_uuid"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Timestamp int64   `json:"timestamp_ns"`
}

// GPUMetadata is the immutable first-seen identity of a GPU discovered via
// telemetry polling, plus its latest metric snapshot.
type GPUMetadata struct {
	DCGMURL   string             `json:"dcgm_url"`
	GPUUUID   string             `json:"gpu_uuid"`
	ModelName string             `json:"model_name,omitempty"`
	Metrics   map[string]float64 `json:"metrics"`
}

// HostInfo identifies the machine a service is running on.
type HostInfo struct {
	Hostname string `json:"hostname"`
	PID      int    `json:"pid"`
}

// WorkerCapacity describes how much load a worker process can take.
type WorkerCapacity struct {
	MaxVUs int `json:"max_vus"`
}

// WorkerHealth is a worker's self-reported resource snapshot, carried on
// heartbeats and used for saturation/backpressure decisions.
type WorkerHealth struct {
	CPUPercent float64 `json:"cpu_percent"`
	ActiveVUs  int     `json:"active_vus"`
	InFlight   int     `json:"in_flight"`
}

// ServiceRegistration is what a service announces to the controller on
// REGISTER.
type ServiceRegistration struct {
	ServiceID    string   `json:"service_id"`
	ServiceType  string   `json:"service_type"`
	Host         HostInfo `json:"host"`
	RegisteredAt int64    `json:"registered_at_ns"`
}

// HeartbeatPayload is what a service publishes on HEARTBEAT.<service_id>.
// Health is only populated by workers.
type HeartbeatPayload struct {
	ServiceID string        `json:"service_id"`
	Health    *WorkerHealth `json:"health,omitempty"`
}
