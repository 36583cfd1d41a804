// Package main provides the aiperf-controller CLI binary: it assembles a
// UserConfig from flags and environment overrides, starts the message bus,
// spawns the dataset manager, timing manager, record processor pool,
// results aggregator, and telemetry manager in-process, spawns N worker
// subprocesses, drives the PROFILE_CONFIGURE/PROFILE_START/PROFILE_STOP
// phase machine, and prints the final results on completion.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aiperf-run/aiperf/internal/aggregator"
	"github.com/aiperf-run/aiperf/internal/bus"
	"github.com/aiperf-run/aiperf/internal/config"
	"github.com/aiperf-run/aiperf/internal/controller"
	"github.com/aiperf-run/aiperf/internal/dataset"
	"github.com/aiperf-run/aiperf/internal/obs"
	"github.com/aiperf-run/aiperf/internal/progress"
	"github.com/aiperf-run/aiperf/internal/recordproc"
	"github.com/aiperf-run/aiperf/internal/servicefw"
	"github.com/aiperf-run/aiperf/internal/telemetry"
	"github.com/aiperf-run/aiperf/internal/timing"
	"github.com/aiperf-run/aiperf/internal/types"
	"github.com/aiperf-run/aiperf/internal/workerpool"
)

func main() {
	cfg := config.DefaultUserConfig()

	endpoint := flag.String("endpoint", "", "Inference endpoint URL (e.g. http://localhost:8000/v1/chat/completions)")
	model := flag.String("model", "", "Model name to request")
	endpointType := flag.String("endpoint-type", string(cfg.EndpointType), "chat, completions, embeddings, rankings")
	datasetMode := flag.String("dataset-mode", string(cfg.DatasetMode), "synthetic, custom_file, fixed_schedule, mooncake_trace")
	inputFile := flag.String("input-file", "", "Conversation JSONL file for custom_file/mooncake_trace modes")
	fixedScheduleFile := flag.String("fixed-schedule-file", "", "Inter-arrival schedule file for fixed_schedule mode")
	timingMode := flag.String("timing-mode", "", "concurrency, request_rate, fixed_schedule (default: derived)")
	concurrency := flag.Int("concurrency", 1, "Concurrent in-flight requests for concurrency mode")
	requestRate := flag.Float64("request-rate", 0, "Requests per second for request_rate mode")
	requestCount := flag.Int("request-count", 10, "Number of measured requests")
	warmupRequestCount := flag.Int("warmup-request-count", 0, "Number of warmup requests excluded from the measurement window")
	minWorkers := flag.Int("min-workers", cfg.MinWorkers, "Minimum worker process count")
	maxWorkers := flag.Int("max-workers", cfg.MaxWorkers, "Maximum worker process count")
	recordProcessors := flag.Int("record-processors", cfg.RecordProcessors, "Number of record processor instances")
	rawOutputDir := flag.String("raw-output-dir", "", "Directory to write raw per-record JSONL, empty disables it")
	dcgmURLs := flag.String("dcgm-urls", "", "Comma-separated DCGM exporter URLs")
	commBackend := flag.String("comm-backend", cfg.CommBackend, "ipc (embedded) or tcp (external Redis at --bus-addr)")
	busAddr := flag.String("bus-addr", "", "Redis address for tcp comm-backend")
	workerBinary := flag.String("worker-binary", "./aiperf-worker", "Path to the worker binary")
	outputFile := flag.String("output-file", "", "Write FinalResults JSON here in addition to stdout")
	benchmarkDuration := flag.Duration("benchmark-duration", 0, "Wall-clock cap on the measurement window, 0 disables it")
	apiKey := flag.String("api-key", "", "Bearer token sent with every inference request")
	requestCancellationRate := flag.Float64("request-cancellation-rate", 0, "Fraction of dropped credits (any kind) to cancel mid-flight, 0 disables it")
	requestCancellationDelay := flag.Int64("request-cancellation-delay", 0, "Milliseconds to wait before cancelling a credit chosen for cancellation")
	flag.Parse()

	cfg.Endpoint = *endpoint
	cfg.Model = *model
	cfg.EndpointType = types.EndpointType(*endpointType)
	cfg.DatasetMode = types.DatasetMode(*datasetMode)
	cfg.InputFile = *inputFile
	cfg.FixedScheduleFile = *fixedScheduleFile
	cfg.Concurrency = *concurrency
	cfg.RequestRate = *requestRate
	cfg.RequestCount = *requestCount
	cfg.WarmupRequestCount = *warmupRequestCount
	cfg.MinWorkers = *minWorkers
	cfg.MaxWorkers = *maxWorkers
	cfg.RecordProcessors = *recordProcessors
	cfg.RawRecordOutputDir = *rawOutputDir
	cfg.CommBackend = *commBackend
	cfg.BusAddr = *busAddr
	cfg.BenchmarkDuration = *benchmarkDuration
	cfg.APIKey = *apiKey
	cfg.RequestCancellationRate = *requestCancellationRate
	cfg.RequestCancellationDelayMs = *requestCancellationDelay
	if *dcgmURLs != "" {
		cfg.DCGMURLs = splitCSV(*dcgmURLs)
	}
	config.Overlay(cfg)
	if *timingMode != "" {
		cfg.TimingMode = types.TimingMode(*timingMode)
	} else {
		cfg.TimingMode = timing.ResolveMode(*cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *cfg, *workerBinary, *outputFile); err != nil {
		slog.Error("controller exited with error", "error", err)
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func run(ctx context.Context, cfg types.UserConfig, workerBinary, outputFile string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b, embedded, busAddr, err := buildBus(cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	if embedded != nil {
		defer embedded.Close()
	}

	tracer, err := obs.NewTracer(ctx, obs.DefaultTracerConfig())
	if err != nil {
		return fmt.Errorf("build tracer: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	numWorkers := workerpool.ResolveWorkerCount(cfg)
	runID := "aiperf-" + fmt.Sprintf("%d", time.Now().UnixNano())
	reporter := progress.NewReporter(runID)

	datasetMgr, err := buildDatasetManager(cfg)
	if err != nil {
		return err
	}

	schedule, err := buildSchedule(cfg)
	if err != nil {
		return err
	}

	aggr := aggregator.New(cfg.RequestCount + cfg.WarmupRequestCount)

	var services []*servicefw.Service

	services = append(services, startService(ctx, b, types.ServiceDataset, func(ctx context.Context) error {
		serveConversations(ctx, b, datasetMgr)
		return nil
	}))

	timingMgr := timing.New(timing.Config{
		Mode:                       cfg.TimingMode,
		Concurrency:                cfg.Concurrency,
		RequestRate:                cfg.RequestRate,
		RateDistribution:           cfg.RateDistribution,
		RequestCount:               cfg.RequestCount,
		WarmupRequestCount:         cfg.WarmupRequestCount,
		Schedule:                   schedule,
		BenchmarkDuration:          cfg.BenchmarkDuration,
		RequestCancellationRate:    cfg.RequestCancellationRate,
		RequestCancellationDelayMs: cfg.RequestCancellationDelayMs,
	}, b)

	services = append(services, startService(ctx, b, types.ServiceTiming, func(ctx context.Context) error {
		return timingMgr.Run(ctx)
	}))

	go drainCreditReturns(ctx, b, timingMgr)

	services = append(services, startService(ctx, b, types.ServiceWorkerMgr, nil))
	workerMgr := workerpool.NewManager(workerBinary)
	handles, err := workerMgr.SpawnWorkers(ctx, numWorkers, cfg.RunType, busAddr)
	if err != nil {
		return fmt.Errorf("spawn workers: %w", err)
	}

	processors := make([]*recordproc.Processor, 0, cfg.RecordProcessors)
	for i := 0; i < cfg.RecordProcessors; i++ {
		id := fmt.Sprintf("record-processor-%d", i)
		proc, err := recordproc.New(id, b, recordproc.DefaultMetrics(), cfg.RawRecordOutputDir)
		if err != nil {
			return fmt.Errorf("build record processor %s: %w", id, err)
		}
		processors = append(processors, proc)
		services = append(services, startService(ctx, b, types.ServiceRecordsMgr, proc.Run))
	}

	go drainAggregatorInput(ctx, b, aggr)

	services = append(services, startService(ctx, b, types.ServiceAggregator, nil))

	if len(cfg.DCGMURLs) > 0 {
		collector := telemetry.NewCollector(cfg.DCGMURLs, 10*time.Second, aggr)
		services = append(services, startService(ctx, b, types.ServiceTelemetry, collector.Run))
	}

	coordinator := progress.NewCoordinator(aggr, cfg.RequestCount+cfg.WarmupRequestCount, 2*time.Second, reporter)
	go coordinator.Run(ctx)

	go runFinalizer(ctx, b, aggr, runID, cfg.RequestCount+cfg.WarmupRequestCount)

	ctrl := controller.New(b, cfg, numWorkers, cfg.RecordProcessors)
	results, runErr := ctrl.Run(ctx)

	// Cancelling stops every embedded service's OnRun loop and kills the
	// worker subprocesses (started with exec.CommandContext against this
	// same ctx).
	cancel()
	for _, svc := range services {
		svc.Stop(context.Background())
		svc.Cleanup(context.Background())
	}
	for _, p := range processors {
		p.Close()
	}
	for _, h := range handles {
		h.Wait()
	}

	if runErr != nil {
		return runErr
	}

	reporter.LogFinalResults(results.RunID, results.RequestCount, results.ErrorCount)

	payload, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal final results: %w", err)
	}
	fmt.Println(string(payload))

	if outputFile != "" {
		if err := os.WriteFile(outputFile, payload, 0o644); err != nil {
			return fmt.Errorf("write output file: %w", err)
		}
	}
	return nil
}

func buildBus(cfg types.UserConfig) (bus.Bus, *bus.EmbeddedServer, string, error) {
	if cfg.CommBackend == "tcp" {
		b, err := bus.NewTCPBus(cfg.BusAddr)
		if err != nil {
			return nil, nil, "", err
		}
		return b, nil, cfg.BusAddr, nil
	}
	b, srv, err := bus.NewIPCBus()
	if err != nil {
		return nil, nil, "", err
	}
	return b, srv, srv.Addr(), nil
}

func buildDatasetManager(cfg types.UserConfig) (*dataset.Manager, error) {
	switch cfg.DatasetMode {
	case types.DatasetCustomFile, types.DatasetMooncakeTrace:
		convs, err := dataset.LoadConversationsJSONL(cfg.InputFile)
		if err != nil {
			return nil, err
		}
		return dataset.NewFromConversations(cfg.DatasetMode, convs), nil
	case types.DatasetFixedSchedule:
		convs, err := dataset.LoadConversationsJSONL(cfg.InputFile)
		if err != nil {
			return nil, err
		}
		return dataset.NewFromConversations(cfg.DatasetMode, convs), nil
	default:
		return dataset.NewSynthetic(dataset.SyntheticConfig{
			Seed:                 time.Now().UnixNano(),
			ConversationCount:    100,
			TurnsPerConversation: 1,
			PromptPoolSize:       20,
			OutputTokensMean:     128,
		}), nil
	}
}

func buildSchedule(cfg types.UserConfig) ([]timing.ScheduleEntry, error) {
	if cfg.FixedScheduleFile == "" {
		return nil, nil
	}
	return timing.LoadScheduleFile(cfg.FixedScheduleFile)
}

// startService wraps run in a servicefw.Service, carrying it through
// Init/Register/Start so it shows up in the controller's registry and
// heartbeats like every other service. A nil run leaves OnRun unset.
func startService(ctx context.Context, b bus.Bus, t types.ServiceType, run func(context.Context) error) *servicefw.Service {
	svc := servicefw.New(t, b, servicefw.Hooks{OnRun: run})
	if err := svc.Init(ctx); err != nil {
		slog.Error("service init failed", "service_type", t, "error", err)
		return svc
	}
	if err := svc.Register(ctx); err != nil {
		slog.Error("service register failed", "service_type", t, "error", err)
	}
	if err := svc.Start(ctx); err != nil {
		slog.Error("service start failed", "service_type", t, "error", err)
	}
	return svc
}

func drainCreditReturns(ctx context.Context, b bus.Bus, timingMgr *timing.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := b.Pull(ctx, "CREDIT_RETURN", time.Second)
		if err != nil {
			return
		}
		if msg.Payload == nil {
			continue
		}
		timingMgr.OnCreditReturned()
	}
}

func drainAggregatorInput(ctx context.Context, b bus.Bus, aggr *aggregator.Aggregator) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := b.Pull(ctx, "AGGREGATOR_INPUT", time.Second)
		if err != nil {
			return
		}
		if msg.Payload == nil {
			continue
		}
		var dict types.MetricRecordDict
		if err := json.Unmarshal(msg.Payload, &dict); err != nil {
			slog.Error("malformed metric dict", "error", err)
			continue
		}
		if dict.HasError {
			aggr.AddError(dict.Kind)
			continue
		}
		aggr.AddRecord(dict)
	}
}

// runFinalizer bridges the Timing Manager's CREDITS_COMPLETE announcement to
// the Controller's FINAL_RESULTS pull: it waits for completion, gives the
// record-processor/aggregator pipeline a short grace window to drain
// in-flight records, then pushes the terminal FinalResults.
func runFinalizer(ctx context.Context, b bus.Bus, aggr *aggregator.Aggregator, runID string, expectedTotal int) {
	completion, err := awaitCreditsComplete(ctx, b)
	if err != nil {
		return
	}

	drainPipeline(ctx, aggr, expectedTotal)

	var errorSummary []string
	if _, errCount := aggr.Counts(); errCount > 0 {
		errorSummary = append(errorSummary, fmt.Sprintf("%d request(s) failed", errCount))
	}

	final := aggr.FinalResults(runID, completion.Cancelled, errorSummary)
	payload, err := json.Marshal(final)
	if err != nil {
		slog.Error("marshal final results", "error", err)
		return
	}
	if err := b.Push(ctx, "FINAL_RESULTS", payload); err != nil {
		slog.Error("push final results", "error", err)
	}
}

// awaitCreditsComplete pulls the Timing Manager's one-shot CREDITS_COMPLETE
// announcement. A Pull, not a Subscribe: this goroutine may not yet be
// polling when the Timing Manager pushes, and a durable queue means the
// message is still there whenever it starts.
func awaitCreditsComplete(ctx context.Context, b bus.Bus) (types.CreditsCompletePayload, error) {
	for {
		select {
		case <-ctx.Done():
			return types.CreditsCompletePayload{}, ctx.Err()
		default:
		}
		msg, err := b.Pull(ctx, "CREDITS_COMPLETE", time.Second)
		if err != nil {
			return types.CreditsCompletePayload{}, err
		}
		if msg.Payload == nil {
			continue
		}
		var payload types.CreditsCompletePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			slog.Error("malformed CREDITS_COMPLETE payload", "error", err)
			continue
		}
		return payload, nil
	}
}

// drainPipeline gives the record processors and drainAggregatorInput a
// short window to catch up to expectedTotal after CREDITS_COMPLETE fires,
// since a credit's record can still be traveling through RECORDS/
// AGGREGATOR_INPUT when the Timing Manager stops dropping new credits. A
// cancelled or errored run may never reach expectedTotal, so this gives up
// after a fixed grace period instead of blocking forever.
func drainPipeline(ctx context.Context, aggr *aggregator.Aggregator, expectedTotal int) {
	if expectedTotal <= 0 {
		return
	}
	deadline := time.Now().Add(5 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if total, _ := aggr.Counts(); total >= expectedTotal {
			return
		}
		if time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// serveConversations answers GET_CONVERSATION requests from workers over
// the bus Request/Respond RPC pair. The request body is the raw session ID
// (possibly empty); see dataset.Client for the worker-side counterpart.
func serveConversations(ctx context.Context, b bus.Bus, mgr *dataset.Manager) {
	err := b.Subscribe(ctx, "GET_CONVERSATION", func(ctx context.Context, msg bus.Message) error {
		replyTopic, sessionID, err := bus.DecodeRequestEnvelope(msg.Payload)
		if err != nil {
			slog.Error("malformed GET_CONVERSATION request", "error", err)
			return nil
		}
		conv, err := mgr.GetConversation(string(sessionID))
		if err != nil {
			slog.Error("resolve conversation failed", "error", err)
			return nil
		}
		payload, err := json.Marshal(conv)
		if err != nil {
			return nil
		}
		return b.Respond(ctx, replyTopic, payload)
	})
	if err != nil && ctx.Err() == nil {
		slog.Error("GET_CONVERSATION subscription ended", "error", err)
	}
}
