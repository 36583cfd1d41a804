// Package e2e drives the full bus -> dataset -> timing -> worker ->
// record-processor -> aggregator -> controller pipeline in-process against
// internal/mockendpoint, replacing the teacher's REST-control-plane
// integration suite with one that exercises this domain's actual pipeline.
package e2e

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aiperf-run/aiperf/internal/aggregator"
	"github.com/aiperf-run/aiperf/internal/bus"
	"github.com/aiperf-run/aiperf/internal/controller"
	"github.com/aiperf-run/aiperf/internal/dataset"
	"github.com/aiperf-run/aiperf/internal/mockendpoint"
	"github.com/aiperf-run/aiperf/internal/recordproc"
	"github.com/aiperf-run/aiperf/internal/servicefw"
	"github.com/aiperf-run/aiperf/internal/timing"
	"github.com/aiperf-run/aiperf/internal/types"
	"github.com/aiperf-run/aiperf/internal/worker"
)

// harness assembles one run's worth of services on an embedded bus and
// returns the aggregator and controller the test asserts against, plus a
// teardown func.
type harness struct {
	b          bus.Bus
	embedded   *bus.EmbeddedServer
	endpoint   mockendpoint.Server
	aggr       *aggregator.Aggregator
	processors []*recordproc.Processor
	services   []*servicefw.Service
	cancel     context.CancelFunc
}

func newHarness(t *testing.T, cfg types.UserConfig, numWorkers int) (*harness, *controller.Controller) {
	t.Helper()

	b, embedded, err := bus.NewIPCBus()
	if err != nil {
		t.Fatalf("NewIPCBus: %v", err)
	}

	mockCfg := mockendpoint.DefaultConfig()
	mockCfg.ChunkCount = 3
	mockCfg.ChunkDelayMs = 1
	endpoint := mockendpoint.New(mockCfg)
	if err := endpoint.Start(); err != nil {
		t.Fatalf("start mock endpoint: %v", err)
	}
	cfg.Endpoint = endpoint.ChatCompletionsURL()
	cfg.Model = mockCfg.Model

	ctx, cancel := context.WithCancel(context.Background())

	h := &harness{b: b, embedded: embedded, endpoint: endpoint, cancel: cancel}

	datasetMgr := dataset.NewSynthetic(dataset.SyntheticConfig{
		Seed:                 1,
		ConversationCount:    50,
		TurnsPerConversation: 1,
		PromptPoolSize:       10,
		OutputTokensMean:     16,
	})
	h.services = append(h.services, startService(ctx, b, types.ServiceDataset, func(ctx context.Context) error {
		serveConversations(ctx, b, datasetMgr)
		return nil
	}))

	timingMgr := timing.New(timing.Config{
		Mode:                       timing.ResolveMode(cfg),
		Concurrency:                cfg.Concurrency,
		RequestRate:                cfg.RequestRate,
		RateDistribution:           cfg.RateDistribution,
		RequestCount:               cfg.RequestCount,
		WarmupRequestCount:         cfg.WarmupRequestCount,
		BenchmarkDuration:          cfg.BenchmarkDuration,
		RequestCancellationRate:    cfg.RequestCancellationRate,
		RequestCancellationDelayMs: cfg.RequestCancellationDelayMs,
	}, b)
	h.services = append(h.services, startService(ctx, b, types.ServiceTiming, timingMgr.Run))
	go drainCreditReturns(ctx, b, timingMgr)

	h.services = append(h.services, startService(ctx, b, types.ServiceWorkerMgr, nil))
	for i := 0; i < numWorkers; i++ {
		w := worker.New(worker.Config{
			WorkerID:     "worker-test",
			Endpoint:     cfg.Endpoint,
			Model:        cfg.Model,
			EndpointType: types.EndpointChat,
			Streaming:    true,
			Client:       worker.NewHTTPClient(5*time.Second, cfg.APIKey),
			Dataset:      datasetMgr,
		}, b)
		h.services = append(h.services, startService(ctx, b, types.ServiceWorker, w.Run))
	}

	proc, err := recordproc.New("record-processor-0", b, recordproc.DefaultMetrics(), "")
	if err != nil {
		t.Fatalf("recordproc.New: %v", err)
	}
	h.processors = append(h.processors, proc)
	h.services = append(h.services, startService(ctx, b, types.ServiceRecordsMgr, proc.Run))

	h.aggr = aggregator.New(cfg.RequestCount + cfg.WarmupRequestCount)
	go drainAggregatorInput(ctx, b, h.aggr)
	h.services = append(h.services, startService(ctx, b, types.ServiceAggregator, nil))

	go runFinalizer(ctx, b, h.aggr, "e2e-run", cfg.RequestCount+cfg.WarmupRequestCount)

	ctrl := controller.New(b, cfg, numWorkers, 1)
	return h, ctrl
}

func (h *harness) close() {
	h.cancel()
	for _, svc := range h.services {
		svc.Stop(context.Background())
		svc.Cleanup(context.Background())
	}
	for _, p := range h.processors {
		p.Close()
	}
	h.endpoint.Stop(context.Background())
	h.embedded.Close()
}

func TestConcurrencyModeCompletesAndAggregates(t *testing.T) {
	cfg := types.UserConfig{
		DatasetMode:        types.DatasetSynthetic,
		TimingMode:         types.TimingConcurrency,
		Concurrency:        2,
		RequestCount:       6,
		WarmupRequestCount: 2,
		RateDistribution:   types.DistributionPoisson,
	}

	h, ctrl := newHarness(t, cfg, 2)
	defer h.close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	results, err := ctrl.Run(ctx)
	if err != nil {
		t.Fatalf("controller.Run: %v", err)
	}

	if results.RequestCount != cfg.RequestCount {
		t.Fatalf("got RequestCount %d, want %d (warmup records must be excluded)", results.RequestCount, cfg.RequestCount)
	}
	if results.WasCancelled {
		t.Fatal("expected WasCancelled=false for a clean completion")
	}
	if _, ok := results.Metrics["request_latency_ms"]; !ok {
		t.Fatal("expected request_latency_ms in final metrics")
	}
}

func TestRequestRateModeCompletes(t *testing.T) {
	cfg := types.UserConfig{
		DatasetMode:        types.DatasetSynthetic,
		TimingMode:         types.TimingRequestRate,
		RequestRate:        20,
		RequestCount:       5,
		WarmupRequestCount: 0,
		RateDistribution:   types.DistributionConstant,
	}

	h, ctrl := newHarness(t, cfg, 2)
	defer h.close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	results, err := ctrl.Run(ctx)
	if err != nil {
		t.Fatalf("controller.Run: %v", err)
	}
	if results.RequestCount != cfg.RequestCount {
		t.Fatalf("got RequestCount %d, want %d", results.RequestCount, cfg.RequestCount)
	}
}

// --- helpers duplicated (in test-local form) from cmd/controller/main.go's
// orchestration, since a _test.go file cannot import a package main binary.

func startService(ctx context.Context, b bus.Bus, t types.ServiceType, run func(context.Context) error) *servicefw.Service {
	svc := servicefw.New(t, b, servicefw.Hooks{OnRun: run})
	_ = svc.Init(ctx)
	_ = svc.Register(ctx)
	_ = svc.Start(ctx)
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
			continue
		}
		if dict.HasError {
			aggr.AddError(dict.Kind)
			continue
		}
		aggr.AddRecord(dict)
	}
}

func serveConversations(ctx context.Context, b bus.Bus, mgr *dataset.Manager) {
	_ = b.Subscribe(ctx, "GET_CONVERSATION", func(ctx context.Context, msg bus.Message) error {
		replyTopic, sessionID, err := bus.DecodeRequestEnvelope(msg.Payload)
		if err != nil {
			return nil
		}
		conv, err := mgr.GetConversation(string(sessionID))
		if err != nil {
			return nil
		}
		payload, err := json.Marshal(conv)
		if err != nil {
			return nil
		}
		return b.Respond(ctx, replyTopic, payload)
	})
}

func runFinalizer(ctx context.Context, b bus.Bus, aggr *aggregator.Aggregator, runID string, expectedTotal int) {
	var completion types.CreditsCompletePayload
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := b.Pull(ctx, "CREDITS_COMPLETE", time.Second)
		if err != nil {
			return
		}
		if msg.Payload == nil {
			continue
		}
		if err := json.Unmarshal(msg.Payload, &completion); err != nil {
			continue
		}
		break
	}

	deadline := time.Now().Add(5 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for expectedTotal > 0 {
		if total, _ := aggr.Counts(); total >= expectedTotal {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	final := aggr.FinalResults(runID, completion.Cancelled, nil)
	payload, err := json.Marshal(final)
	if err != nil {
		return
	}
	_ = b.Push(ctx, "FINAL_RESULTS", payload)
}
