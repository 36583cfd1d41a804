// Package worker implements the per-credit execution pipeline: pull a
// credit, fetch its conversation, then for each turn delay/build/send/
// stream/record, parse the response, push the record, and return the
// credit. Workers never retry a failed turn (spec.md §4.6); failures are
// captured in ParsedResponseRecord.Error.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/aiperf-run/aiperf/internal/bus"
	"github.com/aiperf-run/aiperf/internal/obs"
	"github.com/aiperf-run/aiperf/internal/types"
)

// ConversationSource resolves a GET_CONVERSATION lookup. Satisfied by both
// *dataset.Manager (in-process runs) and *dataset.Client (bus RPC, used
// once the Dataset Manager runs in a separate process from the worker).
type ConversationSource interface {
	GetConversation(sessionID string) (types.Conversation, error)
}

// Config configures one Worker's HTTP client and bus topics.
type Config struct {
	WorkerID     string
	Endpoint     string
	Model        string
	EndpointType types.EndpointType
	Streaming    bool
	Client       InferenceClient
	Dataset      ConversationSource
	Tracer       *obs.Tracer
}

// InferenceClient issues one turn's request and streams back tokens. It is
// the seam swapped out in tests for a fake that emits deterministic
// timings, grounded in the teacher's streamable-HTTP adapter shape
// (internal/transport/streamable_http.go) but simplified to the
// chat/completions/embeddings/rankings wire surface.
type InferenceClient interface {
	Send(ctx context.Context, endpoint, model string, turn types.Turn, endpointType types.EndpointType, streaming bool) (*TurnOutcome, error)
}

// TurnOutcome is the raw timing/token data a client implementation reports
// for one turn, before it's packaged into a ParsedResponseRecord.
type TurnOutcome struct {
	FirstTokenNs int64
	EndNs        int64
	InputTokens  int
	OutputTokens int
	InterTokenNs []int64
}

// Worker pulls credits from the bus and executes them against Config.Dataset
// and Config.Client, pushing ParsedResponseRecords to the RECORDS topic and
// credit returns to CREDIT_RETURN.
type Worker struct {
	cfg Config
	b   bus.Bus
	log *slog.Logger

	mu       sync.Mutex
	inFlight int
}

// New constructs a Worker bound to a bus.
func New(cfg Config, b bus.Bus) *Worker {
	return &Worker{
		cfg: cfg,
		b:   b,
		log: slog.Default().With("worker_id", cfg.WorkerID),
	}
}

// Run pulls credits until ctx is cancelled, executing each one in its own
// goroutine so a slow turn never blocks the next pull (grounded in
// internal/worker/assignment_executor.go's goroutine-per-unit pattern).
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := w.b.Pull(ctx, "CREDIT_DROP", time.Second)
		if err != nil {
			return err
		}
		if msg.Payload == nil {
			continue
		}

		var credit types.Credit
		if err := json.Unmarshal(msg.Payload, &credit); err != nil {
			w.log.Error("malformed credit", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			w.executeCredit(ctx, credit)
		}()
	}
}

func (w *Worker) executeCredit(ctx context.Context, credit types.Credit) {
	w.mu.Lock()
	w.inFlight++
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.inFlight--
		w.mu.Unlock()
		w.returnCredit(ctx, credit)
	}()

	conv, err := w.cfg.Dataset.GetConversation(credit.SessionID)
	if err != nil {
		w.pushRecord(ctx, types.ParsedResponseRecord{
			CreditID: credit.CreditID,
			Kind:     credit.Kind,
			Error:    err.Error(),
		})
		return
	}

	for _, turn := range conv.Turns {
		w.executeTurn(ctx, credit, conv.SessionID, turn)
	}
}

func (w *Worker) executeTurn(ctx context.Context, credit types.Credit, sessionID string, turn types.Turn) {
	if turn.DelayMs > 0 {
		select {
		case <-time.After(time.Duration(turn.DelayMs) * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}

	spanCtx := ctx
	if w.cfg.Tracer != nil {
		var span trace.Span
		spanCtx, span = w.cfg.Tracer.StartTurnSpan(ctx, sessionID, turn.TurnIndex)
		defer span.End()
	}

	sendCtx := spanCtx
	if credit.ShouldCancel && credit.CancelAfterNs > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(spanCtx, time.Duration(credit.CancelAfterNs))
		defer cancel()
	}

	startNs := time.Now().UnixNano()
	outcome, err := w.cfg.Client.Send(sendCtx, w.cfg.Endpoint, w.cfg.Model, turn, w.cfg.EndpointType, w.cfg.Streaming)

	record := types.ParsedResponseRecord{
		CreditID:  credit.CreditID,
		SessionID: sessionID,
		TurnIndex: turn.TurnIndex,
		Kind:      credit.Kind,
		StartNs:   startNs,
	}

	if err != nil {
		record.Error = err.Error()
		record.EndNs = time.Now().UnixNano()
		w.pushRecord(ctx, record)
		return
	}

	record.FirstTokenNs = outcome.FirstTokenNs
	record.EndNs = outcome.EndNs
	record.InputTokens = outcome.InputTokens
	record.OutputTokens = outcome.OutputTokens
	record.InterTokenNs = outcome.InterTokenNs
	w.pushRecord(ctx, record)
}

func (w *Worker) pushRecord(ctx context.Context, record types.ParsedResponseRecord) {
	payload, err := json.Marshal(record)
	if err != nil {
		w.log.Error("marshal record", "error", err)
		return
	}
	if err := w.b.Push(ctx, "RECORDS", payload); err != nil {
		w.log.Error("push record", "error", err)
	}
}

func (w *Worker) returnCredit(ctx context.Context, credit types.Credit) {
	payload, err := json.Marshal(credit)
	if err != nil {
		w.log.Error("marshal credit return", "error", err)
		return
	}
	if err := w.b.Push(ctx, "CREDIT_RETURN", payload); err != nil {
		w.log.Error("return credit", "error", err)
	}
}

// InFlight returns the number of turns currently executing.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}
