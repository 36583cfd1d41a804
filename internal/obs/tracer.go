// Package obs provides the ambient observability stack for the runtime
// itself: span-per-turn tracing and service-framework operational metrics.
// This is distinct from the benchmark's own measured metrics (TTFT, ITL,
// etc.), which flow through internal/recordproc and internal/aggregator.
package obs

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ExporterType selects where trace spans are sent.
type ExporterType string

const (
	ExporterNone      ExporterType = "none"
	ExporterStdout    ExporterType = "stdout"
	ExporterOTLPGRPC  ExporterType = "otlp-grpc"
	ExporterOTLPHTTP  ExporterType = "otlp-http"
)

// TracerConfig configures the ambient tracer. Callers fill it in directly;
// no environment variable (including AIPERF_OTLP_ENDPOINT) is read.
type TracerConfig struct {
	Enabled      bool
	ServiceName  string
	ExporterType ExporterType
	OTLPEndpoint string
	OTLPInsecure bool
}

// DefaultTracerConfig returns tracing disabled (no-op tracer), matching the
// teacher's own safe default.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		ServiceName:  "aiperf",
		ExporterType: ExporterNone,
	}
}

// Tracer wraps the OpenTelemetry tracer provider with the subset of
// behavior the runtime needs: a per-turn span helper and graceful shutdown.
type Tracer struct {
	provider trace.TracerProvider
	tracer   trace.Tracer
	shutdown func(context.Context) error
	mu       sync.Mutex
}

// NewTracer builds a Tracer from cfg. With tracing disabled or
// ExporterNone, spans are recorded by a no-op provider at zero cost.
func NewTracer(ctx context.Context, cfg TracerConfig) (*Tracer, error) {
	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		provider := noop.NewTracerProvider()
		return &Tracer{
			provider: provider,
			tracer:   provider.Tracer(cfg.ServiceName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return &Tracer{
		provider: tp,
		tracer:   tp.Tracer(cfg.ServiceName),
		shutdown: tp.Shutdown,
	}, nil
}

func newSpanExporter(ctx context.Context, cfg TracerConfig) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// StartTurnSpan starts a span covering one worker turn execution.
func (t *Tracer) StartTurnSpan(ctx context.Context, sessionID string, turnIndex int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "worker.turn", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("turn_index", turnIndex),
	))
}

// Shutdown flushes and releases exporter resources.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shutdown(ctx)
}
