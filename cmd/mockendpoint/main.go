// Package main provides the aiperf-mockendpoint CLI binary: a minimal
// OpenAI-compatible chat/completions server for exercising workers and
// their HTTPClient against a controlled, local endpoint instead of a real
// inference backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aiperf-run/aiperf/internal/mockendpoint"
)

func main() {
	addr := flag.String("addr", ":8000", "HTTP server address")
	model := flag.String("model", "mock-model", "Model name echoed in completions")
	chunks := flag.Int("chunks", 8, "Number of SSE delta chunks per streamed completion")
	chunkDelayMs := flag.Int("chunk-delay-ms", 10, "Delay between successive SSE chunks, in milliseconds")
	errorRate := flag.Float64("error-rate", 0, "Fraction of requests answered with a 500, in [0,1]")
	flag.Parse()

	cfg := mockendpoint.DefaultConfig()
	cfg.Addr = *addr
	cfg.Model = *model
	cfg.ChunkCount = *chunks
	cfg.ChunkDelayMs = *chunkDelayMs
	cfg.ErrorRate = *errorRate

	srv := mockendpoint.New(cfg)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting mock endpoint: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Mock inference endpoint listening on %s\n", srv.Addr())
	fmt.Printf("Chat completions: %s\n", srv.ChatCompletionsURL())
	fmt.Println("Press Ctrl+C to stop")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Stop(shutdownCtx)
	fmt.Println("Mock endpoint stopped")
}
