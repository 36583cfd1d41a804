// Package mockendpoint provides a minimal OpenAI-compatible chat/completions
// server for exercising internal/worker's HTTPClient without a real
// inference backend. Shape (Config/Server split, net/http.Server lifecycle,
// SSE flusher loop) is grounded in internal/mockserver/mockserver.go, with
// the MCP JSON-RPC surface replaced by a chat/completions streaming surface.
package mockendpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
)

// Config controls the mock endpoint's listen address and response shape.
type Config struct {
	Addr string

	// Model is echoed back in every completion.
	Model string

	// ChunkCount is how many SSE "delta" events one streamed completion
	// emits before the terminating [DONE].
	ChunkCount int

	// ChunkDelayMs delays between successive chunks, simulating
	// inter-token latency.
	ChunkDelayMs int

	// ErrorRate, in [0,1], is the fraction of requests answered with a
	// 500 instead of a completion, for exercising worker error paths.
	ErrorRate float64
}

// DefaultConfig returns a Config that streams a short, fast completion.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:0",
		Model:        "mock-model",
		ChunkCount:   8,
		ChunkDelayMs: 10,
	}
}

// Server is the mock endpoint's lifecycle interface.
type Server interface {
	Start() error
	Stop(ctx context.Context)
	Addr() string
	ChatCompletionsURL() string
}

// New constructs a Server from cfg. A nil cfg uses DefaultConfig.
func New(cfg *Config) Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &server{cfg: cfg}
}

// StartTestServer starts a server with defaults for use in tests, returning
// a cleanup func to shut it down.
func StartTestServer() (srv Server, cleanup func()) {
	s := New(DefaultConfig())
	if err := s.Start(); err != nil {
		return s, func() {}
	}
	return s, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	}
}

type server struct {
	cfg        *Config
	httpServer *http.Server
	listener   net.Listener
	addr       string
}

func (s *server) Start() error {
	ln, err := net.Listen("tcp", normalizeAddr(s.cfg.Addr))
	if err != nil {
		return err
	}
	s.listener = ln
	s.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)

	s.httpServer = &http.Server{Handler: mux}
	go func() {
		_ = s.httpServer.Serve(ln)
	}()
	return nil
}

func (s *server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	_ = s.httpServer.Shutdown(ctx)
}

func (s *server) Addr() string { return s.addr }

func (s *server) ChatCompletionsURL() string {
	if s.addr == "" {
		return ""
	}
	return "http://" + s.addr + "/v1/chat/completions"
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if s.cfg.ErrorRate > 0 && rand.Float64() < s.cfg.ErrorRate {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if !req.Stream {
		s.writeNonStreaming(w, req)
		return
	}
	s.streamCompletion(w, r.Context(), req)
}

func (s *server) writeNonStreaming(w http.ResponseWriter, req chatRequest) {
	w.Header().Set("Content-Type", "application/json")
	promptWords := 0
	for _, m := range req.Messages {
		promptWords += len(strings.Fields(m.Content))
	}
	resp := map[string]interface{}{
		"id":      "mockcmpl-1",
		"object":  "chat.completion",
		"model":   s.modelOr(req.Model),
		"choices": []map[string]interface{}{{"index": 0, "message": message{Role: "assistant", Content: sampleCompletion}}},
		"usage": map[string]int{
			"prompt_tokens":     promptWords,
			"completion_tokens": len(strings.Fields(sampleCompletion)),
		},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *server) streamCompletion(w http.ResponseWriter, ctx context.Context, req chatRequest) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	words := strings.Fields(sampleCompletion)
	chunks := s.cfg.ChunkCount
	if chunks <= 0 {
		chunks = 1
	}

	for i := 0; i < chunks; i++ {
		token := words[i%len(words)] + " "
		chunk := map[string]interface{}{
			"id":     "mockcmpl-1",
			"object": "chat.completion.chunk",
			"model":  s.modelOr(req.Model),
			"choices": []map[string]interface{}{{
				"index": 0,
				"delta": message{Content: token},
			}},
		}
		if !writeSSE(w, chunk) {
			return
		}
		flusher.Flush()

		if i < chunks-1 && s.cfg.ChunkDelayMs > 0 {
			if !sleepWithContext(ctx, time.Duration(s.cfg.ChunkDelayMs)*time.Millisecond) {
				return
			}
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *server) modelOr(requested string) string {
	if requested != "" {
		return requested
	}
	return s.cfg.Model
}

const sampleCompletion = "the quick brown fox jumps over the lazy dog and runs through the forest at dawn"

func writeSSE(w http.ResponseWriter, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	return true
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func normalizeAddr(addr string) string {
	if addr == "" {
		return "127.0.0.1:0"
	}
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}
