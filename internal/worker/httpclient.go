package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/aiperf-run/aiperf/internal/types"
)

// HTTPClient talks to OpenAI-compatible chat, completions, embeddings, and
// rankings endpoints, with SSE streaming support for chat/completions.
// Transport shape (HTTP/2, idle-conn tuning) is grounded in
// internal/transport/streamable_http.go.
type HTTPClient struct {
	client *http.Client
	apiKey string
}

// NewHTTPClient builds an HTTPClient with HTTP/2 enabled, matching the
// teacher's ForceAttemptHTTP2 transport setting. A non-empty apiKey is sent
// as a Bearer token on every request (spec.md §6 `--api-key`).
func NewHTTPClient(timeout time.Duration, apiKey string) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	_ = http2.ConfigureTransport(transport)

	return &HTTPClient{
		client: &http.Client{Transport: transport, Timeout: timeout},
		apiKey: apiKey,
	}
}

// usage is the OpenAI-compatible token-accounting object, present on both
// streaming (final chunk, if the endpoint opts in) and non-streaming
// responses.
type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Send issues one turn against endpointType's request shape and, when
// streaming is true, parses the SSE response; otherwise it decodes one JSON
// response body directly (spec.md §4.6b/§4.6c).
func (c *HTTPClient) Send(ctx context.Context, endpoint, model string, turn types.Turn, endpointType types.EndpointType, streaming bool) (*TurnOutcome, error) {
	body, err := buildRequestBody(endpointType, model, turn, streaming)
	if err != nil {
		return nil, fmt.Errorf("build request body: %w", err)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	startNs := time.Now().UnixNano()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("inference endpoint returned status %d", resp.StatusCode)
	}

	if streaming {
		return parseSSEStream(resp.Body, endpointType, startNs)
	}
	return parseNonStreaming(resp.Body, startNs)
}

// buildRequestBody constructs the endpoint-specific request payload
// (spec.md §4.6b): chat and completions both send a prompt (chat as a
// messages array, completions as a flat prompt string); embeddings send
// the turn's text as input; rankings send a query plus a set of candidate
// passages, both carried as tagged Turn.Texts entries.
func buildRequestBody(endpointType types.EndpointType, model string, turn types.Turn, streaming bool) (map[string]interface{}, error) {
	body := map[string]interface{}{"model": model}

	switch endpointType {
	case types.EndpointCompletions:
		body["prompt"] = firstText(turn)
		body["stream"] = streaming
		if turn.MaxTokens > 0 {
			body["max_tokens"] = turn.MaxTokens
		}
	case types.EndpointEmbeddings:
		body["input"] = firstText(turn)
	case types.EndpointRankings:
		body["query"] = namedText(turn, "query")
		body["passages"] = taggedTexts(turn, "passages")
	default: // chat
		content := firstText(turn)
		message := map[string]interface{}{"role": "user", "content": content}
		if len(turn.Images) > 0 {
			message["content"] = chatMultimodalContent(content, turn.Images)
		}
		body["messages"] = []map[string]interface{}{message}
		body["stream"] = streaming
		if turn.MaxTokens > 0 {
			body["max_tokens"] = turn.MaxTokens
		}
	}

	return body, nil
}

func firstText(turn types.Turn) string {
	if len(turn.Texts) == 0 {
		return ""
	}
	return turn.Texts[0].Text
}

func namedText(turn types.Turn, name string) string {
	for _, t := range turn.Texts {
		if t.Name == name {
			return t.Text
		}
	}
	return firstText(turn)
}

func taggedTexts(turn types.Turn, name string) []string {
	var out []string
	for _, t := range turn.Texts {
		if t.Name == name {
			out = append(out, t.Text)
		}
	}
	return out
}

// chatMultimodalContent builds an OpenAI-style content-parts array carrying
// the turn's text plus each image as an image_url part (spec.md §3).
func chatMultimodalContent(text string, images []string) []map[string]interface{} {
	parts := []map[string]interface{}{{"type": "text", "text": text}}
	for _, img := range images {
		parts = append(parts, map[string]interface{}{
			"type":      "image_url",
			"image_url": map[string]string{"url": img},
		})
	}
	return parts
}

// sseChunk is the subset of a chat/completions streaming chunk this parser
// reads: delta.content for chat, text for legacy completions, and an
// optional trailing usage object for prompt-token accounting.
type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text string `json:"text"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

// parseSSEStream reads "data: {...}" lines and only counts a chunk as a
// token when it actually carries generated content
// (choices[0].delta.content for chat, choices[0].text for completions);
// keep-alive or role-only chunks are ignored rather than miscounted
// (spec.md §6).
func parseSSEStream(body io.Reader, endpointType types.EndpointType, startNs int64) (*TurnOutcome, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	outcome := &TurnOutcome{}
	var lastTokenNs int64
	tokenCount := 0

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		if data == "" {
			continue
		}

		var chunk sseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil && chunk.Usage.PromptTokens > 0 {
			outcome.InputTokens = chunk.Usage.PromptTokens
		}

		content := chunkContent(chunk, endpointType)
		if content == "" {
			continue
		}

		now := time.Now().UnixNano()
		if tokenCount == 0 {
			outcome.FirstTokenNs = now
		} else {
			outcome.InterTokenNs = append(outcome.InterTokenNs, now-lastTokenNs)
		}
		lastTokenNs = now
		tokenCount++
		outcome.OutputTokens++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	outcome.EndNs = time.Now().UnixNano()
	if outcome.FirstTokenNs == 0 {
		outcome.FirstTokenNs = outcome.EndNs
	}
	return outcome, nil
}

func chunkContent(chunk sseChunk, endpointType types.EndpointType) string {
	if len(chunk.Choices) == 0 {
		return ""
	}
	if endpointType == types.EndpointCompletions {
		return chunk.Choices[0].Text
	}
	return chunk.Choices[0].Delta.Content
}

// nonStreamingResponse is the subset of a non-streaming chat/completions/
// embeddings/rankings response this parser reads.
type nonStreamingResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

// parseNonStreaming decodes a single JSON response body and reports its
// token counts from the usage object when present.
func parseNonStreaming(body io.Reader, startNs int64) (*TurnOutcome, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp nonStreamingResponse
	_ = json.Unmarshal(raw, &resp)

	now := time.Now().UnixNano()
	outcome := &TurnOutcome{
		FirstTokenNs: now,
		EndNs:        now,
	}
	if resp.Usage != nil {
		outcome.InputTokens = resp.Usage.PromptTokens
		outcome.OutputTokens = resp.Usage.CompletionTokens
	} else {
		// No usage object: fall back to a word-count estimate of the
		// generated text. Real tokenization is out of scope (spec.md
		// Non-goals); input-token count has no text to estimate from here.
		outcome.OutputTokens = estimateOutputTokens(resp)
	}
	return outcome, nil
}

func estimateOutputTokens(resp nonStreamingResponse) int {
	for _, c := range resp.Choices {
		text := c.Message.Content
		if text == "" {
			text = c.Text
		}
		if text != "" {
			return len(strings.Fields(text))
		}
	}
	return 0
}
