package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"lagrum/internal/logging"
	"lagrum/internal/types"
)

// =============================================================================
// CONFIG
// =============================================================================

// Options configures the llama.cpp server client.
type Options struct {
	BaseURL       string
	Model         string
	Timeout       time.Duration
	Temperature   float64
	TopP          float64
	RepeatPenalty float64

	// TokenIdleTimeout aborts a stream when no token arrives for this long.
	// Distinct from the overall request timeout: a healthy stream can run for
	// minutes, a wedged one produces nothing.
	TokenIdleTimeout time.Duration
}

// DefaultOptions returns defaults for a local llama.cpp server.
func DefaultOptions() Options {
	return Options{
		BaseURL:          "http://localhost:8080",
		Timeout:          120 * time.Second,
		Temperature:      0.1,
		TopP:             0.9,
		RepeatPenalty:    1.1,
		TokenIdleTimeout: 30 * time.Second,
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type chatRequest struct {
	Model         string    `json:"model,omitempty"`
	Messages      []Message `json:"messages"`
	Temperature   float64   `json:"temperature"`
	TopP          float64   `json:"top_p,omitempty"`
	RepeatPenalty float64   `json:"repeat_penalty,omitempty"`
	MaxTokens     int       `json:"max_tokens,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
	// Grammar is the llama.cpp GBNF extension; servers that do not support it
	// reject the request with 400.
	Grammar       string             `json:"grammar,omitempty"`
	StreamOptions *chatStreamOptions `json:"stream_options,omitempty"`
}

type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	Choices []struct {
		Message *Message `json:"message,omitempty"`
		Delta   *struct {
			Content string `json:"content"`
		} `json:"delta,omitempty"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// =============================================================================
// CLIENT
// =============================================================================

// LlamaClient talks to a llama.cpp server over its OpenAI-compatible API.
type LlamaClient struct {
	opts       Options
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

// NewLlamaClient creates a client. Zero-valued fields in opts fall back to
// DefaultOptions.
func NewLlamaClient(opts Options) *LlamaClient {
	def := DefaultOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = def.BaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.TopP == 0 {
		opts.TopP = def.TopP
	}
	if opts.RepeatPenalty == 0 {
		opts.RepeatPenalty = def.RepeatPenalty
	}
	if opts.TokenIdleTimeout <= 0 {
		opts.TokenIdleTimeout = def.TokenIdleTimeout
	}
	return &LlamaClient{
		opts: opts,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
	}
}

func (c *LlamaClient) buildRequest(messages []Message, override *GenerationConfig, stream bool) chatRequest {
	req := chatRequest{
		Model:         c.opts.Model,
		Messages:      messages,
		Temperature:   c.opts.Temperature,
		TopP:          c.opts.TopP,
		RepeatPenalty: c.opts.RepeatPenalty,
		Stream:        stream,
	}
	if override != nil {
		req.Temperature = override.Temperature
		if override.TopP != 0 {
			req.TopP = override.TopP
		}
		if override.RepeatPenalty != 0 {
			req.RepeatPenalty = override.RepeatPenalty
		}
		if override.NumPredict > 0 {
			req.MaxTokens = override.NumPredict
		}
		req.Grammar = override.Grammar
	}
	if stream {
		req.StreamOptions = &chatStreamOptions{IncludeUsage: true}
	}
	return req
}

// throttle spaces requests to a small local server.
func (c *LlamaClient) throttle() {
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 50*time.Millisecond {
		time.Sleep(50*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()
}

// grammarRejected reports whether a 400 body blames the grammar extension.
func grammarRejected(status int, body []byte) bool {
	if status != http.StatusBadRequest {
		return false
	}
	s := string(body)
	return strings.Contains(s, "grammar") || strings.Contains(s, "unknown field") ||
		strings.Contains(s, "unrecognized") || strings.Contains(s, "extra fields")
}

// Complete runs a non-streaming chat completion with retries. When the server
// rejects the grammar constraint the call is retried once without it.
func (c *LlamaClient) Complete(ctx context.Context, messages []Message, override *GenerationConfig) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	reqBody := c.buildRequest(messages, override, false)

	maxRetries := 2
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		c.throttle()

		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return "", fmt.Errorf("marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.opts.BaseURL+"/v1/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", types.ErrDependencyUnavailable, err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			lastErr = fmt.Errorf("%w: status %d", types.ErrDependencyUnavailable, resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			if reqBody.Grammar != "" && grammarRejected(resp.StatusCode, body) {
				logging.Get(logging.CategoryAPI).Warn("[llm] grammar rejected by server, retrying unconstrained")
				reqBody.Grammar = ""
				lastErr = fmt.Errorf("grammar rejected: %s", strings.TrimSpace(string(body)))
				continue
			}
			return "", fmt.Errorf("completion failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var parsed chatResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("parse response: %w", err)
		}
		if parsed.Error != nil {
			return "", fmt.Errorf("server error: %s", parsed.Error.Message)
		}
		if len(parsed.Choices) == 0 || parsed.Choices[0].Message == nil {
			return "", fmt.Errorf("no completion returned")
		}

		out := strings.TrimSpace(parsed.Choices[0].Message.Content)
		logging.Get(logging.CategoryPerformance).Debug("[llm] completion in %v, %d chars", time.Since(startTime), len(out))
		return out, nil
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// ChatStream starts a streaming completion. Tokens are forwarded as they
// arrive; a per-token idle timeout guards against wedged streams.
func (c *LlamaClient) ChatStream(ctx context.Context, messages []Message, override *GenerationConfig) (<-chan Delta, <-chan error) {
	deltaChan := make(chan Delta, 64)
	errorChan := make(chan error, 1)

	go func() {
		defer close(deltaChan)
		defer close(errorChan)

		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
		}

		startTime := time.Now()
		c.throttle()

		reqBody := c.buildRequest(messages, override, true)
		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			errorChan <- fmt.Errorf("marshal request: %w", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.opts.BaseURL+"/v1/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			errorChan <- fmt.Errorf("create request: %w", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			errorChan <- fmt.Errorf("%w: %v", types.ErrDependencyUnavailable, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			if reqBody.Grammar != "" && grammarRejected(resp.StatusCode, body) {
				// One unconstrained retry; callers validate output themselves.
				logging.Get(logging.CategoryAPI).Warn("[llm] grammar rejected on stream, retrying unconstrained")
				retry := *override
				retry.Grammar = ""
				inner, innerErr := c.ChatStream(ctx, messages, &retry)
				for d := range inner {
					select {
					case deltaChan <- d:
					case <-ctx.Done():
						errorChan <- ctx.Err()
						return
					}
				}
				if e := <-innerErr; e != nil {
					errorChan <- e
				}
				return
			}
			errorChan <- fmt.Errorf("stream request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			return
		}

		// The scanner goroutine owns resp.Body reads; the select below owns
		// the idle clock and cancellation. readerDone releases the scanner
		// when the consumer side exits first: closing the body alone cannot
		// unblock a parked channel send.
		lines := make(chan string, 64)
		scanErr := make(chan error, 1)
		readerDone := make(chan struct{})
		defer close(readerDone)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				select {
				case lines <- scanner.Text():
				case <-readerDone:
					return
				}
			}
			if err := scanner.Err(); err != nil {
				scanErr <- err
			}
		}()

		var stats *FinalStats
		idle := time.NewTimer(c.opts.TokenIdleTimeout)
		defer idle.Stop()

		for {
			select {
			case <-ctx.Done():
				resp.Body.Close()
				errorChan <- ctx.Err()
				return
			case <-idle.C:
				resp.Body.Close()
				errorChan <- fmt.Errorf("%w: no token for %v", types.ErrDependencyUnavailable, c.opts.TokenIdleTimeout)
				return
			case line, ok := <-lines:
				if !ok {
					select {
					case err := <-scanErr:
						errorChan <- fmt.Errorf("stream read: %w", err)
					default:
						// Stream ended without [DONE]; treat as complete.
						select {
						case deltaChan <- Delta{Done: true, Stats: stats}:
						case <-ctx.Done():
						}
						logging.Get(logging.CategoryPerformance).Debug("[llm] stream ended in %v", time.Since(startTime))
					}
					return
				}

				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(c.opts.TokenIdleTimeout)

				if !strings.HasPrefix(line, "data:") {
					continue
				}
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if data == "" {
					continue
				}
				if data == "[DONE]" {
					select {
					case deltaChan <- Delta{Done: true, Stats: stats}:
					case <-ctx.Done():
					}
					logging.Get(logging.CategoryPerformance).Debug("[llm] stream done in %v", time.Since(startTime))
					return
				}

				var chunk chatResponse
				if err := json.Unmarshal([]byte(data), &chunk); err != nil {
					continue
				}
				if chunk.Error != nil {
					errorChan <- fmt.Errorf("server error: %s", chunk.Error.Message)
					return
				}
				if chunk.Usage != nil {
					stats = &FinalStats{
						PromptTokens:     chunk.Usage.PromptTokens,
						CompletionTokens: chunk.Usage.CompletionTokens,
					}
				}
				if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil && chunk.Choices[0].Delta.Content != "" {
					select {
					case deltaChan <- Delta{Text: chunk.Choices[0].Delta.Content}:
					case <-ctx.Done():
						resp.Body.Close()
						errorChan <- ctx.Err()
						return
					}
				}
			}
		}
	}()

	return deltaChan, errorChan
}

// IsAvailable probes the server health endpoint.
func (c *LlamaClient) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.opts.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Close releases idle connections.
func (c *LlamaClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
