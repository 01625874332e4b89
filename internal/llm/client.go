// Package llm is the adapter for the local model runtime. The server speaks
// an OpenAI-compatible chat API extended with a BNF grammar constraint
// (llama.cpp style). Grammar-constrained output is best-effort: callers must
// keep their parser-then-regex-then-split fallback chains.
package llm

import "context"

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationConfig overrides sampling for one call. Zero values mean "use the
// client default" except Temperature, which is always sent (0 is a valid and
// common setting for structured calls).
type GenerationConfig struct {
	Temperature   float64
	TopP          float64
	RepeatPenalty float64
	NumPredict    int
	Grammar       string
}

// FinalStats is the terminal accounting for a streamed completion.
type FinalStats struct {
	PromptTokens     int
	CompletionTokens int
}

// Delta is one streamed increment. Exactly one terminal Delta has Done=true;
// its Stats may be nil if the server did not report usage.
type Delta struct {
	Text  string
	Done  bool
	Stats *FinalStats
}

// Client is the narrow contract the pipeline depends on. Implementations are
// safe for concurrent use; per-model concurrency caps live behind this
// interface.
type Client interface {
	// Complete runs a non-streaming completion and returns the full text.
	Complete(ctx context.Context, messages []Message, override *GenerationConfig) (string, error)

	// ChatStream starts a streaming completion. The delta channel is closed
	// after the terminal Done delta; at most one error is sent on the error
	// channel. Cancelling ctx aborts the stream.
	ChatStream(ctx context.Context, messages []Message, override *GenerationConfig) (<-chan Delta, <-chan error)

	// IsAvailable reports whether the backend answers health probes.
	IsAvailable(ctx context.Context) bool

	// Close releases the client.
	Close() error
}
