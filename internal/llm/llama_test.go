package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func chatJSON(content string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`, content)
}

func streamChunk(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`+"\n\n", content)
}

func newTestClient(url string) *LlamaClient {
	opts := DefaultOptions()
	opts.BaseURL = url
	opts.Timeout = 5 * time.Second
	opts.TokenIdleTimeout = 2 * time.Second
	return NewLlamaClient(opts)
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		fmt.Fprint(w, chatJSON("  Hej!  "))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Complete(context.Background(), []Message{{Role: "user", Content: "Hej"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hej!", out, "output must be trimmed")
}

func TestComplete_RetriesOn503(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, chatJSON("svar"))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Complete(context.Background(), []Message{{Role: "user", Content: "q"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "svar", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestComplete_GrammarRejectedRetriesUnconstrained(t *testing.T) {
	var sawGrammar, sawPlain atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Grammar != "" {
			sawGrammar.Store(true)
			http.Error(w, `{"error":{"message":"unknown field: grammar"}}`, http.StatusBadRequest)
			return
		}
		sawPlain.Store(true)
		fmt.Fprint(w, chatJSON(`{"relevance":"yes"}`))
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Complete(context.Background(),
		[]Message{{Role: "user", Content: "q"}},
		&GenerationConfig{Grammar: `root ::= "x"`})
	require.NoError(t, err)
	assert.True(t, sawGrammar.Load(), "first attempt must carry the grammar")
	assert.True(t, sawPlain.Load(), "retry must drop the grammar")
	assert.JSONEq(t, `{"relevance":"yes"}`, out)
}

func TestComplete_HardErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request body", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), []Message{{Role: "user", Content: "q"}}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.NotNil(t, req.StreamOptions)
		assert.True(t, req.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, tok := range []string{"Enligt ", "lagen ", "gäller..."} {
			fmt.Fprint(w, streamChunk(tok))
			fl.Flush()
		}
		fmt.Fprint(w, `data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fl.Flush()
	}))
	defer srv.Close()

	deltas, errs := newTestClient(srv.URL).ChatStream(context.Background(), []Message{{Role: "user", Content: "q"}}, nil)

	var text string
	var stats *FinalStats
	for d := range deltas {
		if d.Done {
			stats = d.Stats
			break
		}
		text += d.Text
	}
	assert.Equal(t, "Enligt lagen gäller...", text)
	require.NotNil(t, stats)
	assert.Equal(t, 12, stats.PromptTokens)
	assert.Equal(t, 3, stats.CompletionTokens)
	select {
	case err := <-errs:
		require.NoError(t, err)
	default:
	}
}

func TestChatStream_EndWithoutDoneIsComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, streamChunk("hela svaret"))
	}))
	defer srv.Close()

	deltas, _ := newTestClient(srv.URL).ChatStream(context.Background(), []Message{{Role: "user", Content: "q"}}, nil)

	var text string
	sawDone := false
	for d := range deltas {
		if d.Done {
			sawDone = true
			continue
		}
		text += d.Text
	}
	assert.Equal(t, "hela svaret", text)
	assert.True(t, sawDone, "EOF without [DONE] still terminates the stream")
}

func TestChatStream_ConsumerCancelReleasesReader(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	// Enough chunks to overrun the line buffer many times over, so a reader
	// parked on a channel send would never exit.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for i := 0; i < 2000; i++ {
			fmt.Fprint(w, streamChunk("ord "))
		}
		fl.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		fl.Flush()
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	deltas, errs := client.ChatStream(ctx, []Message{{Role: "user", Content: "q"}}, nil)

	// Take one delta, then walk away mid-stream.
	<-deltas
	cancel()

	for range deltas {
	}
	select {
	case <-errs:
	default:
	}
	require.NoError(t, client.Close())
}

func TestChatStream_DependencyUnavailable(t *testing.T) {
	srv := httptest.NewServer(nil)
	srv.Close() // connection refused

	deltas, errs := newTestClient(srv.URL).ChatStream(context.Background(), []Message{{Role: "user", Content: "q"}}, nil)
	for range deltas {
	}
	err := <-errs
	require.Error(t, err)
}

func TestIsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	assert.True(t, newTestClient(srv.URL).IsAvailable(context.Background()))

	srv.Close()
	assert.False(t, newTestClient(srv.URL).IsAvailable(context.Background()))
}

func TestGrammarRejected(t *testing.T) {
	assert.True(t, grammarRejected(400, []byte("unknown field: grammar")))
	assert.True(t, grammarRejected(400, []byte(`{"error":"unrecognized option"}`)))
	assert.False(t, grammarRejected(400, []byte("malformed messages")))
	assert.False(t, grammarRejected(500, []byte("grammar")))
}
