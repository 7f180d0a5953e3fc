package openaicompat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsurumi-yizhou/fire-box/provider"
)

func TestProvider_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"1","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	}))
	defer srv.Close()

	p := WithBaseURL("k", srv.URL, nil)
	resp, err := p.Complete(context.Background(), "s1", &provider.CompletionRequest{
		Model:    "gpt-4",
		Messages: []provider.ChatMessage{{Role: provider.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestProvider_CompleteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := WithBaseURL("", srv.URL, nil)
	events, err := p.CompleteStream(context.Background(), "s1", &provider.CompletionRequest{
		Model:    "gpt-4",
		Messages: []provider.ChatMessage{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var got []provider.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, provider.StreamDelta, got[0].Kind)
	assert.Equal(t, "Hi", got[0].Content)
	assert.Equal(t, provider.StreamDone, got[1].Kind)
}

func TestProvider_CompleteRetriesOn503(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unavailable"))
			return
		}
		w.Write([]byte(`{"id":"1","model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	p := WithBaseURL("", srv.URL, nil)
	resp, err := p.Complete(context.Background(), "s1", &provider.CompletionRequest{Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Message.Content)
	assert.Equal(t, 3, calls)
}

func TestProvider_CompleteNonRetryableFailsFast(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad request"))
	}))
	defer srv.Close()

	p := WithBaseURL("", srv.URL, nil)
	_, err := p.Complete(context.Background(), "s1", &provider.CompletionRequest{Model: "gpt-4"})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
