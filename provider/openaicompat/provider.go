// Package openaicompat implements the Provider contract against the
// OpenAI chat-completions wire format. The same adapter serves OpenAI
// itself, Ollama, vLLM, and any other OpenAI-compatible endpoint --
// distinguished only by base URL and whether an API key is set.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tsurumi-yizhou/fire-box/internal/tlsutil"
	"github.com/tsurumi-yizhou/fire-box/provider"
	"github.com/tsurumi-yizhou/fire-box/provider/retry"
)

const (
	name              = "openai"
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultOllamaURL  = "http://localhost:11434/v1"
	defaultVLLMURL    = "http://localhost:8000/v1"
	completionTimeout = 120 * time.Second

	// retryRateLimit and retryBurst cap this adapter's outbound retry
	// attempts independent of the backoff schedule, so a hot alias with an
	// aggressive MaxRetries can't hot-loop the upstream endpoint.
	retryRateLimit = 10
	retryBurst     = 20
)

// Provider adapts an OpenAI-compatible HTTP API.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
	limiter *rate.Limiter
}

// New returns an adapter with the default OpenAI base URL.
func New(apiKey string, logger *zap.Logger) *Provider {
	return WithBaseURL(apiKey, defaultBaseURL, logger)
}

// WithBaseURL returns an adapter against an arbitrary OpenAI-compatible
// endpoint. apiKey may be empty (e.g. for a local Ollama server).
func WithBaseURL(apiKey, baseURL string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  tlsutil.SecureHTTPClient(completionTimeout),
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(retryRateLimit), retryBurst),
	}
}

// Ollama returns an adapter preconfigured for a local Ollama server.
func Ollama(logger *zap.Logger) *Provider {
	return WithBaseURL("", defaultOllamaURL, logger)
}

// VLLM returns an adapter preconfigured for a local vLLM server.
func VLLM(apiKey string, logger *zap.Logger) *Provider {
	return WithBaseURL(apiKey, defaultVLLMURL, logger)
}

// BaseURL returns the adapter's configured endpoint base.
func (p *Provider) BaseURL() string { return p.baseURL }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

func toWireMessages(messages []provider.ChatMessage) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, m := range messages {
		out[i] = wireMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func (p *Provider) buildRequest(req *provider.CompletionRequest, stream bool) chatRequest {
	return chatRequest{
		Model:       req.Model,
		Messages:    toWireMessages(req.Messages),
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

func (p *Provider) authorize(httpReq *http.Request) {
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func parseChatResponse(body []byte) (*provider.CompletionResponse, error) {
	var wire chatResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	resp := &provider.CompletionResponse{ID: wire.ID, Model: wire.Model}
	for _, c := range wire.Choices {
		resp.Choices = append(resp.Choices, provider.Choice{
			Index: c.Index,
			Message: provider.ChatMessage{
				Role:    provider.Role(c.Message.Role),
				Content: c.Message.Content,
			},
			FinishReason: c.FinishReason,
		})
	}
	if wire.Usage != nil {
		resp.Usage = &provider.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}
	return resp, nil
}

func (p *Provider) doJSON(ctx context.Context, method, url string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.authorize(httpReq)
	return p.client.Do(httpReq)
}

// Complete performs one non-streaming chat completion, wrapped in the
// retry engine.
func (p *Provider) Complete(ctx context.Context, sessionID string, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	cfg := retry.DefaultConfig()
	cfg.Limiter = p.limiter
	return retry.Do(ctx, cfg, p.logger, func() (*provider.CompletionResponse, error) {
		return p.completeOnce(ctx, req)
	})
}

func (p *Provider) completeOnce(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	wire := p.buildRequest(req, false)
	httpResp, err := p.doJSON(ctx, http.MethodPost, p.baseURL+"/chat/completions", wire)
	if err != nil {
		return nil, provider.NewError(provider.ErrRequestFailed, name, err.Error()).WithCause(err)
	}
	defer httpResp.Body.Close()

	body, _ := io.ReadAll(httpResp.Body)
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, provider.HTTPError(name, httpResp.StatusCode, string(body))
	}
	return parseChatResponse(body)
}

// CompleteStream performs a streaming chat completion. Not wrapped in retry.
func (p *Provider) CompleteStream(ctx context.Context, sessionID string, req *provider.CompletionRequest) (<-chan provider.StreamEvent, error) {
	wire := p.buildRequest(req, true)
	httpResp, err := p.doJSON(ctx, http.MethodPost, p.baseURL+"/chat/completions", wire)
	if err != nil {
		return nil, provider.NewError(provider.ErrRequestFailed, name, err.Error()).WithCause(err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		return nil, provider.HTTPError(name, httpResp.StatusCode, string(body))
	}

	events := make(chan provider.StreamEvent)
	go streamSSE(httpResp.Body, events)
	return events, nil
}

type sseDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// streamSSE reads OpenAI-style "data: <json>" frames terminated by
// "data: [DONE]" and translates them into normalized StreamEvents. Shared
// in shape with the Copilot and llama.cpp adapters.
func streamSSE(body io.ReadCloser, events chan<- provider.StreamEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			events <- provider.StreamEvent{Kind: provider.StreamDone}
			return
		}

		var delta sseDelta
		if err := json.Unmarshal([]byte(payload), &delta); err != nil {
			events <- provider.StreamEvent{Kind: provider.StreamError, Err: err}
			return
		}
		if len(delta.Choices) == 0 {
			continue
		}
		choice := delta.Choices[0]
		if choice.Delta.Content != "" {
			events <- provider.StreamEvent{Kind: provider.StreamDelta, Content: choice.Delta.Content}
		}
		if choice.FinishReason != nil {
			events <- provider.StreamEvent{Kind: provider.StreamDone}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		events <- provider.StreamEvent{Kind: provider.StreamError, Err: err}
		return
	}
	// transport closed cleanly without an explicit [DONE]; synthesize one.
	events <- provider.StreamEvent{Kind: provider.StreamDone}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage *struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed performs an embeddings call.
func (p *Provider) Embed(ctx context.Context, sessionID string, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	wire := embedRequest{Model: req.Model, Input: req.Input}
	httpResp, err := p.doJSON(ctx, http.MethodPost, p.baseURL+"/embeddings", wire)
	if err != nil {
		return nil, provider.NewError(provider.ErrRequestFailed, name, err.Error()).WithCause(err)
	}
	defer httpResp.Body.Close()

	body, _ := io.ReadAll(httpResp.Body)
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, provider.HTTPError(name, httpResp.StatusCode, string(body))
	}

	var wireResp embedResponse
	if err := json.Unmarshal(body, &wireResp); err != nil {
		return nil, err
	}

	resp := &provider.EmbeddingResponse{Model: wireResp.Model}
	for _, d := range wireResp.Data {
		resp.Data = append(resp.Data, provider.Embedding{Index: d.Index, Embedding: d.Embedding})
	}
	if wireResp.Usage != nil {
		resp.Usage = &provider.Usage{
			PromptTokens: wireResp.Usage.PromptTokens,
			TotalTokens:  wireResp.Usage.TotalTokens,
			// the embeddings API reports no completion tokens.
		}
	}
	return resp, nil
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels returns the backend's advertised model ids.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	p.authorize(httpReq)
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.NewError(provider.ErrRequestFailed, name, err.Error()).WithCause(err)
	}
	defer httpResp.Body.Close()

	body, _ := io.ReadAll(httpResp.Body)
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, provider.HTTPError(name, httpResp.StatusCode, string(body))
	}

	var wireResp modelsResponse
	if err := json.Unmarshal(body, &wireResp); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(wireResp.Data))
	for _, m := range wireResp.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

var _ provider.Provider = (*Provider)(nil)
