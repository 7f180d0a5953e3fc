// Package copilot implements the Provider contract against the GitHub
// Copilot chat API: an OpenAI-compatible wire format gated behind a GitHub
// OAuth device flow and an ephemeral, auto-refreshed Copilot API token.
package copilot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tsurumi-yizhou/fire-box/internal/tlsutil"
	"github.com/tsurumi-yizhou/fire-box/provider"
	"github.com/tsurumi-yizhou/fire-box/provider/retry"
)

const (
	name              = "copilot"
	defaultEndpoint   = "https://api.githubcopilot.com"
	editorVersion     = "fire-box/0.4.0"
	integrationID     = "fire-box"
	completionTimeout = 120 * time.Second
)

// Provider adapts the GitHub Copilot chat API.
type Provider struct {
	githubToken string
	endpoint    string
	client      *http.Client
	logger      *zap.Logger

	mu    sync.Mutex
	token copilotToken
}

// New returns an adapter with an existing GitHub OAuth token, using the
// default Copilot endpoint.
func New(githubToken string, logger *zap.Logger) *Provider {
	return WithEndpoint(githubToken, defaultEndpoint, logger)
}

// Pending returns an adapter awaiting a device-flow authorization; no
// GitHub token is configured yet, so the first call will fail with an
// OAuth error until SetGitHubToken is called.
func Pending(logger *zap.Logger) *Provider {
	return WithEndpoint("", defaultEndpoint, logger)
}

// WithEndpoint returns an adapter against a custom Copilot-compatible
// endpoint.
func WithEndpoint(githubToken, endpoint string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		githubToken: githubToken,
		endpoint:    strings.TrimSuffix(endpoint, "/"),
		client:      tlsutil.SecureHTTPClient(completionTimeout),
		logger:      logger,
	}
}

// SetGitHubToken installs the GitHub OAuth token obtained from a completed
// device flow, invalidating any cached Copilot token.
func (p *Provider) SetGitHubToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.githubToken = token
	p.token = copilotToken{}
}

// copilotAuthToken returns a valid Copilot API token, refreshing it under
// lock if absent or near expiry so concurrent callers coalesce into one
// exchange.
func (p *Provider) copilotAuthToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.githubToken == "" {
		return "", provider.NewError(provider.ErrOAuth, name, errNoGitHubToken.Error())
	}
	if p.token.validFor(time.Now()) {
		return p.token.token, nil
	}

	fresh, err := exchangeCopilotToken(ctx, p.client, p.githubToken)
	if err != nil {
		return "", err
	}
	p.token = fresh
	return fresh.token, nil
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func toWireMessages(messages []provider.ChatMessage) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, m := range messages {
		out[i] = wireMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

// fullRequest mirrors the original: the non-streaming call forwards the
// complete request shape.
type fullRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// streamRequest carries exactly model, messages, stream, max_tokens and
// temperature, the same fields as fullRequest; no other field is forwarded
// into the streaming call.
type streamRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

func (p *Provider) headers(req *http.Request, token string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Editor-Version", editorVersion)
	req.Header.Set("Copilot-Integration-Id", integrationID)
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

// Complete performs one non-streaming chat completion, wrapped in retry.
func (p *Provider) Complete(ctx context.Context, sessionID string, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	return retry.Do(ctx, retry.DefaultConfig(), p.logger, func() (*provider.CompletionResponse, error) {
		return p.completeOnce(ctx, req)
	})
}

func (p *Provider) completeOnce(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	token, err := p.copilotAuthToken(ctx)
	if err != nil {
		return nil, err
	}

	wire := fullRequest{
		Model:       req.Model,
		Messages:    toWireMessages(req.Messages),
		Stream:      false,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	buf, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	p.headers(httpReq, token)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.NewError(provider.ErrRequestFailed, name, err.Error()).WithCause(err)
	}
	defer httpResp.Body.Close()

	body, _ := io.ReadAll(httpResp.Body)
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, provider.HTTPError(name, httpResp.StatusCode, string(body))
	}

	var wireResp chatResponse
	if err := json.Unmarshal(body, &wireResp); err != nil {
		return nil, err
	}
	resp := &provider.CompletionResponse{ID: wireResp.ID, Model: wireResp.Model}
	for _, c := range wireResp.Choices {
		resp.Choices = append(resp.Choices, provider.Choice{
			Index:        c.Index,
			Message:      provider.ChatMessage{Role: provider.Role(c.Message.Role), Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}
	if wireResp.Usage != nil {
		resp.Usage = &provider.Usage{
			PromptTokens:     wireResp.Usage.PromptTokens,
			CompletionTokens: wireResp.Usage.CompletionTokens,
			TotalTokens:      wireResp.Usage.TotalTokens,
		}
	}
	return resp, nil
}

// CompleteStream performs a streaming chat completion.
func (p *Provider) CompleteStream(ctx context.Context, sessionID string, req *provider.CompletionRequest) (<-chan provider.StreamEvent, error) {
	token, err := p.copilotAuthToken(ctx)
	if err != nil {
		return nil, err
	}

	wire := streamRequest{
		Model:       req.Model,
		Messages:    toWireMessages(req.Messages),
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	buf, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	p.headers(httpReq, token)

	httpResp, err := p.client.Do(httpReq)
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
	events <- provider.StreamEvent{Kind: provider.StreamDone}
}

// Embed is unsupported by the GitHub Copilot API.
func (p *Provider) Embed(ctx context.Context, sessionID string, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	return nil, provider.Unsupported(name, "embeddings")
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels returns the Copilot endpoint's advertised model ids.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	token, err := p.copilotAuthToken(ctx)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	p.headers(httpReq, token)

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
