// Package anthropic implements the Provider contract against the
// Anthropic Messages API, including the system-message promotion the
// wire format requires (system is a distinct top-level field, not a
// message with role "system").
package anthropic

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
	name               = "anthropic"
	defaultBaseURL     = "https://api.anthropic.com/v1"
	apiVersion         = "2023-06-01"
	defaultMaxTokens   = 4096
	completionTimeout  = 120 * time.Second

	retryRateLimit = 10
	retryBurst     = 20
)

// Provider adapts the Anthropic Messages API. Unlike OpenAI-compatible
// adapters, an API key is always required.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
	limiter *rate.Limiter
}

// New returns an adapter against the default Anthropic endpoint.
func New(apiKey string, logger *zap.Logger) *Provider {
	return WithBaseURL(apiKey, defaultBaseURL, logger)
}

// WithBaseURL returns an adapter against a custom Anthropic-compatible
// endpoint (e.g. a proxy).
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

func (p *Provider) BaseURL() string { return p.baseURL }
func (p *Provider) APIKey() string  { return p.apiKey }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	System      *string       `json:"system,omitempty"`
}

// prepareMessages promotes the last system message (by convention, there is
// at most one) into the top-level system field and passes user/assistant
// messages through verbatim. Any other role is silently dropped.
func prepareMessages(messages []provider.ChatMessage) ([]wireMessage, *string) {
	var system *string
	var out []wireMessage
	for _, m := range messages {
		switch m.Role {
		case provider.RoleSystem:
			s := m.Content
			system = &s
		case provider.RoleUser, provider.RoleAssistant:
			out = append(out, wireMessage{Role: string(m.Role), Content: m.Content})
		}
	}
	return out, system
}

func (p *Provider) buildRequest(req *provider.CompletionRequest, stream bool) messagesRequest {
	messages, system := prepareMessages(req.Messages)
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	return messagesRequest{
		Model:       req.Model,
		Messages:    messages,
		Stream:      stream,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      system,
	}
}

func (p *Provider) newRequest(ctx context.Context, payload any) (*http.Request, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return httpReq, nil
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messagesResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason *string        `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func parseResponse(model string, body []byte) (*provider.CompletionResponse, error) {
	var wire messagesResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}

	text := ""
	for _, block := range wire.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	resp := &provider.CompletionResponse{Model: model}
	resp.Choices = []provider.Choice{{
		Index:        0,
		Message:      provider.ChatMessage{Role: provider.RoleAssistant, Content: text},
		FinishReason: wire.StopReason,
	}}
	if wire.Usage != nil {
		resp.Usage = &provider.Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		}
	}
	return resp, nil
}

// Complete performs one non-streaming Messages call, wrapped in retry.
func (p *Provider) Complete(ctx context.Context, sessionID string, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	cfg := retry.DefaultConfig()
	cfg.Limiter = p.limiter
	return retry.Do(ctx, cfg, p.logger, func() (*provider.CompletionResponse, error) {
		return p.completeOnce(ctx, req)
	})
}

func (p *Provider) completeOnce(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	wire := p.buildRequest(req, false)
	httpReq, err := p.newRequest(ctx, wire)
	if err != nil {
		return nil, err
	}
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.NewError(provider.ErrRequestFailed, name, err.Error()).WithCause(err)
	}
	defer httpResp.Body.Close()

	body, _ := io.ReadAll(httpResp.Body)
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, provider.HTTPError(name, httpResp.StatusCode, string(body))
	}
	return parseResponse(req.Model, body)
}

// CompleteStream performs a streaming Messages call. Not wrapped in retry.
func (p *Provider) CompleteStream(ctx context.Context, sessionID string, req *provider.CompletionRequest) (<-chan provider.StreamEvent, error) {
	wire := p.buildRequest(req, true)
	httpReq, err := p.newRequest(ctx, wire)
	if err != nil {
		return nil, err
	}
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

type sseEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// streamSSE implements Anthropic's type-tagged SSE event variant: unlike
// OpenAI's choices[0].delta shape, each frame carries a "type" discriminant.
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

		var ev sseEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			events <- provider.StreamEvent{Kind: provider.StreamError, Err: err}
			return
		}

		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text != "" {
				events <- provider.StreamEvent{Kind: provider.StreamDelta, Content: ev.Delta.Text}
			}
		case "message_stop":
			events <- provider.StreamEvent{Kind: provider.StreamDone}
			return
		case "error":
			msg := ev.Error.Message
			if msg == "" {
				msg = "Unknown error"
			}
			events <- provider.StreamEvent{Kind: provider.StreamError, Err: provider.NewError(provider.ErrStream, name, msg)}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		events <- provider.StreamEvent{Kind: provider.StreamError, Err: err}
		return
	}
	events <- provider.StreamEvent{Kind: provider.StreamDone}
}

// Embed is unsupported by the Anthropic API.
func (p *Provider) Embed(ctx context.Context, sessionID string, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	return nil, provider.Unsupported(name, "embeddings")
}

// ListModels returns a fixed, known-current Claude model list (Anthropic
// exposes no public listing endpoint).
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	return []string{
		"claude-opus-4-5-20251001",
		"claude-sonnet-4-5-20251001",
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
	}, nil
}

var _ provider.Provider = (*Provider)(nil)
