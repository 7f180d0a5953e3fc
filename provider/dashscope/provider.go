// Package dashscope implements the Provider contract against Alibaba
// DashScope's native text-generation protocol, gated by a Qwen OAuth 2.0
// PKCE device flow rather than a static API key.
package dashscope

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tsurumi-yizhou/fire-box/internal/tlsutil"
	"github.com/tsurumi-yizhou/fire-box/provider"
	"github.com/tsurumi-yizhou/fire-box/provider/retry"
)

const (
	name                = "dashscope"
	nativeBaseURL       = "https://dashscope.aliyuncs.com/api/v1/services/aigc/text-generation/generation"
	nativeBaseURLIntl   = "https://dashscope-intl.aliyuncs.com/api/v1/services/aigc/text-generation/generation"
	generationPathMarker = "/generation"
	generationPathSuffix = "/api/v1/services/aigc/text-generation/generation"
	completionTimeout   = 120 * time.Second

	retryRateLimit = 10
	retryBurst     = 20
)

// Provider adapts the DashScope native generation endpoint.
type Provider struct {
	credentials Credentials
	baseURL     string
	client      *http.Client
	logger      *zap.Logger
	limiter     *rate.Limiter
}

// WithOAuth returns an adapter using OAuth credentials obtained from the
// Qwen device flow. baseURL is the mainland/international default unless
// credentials carry a resource_url override.
func WithOAuth(credentials Credentials, baseURL string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = nativeBaseURL
	}
	return &Provider{
		credentials: credentials,
		baseURL:     baseURL,
		client:      tlsutil.SecureHTTPClient(completionTimeout),
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(retryRateLimit), retryBurst),
	}
}

// Credentials returns the adapter's current OAuth credentials.
func (p *Provider) Credentials() Credentials { return p.credentials }

// Endpoint resolves the effective generation endpoint, applying the
// resource_url override rule: if it already names the generation path, use
// it verbatim; otherwise append the generation path after trimming any
// trailing slash.
func (p *Provider) Endpoint() string {
	if p.credentials.ResourceURL == nil || *p.credentials.ResourceURL == "" {
		return p.baseURL
	}
	resourceURL := *p.credentials.ResourceURL
	if strings.Contains(resourceURL, generationPathMarker) {
		return resourceURL
	}
	return strings.TrimSuffix(resourceURL, "/") + generationPathSuffix
}

type nativeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type nativeRequest struct {
	Model string `json:"model"`
	Input struct {
		Messages []nativeMessage `json:"messages"`
	} `json:"input"`
	Parameters struct {
		MaxTokens    *int     `json:"max_tokens,omitempty"`
		Temperature  *float64 `json:"temperature,omitempty"`
		ResultFormat string   `json:"result_format"`
	} `json:"parameters"`
}

func buildRequest(req *provider.CompletionRequest) nativeRequest {
	var wire nativeRequest
	wire.Model = req.Model
	for _, m := range req.Messages {
		wire.Input.Messages = append(wire.Input.Messages, nativeMessage{Role: string(m.Role), Content: m.Content})
	}
	wire.Parameters.MaxTokens = req.MaxTokens
	wire.Parameters.Temperature = req.Temperature
	wire.Parameters.ResultFormat = "message"
	return wire
}

type nativeResponse struct {
	Output struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Text string `json:"text"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func parseResponse(model string, body []byte) (*provider.CompletionResponse, error) {
	var wire nativeResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}

	content := wire.Output.Text
	var finishReason *string
	if len(wire.Output.Choices) > 0 {
		content = wire.Output.Choices[0].Message.Content
		finishReason = wire.Output.Choices[0].FinishReason
	}

	resp := &provider.CompletionResponse{ID: uuid.NewString(), Model: model}
	resp.Choices = []provider.Choice{{
		Index:        0,
		Message:      provider.ChatMessage{Role: provider.RoleAssistant, Content: content},
		FinishReason: finishReason,
	}}
	resp.Usage = &provider.Usage{
		PromptTokens:     wire.Usage.InputTokens,
		CompletionTokens: wire.Usage.OutputTokens,
		TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
	}
	return resp, nil
}

// Complete performs one native generation call, wrapped in retry.
func (p *Provider) Complete(ctx context.Context, sessionID string, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	cfg := retry.DefaultConfig()
	cfg.Limiter = p.limiter
	return retry.Do(ctx, cfg, p.logger, func() (*provider.CompletionResponse, error) {
		return p.completeOnce(ctx, req)
	})
}

func (p *Provider) completeOnce(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	wire := buildRequest(req)
	buf, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint(), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.credentials.AccessToken)
	httpReq.Header.Set("X-DashScope-AuthType", "oauth")

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

// CompleteStream is unsupported: DashScope streaming is not implemented by
// either this adapter or its original counterpart.
func (p *Provider) CompleteStream(ctx context.Context, sessionID string, req *provider.CompletionRequest) (<-chan provider.StreamEvent, error) {
	return nil, provider.Unsupported(name, "streaming")
}

// Embed is unsupported via the native protocol.
func (p *Provider) Embed(ctx context.Context, sessionID string, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	return nil, provider.Unsupported(name, "embeddings via the native protocol")
}

// ListModels returns the fixed, known DashScope model set (the native
// protocol exposes no listing endpoint).
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	return []string{"coder-model", "vision-model"}, nil
}

var _ provider.Provider = (*Provider)(nil)
