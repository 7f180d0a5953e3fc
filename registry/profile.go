// Package registry maintains the set of configured provider profiles: their
// persisted parameters, and the live adapters built from them.
package registry

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/tsurumi-yizhou/fire-box/provider"
	"github.com/tsurumi-yizhou/fire-box/provider/anthropic"
	"github.com/tsurumi-yizhou/fire-box/provider/copilot"
	"github.com/tsurumi-yizhou/fire-box/provider/dashscope"
	"github.com/tsurumi-yizhou/fire-box/provider/llamacpp"
	"github.com/tsurumi-yizhou/fire-box/provider/openaicompat"
)

// Kind identifies which provider family a Profile configures. Values match
// the legacy implementation's snake_case tags verbatim.
type Kind string

const (
	KindOpenAI    Kind = "open_ai"
	KindAnthropic Kind = "anthropic"
	KindCopilot   Kind = "copilot"
	KindDashScope Kind = "dash_scope"
	KindLlamaCpp  Kind = "llama_cpp"
)

// OpenAIConfig configures an OpenAI-compatible profile.
type OpenAIConfig struct {
	APIKey  string  `json:"api_key"`
	BaseURL *string `json:"base_url,omitempty"`
}

// AnthropicConfig configures an Anthropic profile.
type AnthropicConfig struct {
	APIKey  string  `json:"api_key"`
	BaseURL *string `json:"base_url,omitempty"`
}

// CopilotConfig configures a GitHub Copilot profile.
type CopilotConfig struct {
	OAuthToken *string `json:"oauth_token,omitempty"`
	Endpoint   *string `json:"endpoint,omitempty"`
}

// DashScopeConfig configures a DashScope/Qwen profile.
type DashScopeConfig struct {
	AccessToken  *string `json:"access_token,omitempty"`
	RefreshToken *string `json:"refresh_token,omitempty"`
	ResourceURL  *string `json:"resource_url,omitempty"`
	ExpiryMs     *int64  `json:"expiry_ms,omitempty"`
	BaseURL      *string `json:"base_url,omitempty"`
}

// LlamaCppConfig configures a local llama.cpp profile.
type LlamaCppConfig struct {
	ModelPath   string `json:"model_path"`
	ContextSize int    `json:"context_size,omitempty"`
	GPULayers   *int   `json:"gpu_layers,omitempty"`
	Threads     *int   `json:"threads,omitempty"`
	ServerURL   *string `json:"server_url,omitempty"`
}

// Profile is a persistent record describing how to construct an adapter. It
// is a tagged union over the five provider families, serialized as a JSON
// object with a "kind" discriminator and the populated variant's fields
// nested under that variant's own key, e.g. {"kind":"open_ai","open_ai":{...}}.
type Profile struct {
	Kind       Kind
	OpenAI     *OpenAIConfig
	Anthropic  *AnthropicConfig
	Copilot    *CopilotConfig
	DashScope  *DashScopeConfig
	LlamaCpp   *LlamaCppConfig
}

type profileWire struct {
	Kind      Kind             `json:"kind"`
	OpenAI    *OpenAIConfig    `json:"open_ai,omitempty"`
	Anthropic *AnthropicConfig `json:"anthropic,omitempty"`
	Copilot   *CopilotConfig   `json:"copilot,omitempty"`
	DashScope *DashScopeConfig `json:"dash_scope,omitempty"`
	LlamaCpp  *LlamaCppConfig  `json:"llama_cpp,omitempty"`
}

// MarshalJSON encodes the profile as a "kind" discriminator plus the
// variant's object under its own key.
func (p Profile) MarshalJSON() ([]byte, error) {
	wire := profileWire{
		Kind:      p.Kind,
		OpenAI:    p.OpenAI,
		Anthropic: p.Anthropic,
		Copilot:   p.Copilot,
		DashScope: p.DashScope,
		LlamaCpp:  p.LlamaCpp,
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the shape MarshalJSON writes; variant fields placed
// at the top level of the object are not read.
func (p *Profile) UnmarshalJSON(data []byte) error {
	var wire profileWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	p.Kind = wire.Kind
	p.OpenAI = wire.OpenAI
	p.Anthropic = wire.Anthropic
	p.Copilot = wire.Copilot
	p.DashScope = wire.DashScope
	p.LlamaCpp = wire.LlamaCpp
	return nil
}

// applyBaseURL sets the endpoint override field for whichever Kind p is,
// reusing the Kind's own notion of "base URL" (Copilot calls it Endpoint,
// LlamaCpp calls it ServerURL). Reports whether it found a variant to set.
func (p *Profile) applyBaseURL(baseURL string) bool {
	switch p.Kind {
	case KindOpenAI:
		if p.OpenAI == nil {
			return false
		}
		p.OpenAI.BaseURL = &baseURL
	case KindAnthropic:
		if p.Anthropic == nil {
			return false
		}
		p.Anthropic.BaseURL = &baseURL
	case KindCopilot:
		if p.Copilot == nil {
			return false
		}
		p.Copilot.Endpoint = &baseURL
	case KindDashScope:
		if p.DashScope == nil {
			return false
		}
		p.DashScope.BaseURL = &baseURL
	case KindLlamaCpp:
		if p.LlamaCpp == nil {
			return false
		}
		p.LlamaCpp.ServerURL = &baseURL
	default:
		return false
	}
	return true
}

// Build constructs a live adapter from the profile. logger may be nil.
func (p Profile) Build(logger *zap.Logger) (provider.Provider, error) {
	switch p.Kind {
	case KindOpenAI:
		if p.OpenAI == nil {
			return nil, fmt.Errorf("registry: open_ai profile missing config")
		}
		if p.OpenAI.BaseURL != nil {
			return openaicompat.WithBaseURL(p.OpenAI.APIKey, *p.OpenAI.BaseURL, logger), nil
		}
		return openaicompat.New(p.OpenAI.APIKey, logger), nil

	case KindAnthropic:
		if p.Anthropic == nil {
			return nil, fmt.Errorf("registry: anthropic profile missing config")
		}
		if p.Anthropic.BaseURL != nil {
			return anthropic.WithBaseURL(p.Anthropic.APIKey, *p.Anthropic.BaseURL, logger), nil
		}
		return anthropic.New(p.Anthropic.APIKey, logger), nil

	case KindCopilot:
		if p.Copilot == nil {
			return nil, fmt.Errorf("registry: copilot profile missing config")
		}
		endpoint := ""
		if p.Copilot.Endpoint != nil {
			endpoint = *p.Copilot.Endpoint
		}
		token := ""
		if p.Copilot.OAuthToken != nil {
			token = *p.Copilot.OAuthToken
		}
		if token == "" {
			return copilot.Pending(logger), nil
		}
		if endpoint != "" {
			return copilot.WithEndpoint(token, endpoint, logger), nil
		}
		return copilot.New(token, logger), nil

	case KindDashScope:
		if p.DashScope == nil {
			return nil, fmt.Errorf("registry: dash_scope profile missing config")
		}
		creds := dashscope.Credentials{
			RefreshToken: p.DashScope.RefreshToken,
			ResourceURL:  p.DashScope.ResourceURL,
			ExpiryMs:     p.DashScope.ExpiryMs,
		}
		if p.DashScope.AccessToken != nil {
			creds.AccessToken = *p.DashScope.AccessToken
		}
		baseURL := ""
		if p.DashScope.BaseURL != nil {
			baseURL = *p.DashScope.BaseURL
		}
		return dashscope.WithOAuth(creds, baseURL, logger), nil

	case KindLlamaCpp:
		if p.LlamaCpp == nil {
			return nil, fmt.Errorf("registry: llama_cpp profile missing config")
		}
		cfg := llamacpp.Config{ModelPath: p.LlamaCpp.ModelPath, ContextSize: p.LlamaCpp.ContextSize, GPULayers: p.LlamaCpp.GPULayers, Threads: p.LlamaCpp.Threads}
		if p.LlamaCpp.ServerURL != nil {
			cfg.ServerURL = *p.LlamaCpp.ServerURL
		}
		if cfg.ContextSize == 0 {
			cfg.ContextSize = 4096
		}
		return llamacpp.New(cfg, logger), nil

	default:
		return nil, fmt.Errorf("registry: unknown profile kind %q", p.Kind)
	}
}
