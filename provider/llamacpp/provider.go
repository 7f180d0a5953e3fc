// Package llamacpp implements the Provider contract against a local
// llama.cpp server, delegating chat and streaming to the OpenAI-compatible
// wire format it speaks, and adding process lifecycle (spawn, health
// check) and model-path-derived ListModels fallback. Embeddings are not
// supported.
package llamacpp

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tsurumi-yizhou/fire-box/internal/tlsutil"
	"github.com/tsurumi-yizhou/fire-box/provider"
	"github.com/tsurumi-yizhou/fire-box/provider/openaicompat"
)

const (
	name              = "llamacpp"
	defaultServerURL  = "http://localhost:8080"
	defaultContextLen = 4096
	healthTimeout     = 5 * time.Second
)

// Config describes how to run or reach a llama.cpp server.
type Config struct {
	ModelPath   string
	ContextSize int
	GPULayers   *int
	Threads     *int
	ServerURL   string // defaults to defaultServerURL
}

func (c Config) serverURL() string {
	if c.ServerURL != "" {
		return c.ServerURL
	}
	return defaultServerURL
}

// Provider adapts a llama.cpp HTTP server.
type Provider struct {
	config Config
	chat   *openaicompat.Provider
	client *http.Client
	logger *zap.Logger
}

// New returns an adapter for the given config.
func New(config Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ContextSize == 0 {
		config.ContextSize = defaultContextLen
	}
	return &Provider{
		config: config,
		chat:   openaicompat.WithBaseURL("", config.serverURL(), logger),
		client: tlsutil.SecureHTTPClient(healthTimeout),
		logger: logger,
	}
}

// FromModelPath returns an adapter using the default context size and
// server URL for a given model file.
func FromModelPath(path string, logger *zap.Logger) *Provider {
	return New(Config{ModelPath: path}, logger)
}

func (p *Provider) Config() Config       { return p.config }
func (p *Provider) ModelPath() string    { return p.config.ModelPath }
func (p *Provider) ServerURL() string    { return p.config.serverURL() }

// Complete and CompleteStream are delegated entirely to the embedded
// OpenAI-compatible adapter pointed at the local server; Embed always
// fails with Unsupported.
func (p *Provider) Complete(ctx context.Context, sessionID string, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	return p.chat.Complete(ctx, sessionID, req)
}

func (p *Provider) CompleteStream(ctx context.Context, sessionID string, req *provider.CompletionRequest) (<-chan provider.StreamEvent, error) {
	return p.chat.CompleteStream(ctx, sessionID, req)
}

func (p *Provider) Embed(ctx context.Context, sessionID string, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	return nil, provider.Unsupported(name, "embeddings")
}

// ListModels prefers the server's own /v1/models; if that yields nothing,
// it falls back to a single-element list naming the configured model file.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	ids, err := p.chat.ListModels(ctx)
	if err == nil && len(ids) > 0 {
		return ids, nil
	}
	if p.config.ModelPath == "" {
		if err != nil {
			return nil, err
		}
		return nil, provider.NewError(provider.ErrConfiguration, name, "no models endpoint and no model_path configured")
	}
	return []string{filepath.Base(p.config.ModelPath)}, nil
}

// HealthCheck probes /health, falling back to /v1/models if that endpoint
// is absent (older llama.cpp builds).
func (p *Provider) HealthCheck(ctx context.Context) bool {
	if p.probe(ctx, "/health") {
		return true
	}
	return p.probe(ctx, "/v1/models")
}

func (p *Provider) probe(ctx context.Context, path string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ServerURL()+path, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Spawn launches llama-server as a child process, redirecting its
// stdout/stderr to logPath rather than discarding them (the original
// implementation has a standing TODO to do this; this is that fix).
func Spawn(ctx context.Context, config Config, logPath string) (*exec.Cmd, error) {
	if _, err := os.Stat(config.ModelPath); err != nil {
		return nil, provider.NewError(provider.ErrConfiguration, name, "model file not found: "+config.ModelPath).WithCause(err)
	}

	contextSize := config.ContextSize
	if contextSize == 0 {
		contextSize = defaultContextLen
	}

	args := []string{"-m", config.ModelPath, "-c", strconv.Itoa(contextSize)}
	if config.GPULayers != nil {
		args = append(args, "-ngl", strconv.Itoa(*config.GPULayers))
	}
	if config.Threads != nil {
		args = append(args, "-t", strconv.Itoa(*config.Threads))
	}
	if config.ServerURL != "" {
		if host, port, ok := hostPort(config.ServerURL); ok {
			args = append(args, "--host", host, "--port", port)
		}
	}

	cmd := exec.CommandContext(ctx, "llama-server", args...)

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, err
	}
	return cmd, nil
}

func hostPort(serverURL string) (string, string, bool) {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		return host, "", host != ""
	}
	return host, port, true
}

const keyringService = "fire-box-llamacpp"
const keyringUser = "model-path"

// SaveModelPathToKeyring persists the configured model path so a later
// legacy-migration pass can recover it without the full profile.
func SaveModelPathToKeyring(set func(service, user, secret string) error, path string) error {
	return set(keyringService, keyringUser, path)
}

// ModelPathFromKeyring recovers a previously persisted model path.
func ModelPathFromKeyring(get func(service, user string) (string, error)) (string, error) {
	return get(keyringService, keyringUser)
}

var _ provider.Provider = (*Provider)(nil)
