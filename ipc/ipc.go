// Package ipc exposes fire-box's operations to client apps over a
// JSON-over-websocket transport. Each inbound message names one operation
// and carries a JSON payload; each reply carries a JSON result or an error
// string, and a stream error event carries both.
package ipc

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tsurumi-yizhou/fire-box/internal/telemetry"
	"github.com/tsurumi-yizhou/fire-box/metrics"
	"github.com/tsurumi-yizhou/fire-box/provider"
	"github.com/tsurumi-yizhou/fire-box/provider/copilot"
	"github.com/tsurumi-yizhou/fire-box/provider/dashscope"
	"github.com/tsurumi-yizhou/fire-box/registry"
	"github.com/tsurumi-yizhou/fire-box/router"
)

// Operation names accepted on the wire, matching the abstract operation
// list the transport must expose regardless of binding.
const (
	OpConfigureProvider = "configure_provider"
	OpRemoveProvider    = "remove_provider"
	OpListProviders     = "list_providers"
	OpConfigureRoute    = "configure_route"
	OpResolveAlias      = "resolve_alias"
	OpComplete          = "complete"
	OpStreamComplete    = "stream_complete"
	OpEmbed             = "embed"
	OpListModels        = "list_models"
	OpStartCopilotOAuth = "start_copilot_oauth"
	OpStartQwenOAuth    = "start_qwen_oauth"
	OpMetricsSnapshot   = "metrics_snapshot"
)

// Request is one inbound IPC message.
type Request struct {
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// Response is the reply to one Request. Exactly one of Result/Error is set,
// except for a stream error event, which sets Result to the encoded event and
// Error to its message.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Server dispatches IPC requests against the registry, router, and
// metrics collector.
type Server struct {
	registry *registry.Registry
	router   *router.Router
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// New returns an IPC server wired to the given collaborators.
func New(reg *registry.Registry, rtr *router.Router, collector *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{registry: reg, router: rtr, metrics: collector, logger: logger}
}

// ServeHTTP upgrades the connection to a websocket and serves JSON
// requests on it until the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		var req Request
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		if req.Op == OpStreamComplete {
			if err := s.dispatchStream(ctx, conn, req); err != nil {
				return
			}
			continue
		}
		resp := s.dispatch(ctx, req)
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			return
		}
	}
}

// dispatchStream handles stream_complete by writing one Response per
// StreamEvent to the same connection, each carrying the request's id so the
// client can correlate the sequence.
func (s *Server) dispatchStream(ctx context.Context, conn *websocket.Conn, req Request) error {
	sessionID := req.ID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	events, err := s.handleStreamComplete(ctx, sessionID, req.Payload)
	if err != nil {
		return wsjson.Write(ctx, conn, Response{ID: req.ID, Error: err.Error()})
	}

	for ev := range events {
		encoded, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		resp := Response{ID: req.ID, Result: encoded}
		if ev.Kind == provider.StreamError {
			resp.Error = ev.Err.Error()
		}
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	sessionID := req.ID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	result, err := s.handle(ctx, sessionID, req)
	if err != nil {
		return Response{ID: req.ID, Error: err.Error()}
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return Response{ID: req.ID, Error: err.Error()}
	}
	return Response{ID: req.ID, Result: encoded}
}

func (s *Server) handle(ctx context.Context, sessionID string, req Request) (any, error) {
	switch req.Op {
	case OpConfigureProvider:
		return s.handleConfigureProvider(req.Payload)
	case OpRemoveProvider:
		return s.handleRemoveProvider(req.Payload)
	case OpListProviders:
		return s.registry.List()
	case OpConfigureRoute:
		return s.handleConfigureRoute(req.Payload)
	case OpResolveAlias:
		return s.handleResolveAlias(req.Payload)
	case OpComplete:
		return s.handleComplete(ctx, sessionID, req.Payload)
	case OpEmbed:
		return s.handleEmbed(ctx, sessionID, req.Payload)
	case OpListModels:
		return s.handleListModels(ctx, req.Payload)
	case OpStartCopilotOAuth:
		return s.handleStartCopilotOAuth(ctx, req.Payload)
	case OpStartQwenOAuth:
		return s.handleStartQwenOAuth(ctx, req.Payload)
	case OpMetricsSnapshot:
		return s.handleMetricsSnapshot(req.Payload)
	default:
		return nil, provider.Unsupported("ipc", req.Op)
	}
}

type configureProviderPayload struct {
	ProfileID string            `json:"profile_id"`
	Profile   registry.Profile  `json:"profile"`
}

func (s *Server) handleConfigureProvider(payload json.RawMessage) (any, error) {
	var p configureProviderPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if err := s.registry.Configure(p.ProfileID, p.Profile); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}

type removeProviderPayload struct {
	ProfileID string `json:"profile_id"`
}

func (s *Server) handleRemoveProvider(payload json.RawMessage) (any, error) {
	var p removeProviderPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if err := s.registry.Remove(p.ProfileID); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}

type configureRoutePayload struct {
	Alias   string          `json:"alias"`
	Targets []router.Target `json:"targets"`
}

func (s *Server) handleConfigureRoute(payload json.RawMessage) (any, error) {
	var p configureRoutePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if err := s.router.SetRouteRule(p.Alias, p.Targets); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}

type resolveAliasPayload struct {
	Alias string `json:"alias"`
}

func (s *Server) handleResolveAlias(payload json.RawMessage) (any, error) {
	var p resolveAliasPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	return s.router.ResolveAlias(p.Alias)
}

type completePayload struct {
	Alias   string                      `json:"alias"`
	Request provider.CompletionRequest  `json:"request"`
}

func (s *Server) handleComplete(ctx context.Context, sessionID string, payload json.RawMessage) (any, error) {
	var p completePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}

	target, err := s.router.ResolveAlias(p.Alias)
	if err != nil {
		return nil, err
	}
	p.Request.Model = target.ModelID

	adapter, err := s.registry.Load(target.ProviderID)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartProviderSpan(ctx, "complete", target.ProviderID, target.ModelID)
	defer span.End()

	timer := s.metrics.NewTimerWithBreakdown(target.ProviderID, target.ModelID)
	defer timer.FailIfUnresolved()

	resp, err := adapter.Complete(ctx, sessionID, &p.Request)
	if err != nil {
		timer.Failure()
		telemetry.RecordSpanError(span, err)
		return nil, err
	}
	if resp.Usage != nil {
		timer.Success(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, 0)
		span.SetAttributes(
			attribute.Int("tokens.prompt", resp.Usage.PromptTokens),
			attribute.Int("tokens.completion", resp.Usage.CompletionTokens),
		)
	} else {
		timer.Success(0, 0, 0)
	}
	return resp, nil
}

type embedPayload struct {
	ProfileID string                    `json:"profile_id"`
	Request   provider.EmbeddingRequest `json:"request"`
}

func (s *Server) handleEmbed(ctx context.Context, sessionID string, payload json.RawMessage) (any, error) {
	var p embedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	adapter, err := s.registry.Load(p.ProfileID)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartProviderSpan(ctx, "embed", p.ProfileID, "")
	defer span.End()

	resp, err := adapter.Embed(ctx, sessionID, &p.Request)
	if err != nil {
		telemetry.RecordSpanError(span, err)
	}
	return resp, err
}

type listModelsPayload struct {
	ProfileID string `json:"profile_id"`
}

func (s *Server) handleListModels(ctx context.Context, payload json.RawMessage) (any, error) {
	var p listModelsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	adapter, err := s.registry.Load(p.ProfileID)
	if err != nil {
		return nil, err
	}
	return adapter.ListModels(ctx)
}

type metricsSnapshotPayload struct {
	WindowStartMs int64 `json:"window_start_ms"`
	WindowEndMs   int64 `json:"window_end_ms"`
}

func (s *Server) handleMetricsSnapshot(payload json.RawMessage) (any, error) {
	var p metricsSnapshotPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
	}
	return s.metrics.Snapshot(p.WindowStartMs, p.WindowEndMs), nil
}

type streamCompletePayload struct {
	Alias   string                     `json:"alias"`
	Request provider.CompletionRequest `json:"request"`
}

func (s *Server) handleStreamComplete(ctx context.Context, sessionID string, payload json.RawMessage) (<-chan provider.StreamEvent, error) {
	var p streamCompletePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}

	target, err := s.router.ResolveAlias(p.Alias)
	if err != nil {
		return nil, err
	}
	p.Request.Model = target.ModelID

	adapter, err := s.registry.Load(target.ProviderID)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartProviderSpan(ctx, "complete_stream", target.ProviderID, target.ModelID)
	defer span.End()

	return adapter.CompleteStream(ctx, sessionID, &p.Request)
}

type startOAuthPayload struct {
	ProfileID string `json:"profile_id"`
}

type oauthChallengeResult struct {
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
}

// handleStartCopilotOAuth begins the GitHub device flow, returning the
// challenge for display immediately, and completes the exchange in the
// background so the caller's connection is never held open across the
// minutes a user may take to authorize the device.
func (s *Server) handleStartCopilotOAuth(ctx context.Context, payload json.RawMessage) (any, error) {
	var p startOAuthPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	profileID := p.ProfileID
	if profileID == "" {
		profileID = "copilot"
	}

	flow := copilot.NewDeviceFlow()
	challenge, err := flow.Start(ctx)
	if err != nil {
		return nil, err
	}

	go func() {
		bgCtx := context.Background()
		token, err := flow.WaitForToken(bgCtx, challenge)
		if err != nil {
			s.logger.Warn("copilot device flow did not complete", zap.Error(err))
			return
		}
		profile := registry.Profile{Kind: registry.KindCopilot, Copilot: &registry.CopilotConfig{OAuthToken: &token}}
		if err := s.registry.Configure(profileID, profile); err != nil {
			s.logger.Warn("failed to persist copilot profile after oauth", zap.Error(err))
		}
	}()

	return oauthChallengeResult{
		UserCode:        challenge.UserCode,
		VerificationURI: challenge.VerificationURI,
		ExpiresIn:       challenge.ExpiresIn,
	}, nil
}

// handleStartQwenOAuth mirrors handleStartCopilotOAuth for the Qwen/DashScope
// PKCE device flow.
func (s *Server) handleStartQwenOAuth(ctx context.Context, payload json.RawMessage) (any, error) {
	var p startOAuthPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	profileID := p.ProfileID
	if profileID == "" {
		profileID = "dashscope"
	}

	flow, err := dashscope.NewDeviceFlow()
	if err != nil {
		return nil, err
	}
	challenge, err := flow.Start(ctx)
	if err != nil {
		return nil, err
	}

	go func() {
		bgCtx := context.Background()
		creds, err := flow.WaitForToken(bgCtx, challenge)
		if err != nil {
			s.logger.Warn("qwen device flow did not complete", zap.Error(err))
			return
		}
		profile := registry.Profile{Kind: registry.KindDashScope, DashScope: &registry.DashScopeConfig{
			AccessToken:  &creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			ResourceURL:  creds.ResourceURL,
			ExpiryMs:     creds.ExpiryMs,
		}}
		if err := s.registry.Configure(profileID, profile); err != nil {
			s.logger.Warn("failed to persist dashscope profile after oauth", zap.Error(err))
		}
	}()

	return oauthChallengeResult{
		UserCode:        challenge.UserCode,
		VerificationURI: challenge.VerificationURI,
		ExpiresIn:       challenge.ExpiresIn,
	}, nil
}
