package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tsurumi-yizhou/fire-box/credential"
	"github.com/tsurumi-yizhou/fire-box/provider"
	"github.com/tsurumi-yizhou/fire-box/provider/llamacpp"
	"github.com/tsurumi-yizhou/fire-box/store"
)

// Registry mediates between the encrypted store and live provider adapters.
type Registry struct {
	store  *store.Store
	creds  credential.Store
	logger *zap.Logger
}

// New returns a Registry backed by the given store and credential store.
func New(s *store.Store, creds credential.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: s, creds: creds, logger: logger}
}

// Configure persists profile under profileID, inserting it into the
// provider index if it is not already present.
func (r *Registry) Configure(profileID string, profile Profile) error {
	encoded, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	if profile.Kind == KindLlamaCpp && profile.LlamaCpp != nil && profile.LlamaCpp.ModelPath != "" {
		if err := llamacpp.SaveModelPathToKeyring(r.creds.Set, profile.LlamaCpp.ModelPath); err != nil {
			r.logger.Warn("failed to persist llama.cpp model path to keyring", zap.String("profile_id", profileID), zap.Error(err))
		}
	}
	_, err = r.store.Update(func(d store.Data) store.Data {
		d.Providers[profileID] = string(encoded)
		if !contains(d.ProviderIndex, profileID) {
			d.ProviderIndex = append(d.ProviderIndex, profileID)
		}
		return d
	})
	return err
}

// Load reads profileID, parses it, and builds a ready-to-use adapter.
func (r *Registry) Load(profileID string) (provider.Provider, error) {
	data, err := r.store.Load()
	if err != nil {
		return nil, err
	}
	raw, ok := data.Providers[profileID]
	if !ok {
		return nil, fmt.Errorf("registry: profile %q not configured", profileID)
	}
	var profile Profile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return nil, err
	}
	return profile.Build(r.logger)
}

// Remove deletes profileID from both the index and the provider map.
func (r *Registry) Remove(profileID string) error {
	_, err := r.store.Update(func(d store.Data) store.Data {
		delete(d.Providers, profileID)
		delete(d.DisplayNames, profileID)
		delete(d.EnabledModels, profileID)
		d.ProviderIndex = remove(d.ProviderIndex, profileID)
		return d
	})
	return err
}

// UpdateMetadata sets an optional display name and/or base URL for
// profileID in place, without re-authenticating: credentials already
// stored on the profile are left untouched. baseURL is applied to
// whichever field the profile's Kind uses as its endpoint override
// (BaseURL for OpenAI/Anthropic/DashScope, Endpoint for Copilot, ServerURL
// for LlamaCpp); it is a no-op if profileID is not configured.
func (r *Registry) UpdateMetadata(profileID string, displayName *string, baseURL *string) error {
	_, err := r.store.Update(func(d store.Data) store.Data {
		if displayName != nil {
			d.DisplayNames[profileID] = *displayName
		}
		if baseURL != nil {
			if raw, ok := d.Providers[profileID]; ok {
				var profile Profile
				if err := json.Unmarshal([]byte(raw), &profile); err == nil {
					if profile.applyBaseURL(*baseURL) {
						if encoded, err := json.Marshal(profile); err == nil {
							d.Providers[profileID] = string(encoded)
						}
					}
				}
			}
		}
		return d
	})
	return err
}

// IsConfigured reports whether profileID is present in the index.
func (r *Registry) IsConfigured(profileID string) (bool, error) {
	data, err := r.store.Load()
	if err != nil {
		return false, err
	}
	return contains(data.ProviderIndex, profileID), nil
}

// List returns the configured profile ids in insertion order.
func (r *Registry) List() ([]string, error) {
	data, err := r.store.Load()
	if err != nil {
		return nil, err
	}
	return data.ProviderIndex, nil
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}

func remove(items []string, target string) []string {
	out := items[:0:0]
	for _, item := range items {
		if item != target {
			out = append(out, item)
		}
	}
	return out
}

const (
	legacyOpenAI    = "openai"
	legacyAnthropic = "anthropic"
	legacyLlamaCpp  = "llamacpp"
	legacyCopilot   = "copilot"
	legacyDashScope = "dashscope"
)

var legacyIDs = []string{legacyOpenAI, legacyAnthropic, legacyLlamaCpp, legacyCopilot, legacyDashScope}

const (
	copilotCredentialService   = "fire-box-copilot"
	copilotCredentialUser      = "github-oauth"
	dashscopeCredentialService = "fire-box-dashscope"
	dashscopeCredentialUser    = "oauth-credentials"
)

// probeResult is what one legacy-migration probe found, if anything.
type probeResult struct {
	profileID string
	profile   Profile
	found     bool
}

// MigrateLegacyProviders runs an idempotent startup recovery pass over the
// well-known legacy profile ids. Probes run independently per id; the
// resulting index insertions are serialized through the store's own mutex.
func (r *Registry) MigrateLegacyProviders(ctx context.Context) error {
	data, err := r.store.Load()
	if err != nil {
		return err
	}

	var toProbe []string
	for _, id := range legacyIDs {
		if !contains(data.ProviderIndex, id) {
			toProbe = append(toProbe, id)
		}
	}
	if len(toProbe) == 0 {
		return nil
	}

	results := make([]probeResult, len(toProbe))
	group, _ := errgroup.WithContext(ctx)
	for i, id := range toProbe {
		i, id := i, id
		group.Go(func() error {
			res, err := r.probeLegacy(data, id)
			if err != nil {
				r.logger.Warn("legacy provider probe failed", zap.String("profile_id", id), zap.Error(err))
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	_, err = r.store.Update(func(d store.Data) store.Data {
		for _, res := range results {
			if !res.found {
				continue
			}
			encoded, err := json.Marshal(res.profile)
			if err != nil {
				continue
			}
			d.Providers[res.profileID] = string(encoded)
			if !contains(d.ProviderIndex, res.profileID) {
				d.ProviderIndex = append(d.ProviderIndex, res.profileID)
			}
		}
		return d
	})
	return err
}

func (r *Registry) probeLegacy(data store.Data, id string) (probeResult, error) {
	switch id {
	case legacyOpenAI:
		if raw, ok := data.Providers[id]; ok {
			var profile Profile
			if err := json.Unmarshal([]byte(raw), &profile); err == nil {
				return probeResult{profileID: id, profile: profile, found: true}, nil
			}
		}
		return probeResult{}, nil

	case legacyAnthropic:
		if raw, ok := data.Providers[id]; ok {
			var profile Profile
			if err := json.Unmarshal([]byte(raw), &profile); err == nil {
				return probeResult{profileID: id, profile: profile, found: true}, nil
			}
		}
		return probeResult{}, nil

	case legacyLlamaCpp:
		if raw, ok := data.Providers[id]; ok {
			var profile Profile
			if err := json.Unmarshal([]byte(raw), &profile); err != nil {
				return probeResult{}, nil
			}
			if profile.LlamaCpp != nil && profile.LlamaCpp.ModelPath == "" {
				if path, err := llamacpp.ModelPathFromKeyring(r.creds.Get); err == nil && path != "" {
					profile.LlamaCpp.ModelPath = path
				}
			}
			return probeResult{profileID: id, profile: profile, found: true}, nil
		}
		// No stored profile: this install predates profile storage, so the
		// model path — if any — only ever lived in the keyring.
		path, err := llamacpp.ModelPathFromKeyring(r.creds.Get)
		if err != nil || path == "" {
			return probeResult{}, nil
		}
		return probeResult{profileID: id, profile: Profile{Kind: KindLlamaCpp, LlamaCpp: &LlamaCppConfig{ModelPath: path}}, found: true}, nil

	case legacyCopilot:
		token, err := r.creds.Get(copilotCredentialService, copilotCredentialUser)
		if err != nil {
			return probeResult{}, nil
		}
		profile := Profile{Kind: KindCopilot, Copilot: &CopilotConfig{OAuthToken: &token}}
		return probeResult{profileID: id, profile: profile, found: true}, nil

	case legacyDashScope:
		raw, err := r.creds.Get(dashscopeCredentialService, dashscopeCredentialUser)
		if err != nil {
			return probeResult{}, nil
		}
		var creds struct {
			AccessToken  string  `json:"access_token"`
			RefreshToken *string `json:"refresh_token,omitempty"`
			ResourceURL  *string `json:"resource_url,omitempty"`
			ExpiryMs     *int64  `json:"expiry_date,omitempty"`
		}
		if err := json.Unmarshal([]byte(raw), &creds); err != nil {
			return probeResult{}, err
		}
		profile := Profile{Kind: KindDashScope, DashScope: &DashScopeConfig{
			AccessToken:  &creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			ResourceURL:  creds.ResourceURL,
			ExpiryMs:     creds.ExpiryMs,
		}}
		return probeResult{profileID: id, profile: profile, found: true}, nil

	default:
		return probeResult{}, nil
	}
}
