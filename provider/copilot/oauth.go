package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tsurumi-yizhou/fire-box/provider"
)

const (
	defaultClientID  = "Iv1.b507a08c87ecfe98"
	deviceGrantType  = "urn:ietf:params:oauth:grant-type:device_code"
	oauthScope       = "read:user"
	oauthPollTimeout = 30 * time.Second

	// pollRateLimit is a courtesy ceiling on outbound poll requests,
	// independent of the server-advised interval, so a compromised or
	// misbehaving endpoint cannot hot-loop the poller.
	pollRateLimit = 1 // per second
	pollBurst     = 1
)

// deviceCodeURL, tokenURL, and tokenExchangeURL are vars, not consts, so
// tests can point them at a fake server without touching the adapter's own
// constructors.
var (
	deviceCodeURL    = "https://github.com/login/device/code"
	tokenURL         = "https://github.com/login/oauth/access_token"
	tokenExchangeURL = "https://api.github.com/copilot_internal/v2/token"
)

// DeviceChallenge is presented to the user so they can authorize the
// device at verification_uri using user_code.
type DeviceChallenge struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	ExpiresIn       int
	Interval        int
}

// DeviceFlow drives the GitHub OAuth device authorization grant.
type DeviceFlow struct {
	clientID string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewDeviceFlow returns a DeviceFlow using the default GitHub Copilot
// client id.
func NewDeviceFlow() *DeviceFlow {
	return &DeviceFlow{
		clientID: defaultClientID,
		client:   &http.Client{Timeout: oauthPollTimeout},
		limiter:  rate.NewLimiter(rate.Limit(pollRateLimit), pollBurst),
	}
}

// Start requests a device code from GitHub.
func (f *DeviceFlow) Start(ctx context.Context) (*DeviceChallenge, error) {
	form := url.Values{"client_id": {f.clientID}, "scope": {oauthScope}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, deviceCodeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, provider.NewError(provider.ErrOAuth, name, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, provider.HTTPError(name, resp.StatusCode, string(body))
	}

	var wire struct {
		DeviceCode      string `json:"device_code"`
		UserCode        string `json:"user_code"`
		VerificationURI string `json:"verification_uri"`
		ExpiresIn       int    `json:"expires_in"`
		Interval        int    `json:"interval"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	if wire.Interval == 0 {
		wire.Interval = 5
	}
	return &DeviceChallenge{
		DeviceCode:      wire.DeviceCode,
		UserCode:        wire.UserCode,
		VerificationURI: wire.VerificationURI,
		ExpiresIn:       wire.ExpiresIn,
		Interval:        wire.Interval,
	}, nil
}

// WaitForToken polls GitHub until the user authorizes the device, the code
// expires, or the context is canceled.
func (f *DeviceFlow) WaitForToken(ctx context.Context, challenge *DeviceChallenge) (string, error) {
	interval := time.Duration(challenge.Interval) * time.Second
	deadline := time.Now().Add(time.Duration(challenge.ExpiresIn) * time.Second)

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
		if time.Now().After(deadline) {
			return "", provider.NewError(provider.ErrOAuth, name, "device code expired")
		}

		if err := f.limiter.Wait(ctx); err != nil {
			return "", err
		}

		token, pending, slowDown, err := f.pollOnce(ctx, challenge.DeviceCode)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}
		if slowDown {
			interval += 5 * time.Second
		}
		if pending || slowDown {
			continue
		}
	}
}

func (f *DeviceFlow) pollOnce(ctx context.Context, deviceCode string) (token string, pending bool, slowDown bool, err error) {
	form := url.Values{
		"client_id":   {f.clientID},
		"device_code": {deviceCode},
		"grant_type":  {deviceGrantType},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", false, false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", false, false, provider.NewError(provider.ErrOAuth, name, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var wire struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return "", false, false, err
	}

	switch wire.Error {
	case "":
		if wire.AccessToken != "" {
			return wire.AccessToken, false, false, nil
		}
		return "", false, false, provider.NewError(provider.ErrOAuth, name, "unexpected device flow response")
	case "authorization_pending":
		return "", true, false, nil
	case "slow_down":
		return "", false, true, nil
	case "expired_token", "access_denied":
		return "", false, false, provider.NewError(provider.ErrOAuth, name, wire.Error)
	default:
		return "", false, false, provider.NewError(provider.ErrOAuth, name, wire.Error)
	}
}

// copilotToken is a cached Copilot API token with its expiry.
type copilotToken struct {
	token     string
	expiresAt int64 // unix seconds
}

func (t copilotToken) validFor(now time.Time) bool {
	return t.token != "" && t.expiresAt > now.Unix()+60
}

// exchangeCopilotToken trades a GitHub OAuth token for an ephemeral
// Copilot API token.
func exchangeCopilotToken(ctx context.Context, client *http.Client, githubToken string) (copilotToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenExchangeURL, nil)
	if err != nil {
		return copilotToken{}, err
	}
	req.Header.Set("Authorization", "token "+githubToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Editor-Version", editorVersion)
	req.Header.Set("Editor-Plugin-Version", editorVersion)

	resp, err := client.Do(req)
	if err != nil {
		return copilotToken{}, provider.NewError(provider.ErrOAuth, name, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return copilotToken{}, provider.HTTPError(name, resp.StatusCode, string(body))
	}

	var wire struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return copilotToken{}, err
	}
	return copilotToken{token: wire.Token, expiresAt: wire.ExpiresAt}, nil
}

var errNoGitHubToken = errors.New("copilot: no github oauth token configured")
