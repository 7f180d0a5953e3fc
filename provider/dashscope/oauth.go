package dashscope

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tsurumi-yizhou/fire-box/provider"
)

const (
	// qwenClientID is the public client id qwen-code itself uses; it is not
	// a secret, the confidentiality of the flow rests on PKCE.
	qwenClientID     = "f0304373b74a44d2b584a3fb70ca9e56"
	defaultScope     = "openid profile email model.completion"
	deviceGrantType  = "urn:ietf:params:oauth:grant-type:device_code"
	oauthPollTimeout = 30 * time.Second

	// pollRateLimit is a courtesy ceiling on outbound poll requests,
	// independent of the server-advised interval, so a compromised or
	// misbehaving endpoint cannot hot-loop the poller.
	pollRateLimit = 1 // per second
	pollBurst     = 1
)

var (
	qwenDeviceCodeURL = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	qwenTokenURL      = "https://chat.qwen.ai/api/v1/oauth2/token"
)

// PKCEPair is a verifier/challenge pair generated per device-flow attempt.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// GeneratePKCEPair generates a fresh PKCE pair using a CSPRNG. The original
// implementation seeds a time-based xorshift PRNG for this; this is a
// strict strengthening that preserves the same (43-char, base64url,
// SHA-256) shape.
func GeneratePKCEPair() (PKCEPair, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return PKCEPair{}, err
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	return PKCEPair{Verifier: verifier, Challenge: challenge}, nil
}

// DeviceChallenge is presented to the user for the Qwen device flow.
type DeviceChallenge struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               int
	Interval                int
}

// Credentials is the persisted OAuth credential set for a DashScope profile.
type Credentials struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken *string `json:"refresh_token,omitempty"`
	ResourceURL  *string `json:"resource_url,omitempty"`
	ExpiryMs     *int64  `json:"expiry_date,omitempty"`
}

// IsValid reports whether the credentials are usable without a refresh:
// true if there is no expiry, or the expiry is more than 60s away.
func (c Credentials) IsValid(nowMs int64) bool {
	if c.ExpiryMs == nil {
		return true
	}
	return *c.ExpiryMs > nowMs+60_000
}

// DeviceFlow drives the Qwen OAuth 2.0 device authorization grant with PKCE.
type DeviceFlow struct {
	client  *http.Client
	pkce    PKCEPair
	scope   string
	limiter *rate.Limiter
}

// NewDeviceFlow generates a fresh PKCE pair and returns a ready-to-start flow.
func NewDeviceFlow() (*DeviceFlow, error) {
	pkce, err := GeneratePKCEPair()
	if err != nil {
		return nil, err
	}
	return &DeviceFlow{
		client:  &http.Client{Timeout: oauthPollTimeout},
		pkce:    pkce,
		scope:   defaultScope,
		limiter: rate.NewLimiter(rate.Limit(pollRateLimit), pollBurst),
	}, nil
}

// Start requests a device code from the Qwen OAuth endpoint.
func (f *DeviceFlow) Start(ctx context.Context) (*DeviceChallenge, error) {
	form := url.Values{
		"client_id":             {qwenClientID},
		"scope":                 {f.scope},
		"code_challenge":        {f.pkce.Challenge},
		"code_challenge_method": {"S256"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, qwenDeviceCodeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

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
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int    `json:"expires_in"`
		Interval                int    `json:"interval"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	if wire.Interval == 0 {
		wire.Interval = 5
	}
	return &DeviceChallenge{
		DeviceCode:              wire.DeviceCode,
		UserCode:                wire.UserCode,
		VerificationURI:         wire.VerificationURI,
		VerificationURIComplete: wire.VerificationURIComplete,
		ExpiresIn:               wire.ExpiresIn,
		Interval:                wire.Interval,
	}, nil
}

// WaitForToken polls the Qwen token endpoint until authorized, denied,
// expired, or the context is canceled.
func (f *DeviceFlow) WaitForToken(ctx context.Context, challenge *DeviceChallenge) (Credentials, error) {
	interval := time.Duration(challenge.Interval) * time.Second
	expiresIn := challenge.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	deadline := time.Now().Add(time.Duration(expiresIn) * time.Second)

	for {
		select {
		case <-ctx.Done():
			return Credentials{}, ctx.Err()
		case <-time.After(interval):
		}
		if time.Now().After(deadline) {
			return Credentials{}, provider.NewError(provider.ErrOAuth, name, "device code expired")
		}

		if err := f.limiter.Wait(ctx); err != nil {
			return Credentials{}, err
		}

		creds, pending, slowDown, err := f.pollOnce(ctx, challenge.DeviceCode)
		if err != nil {
			return Credentials{}, err
		}
		if creds.AccessToken != "" {
			return creds, nil
		}
		if slowDown {
			interval += 5 * time.Second
		}
		_ = pending
	}
}

func (f *DeviceFlow) pollOnce(ctx context.Context, deviceCode string) (creds Credentials, pending bool, slowDown bool, err error) {
	form := url.Values{
		"grant_type":    {deviceGrantType},
		"client_id":     {qwenClientID},
		"device_code":   {deviceCode},
		"code_verifier": {f.pkce.Verifier},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, qwenTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credentials{}, false, false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return Credentials{}, false, false, provider.NewError(provider.ErrOAuth, name, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var wire tokenResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return Credentials{}, false, false, err
	}

	switch wire.Error {
	case "":
		if wire.AccessToken != "" {
			return wire.toCredentials(), false, false, nil
		}
		if wire.Status == "pending" {
			return Credentials{}, true, false, nil
		}
		return Credentials{}, false, false, provider.NewError(provider.ErrOAuth, name, "unexpected device flow response")
	case "authorization_pending":
		return Credentials{}, true, false, nil
	case "slow_down":
		return Credentials{}, false, true, nil
	case "expired_token", "access_denied":
		return Credentials{}, false, false, provider.NewError(provider.ErrOAuth, name, wire.Error)
	default:
		return Credentials{}, false, false, provider.NewError(provider.ErrOAuth, name, wire.Error)
	}
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	ResourceURL      string `json:"resource_url"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Status           string `json:"status"`
}

func (w tokenResponse) toCredentials() Credentials {
	expiresIn := w.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	expiry := nowMs() + expiresIn*1000
	creds := Credentials{AccessToken: w.AccessToken, ExpiryMs: &expiry}
	if w.RefreshToken != "" {
		rt := w.RefreshToken
		creds.RefreshToken = &rt
	}
	if w.ResourceURL != "" {
		ru := w.ResourceURL
		creds.ResourceURL = &ru
	}
	return creds
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Refresh exchanges a refresh token for a fresh access token, preserving
// the prior refresh token and resource URL when the response omits them.
func Refresh(ctx context.Context, prior Credentials) (Credentials, error) {
	if prior.RefreshToken == nil {
		return Credentials{}, provider.NewError(provider.ErrOAuth, name, "no refresh token available")
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {*prior.RefreshToken},
		"client_id":     {qwenClientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, qwenTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: oauthPollTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return Credentials{}, provider.NewError(provider.ErrOAuth, name, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credentials{}, provider.HTTPError(name, resp.StatusCode, string(body))
	}

	var wire tokenResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return Credentials{}, err
	}
	if wire.Error != "" {
		return Credentials{}, provider.NewError(provider.ErrOAuth, name, wire.Error)
	}

	next := wire.toCredentials()
	if next.RefreshToken == nil {
		next.RefreshToken = prior.RefreshToken
	}
	if next.ResourceURL == nil {
		next.ResourceURL = prior.ResourceURL
	}
	return next, nil
}
