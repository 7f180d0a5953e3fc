package dashscope

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsurumi-yizhou/fire-box/provider"
)

func TestGeneratePKCEPair_VerifierLengthAndChallengeIsSHA256(t *testing.T) {
	pair, err := GeneratePKCEPair()
	require.NoError(t, err)

	// 32 random bytes, base64url-no-pad encoded, is always 43 chars.
	assert.Len(t, pair.Verifier, 43)
	assert.Len(t, pair.Challenge, 43)

	sum := sha256.Sum256([]byte(pair.Verifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	assert.Equal(t, want, pair.Challenge)
}

func TestGeneratePKCEPair_ProducesDistinctPairs(t *testing.T) {
	first, err := GeneratePKCEPair()
	require.NoError(t, err)
	second, err := GeneratePKCEPair()
	require.NoError(t, err)
	assert.NotEqual(t, first.Verifier, second.Verifier)
}

func TestCredentials_IsValid(t *testing.T) {
	now := int64(1_000_000)

	noExpiry := Credentials{AccessToken: "t"}
	assert.True(t, noExpiry.IsValid(now))

	farExpiry := now + 120_000
	valid := Credentials{AccessToken: "t", ExpiryMs: &farExpiry}
	assert.True(t, valid.IsValid(now))

	nearExpiry := now + 1_000
	expiring := Credentials{AccessToken: "t", ExpiryMs: &nearExpiry}
	assert.False(t, expiring.IsValid(now))
}

func TestEndpoint_DefaultsToBaseURLWithoutResourceOverride(t *testing.T) {
	p := WithOAuth(Credentials{AccessToken: "t"}, "", nil)
	assert.Equal(t, nativeBaseURL, p.Endpoint())
}

func TestEndpoint_UsesResourceURLVerbatimWhenItNamesGenerationPath(t *testing.T) {
	resourceURL := "https://dashscope.aliyuncs.com/compatible/v1/generation"
	p := WithOAuth(Credentials{AccessToken: "t", ResourceURL: &resourceURL}, "", nil)
	assert.Equal(t, resourceURL, p.Endpoint())
}

func TestEndpoint_AppendsGenerationPathToBareResourceURL(t *testing.T) {
	resourceURL := "https://bailian.aliyuncs.com/"
	p := WithOAuth(Credentials{AccessToken: "t", ResourceURL: &resourceURL}, "", nil)
	assert.Equal(t, "https://bailian.aliyuncs.com"+generationPathSuffix, p.Endpoint())
}

func TestComplete_ExtractsContentFromMessageChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer qwen-token", r.Header.Get("Authorization"))
		assert.Equal(t, "oauth", r.Header.Get("X-DashScope-AuthType"))
		w.Write([]byte(`{"output":{"choices":[{"message":{"content":"hi there"},"finish_reason":"stop"}]},"usage":{"input_tokens":5,"output_tokens":3}}`))
	}))
	defer srv.Close()

	p := WithOAuth(Credentials{AccessToken: "qwen-token"}, srv.URL, nil)
	resp, err := p.Complete(context.Background(), "s1", &provider.CompletionRequest{
		Model:    "qwen-plus",
		Messages: []provider.ChatMessage{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Choices[0].Message.Content)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
	assert.NotEmpty(t, resp.ID)
}

func TestComplete_FallsBackToOutputTextWhenNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"output":{"text":"fallback text"},"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	p := WithOAuth(Credentials{AccessToken: "qwen-token"}, srv.URL, nil)
	resp, err := p.Complete(context.Background(), "s1", &provider.CompletionRequest{
		Model:    "qwen-plus",
		Messages: []provider.ChatMessage{{Role: provider.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback text", resp.Choices[0].Message.Content)
}

func TestCompleteStream_Unsupported(t *testing.T) {
	p := WithOAuth(Credentials{AccessToken: "t"}, "", nil)
	_, err := p.CompleteStream(context.Background(), "s1", &provider.CompletionRequest{Model: "qwen-plus"})
	require.Error(t, err)
	perr, ok := err.(*provider.Error)
	require.True(t, ok)
	assert.Equal(t, provider.ErrUnsupported, perr.Kind)
}

func TestEmbed_Unsupported(t *testing.T) {
	p := WithOAuth(Credentials{AccessToken: "t"}, "", nil)
	_, err := p.Embed(context.Background(), "s1", &provider.EmbeddingRequest{Model: "qwen-plus"})
	require.Error(t, err)
}

func TestListModels_ReturnsFixedList(t *testing.T) {
	p := WithOAuth(Credentials{AccessToken: "t"}, "", nil)
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"coder-model", "vision-model"}, models)
}
