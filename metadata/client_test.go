package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch_DecodesVendorCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"openai":{"id":"openai","name":"OpenAI","models":{"gpt-4":{"id":"gpt-4","name":"GPT-4"}}}}`))
	}))
	defer srv.Close()

	client := WithCatalogURL(srv.URL)
	vendors, err := client.Fetch(context.Background())
	require.NoError(t, err)
	require.Contains(t, vendors, "openai")
	assert.Equal(t, "GPT-4", vendors["openai"].Models["gpt-4"].Name)
}

func TestDisplayName_FallsBackToModelIDWhenUnknown(t *testing.T) {
	vendors := map[string]Vendor{}
	assert.Equal(t, "mystery-model", DisplayName(vendors, "nobody", "mystery-model"))
}

func TestDisplayName_CombinesVendorAndModelNames(t *testing.T) {
	vendors := map[string]Vendor{
		"openai": {Name: "OpenAI", Models: map[string]Model{"gpt-4": {Name: "GPT-4"}}},
	}
	assert.Equal(t, "OpenAI GPT-4", DisplayName(vendors, "openai", "gpt-4"))
}
