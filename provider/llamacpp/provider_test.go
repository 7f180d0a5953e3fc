package llamacpp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListModels_FallsBackToModelPathBasename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	p := New(Config{ModelPath: "/models/llama-3-8b.gguf", ServerURL: srv.URL}, nil)
	ids, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama-3-8b.gguf"}, ids)
}

func TestListModels_PrefersServerList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"served-model"}]}`))
	}))
	defer srv.Close()

	p := New(Config{ModelPath: "/models/x.gguf", ServerURL: srv.URL}, nil)
	ids, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"served-model"}, ids)
}

func TestHealthCheck_FallsBackToModelsEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	p := New(Config{ServerURL: srv.URL}, nil)
	assert.True(t, p.HealthCheck(context.Background()))
}

func TestSpawn_FailsWhenModelMissing(t *testing.T) {
	_, err := Spawn(context.Background(), Config{ModelPath: "/does/not/exist.gguf"}, t.TempDir()+"/log.txt")
	require.Error(t, err)
}
