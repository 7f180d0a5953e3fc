package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsurumi-yizhou/fire-box/credential"
	"github.com/tsurumi-yizhou/fire-box/store"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	s := store.New(t.TempDir(), credential.NewMemStore(), nil)
	r, err := New(s, nil)
	require.NoError(t, err)
	return r
}

func TestResolveAlias_PassesThroughWithoutRouteRule(t *testing.T) {
	r := newTestRouter(t)
	target, err := r.ResolveAlias("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, Target{ProviderID: "default", ModelID: "gpt-4"}, target)
}

func TestResolveAlias_ReturnsFirstTarget(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.SetRouteRule("smart", []Target{
		{ProviderID: "p1", ModelID: "m1"},
		{ProviderID: "p2", ModelID: "m2"},
	}))

	target, err := r.ResolveAlias("smart")
	require.NoError(t, err)
	assert.Equal(t, Target{ProviderID: "p1", ModelID: "m1"}, target)
}

func TestGetNextTarget_AdvancesThroughChain(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.SetRouteRule("smart", []Target{
		{ProviderID: "p1", ModelID: "m1"},
		{ProviderID: "p2", ModelID: "m2"},
		{ProviderID: "p3", ModelID: "m3"},
	}))

	next, ok := r.GetNextTarget("smart", "p1")
	require.True(t, ok)
	assert.Equal(t, Target{ProviderID: "p2", ModelID: "m2"}, next)

	next, ok = r.GetNextTarget("smart", "p2")
	require.True(t, ok)
	assert.Equal(t, Target{ProviderID: "p3", ModelID: "m3"}, next)
}

func TestGetNextTarget_NoneAfterLast(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.SetRouteRule("smart", []Target{
		{ProviderID: "p1", ModelID: "m1"},
	}))
	_, ok := r.GetNextTarget("smart", "p1")
	assert.False(t, ok)
}

func TestGetNextTarget_DuplicateProviderTreatedAsOneStop(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.SetRouteRule("smart", []Target{
		{ProviderID: "p1", ModelID: "m1"},
		{ProviderID: "p1", ModelID: "m2"},
		{ProviderID: "p2", ModelID: "m3"},
	}))
	// matches the first p1 entry and returns the entry right after it (the
	// second p1 entry); stepping on to p2 by asking for "p1" again is not
	// possible — a documented limitation, not a bug.
	next, ok := r.GetNextTarget("smart", "p1")
	require.True(t, ok)
	assert.Equal(t, Target{ProviderID: "p1", ModelID: "m2"}, next)
}

func TestSetRouteRule_RejectsEmptyTargets(t *testing.T) {
	r := newTestRouter(t)
	err := r.SetRouteRule("smart", nil)
	assert.Error(t, err)
}

func TestDeleteRouteRule_RemovesRule(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.SetRouteRule("smart", []Target{{ProviderID: "p1", ModelID: "m1"}}))
	require.NoError(t, r.DeleteRouteRule("smart"))

	target, err := r.ResolveAlias("smart")
	require.NoError(t, err)
	assert.Equal(t, Target{ProviderID: "default", ModelID: "smart"}, target)
}

func TestIsEnabled_OpenByDefault(t *testing.T) {
	r := newTestRouter(t)
	assert.True(t, r.IsEnabled("p1", "any-model"))
}

func TestToggle_DisablingSeedsFromAllModelsThenRemoves(t *testing.T) {
	r := newTestRouter(t)
	all := []string{"m1", "m2", "m3"}
	require.NoError(t, r.Toggle("p1", "m2", false, all))

	assert.True(t, r.IsEnabled("p1", "m1"))
	assert.False(t, r.IsEnabled("p1", "m2"))
	assert.True(t, r.IsEnabled("p1", "m3"))
}

func TestToggle_EnablingAfterExplicitListAddsBack(t *testing.T) {
	r := newTestRouter(t)
	all := []string{"m1", "m2"}
	require.NoError(t, r.Toggle("p1", "m1", false, all))
	require.NoError(t, r.Toggle("p1", "m1", true, all))
	assert.True(t, r.IsEnabled("p1", "m1"))
}

func TestRouter_PersistsAcrossReload(t *testing.T) {
	s := store.New(t.TempDir(), credential.NewMemStore(), nil)
	r1, err := New(s, nil)
	require.NoError(t, err)
	require.NoError(t, r1.SetRouteRule("smart", []Target{{ProviderID: "p1", ModelID: "m1"}}))

	r2, err := New(s, nil)
	require.NoError(t, err)
	target, err := r2.ResolveAlias("smart")
	require.NoError(t, err)
	assert.Equal(t, Target{ProviderID: "p1", ModelID: "m1"}, target)
}
