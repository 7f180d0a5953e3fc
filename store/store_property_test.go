package store

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tsurumi-yizhou/fire-box/credential"
)

func genAliasKey() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-z][a-z0-9-]{2,12}`)
}

func genRouteRule() *rapid.Generator[RouteRule] {
	return rapid.Custom(func(t *rapid.T) RouteRule {
		alias := genAliasKey().Draw(t, "alias")
		n := rapid.IntRange(1, 4).Draw(t, "targetCount")
		targets := make([]Target, n)
		for i := range targets {
			targets[i] = Target{
				ProviderID: rapid.StringMatching(`[a-z][a-z0-9]{2,8}`).Draw(t, "providerID"),
				ModelID:    rapid.StringMatching(`[a-z][a-z0-9.-]{2,12}`).Draw(t, "modelID"),
			}
		}
		return RouteRule{Alias: alias, Targets: targets}
	})
}

// TestStore_EncryptedRoundTrip checks that, for any set of route rules
// written through Update, a subsequent Load on the same Store returns
// exactly what was written -- the encrypt/decrypt pair never silently drops
// or mutates data, and never requires special-casing empty vs. populated
// maps.
func TestStore_EncryptedRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dir := t.TempDir()
		s := New(dir, credential.NewMemStore(), nil)

		n := rapid.IntRange(0, 5).Draw(rt, "ruleCount")
		rules := make(map[string]RouteRule, n)
		for i := 0; i < n; i++ {
			rule := genRouteRule().Draw(rt, "rule")
			rules[rule.Alias] = rule
		}

		_, err := s.Update(func(d Data) Data {
			for alias, rule := range rules {
				d.RouteRules[alias] = rule
			}
			return d
		})
		require.NoError(t, err)

		loaded, err := s.Load()
		require.NoError(t, err)

		for alias, rule := range rules {
			got, ok := loaded.RouteRules[alias]
			require.True(t, ok, "alias %q missing after round trip", alias)
			require.Equal(t, rule.Alias, got.Alias)
			require.Equal(t, rule.Targets, got.Targets)
		}
	})
}

// TestStore_EncryptedRoundTrip_SecondStoreReadsFreshFromDisk checks that a
// second Store instance pointed at the same directory (simulating a process
// restart) reads back the same persisted data, proving the round trip
// survives the in-memory Store being discarded entirely.
func TestStore_EncryptedRoundTrip_SecondStoreReadsFreshFromDisk(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dir := t.TempDir()
		creds := credential.NewMemStore()
		first := New(dir, creds, nil)

		rule := genRouteRule().Draw(rt, "rule")
		_, err := first.Update(func(d Data) Data {
			d.RouteRules[rule.Alias] = rule
			return d
		})
		require.NoError(t, err)

		second := New(dir, creds, nil)
		loaded, err := second.Load()
		require.NoError(t, err)

		got, ok := loaded.RouteRules[rule.Alias]
		require.True(t, ok, "alias %q missing from second store instance", rule.Alias)
		require.Equal(t, rule.Alias, got.Alias)
		require.Equal(t, rule.Targets, got.Targets)
	})
}
