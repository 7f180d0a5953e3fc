// Package router resolves aliases to (provider, model) targets with
// ordered failover, and tracks which models are enabled per profile. Both
// concerns share one in-memory structure loaded from the encrypted store,
// mirroring how the original implementation keeps routing and model
// enablement in a single module.
package router

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tsurumi-yizhou/fire-box/store"
)

// Target is one failover step: a provider id and the model id to use on it.
type Target struct {
	ProviderID string
	ModelID    string
}

// RouteData is the in-memory routing state, loaded once at service start
// and kept current by every mutating call.
type RouteData struct {
	rules         map[string]store.RouteRule
	enabledModels map[string][]string
}

// Router guards RouteData with a reader/writer lock and persists changes
// through the encrypted store.
type Router struct {
	mu     sync.RWMutex
	data   RouteData
	store  *store.Store
	logger *zap.Logger
}

// New loads routing state synchronously from s before returning, so no
// request can be accepted against a not-yet-initialized router.
func New(s *store.Store, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{store: s, logger: logger}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Router) reload() error {
	d, err := r.store.Load()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = RouteData{rules: d.RouteRules, enabledModels: d.EnabledModels}
	return nil
}

// ResolveAlias returns the primary (provider_id, model_id) target for an
// alias. Aliases without a configured RouteRule pass through as
// ("default", alias).
func (r *Router) ResolveAlias(alias string) (Target, error) {
	r.mu.RLock()
	rule, ok := r.data.rules[alias]
	r.mu.RUnlock()

	if !ok {
		return Target{ProviderID: "default", ModelID: alias}, nil
	}
	if len(rule.Targets) == 0 {
		return Target{}, fmt.Errorf("router: route rule %q has no targets", alias)
	}
	first := rule.Targets[0]
	return Target{ProviderID: first.ProviderID, ModelID: first.ModelID}, nil
}

// GetNextTarget finds the first target in alias's rule whose provider id
// matches currentProviderID and returns the following target, or (Target{},
// false) if there is none or currentProviderID isn't found. A rule with
// duplicate provider id entries is matched by its first occurrence only.
func (r *Router) GetNextTarget(alias, currentProviderID string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.data.rules[alias]
	if !ok {
		return Target{}, false
	}
	for i, t := range rule.Targets {
		if t.ProviderID != currentProviderID {
			continue
		}
		if i+1 >= len(rule.Targets) {
			return Target{}, false
		}
		next := rule.Targets[i+1]
		return Target{ProviderID: next.ProviderID, ModelID: next.ModelID}, true
	}
	return Target{}, false
}

// SetRouteRule persists a route rule for alias, replacing any existing one.
func (r *Router) SetRouteRule(alias string, targets []Target) error {
	if len(targets) == 0 {
		return fmt.Errorf("router: cannot set route rule %q with no targets", alias)
	}
	storeTargets := make([]store.Target, len(targets))
	for i, t := range targets {
		storeTargets[i] = store.Target{ProviderID: t.ProviderID, ModelID: t.ModelID}
	}
	return r.mutate(func(d store.Data) store.Data {
		d.RouteRules[alias] = store.RouteRule{Alias: alias, Targets: storeTargets}
		return d
	})
}

// GetRouteRule returns the configured targets for alias, if any.
func (r *Router) GetRouteRule(alias string) ([]Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.data.rules[alias]
	if !ok {
		return nil, false
	}
	out := make([]Target, len(rule.Targets))
	for i, t := range rule.Targets {
		out[i] = Target{ProviderID: t.ProviderID, ModelID: t.ModelID}
	}
	return out, true
}

// GetAllRules returns every configured alias and its targets.
func (r *Router) GetAllRules() map[string][]Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]Target, len(r.data.rules))
	for alias, rule := range r.data.rules {
		targets := make([]Target, len(rule.Targets))
		for i, t := range rule.Targets {
			targets[i] = Target{ProviderID: t.ProviderID, ModelID: t.ModelID}
		}
		out[alias] = targets
	}
	return out
}

// DeleteRouteRule removes alias's route rule, if any.
func (r *Router) DeleteRouteRule(alias string) error {
	return r.mutate(func(d store.Data) store.Data {
		delete(d.RouteRules, alias)
		return d
	})
}

// IsEnabled reports whether modelID is enabled for profileID. A profile
// with no enablement entry is open by default (every model enabled).
func (r *Router) IsEnabled(profileID, modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list, ok := r.data.enabledModels[profileID]
	if !ok {
		return true
	}
	for _, m := range list {
		if m == modelID {
			return true
		}
	}
	return false
}

// Toggle enables or disables modelID for profileID. allModels is the
// profile's full model list, used to seed the enablement list the first
// time a profile moves from "all enabled" to an explicit allow-list.
func (r *Router) Toggle(profileID, modelID string, enabled bool, allModels []string) error {
	return r.mutate(func(d store.Data) store.Data {
		list, ok := d.EnabledModels[profileID]
		if !ok {
			list = append([]string{}, allModels...)
		}
		if enabled {
			if !containsString(list, modelID) {
				list = append(list, modelID)
			}
		} else {
			list = removeString(list, modelID)
		}
		d.EnabledModels[profileID] = list
		return d
	})
}

func (r *Router) mutate(fn func(store.Data) store.Data) error {
	next, err := r.store.Update(fn)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.data = RouteData{rules: next.RouteRules, enabledModels: next.EnabledModels}
	r.mu.Unlock()
	return nil
}

func containsString(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}

func removeString(items []string, target string) []string {
	out := items[:0:0]
	for _, item := range items {
		if item != target {
			out = append(out, item)
		}
	}
	return out
}
