// Package resolver implements the Resolver (component C8): given a
// requested model name and an ApiKey's allow-lists, it produces an ordered
// list of candidate provider IDs to attempt, per the configured
// FallbackPolicy strategy.
//
// Grounded on the teacher's internal/proxy/routing.go (model→provider alias
// lookup) and failover.go (buildCandidateList's dedup-and-order shape,
// isRetryable's status-code classification reused by the Dispatcher that
// calls this package). The teacher supports exactly one fixed fallback
// order; this package generalizes that to the spec's five strategies.
package resolver

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dyadgw/gateway/internal/domain"
)

// ErrNoCandidates is returned when a model maps to no enabled, allowed
// provider.
var ErrNoCandidates = fmt.Errorf("resolver: no candidate providers for model")

// HealthSource supplies the recent success rate used by the health_based
// strategy. Implemented by internal/metrics's EWMA aggregate (C11); kept as
// a narrow interface here so Resolver has no import-time dependency on the
// metrics package.
type HealthSource interface {
	RecentSuccessRate(providerID string) float64
}

// Registry is the read side of the provider catalog the Resolver consults.
// internal/engine wires this to whatever holds the live Provider set
// (config-loaded, or a future admin-managed store).
type Registry interface {
	ProvidersForModel(model string) []*domain.Provider
}

// Resolver picks and orders candidate providers for a model per a
// FallbackPolicy.
type Resolver struct {
	registry Registry
	health   HealthSource

	mu       sync.Mutex
	rrCursor map[string]*uint64 // model -> round-robin cursor
}

// New constructs a Resolver. health may be nil; health_based then degrades
// to priority ordering.
func New(registry Registry, health HealthSource) *Resolver {
	return &Resolver{
		registry: registry,
		health:   health,
		rrCursor: make(map[string]*uint64),
	}
}

// Resolve returns an ordered, deduped list of candidate provider IDs for
// model: the Registry's providers for model, filtered to those that are
// Enabled, listed in policy.ProviderIDs (if non-empty) and in key's
// AllowedProviders (if non-empty); when key's AllowedModels does not permit
// model, no candidate remains. The returned slice is truncated to
// policy.EffectiveMaxAttempts().
func (r *Resolver) Resolve(model string, policy domain.FallbackPolicy, key *domain.ApiKey) ([]string, error) {
	candidates := r.registry.ProvidersForModel(model)
	candidates = filterCandidates(candidates, model, key, policy.ProviderIDs)
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	var ordered []*domain.Provider
	switch policy.Strategy {
	case domain.StrategyNone:
		ordered = candidates[:1]
	case domain.StrategyPriority, "":
		ordered = byPriority(candidates)
	case domain.StrategyRandom:
		ordered = byRandom(candidates)
	case domain.StrategyRoundRobin:
		ordered = r.byRoundRobin(model, candidates)
	case domain.StrategyHealthBased:
		ordered = r.byHealth(candidates)
	default:
		ordered = byPriority(candidates)
	}

	max := policy.EffectiveMaxAttempts()
	if len(ordered) > max {
		ordered = ordered[:max]
	}

	ids := make([]string, len(ordered))
	for i, p := range ordered {
		ids[i] = p.ID
	}
	return ids, nil
}

func filterCandidates(providers []*domain.Provider, model string, key *domain.ApiKey, policyProviderIDs []string) []*domain.Provider {
	var allowed map[string]bool
	if len(policyProviderIDs) > 0 {
		allowed = make(map[string]bool, len(policyProviderIDs))
		for _, id := range policyProviderIDs {
			allowed[id] = true
		}
	}

	seen := make(map[string]bool, len(providers))
	out := make([]*domain.Provider, 0, len(providers))
	for _, p := range providers {
		if p == nil || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		if !p.Enabled {
			continue
		}
		if allowed != nil && !allowed[p.ID] {
			continue
		}
		if key != nil && !key.AllowsProvider(p.ID) {
			continue
		}
		if key != nil && !key.AllowsModel(model) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func byPriority(providers []*domain.Provider) []*domain.Provider {
	out := make([]*domain.Provider, len(providers))
	copy(out, providers)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func byRandom(providers []*domain.Provider) []*domain.Provider {
	out := make([]*domain.Provider, len(providers))
	copy(out, providers)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// byRoundRobin rotates the priority-ordered candidate list by a per-model
// cursor that advances on every call, distributing load evenly across all
// candidates rather than always starting from the highest-priority provider.
func (r *Resolver) byRoundRobin(model string, providers []*domain.Provider) []*domain.Provider {
	ordered := byPriority(providers)
	if len(ordered) <= 1 {
		return ordered
	}

	r.mu.Lock()
	cursor, ok := r.rrCursor[model]
	if !ok {
		cursor = new(uint64)
		r.rrCursor[model] = cursor
	}
	r.mu.Unlock()

	start := int(atomic.AddUint64(cursor, 1)-1) % len(ordered)
	rotated := make([]*domain.Provider, len(ordered))
	for i := range ordered {
		rotated[i] = ordered[(start+i)%len(ordered)]
	}
	return rotated
}

// byHealth orders candidates by descending recent success rate, breaking
// ties by priority. Providers with no recorded history are treated as
// perfectly healthy so a newly added provider is not starved.
func (r *Resolver) byHealth(providers []*domain.Provider) []*domain.Provider {
	out := make([]*domain.Provider, len(providers))
	copy(out, providers)
	rate := func(p *domain.Provider) float64 {
		if r.health == nil {
			return 1.0
		}
		return r.health.RecentSuccessRate(p.ID)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rate(out[i]), rate(out[j])
		if ri != rj {
			return ri > rj
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}
