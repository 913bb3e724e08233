package resolver

import (
	"testing"

	"github.com/dyadgw/gateway/internal/domain"
)

type fakeRegistry struct {
	byModel map[string][]*domain.Provider
}

func (f *fakeRegistry) ProvidersForModel(model string) []*domain.Provider {
	return f.byModel[model]
}

func provider(id string, priority int) *domain.Provider {
	return &domain.Provider{ID: id, Slug: id, Enabled: true, Priority: priority}
}

func TestResolve_PriorityOrdersAscending(t *testing.T) {
	reg := &fakeRegistry{byModel: map[string][]*domain.Provider{
		"gpt-4": {provider("b", 2), provider("a", 1), provider("c", 3)},
	}}
	r := New(reg, nil)

	ids, err := r.Resolve("gpt-4", domain.FallbackPolicy{Strategy: domain.StrategyPriority}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if ids[i] != w {
			t.Errorf("position %d: want %s, got %s", i, w, ids[i])
		}
	}
}

func TestResolve_NoneReturnsSingleCandidate(t *testing.T) {
	reg := &fakeRegistry{byModel: map[string][]*domain.Provider{
		"gpt-4": {provider("a", 1), provider("b", 2)},
	}}
	r := New(reg, nil)

	ids, err := r.Resolve("gpt-4", domain.FallbackPolicy{Strategy: domain.StrategyNone}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected exactly one candidate, got %d", len(ids))
	}
}

func TestResolve_NoCandidatesReturnsError(t *testing.T) {
	reg := &fakeRegistry{byModel: map[string][]*domain.Provider{}}
	r := New(reg, nil)

	_, err := r.Resolve("unknown-model", domain.FallbackPolicy{}, nil)
	if err != ErrNoCandidates {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestResolve_DisabledProviderExcluded(t *testing.T) {
	disabled := provider("a", 1)
	disabled.Enabled = false
	reg := &fakeRegistry{byModel: map[string][]*domain.Provider{
		"gpt-4": {disabled, provider("b", 2)},
	}}
	r := New(reg, nil)

	ids, err := r.Resolve("gpt-4", domain.FallbackPolicy{Strategy: domain.StrategyPriority}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("expected only provider b, got %v", ids)
	}
}

func TestResolve_ApiKeyAllowedProvidersFilters(t *testing.T) {
	reg := &fakeRegistry{byModel: map[string][]*domain.Provider{
		"gpt-4": {provider("a", 1), provider("b", 2)},
	}}
	r := New(reg, nil)
	key := &domain.ApiKey{AllowedProviders: []string{"b"}}

	ids, err := r.Resolve("gpt-4", domain.FallbackPolicy{Strategy: domain.StrategyPriority}, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("expected only provider b, got %v", ids)
	}
}

func TestResolve_RoundRobinRotatesAcrossCalls(t *testing.T) {
	reg := &fakeRegistry{byModel: map[string][]*domain.Provider{
		"gpt-4": {provider("a", 1), provider("b", 2), provider("c", 3)},
	}}
	r := New(reg, nil)
	policy := domain.FallbackPolicy{Strategy: domain.StrategyRoundRobin}

	first, _ := r.Resolve("gpt-4", policy, nil)
	second, _ := r.Resolve("gpt-4", policy, nil)
	if first[0] == second[0] {
		t.Errorf("expected round robin to rotate starting provider, got %s twice", first[0])
	}
}

func TestResolve_MaxAttemptsCapsCandidates(t *testing.T) {
	reg := &fakeRegistry{byModel: map[string][]*domain.Provider{
		"gpt-4": {provider("a", 1), provider("b", 2), provider("c", 3), provider("d", 4)},
	}}
	r := New(reg, nil)

	ids, err := r.Resolve("gpt-4", domain.FallbackPolicy{Strategy: domain.StrategyPriority, MaxAttempts: 2}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(ids))
	}
}

type fakeHealth struct{ rates map[string]float64 }

func (f *fakeHealth) RecentSuccessRate(providerID string) float64 { return f.rates[providerID] }

func TestResolve_HealthBasedPrefersHigherSuccessRate(t *testing.T) {
	reg := &fakeRegistry{byModel: map[string][]*domain.Provider{
		"gpt-4": {provider("a", 1), provider("b", 2)},
	}}
	health := &fakeHealth{rates: map[string]float64{"a": 0.5, "b": 0.99}}
	r := New(reg, health)

	ids, err := r.Resolve("gpt-4", domain.FallbackPolicy{Strategy: domain.StrategyHealthBased}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ids[0] != "b" {
		t.Fatalf("expected healthier provider b first, got %v", ids)
	}
}
