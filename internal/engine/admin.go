package engine

import (
	"sort"

	"github.com/dyadgw/gateway/internal/breaker"
	"github.com/dyadgw/gateway/internal/domain"
)

// Model is one entry in the GET /v1/models aggregate response: a
// dyadModelId and its capabilities, deduplicated across every enabled
// provider that serves it (an httpapi handler owns the wire JSON shape —
// this is the data the engine can answer from its own state).
type Model struct {
	ID                 string
	OwnedBy            string
	SupportsStreaming  bool
	SupportsEmbeddings bool
	ContextWindow      int
	MaxTokens          int
}

// ListModels aggregates every model mapping across every enabled provider,
// matching spec §6's GET /v1/models contract. When two providers expose the
// same dyadModelId the first one encountered (by Provider.Priority) wins —
// callers only need one capability record per model, not one per provider.
func (e *Engine) ListModels() []Model {
	providers := e.Providers.All()

	seen := make(map[string]bool, len(providers))
	var out []Model
	for _, p := range byPriority(providers) {
		if !p.Enabled {
			continue
		}
		for _, m := range p.Models {
			if seen[m.DyadModelID] {
				continue
			}
			seen[m.DyadModelID] = true
			out = append(out, Model{
				ID: m.DyadModelID, OwnedBy: p.Slug,
				SupportsStreaming: m.SupportsStreaming, SupportsEmbeddings: m.SupportsEmbeddings,
				ContextWindow: m.ContextWindow, MaxTokens: m.MaxTokens,
			})
		}
	}
	return out
}

func byPriority(providers []*domain.Provider) []*domain.Provider {
	out := make([]*domain.Provider, len(providers))
	copy(out, providers)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// CircuitBreakerStatus is the admin "status" capability: one provider's
// breaker state.
func (e *Engine) CircuitBreakerStatus(providerID string) breaker.Status {
	return e.Breaker.Status(providerID)
}

// ResetCircuitBreaker is the admin "reset" capability.
func (e *Engine) ResetCircuitBreaker(providerID string) {
	e.Breaker.Reset(providerID)
}

// OpenCircuitBreaker is the admin "open" capability — force a provider
// offline without disabling its record outright.
func (e *Engine) OpenCircuitBreaker(providerID string) {
	e.Breaker.Open(providerID)
}

// HealthSnapshot is the admin "health status" capability.
func (e *Engine) HealthSnapshot() map[string]domain.HealthStatus {
	return e.Health.Snapshot()
}

// ReliabilityStats is the admin "reliability statistics" capability: the
// 1-minute EWMA success rate alongside the current breaker state, the two
// independent signals the spec keeps decoupled.
type ReliabilityStats struct {
	ProviderID        string
	RecentSuccessRate float64
	BreakerState      string
	Health            domain.HealthStatus
}

func (e *Engine) ReliabilityStats(providerID string) ReliabilityStats {
	return ReliabilityStats{
		ProviderID:        providerID,
		RecentSuccessRate: e.Metrics.RecentSuccessRate(providerID),
		BreakerState:      e.Breaker.StateLabel(providerID),
		Health:            e.Health.Status(providerID),
	}
}

// SetFallbackPolicy is the admin "fallback-policy configuration" capability.
func (e *Engine) SetFallbackPolicy(p domain.FallbackPolicy) {
	e.Policies.SetPolicy(p)
}

// SetProviderEnabled is the admin provider-CRUD "enable/disable" capability.
func (e *Engine) SetProviderEnabled(providerID string, enabled bool) error {
	return e.Providers.SetEnabled(providerID, enabled)
}

// SetApiKeyEnabled is the admin key-CRUD "enable/disable" capability.
func (e *Engine) SetApiKeyEnabled(keyID string, enabled bool) error {
	return e.ApiKeys.SetEnabled(keyID, enabled)
}

// IssueApiKey is the admin key-CRUD "create" capability.
func (e *Engine) IssueApiKey(userID string, perms []domain.Permission, limits domain.RateLimits) (*domain.ApiKey, string, error) {
	key, token, err := IssueApiKey(userID, perms, limits)
	if err != nil {
		return nil, "", err
	}
	e.ApiKeys.Put(key)
	return key, token, nil
}
