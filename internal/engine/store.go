// Package engine is the composition root (component: Engine). It owns every
// long-lived resource — secrets, credentials, breaker, rate limiter,
// resolver, health monitor, metrics, sandbox, dispatcher — as explicit
// dependency-injected fields on a single Engine value constructed once per
// process, exactly as the design notes require ("no hidden module state").
//
// Grounded on the teacher's internal/app (App struct + ordered init steps
// with rollback-on-failure, Run via errgroup, reverse-order Close). The
// teacher's admin CRUD surface (a separate Node service) is out of scope
// here, so this package also supplies the in-process default
// ProviderRegistry/ApiKeyStore/PolicyStore/UsageRecorder implementations the
// Dispatcher needs — the minimal in-memory store the spec calls for when
// there is no external admin-surface repo to consume from.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dyadgw/gateway/internal/domain"
)

// ProviderStore is the in-process default ProviderRegistry: a mutex-guarded
// map, seeded at boot from config and mutable afterwards through the
// capability methods the admin surface would call over RPC in a full
// deployment.
type ProviderStore struct {
	mu   sync.RWMutex
	byID map[string]*domain.Provider
}

func NewProviderStore() *ProviderStore {
	return &ProviderStore{byID: make(map[string]*domain.Provider)}
}

// Put inserts or replaces a provider record. Validate is called so a
// malformed AdapterConfig is rejected before it can reach the Dispatcher.
func (s *ProviderStore) Put(p *domain.Provider) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[p.ID] = p
	return nil
}

// Delete removes a provider record. No-op if absent.
func (s *ProviderStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
}

// SetEnabled flips a provider's Enabled flag, e.g. from an admin disable call.
func (s *ProviderStore) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("engine: unknown provider %q", id)
	}
	p.Enabled = enabled
	return nil
}

// ProviderByID implements dispatch.ProviderRegistry.
func (s *ProviderStore) ProviderByID(id string) (*domain.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("engine: unknown provider %q", id)
	}
	return p, nil
}

// ProvidersForModel implements resolver.Registry.
func (s *ProviderStore) ProvidersForModel(model string) []*domain.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Provider
	for _, p := range s.byID {
		for _, m := range p.Models {
			if m.DyadModelID == model {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// All returns every provider record, used by GET /v1/models aggregation.
func (s *ProviderStore) All() []*domain.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Provider, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	return out
}

// ApiKeyStore is the in-process default ApiKey store, indexed by the 8-char
// routing prefix as dispatch.Authenticate requires, with a secondary index
// by ID for admin lookups/mutation.
type ApiKeyStore struct {
	mu       sync.RWMutex
	byPrefix map[string][]*domain.ApiKey
	byID     map[string]*domain.ApiKey
}

func NewApiKeyStore() *ApiKeyStore {
	return &ApiKeyStore{
		byPrefix: make(map[string][]*domain.ApiKey),
		byID:     make(map[string]*domain.ApiKey),
	}
}

// Put inserts or replaces a key record.
func (s *ApiKeyStore) Put(k *domain.ApiKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[k.ID]; ok && old.Prefix != k.Prefix {
		s.removeFromPrefixLocked(old)
	}
	s.byID[k.ID] = k
	s.byPrefix[k.Prefix] = appendUnique(s.byPrefix[k.Prefix], k)
}

func (s *ApiKeyStore) removeFromPrefixLocked(k *domain.ApiKey) {
	list := s.byPrefix[k.Prefix]
	for i, c := range list {
		if c.ID == k.ID {
			s.byPrefix[k.Prefix] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func appendUnique(list []*domain.ApiKey, k *domain.ApiKey) []*domain.ApiKey {
	for _, c := range list {
		if c.ID == k.ID {
			return list
		}
	}
	return append(list, k)
}

// SetEnabled flips a key's Enabled flag. Authenticate only consults this at
// request time, so an in-flight streaming response keyed off the old value
// runs to completion per the spec's point-in-time auth semantics.
func (s *ApiKeyStore) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("engine: unknown api key %q", id)
	}
	k.Enabled = enabled
	return nil
}

// CandidatesByPrefix implements dispatch.ApiKeyStore.
func (s *ApiKeyStore) CandidatesByPrefix(_ context.Context, prefix string) ([]*domain.ApiKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byPrefix[prefix]
	out := make([]*domain.ApiKey, len(list))
	copy(out, list)
	return out, nil
}

// ByID returns a key by ID for the admin surface.
func (s *ApiKeyStore) ByID(id string) (*domain.ApiKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("engine: unknown api key %q", id)
	}
	return k, nil
}

// PolicyStore is the in-process default PolicyStore: a map keyed by
// dyadModelId, falling back to a configured default strategy (applied to
// every provider serving the model) when no explicit policy is set.
type PolicyStore struct {
	mu              sync.RWMutex
	policies        map[string]domain.FallbackPolicy
	defaultStrategy domain.FallbackStrategy
}

func NewPolicyStore(defaultStrategy domain.FallbackStrategy) *PolicyStore {
	if defaultStrategy == "" {
		defaultStrategy = domain.StrategyPriority
	}
	return &PolicyStore{
		policies:        make(map[string]domain.FallbackPolicy),
		defaultStrategy: defaultStrategy,
	}
}

// SetPolicy installs or replaces the policy for one model.
func (s *PolicyStore) SetPolicy(p domain.FallbackPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.DyadModelID] = p
}

// PolicyForModel implements dispatch.PolicyStore.
func (s *PolicyStore) PolicyForModel(model string) domain.FallbackPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.policies[model]; ok {
		return p
	}
	return domain.FallbackPolicy{DyadModelID: model, Strategy: s.defaultStrategy, Enabled: true}
}

// UsageStore is the in-process default UsageRecorder: per-key running
// totals, separate from the ApiKey record itself so concurrent dispatches
// never race on the same *ApiKey's Usage fields (see internal/dispatch's
// UsageRecorder doc comment).
type UsageStore struct {
	mu    sync.Mutex
	byKey map[string]*domain.Usage
}

func NewUsageStore() *UsageStore {
	return &UsageStore{byKey: make(map[string]*domain.Usage)}
}

// RecordUsage implements dispatch.UsageRecorder.
func (s *UsageStore) RecordUsage(_ context.Context, apiKeyID string, requests, tokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byKey[apiKeyID]
	if !ok {
		u = &domain.Usage{}
		s.byKey[apiKeyID] = u
	}
	today := time.Now().UTC().Format("2006-01-02")
	if u.LastResetDate != today {
		if len(u.LastResetDate) < 7 || u.LastResetDate[:7] != today[:7] {
			u.RequestsThisMonth, u.TokensThisMonth = 0, 0
		}
		u.RequestsToday, u.TokensToday = 0, 0
		u.LastResetDate = today
	}
	u.RequestsToday += requests
	u.TokensToday += tokens
	u.RequestsThisMonth += requests
	u.TokensThisMonth += tokens
}

// Snapshot returns a copy of one key's running usage totals, for the admin
// reliability-statistics capability method.
func (s *UsageStore) Snapshot(apiKeyID string) domain.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byKey[apiKeyID]; ok {
		return *u
	}
	return domain.Usage{}
}
