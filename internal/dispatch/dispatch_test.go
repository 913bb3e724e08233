package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/dyadgw/gateway/internal/adapter"
	"github.com/dyadgw/gateway/internal/breaker"
	"github.com/dyadgw/gateway/internal/credentials"
	"github.com/dyadgw/gateway/internal/domain"
	"github.com/dyadgw/gateway/internal/providers"
	"github.com/dyadgw/gateway/internal/ratelimit"
	"github.com/dyadgw/gateway/internal/resolver"
	"github.com/dyadgw/gateway/internal/sandbox"
	"github.com/dyadgw/gateway/internal/secrets"
)

type fakeApiKeyStore struct{ keys []*domain.ApiKey }

func (f *fakeApiKeyStore) CandidatesByPrefix(_ context.Context, prefix string) ([]*domain.ApiKey, error) {
	var out []*domain.ApiKey
	for _, k := range f.keys {
		if k.Prefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

type fakeRegistry struct{ providers map[string]*domain.Provider }

func (f *fakeRegistry) ProvidersForModel(model string) []*domain.Provider {
	var out []*domain.Provider
	for _, p := range f.providers {
		for _, m := range p.Models {
			if m.DyadModelID == model {
				out = append(out, p)
			}
		}
	}
	return out
}

func (f *fakeRegistry) ProviderByID(id string) (*domain.Provider, error) {
	p, ok := f.providers[id]
	if !ok {
		return nil, fmt.Errorf("no such provider %s", id)
	}
	return p, nil
}

type fakePolicyStore struct{ policy domain.FallbackPolicy }

func (f *fakePolicyStore) PolicyForModel(string) domain.FallbackPolicy { return f.policy }

// fakeRuntime implements adapter.Runtime, failing every call before attempt
// failUntilAttempt (1-indexed) and succeeding from that attempt on.
type fakeRuntime struct {
	name             string
	failUntilAttempt int
	calls            int
}

func (r *fakeRuntime) Name() string { return r.name }
func (r *fakeRuntime) HealthCheck(context.Context) error { return nil }
func (r *fakeRuntime) Chat(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	r.calls++
	if r.calls < r.failUntilAttempt {
		return nil, fmt.Errorf("%s: simulated upstream failure", r.name)
	}
	return &providers.ProxyResponse{
		ID: req.RequestID, Model: req.Model, Content: "hi",
		Usage: providers.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func testProvider(id string, priority int) *domain.Provider {
	return &domain.Provider{
		ID: id, Slug: id, Enabled: true, Priority: priority,
		Type:          domain.AdapterLocal,
		AdapterConfig: domain.AdapterConfig{Local: &domain.LocalConfig{BaseURL: "http://127.0.0.1:1", ChatEndpoint: "/chat"}},
		Models:        []domain.ModelMapping{{DyadModelID: "gpt-test", AdapterModelID: "gpt-test"}},
	}
}

func testApiKey() *domain.ApiKey {
	return &domain.ApiKey{
		ID: "key-1", Prefix: "dyad_abc", Hash: "", Salt: "",
		Enabled: true, Permissions: []domain.Permission{domain.PermChat},
	}
}

func newTestDispatcherSimple(t *testing.T, providerRuntimes map[string]*fakeRuntime, reg *fakeRegistry, policy domain.FallbackPolicy) *Dispatcher {
	t.Helper()
	dev, err := secrets.NewDev(false)
	if err != nil {
		t.Fatalf("secrets.NewDev: %v", err)
	}
	d := New(
		&fakeApiKeyStore{},
		reg,
		&fakePolicyStore{policy: policy},
		ratelimit.NewMemory(),
		resolver.New(reg, nil),
		breaker.New(breaker.Config{}),
		credentials.New(dev, 0, 0),
		nil,
		nil,
		nil,
		slog.Default(),
		Config{},
	)
	d.buildRuntime = func(_ context.Context, p *domain.Provider, _ []byte, _ *sandbox.Sandbox) (adapter.Runtime, error) {
		rt, ok := providerRuntimes[p.ID]
		if !ok {
			return nil, fmt.Errorf("no fake runtime for %s", p.ID)
		}
		return rt, nil
	}
	return d
}

func TestDispatcher_Chat_SucceedsOnFirstCandidate(t *testing.T) {
	reg := &fakeRegistry{providers: map[string]*domain.Provider{
		"p1": testProvider("p1", 1),
	}}
	rt := &fakeRuntime{name: "p1", failUntilAttempt: 1}
	d := newTestDispatcherSimple(t, map[string]*fakeRuntime{"p1": rt}, reg, domain.FallbackPolicy{})

	key := testApiKey()
	resp, settlement, err := d.Chat(context.Background(), key, &providers.ProxyRequest{Model: "gpt-test", RequestID: "r1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if settlement.ProviderID != "p1" {
		t.Errorf("expected settlement provider p1, got %s", settlement.ProviderID)
	}
}

func TestDispatcher_Chat_FallsOverToSecondCandidate(t *testing.T) {
	reg := &fakeRegistry{providers: map[string]*domain.Provider{
		"p1": testProvider("p1", 1),
		"p2": testProvider("p2", 2),
	}}
	failing := &fakeRuntime{name: "p1", failUntilAttempt: 1000}
	working := &fakeRuntime{name: "p2", failUntilAttempt: 1}
	d := newTestDispatcherSimple(t, map[string]*fakeRuntime{"p1": failing, "p2": working}, reg, domain.FallbackPolicy{MaxAttempts: 3})

	key := testApiKey()
	resp, settlement, err := d.Chat(context.Background(), key, &providers.ProxyRequest{Model: "gpt-test", RequestID: "r2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settlement.ProviderID != "p2" {
		t.Errorf("expected fallback to p2, got %s", settlement.ProviderID)
	}
	_ = resp
}

func TestDispatcher_Chat_AllProvidersFailedWhenEveryCandidateFails(t *testing.T) {
	reg := &fakeRegistry{providers: map[string]*domain.Provider{
		"p1": testProvider("p1", 1),
	}}
	rt := &fakeRuntime{name: "p1", failUntilAttempt: 1000}
	d := newTestDispatcherSimple(t, map[string]*fakeRuntime{"p1": rt}, reg, domain.FallbackPolicy{})

	key := testApiKey()
	_, _, err := d.Chat(context.Background(), key, &providers.ProxyRequest{Model: "gpt-test", RequestID: "r3"})
	if err == nil {
		t.Fatal("expected an error when every candidate fails")
	}
}

func TestDispatcher_Chat_UnknownModelReturnsClientError(t *testing.T) {
	reg := &fakeRegistry{providers: map[string]*domain.Provider{}}
	d := newTestDispatcherSimple(t, map[string]*fakeRuntime{}, reg, domain.FallbackPolicy{})

	key := testApiKey()
	_, _, err := d.Chat(context.Background(), key, &providers.ProxyRequest{Model: "no-such-model", RequestID: "r4"})
	if err == nil {
		t.Fatal("expected an error for an unresolvable model")
	}
}

func TestDispatcher_Chat_RateLimitedKeyIsRejected(t *testing.T) {
	reg := &fakeRegistry{providers: map[string]*domain.Provider{
		"p1": testProvider("p1", 1),
	}}
	rt := &fakeRuntime{name: "p1", failUntilAttempt: 1}
	d := newTestDispatcherSimple(t, map[string]*fakeRuntime{"p1": rt}, reg, domain.FallbackPolicy{})

	key := testApiKey()
	key.RateLimits.RPM = 1

	ctx := context.Background()
	if _, _, err := d.Chat(ctx, key, &providers.ProxyRequest{Model: "gpt-test", RequestID: "r5"}); err != nil {
		t.Fatalf("first request should be admitted: %v", err)
	}
	if _, _, err := d.Chat(ctx, key, &providers.ProxyRequest{Model: "gpt-test", RequestID: "r6"}); err == nil {
		t.Fatal("second request should be rate limited")
	}
}
