package engine

import (
	"context"
	"testing"

	"github.com/dyadgw/gateway/internal/config"
	"github.com/dyadgw/gateway/internal/domain"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:           8080,
		LogLevel:       "info",
		OpenAI:         config.ProviderConfig{APIKey: "sk-test"},
		Cache:          config.CacheConfig{Mode: "none"},
		CircuitBreaker: config.CircuitBreakerConfig{ErrorThreshold: 5},
		Failover:       config.FailoverConfig{MaxRetries: 3},
		Sandbox:        config.SandboxConfig{MaxConcurrent: 2, MaxQueueSize: 4},
		Resolver:       config.ResolverConfig{DefaultStrategy: "priority"},
		Secrets:        config.SecretsConfig{Production: false, CredentialCacheSize: 16},
		Health:         config.HealthConfig{},
	}
}

func TestNew_BuildsDispatcherFromSeededProviders(t *testing.T) {
	eng, err := New(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	if eng.Dispatcher == nil {
		t.Fatal("expected a non-nil Dispatcher")
	}
	if _, err := eng.Providers.ProviderByID("openai"); err != nil {
		t.Errorf("expected seeded openai provider: %v", err)
	}
}

func TestNew_FailsWithNoProviderConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.OpenAI.APIKey = ""
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected an error when no provider is configured")
	}
}

func TestListModels_DedupesAcrossProviders(t *testing.T) {
	eng, err := New(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	models := eng.ListModels()
	if len(models) == 0 {
		t.Fatal("expected at least one model")
	}
	seen := make(map[string]bool)
	for _, m := range models {
		if seen[m.ID] {
			t.Errorf("model %s listed more than once", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestIssueApiKey_HashMatchesPlaintext(t *testing.T) {
	eng, err := New(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	key, token, err := eng.IssueApiKey("user-1", []domain.Permission{domain.PermChat}, domain.RateLimits{RPM: 60})
	if err != nil {
		t.Fatalf("IssueApiKey: %v", err)
	}
	if hashToken(token, key.Salt) != key.Hash {
		t.Error("issued key's hash does not match its own plaintext token")
	}

	candidates, err := eng.ApiKeys.CandidatesByPrefix(context.Background(), key.Prefix)
	if err != nil {
		t.Fatalf("CandidatesByPrefix: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != key.ID {
		t.Errorf("expected the issued key to be findable by its prefix, got %+v", candidates)
	}
}

func TestCircuitBreakerStatus_DefaultsClosed(t *testing.T) {
	eng, err := New(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	st := eng.CircuitBreakerStatus("openai")
	if st.State != "closed" {
		t.Errorf("expected a freshly constructed breaker to be closed, got %v", st.State)
	}
}
