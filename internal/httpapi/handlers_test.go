package httpapi

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/dyadgw/gateway/internal/config"
	"github.com/dyadgw/gateway/internal/engine"
)

func testServer(t *testing.T) (*Server, string) {
	t.Helper()
	return testServerWithCache(t, config.CacheConfig{Mode: "none"})
}

func testServerWithCache(t *testing.T, cacheCfg config.CacheConfig) (*Server, string) {
	t.Helper()
	cfg := &config.Config{
		Port:            8080,
		LogLevel:        "info",
		OpenAI:          config.ProviderConfig{APIKey: "sk-test"},
		Cache:           cacheCfg,
		CircuitBreaker:  config.CircuitBreakerConfig{ErrorThreshold: 5},
		Failover:        config.FailoverConfig{MaxRetries: 3},
		Sandbox:         config.SandboxConfig{MaxConcurrent: 2, MaxQueueSize: 4},
		Resolver:        config.ResolverConfig{DefaultStrategy: "priority"},
		Secrets:         config.SecretsConfig{Production: false, CredentialCacheSize: 16},
		BootstrapAPIKey: "test-bootstrap-token-0001",
	}
	eng, err := engine.New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(eng.Close)
	return New(eng, nil, nil), cfg.BootstrapAPIKey
}

func TestHandleListModels_RequiresAuth(t *testing.T) {
	s, _ := testServer(t)

	ctx := &fasthttp.RequestCtx{}
	s.handleListModels(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("expected 401 without a bearer token, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleListModels_ReturnsSeededModels(t *testing.T) {
	s, token := testServer(t)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer "+token)
	s.handleListModels(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected success, got status %d body %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	var out outboundModelList
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(out.Data) == 0 {
		t.Error("expected at least one seeded model")
	}
}

func TestHandleChatCompletions_RejectsMissingModel(t *testing.T) {
	s, token := testServer(t)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer "+token)
	ctx.Request.SetBody([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	s.handleChatCompletions(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400 for missing model, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleEmbeddings_RejectsEmptyInput(t *testing.T) {
	s, token := testServer(t)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer "+token)
	ctx.Request.SetBody([]byte(`{"model":"text-embedding-3-small","input":[]}`))
	s.handleEmbeddings(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400 for empty input, got %d", ctx.Response.StatusCode())
	}
}
