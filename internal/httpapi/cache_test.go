package httpapi

import (
	"context"
	"testing"

	"github.com/dyadgw/gateway/internal/cache"
	"github.com/dyadgw/gateway/internal/engine"
	"github.com/dyadgw/gateway/internal/providers"
)

func TestChatCacheKey_DeterministicForIdenticalRequests(t *testing.T) {
	req := &providers.ProxyRequest{
		Model:       "gpt-4o",
		WorkspaceID: "ws-1",
		APIKeyID:    "key-1",
		Temperature: 0.7,
		Messages:    []providers.Message{{Role: "user", Content: "hi"}},
	}
	a := chatCacheKey(req)
	b := chatCacheKey(req)
	if a != b {
		t.Errorf("expected identical keys, got %q and %q", a, b)
	}
}

func TestChatCacheKey_DiffersOnMessageContent(t *testing.T) {
	base := &providers.ProxyRequest{
		Model: "gpt-4o", WorkspaceID: "ws-1", APIKeyID: "key-1",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}
	other := &providers.ProxyRequest{
		Model: "gpt-4o", WorkspaceID: "ws-1", APIKeyID: "key-1",
		Messages: []providers.Message{{Role: "user", Content: "bye"}},
	}
	if chatCacheKey(base) == chatCacheKey(other) {
		t.Error("expected different keys for different message content")
	}
}

func TestChatCacheKey_DiffersAcrossWorkspaces(t *testing.T) {
	base := &providers.ProxyRequest{Model: "gpt-4o", WorkspaceID: "ws-1", APIKeyID: "key-1"}
	other := &providers.ProxyRequest{Model: "gpt-4o", WorkspaceID: "ws-2", APIKeyID: "key-1"}
	if chatCacheKey(base) == chatCacheKey(other) {
		t.Error("expected different keys across workspaces, cache must not leak across tenants")
	}
}

// newCacheTestServer builds a Server around a bare *engine.Engine carrying
// only the exported Cache/CacheExclusions fields cacheEligible reads —
// cheaper than standing up a full Engine when no dispatch ever happens.
func newCacheTestServer(c cache.Cache, excl *cache.ExclusionList) *Server {
	eng := &engine.Engine{Cache: c, CacheExclusions: excl}
	return &Server{eng: eng}
}

func TestServer_CacheEligible_NoCacheConfigured(t *testing.T) {
	s := newCacheTestServer(nil, nil)
	if s.cacheEligible(false, "gpt-4o") {
		t.Error("expected not eligible without a configured cache")
	}
}

func TestServer_CacheEligible_StreamingNeverEligible(t *testing.T) {
	s := newCacheTestServer(cache.NewMemoryCache(context.Background()), nil)
	if s.cacheEligible(true, "gpt-4o") {
		t.Error("streaming requests must never be cache-eligible")
	}
}

func TestServer_CacheEligible_ExcludedModel(t *testing.T) {
	el, err := cache.NewExclusionList([]string{"gpt-4o"}, nil)
	if err != nil {
		t.Fatalf("NewExclusionList: %v", err)
	}
	s := newCacheTestServer(cache.NewMemoryCache(context.Background()), el)
	if s.cacheEligible(false, "gpt-4o") {
		t.Error("excluded model must not be cache-eligible")
	}
	if !s.cacheEligible(false, "gpt-4o-mini") {
		t.Error("non-excluded model should be cache-eligible")
	}
}
