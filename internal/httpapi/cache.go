package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/dyadgw/gateway/internal/providers"
)

// chatCacheKey mirrors the teacher's buildCacheKey: a SHA-256 over the
// fields that fully determine a chat completion's output, namespaced by
// workspace and API key so cache entries never cross tenants.
func chatCacheKey(req *providers.ProxyRequest) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = msg{Role: m.Role, Content: m.Content}
	}
	data, _ := json.Marshal(struct {
		W    string `json:"w"`
		K    string `json:"k"`
		M    string `json:"m"`
		T    string `json:"t"`
		MT   int    `json:"mt"`
		Msgs []msg  `json:"msgs"`
	}{req.WorkspaceID, req.APIKeyID, req.Model, fmt.Sprintf("%.2f", req.Temperature), req.MaxTokens, msgs})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}

// cacheEligible reports whether a chat request may be served from or written
// to the response cache: never for streaming requests, never without a
// configured cache, never for models an operator has excluded.
func (s *Server) cacheEligible(stream bool, model string) bool {
	if stream || s.eng.Cache == nil {
		return false
	}
	if s.eng.CacheExclusions != nil && s.eng.CacheExclusions.Matches(model) {
		return false
	}
	return true
}
