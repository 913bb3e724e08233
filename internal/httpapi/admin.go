package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/dyadgw/gateway/internal/domain"
	"github.com/dyadgw/gateway/pkg/apierr"
)

// Every admin handler requires PermAdmin — the excluded admin-surface repo
// would normally own its own auth model, but since this repo stands in for
// it (see internal/engine's store.go), it reuses the same bearer-token
// Authenticate/Authorize path as the data-plane routes, just gated on a
// different permission.

type enabledRequest struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleSetProviderEnabled(ctx *fasthttp.RequestCtx) {
	if _, ok := s.authenticate(ctx, domain.PermAdmin); !ok {
		return
	}
	var body enabledRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, apierr.New(apierr.KindClient, "invalid_json", fmt.Sprintf("invalid JSON: %v", err)))
		return
	}
	if body.ID == "" {
		apierr.Write(ctx, apierr.New(apierr.KindClient, "missing_id", "field 'id' is required"))
		return
	}
	if err := s.eng.SetProviderEnabled(body.ID, body.Enabled); err != nil {
		apierr.Write(ctx, apierr.New(apierr.KindClient, "provider_not_found", err.Error()))
		return
	}
	writeJSON(ctx, map[string]bool{"enabled": body.Enabled})
}

func (s *Server) handleSetApiKeyEnabled(ctx *fasthttp.RequestCtx) {
	if _, ok := s.authenticate(ctx, domain.PermAdmin); !ok {
		return
	}
	var body enabledRequest
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, apierr.New(apierr.KindClient, "invalid_json", fmt.Sprintf("invalid JSON: %v", err)))
		return
	}
	if body.ID == "" {
		apierr.Write(ctx, apierr.New(apierr.KindClient, "missing_id", "field 'id' is required"))
		return
	}
	if err := s.eng.SetApiKeyEnabled(body.ID, body.Enabled); err != nil {
		apierr.Write(ctx, apierr.New(apierr.KindClient, "api_key_not_found", err.Error()))
		return
	}
	writeJSON(ctx, map[string]bool{"enabled": body.Enabled})
}

func (s *Server) handleBreakerStatus(ctx *fasthttp.RequestCtx) {
	if _, ok := s.authenticate(ctx, domain.PermAdmin); !ok {
		return
	}
	id, ok := queryParam(ctx, "id")
	if !ok {
		return
	}
	writeJSON(ctx, s.eng.CircuitBreakerStatus(id))
}

func (s *Server) handleBreakerReset(ctx *fasthttp.RequestCtx) {
	if _, ok := s.authenticate(ctx, domain.PermAdmin); !ok {
		return
	}
	id, ok := queryParam(ctx, "id")
	if !ok {
		return
	}
	s.eng.ResetCircuitBreaker(id)
	writeJSON(ctx, map[string]string{"status": "reset"})
}

func (s *Server) handleBreakerOpen(ctx *fasthttp.RequestCtx) {
	if _, ok := s.authenticate(ctx, domain.PermAdmin); !ok {
		return
	}
	id, ok := queryParam(ctx, "id")
	if !ok {
		return
	}
	s.eng.OpenCircuitBreaker(id)
	writeJSON(ctx, map[string]string{"status": "open"})
}

func (s *Server) handleReliabilityStats(ctx *fasthttp.RequestCtx) {
	if _, ok := s.authenticate(ctx, domain.PermAdmin); !ok {
		return
	}
	id, ok := queryParam(ctx, "id")
	if !ok {
		return
	}
	writeJSON(ctx, s.eng.ReliabilityStats(id))
}

type issueApiKeyRequest struct {
	UserID      string              `json:"user_id"`
	Permissions []domain.Permission `json:"permissions"`
	RateLimits  domain.RateLimits   `json:"rate_limits"`
}

type issueApiKeyResponse struct {
	ID     string `json:"id"`
	Prefix string `json:"prefix"`
	Token  string `json:"token"`
}

func (s *Server) handleIssueApiKey(ctx *fasthttp.RequestCtx) {
	if _, ok := s.authenticate(ctx, domain.PermAdmin); !ok {
		return
	}
	var in issueApiKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, apierr.New(apierr.KindClient, "invalid_json", fmt.Sprintf("invalid JSON: %v", err)))
		return
	}
	key, token, err := s.eng.IssueApiKey(in.UserID, in.Permissions, in.RateLimits)
	if err != nil {
		apierr.Write(ctx, apierr.Wrap(apierr.KindInternal, "issue_failed", "failed to issue API key", err))
		return
	}
	writeJSON(ctx, issueApiKeyResponse{ID: key.ID, Prefix: key.Prefix, Token: token})
}

type setFallbackPolicyRequest struct {
	DyadModelID string                  `json:"dyad_model_id"`
	Strategy    domain.FallbackStrategy `json:"strategy"`
	ProviderIDs []string                `json:"provider_ids"`
	Enabled     bool                    `json:"enabled"`
}

func (s *Server) handleSetFallbackPolicy(ctx *fasthttp.RequestCtx) {
	if _, ok := s.authenticate(ctx, domain.PermAdmin); !ok {
		return
	}
	var in setFallbackPolicyRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, apierr.New(apierr.KindClient, "invalid_json", fmt.Sprintf("invalid JSON: %v", err)))
		return
	}
	s.eng.SetFallbackPolicy(domain.FallbackPolicy{
		DyadModelID: in.DyadModelID,
		Strategy:    in.Strategy,
		ProviderIDs: in.ProviderIDs,
		Enabled:     in.Enabled,
	})
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func queryParam(ctx *fasthttp.RequestCtx, name string) (string, bool) {
	v := string(ctx.QueryArgs().Peek(name))
	if v == "" {
		apierr.Write(ctx, apierr.New(apierr.KindClient, "missing_param", "missing query parameter: "+name))
		return "", false
	}
	return v, true
}
