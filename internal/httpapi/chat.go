package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/dyadgw/gateway/internal/domain"
	"github.com/dyadgw/gateway/internal/providers"
	"github.com/dyadgw/gateway/internal/streampipe"
	"github.com/dyadgw/gateway/pkg/apierr"
)

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundChatRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}
	outboundChatResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// handleChatCompletions implements POST /v1/chat/completions: authenticate,
// authorize, parse, check the response cache, dispatch, and emit — either as
// a single JSON envelope or, for req.Stream, as SSE via streampipe.Write.
// Grounded on the teacher's dispatchChat, generalized to route every step
// through the Dispatcher instead of the Gateway's own provider map and
// failover loop, with the cache lookup/write kept in place (see cache.go).
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	key, ok := s.authenticate(ctx, domain.PermChat)
	if !ok {
		return
	}

	var in inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, apierr.New(apierr.KindClient, "invalid_json", fmt.Sprintf("invalid JSON: %v", err)))
		return
	}
	if in.Model == "" {
		apierr.Write(ctx, apierr.New(apierr.KindClient, "missing_model", "field 'model' is required"))
		return
	}

	msgs := make([]providers.Message, len(in.Messages))
	for i, m := range in.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	reqID, _ := ctx.UserValue("request_id").(string)
	req := &providers.ProxyRequest{
		Model:       in.Model,
		Messages:    msgs,
		Stream:      in.Stream,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		WorkspaceID: key.UserID,
		APIKeyID:    key.ID,
		RequestID:   reqID,
	}

	eligible := s.cacheEligible(in.Stream, in.Model)
	var cacheKey string
	if eligible {
		cacheKey = chatCacheKey(req)
		if cached, ok := s.eng.Cache.Get(ctx, cacheKey); ok {
			ctx.Response.Header.Set("X-Cache", "HIT")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetContentType("application/json")
			ctx.SetBody(cached)
			return
		}
	}

	resp, settlement, err := s.eng.Dispatcher.Chat(ctx, key, req)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}

	if in.Stream && resp.Stream != nil {
		streampipe.Write(ctx, ctx, resp.Model, resp, func(outputTokens int, streamErr error) {
			s.eng.Dispatcher.Account(context.Background(), key, settlement, outputTokens, streamErr == nil)
			if streamErr != nil {
				s.log.Warn("stream_incomplete", slog.String("request_id", reqID), slog.String("error", streamErr.Error()))
			}
		})
		return
	}

	out := outboundChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{Index: 0, Message: outboundMessage{Role: "assistant", Content: resp.Content}, FinishReason: "stop"},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, apierr.Wrap(apierr.KindInternal, "marshal_failed", "failed to serialize response", err))
		return
	}

	s.eng.Dispatcher.Account(ctx, key, settlement, resp.Usage.OutputTokens, true)

	if eligible {
		if err := s.eng.Cache.Set(ctx, cacheKey, body, s.eng.CacheTTL); err != nil {
			s.log.Warn("cache_set_failed", slog.String("request_id", reqID), slog.String("error", err.Error()))
		}
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
