package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/dyadgw/gateway/internal/domain"
	"github.com/dyadgw/gateway/internal/providers"
	"github.com/dyadgw/gateway/pkg/apierr"
)

type (
	inboundEmbeddingRequest struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}

	outboundEmbeddingData struct {
		Index     int       `json:"index"`
		Object    string    `json:"object"`
		Embedding []float32 `json:"embedding"`
	}
	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}
	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}
)

// handleEmbeddings implements POST /v1/embeddings. Grounded on the teacher's
// dispatchEmbeddings, routed through the Dispatcher instead of a direct
// provider lookup — embeddings are never streamed, so this is a strict
// subset of handleChatCompletions's shape.
func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	key, ok := s.authenticate(ctx, domain.PermEmbeddings)
	if !ok {
		return
	}

	var in inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, apierr.New(apierr.KindClient, "invalid_json", fmt.Sprintf("invalid JSON: %v", err)))
		return
	}
	if in.Model == "" || len(in.Input) == 0 {
		apierr.Write(ctx, apierr.New(apierr.KindClient, "invalid_request", "fields 'model' and 'input' are required"))
		return
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	req := &providers.EmbeddingRequest{
		Input: in.Input, Model: in.Model,
		WorkspaceID: key.UserID, APIKeyID: key.ID, RequestID: reqID,
	}

	resp, settlement, err := s.eng.Dispatcher.Embed(ctx, key, req)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}

	outData := make([]outboundEmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		outData[i] = outboundEmbeddingData{Index: d.Index, Object: "embedding", Embedding: d.Embedding}
	}
	out := outboundEmbeddingResponse{
		Object: "list",
		Data:   outData,
		Model:  resp.Model,
		Usage: outboundEmbeddingUsage{
			PromptTokens: resp.Usage.InputTokens,
			TotalTokens:  resp.Usage.InputTokens,
		},
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, apierr.Wrap(apierr.KindInternal, "marshal_failed", "failed to serialize response", err))
		return
	}

	s.eng.Dispatcher.Account(ctx, key, settlement, 0, true)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
