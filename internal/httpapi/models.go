package httpapi

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/dyadgw/gateway/internal/domain"
)

type outboundModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type outboundModelList struct {
	Object string          `json:"object"`
	Data   []outboundModel `json:"data"`
}

// handleListModels implements GET /v1/models per spec: the aggregate,
// deduplicated view the Engine already computes in ListModels.
func (s *Server) handleListModels(ctx *fasthttp.RequestCtx) {
	if _, ok := s.authenticate(ctx, domain.PermModels); !ok {
		return
	}

	models := s.eng.ListModels()
	out := outboundModelList{Object: "list", Data: make([]outboundModel, len(models))}
	for i, m := range models {
		out.Data[i] = outboundModel{ID: m.ID, Object: "model", OwnedBy: m.OwnedBy}
	}

	body, _ := json.Marshal(out)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
