package httpapi

import (
	"github.com/valyala/fasthttp"

	"github.com/dyadgw/gateway/internal/domain"
	"github.com/dyadgw/gateway/pkg/apierr"
)

// authenticate runs steps 1-2 of the Dispatcher's flow (Authenticate,
// Authorize) against the request's Authorization header, writing the error
// response itself on failure. Every route that touches ApiKey-scoped state —
// chat, embeddings, models, and the admin surface — goes through this first.
func (s *Server) authenticate(ctx *fasthttp.RequestCtx, perm domain.Permission) (*domain.ApiKey, bool) {
	authHeader := string(ctx.Request.Header.Peek("Authorization"))
	key, err := s.eng.Dispatcher.Authenticate(ctx, authHeader)
	if err != nil {
		apierr.Write(ctx, err)
		return nil, false
	}
	if err := s.eng.Dispatcher.Authorize(key, perm); err != nil {
		apierr.Write(ctx, err)
		return nil, false
	}
	return key, true
}
