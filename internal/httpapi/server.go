// Package httpapi binds an internal/engine.Engine to the wire: OpenAI-
// compatible chat/embeddings/models routes plus the administrative capability
// surface, served over fasthttp.
//
// Grounded on the teacher's internal/proxy router.go/middleware.go/gateway.go
// for the transport shape (fasthttp + fasthttp/router, the same middleware
// chain, the same request-parse/authenticate/dispatch/emit flow) — rewired
// to call through the Engine's Dispatcher instead of holding its own provider
// map, cache, and circuit breaker directly.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/dyadgw/gateway/internal/engine"
)

// Server binds an Engine's capabilities to HTTP routes.
type Server struct {
	eng         *engine.Engine
	log         *slog.Logger
	corsOrigins []string
}

// New constructs a Server. log defaults to slog.Default() if nil.
func New(eng *engine.Engine, log *slog.Logger, corsOrigins []string) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{eng: eng, log: log, corsOrigins: corsOrigins}
}

// Handler builds the fully wired fasthttp.RequestHandler: every route
// registered, the teacher's middleware chain applied around all of them.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.POST("/v1/embeddings", s.handleEmbeddings)
	r.GET("/v1/models", s.handleListModels)

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	r.GET("/metrics", s.eng.Metrics.Handler())

	// Admin routes take their target provider/key ID from the request body
	// or query string rather than the URL path — the capability methods in
	// internal/engine/admin.go are keyed by ID, not by a REST resource path,
	// so there is no sub-path segment worth round-tripping through the
	// router's own parameter matching.
	r.POST("/admin/keys", s.handleIssueApiKey)
	r.POST("/admin/keys/enabled", s.handleSetApiKeyEnabled)
	r.POST("/admin/providers/enabled", s.handleSetProviderEnabled)
	r.GET("/admin/providers/breaker", s.handleBreakerStatus)
	r.POST("/admin/providers/breaker/reset", s.handleBreakerReset)
	r.POST("/admin/providers/breaker/open", s.handleBreakerOpen)
	r.GET("/admin/providers/reliability", s.handleReliabilityStats)
	r.POST("/admin/policies", s.handleSetFallbackPolicy)

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// ListenAndServe starts a fasthttp.Server on addr with the teacher's
// timeouts. Blocks until the listener errors or is closed.
func (s *Server) ListenAndServe(addr string) error {
	srv := &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.eng.HealthSnapshot())
}

// handleReadiness reports unavailable only once at least one provider has
// been probed unhealthy and none are healthy yet — an empty or all-"unknown"
// snapshot (startup warm-up) is still considered ready, matching the
// teacher's health.Monitor "unknown until first probe" semantics.
func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	snap := s.eng.HealthSnapshot()
	ready := true
	sawKnown := false
	for _, st := range snap {
		if st.Status == "unknown" {
			continue
		}
		sawKnown = true
		if st.Status == "healthy" {
			ready = true
			break
		}
		ready = false
	}
	if !sawKnown {
		ready = true
	}
	if !ready {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
