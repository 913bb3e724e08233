// Package dispatch implements the Dispatcher (component C9): the seven-step
// orchestration that turns an authenticated HTTP request into an upstream
// call — authenticate, authorize, admit, resolve, dispatch-with-fallback,
// emit, account.
//
// Grounded on the teacher's internal/proxy/gateway.go (overall per-request
// flow and the sub-deadline-per-attempt discipline) and failover.go (the
// attempt loop: circuit breaker gate, invoke, record outcome, continue on
// failure). Generalized from the teacher's fixed provider list to the
// Resolver's policy-ordered candidate list, and from the teacher's single
// built-in credential lookup to CredentialService.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dyadgw/gateway/internal/adapter"
	"github.com/dyadgw/gateway/internal/breaker"
	"github.com/dyadgw/gateway/internal/credentials"
	"github.com/dyadgw/gateway/internal/domain"
	"github.com/dyadgw/gateway/internal/metrics"
	"github.com/dyadgw/gateway/internal/providers"
	"github.com/dyadgw/gateway/internal/ratelimit"
	"github.com/dyadgw/gateway/internal/resolver"
	"github.com/dyadgw/gateway/internal/sandbox"
	"github.com/dyadgw/gateway/pkg/apierr"
)

// ProviderRegistry is the read side of the provider catalog the Dispatcher
// needs beyond what Resolver already consults: resolving a candidate ID
// (returned by Resolver) back to the full Provider record.
type ProviderRegistry interface {
	resolver.Registry
	ProviderByID(id string) (*domain.Provider, error)
}

// PolicyStore resolves the FallbackPolicy for a model. A zero-value
// FallbackPolicy (Strategy "") is a valid "no policy configured" response —
// Resolver treats it as the priority-strategy default.
type PolicyStore interface {
	PolicyForModel(model string) domain.FallbackPolicy
}

// UsageRecorder persists ApiKey usage counters. Kept external to this
// package (rather than mutating domain.ApiKey's fields directly) because
// domain.Provider's own doc comment establishes the convention that mutable
// records are owned by the admin surface, not the request hot path; the
// Dispatcher only ever reports deltas.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, apiKeyID string, requests, tokens int64)
}

// Config tunes the Dispatcher's own behavior, independent of the components
// it wires together.
type Config struct {
	// AttemptTimeout bounds a single candidate invocation; the Dispatcher
	// never waits longer than this even if the client's context allows more.
	// Default 60s.
	AttemptTimeout time.Duration
}

func (c Config) attemptTimeout() time.Duration {
	if c.AttemptTimeout > 0 {
		return c.AttemptTimeout
	}
	return 60 * time.Second
}

// Dispatcher wires every other component into the end-to-end request flow.
type Dispatcher struct {
	ApiKeys     ApiKeyStore
	Providers   ProviderRegistry
	Policies    PolicyStore
	RateLimiter *ratelimit.Limiter
	Resolver    *resolver.Resolver
	Breaker     *breaker.CircuitBreaker
	Credentials *credentials.Service
	Sandbox     *sandbox.Sandbox // nil if no provider uses spawn-cli
	Metrics     *metrics.Registry // nil disables metrics/analytics emission
	Usage       UsageRecorder     // nil disables usage persistence
	Logger      *slog.Logger
	Config      Config

	mu       sync.RWMutex
	runtimes map[string]adapter.Runtime

	// buildRuntime defaults to adapter.Build; overridable only by tests in
	// this package, so attemptLoop's circuit-breaker/retry/accounting logic
	// is exercisable without constructing real upstream adapters.
	buildRuntime func(ctx context.Context, p *domain.Provider, credential []byte, sbx *sandbox.Sandbox) (adapter.Runtime, error)
}

// New constructs a Dispatcher. Logger defaults to slog.Default() if nil.
func New(apiKeys ApiKeyStore, providers ProviderRegistry, policies PolicyStore, rl *ratelimit.Limiter, rv *resolver.Resolver, cb *breaker.CircuitBreaker, creds *credentials.Service, sbx *sandbox.Sandbox, mx *metrics.Registry, usage UsageRecorder, logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		ApiKeys: apiKeys, Providers: providers, Policies: policies,
		RateLimiter: rl, Resolver: rv, Breaker: cb, Credentials: creds,
		Sandbox: sbx, Metrics: mx, Usage: usage, Logger: logger, Config: cfg,
		runtimes:     make(map[string]adapter.Runtime),
		buildRuntime: adapter.Build,
	}
}

// Settlement carries the bookkeeping an Emit-phase caller needs to later
// call Account, once true output-token counts are known (immediately for a
// non-streaming response, or from StreamPipe's onDone for a streaming one).
type Settlement struct {
	ProviderID      string
	EstimatedTokens int
	InputTokens     int
}

// Chat runs steps 3-6 (Admit, Resolve, Dispatch loop, Emit) for a chat
// completion. Authenticate/Authorize are separate methods so the HTTP layer
// can apply them uniformly across chat/embeddings/models before knowing
// which operation it's handling.
func (d *Dispatcher) Chat(ctx context.Context, key *domain.ApiKey, req *providers.ProxyRequest) (*providers.ProxyResponse, *Settlement, error) {
	estimated := EstimateTokens(req.Model, req.Messages, req.MaxTokens)
	if err := d.admit(ctx, key, estimated); err != nil {
		return nil, nil, err
	}

	policy := d.Policies.PolicyForModel(req.Model)
	candidateIDs, err := d.Resolver.Resolve(req.Model, policy, key)
	if err != nil {
		if errors.Is(err, resolver.ErrNoCandidates) {
			return nil, nil, apierr.New(apierr.KindClient, "model_not_found", "no enabled provider serves model "+req.Model)
		}
		return nil, nil, apierr.Wrap(apierr.KindInternal, "resolve_failed", "failed to resolve candidate providers", err)
	}

	resp, providerID, err := d.attemptLoop(ctx, candidateIDs, policy, func(ctx context.Context, rt adapter.Runtime) (*providers.ProxyResponse, error) {
		return rt.Chat(ctx, req)
	})
	if err != nil {
		return nil, nil, err
	}
	return resp, &Settlement{ProviderID: providerID, EstimatedTokens: estimated, InputTokens: resp.Usage.InputTokens}, nil
}

// Embed runs the equivalent flow for an embeddings request.
func (d *Dispatcher) Embed(ctx context.Context, key *domain.ApiKey, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, *Settlement, error) {
	estimated := estimateEmbeddingTokens(req)
	if err := d.admit(ctx, key, estimated); err != nil {
		return nil, nil, err
	}

	policy := d.Policies.PolicyForModel(req.Model)
	candidateIDs, err := d.Resolver.Resolve(req.Model, policy, key)
	if err != nil {
		if errors.Is(err, resolver.ErrNoCandidates) {
			return nil, nil, apierr.New(apierr.KindClient, "model_not_found", "no enabled provider serves model "+req.Model)
		}
		return nil, nil, apierr.Wrap(apierr.KindInternal, "resolve_failed", "failed to resolve candidate providers", err)
	}

	var resp *providers.EmbeddingResponse
	_, providerID, err := d.attemptLoop(ctx, candidateIDs, policy, func(ctx context.Context, rt adapter.Runtime) (*providers.ProxyResponse, error) {
		embedder, ok := rt.(adapter.EmbeddingRuntime)
		if !ok {
			return nil, apierr.New(apierr.KindConfiguration, "embeddings_unsupported", "provider "+rt.Name()+" does not support embeddings")
		}
		r, err := embedder.Embed(ctx, req)
		if err != nil {
			return nil, err
		}
		resp = r
		return &providers.ProxyResponse{Model: r.Model, Usage: r.Usage}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return resp, &Settlement{ProviderID: providerID, EstimatedTokens: estimated, InputTokens: resp.Usage.InputTokens}, nil
}

func (d *Dispatcher) admit(ctx context.Context, key *domain.ApiKey, estimatedTokens int) error {
	budgets := ratelimit.Budgets{
		RPM: key.RateLimits.RPM, RPD: key.RateLimits.RPD,
		TPM: key.RateLimits.TPM, TPD: key.RateLimits.TPD,
	}
	if err := d.RateLimiter.AdmitRequest(ctx, key.ID, budgets); err != nil {
		return rateLimitError(err)
	}
	if err := d.RateLimiter.AdmitTokens(ctx, key.ID, budgets, estimatedTokens); err != nil {
		return rateLimitError(err)
	}
	return nil
}

func rateLimitError(err error) error {
	var rej *ratelimit.Rejected
	if errors.As(err, &rej) {
		return apierr.New(apierr.KindRateLimit, "rate_limit_exceeded", err.Error()).
			WithDetails(map[string]any{"reason": string(rej.Reason), "retry_after_seconds": int(time.Until(rej.RetryAt).Seconds())})
	}
	return apierr.Wrap(apierr.KindInternal, "rate_limiter_error", "rate limiter failure", err)
}

// attemptFn invokes the adapter for one candidate; its *providers.ProxyResponse
// return value only needs a populated Usage field for settlement accounting
// in the embeddings case (the Chat case returns the real response directly).
type attemptFn func(ctx context.Context, rt adapter.Runtime) (*providers.ProxyResponse, error)

// attemptLoop is step 5: for each candidate, circuit-breaker gate, resolve
// credential, build/reuse the adapter runtime, invoke under a sub-deadline,
// record the outcome, and continue to the next candidate on failure.
func (d *Dispatcher) attemptLoop(ctx context.Context, candidateIDs []string, policy domain.FallbackPolicy, attempt attemptFn) (*providers.ProxyResponse, string, error) {
	causes := make(map[string]string, len(candidateIDs))
	retryDelay := time.Duration(policy.RetryDelayMs) * time.Millisecond

	for i, id := range candidateIDs {
		if i > 0 && retryDelay > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil, "", apierr.Wrap(apierr.KindClient, "request_cancelled", "client cancelled the request", ctx.Err())
			}
		}

		if !d.Breaker.Allow(id) {
			causes[id] = "circuit_open"
			continue
		}

		provider, err := d.Providers.ProviderByID(id)
		if err != nil || provider == nil {
			causes[id] = "provider_lookup_failed"
			continue
		}

		rt, err := d.runtimeFor(ctx, provider)
		if err != nil {
			d.Breaker.RecordFailure(id)
			causes[id] = err.Error()
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.Config.attemptTimeout())
		start := time.Now()
		resp, err := attempt(attemptCtx, rt)
		cancel()
		elapsed := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				return nil, "", apierr.Wrap(apierr.KindClient, "request_cancelled", "client cancelled the request", ctx.Err())
			}
			d.Breaker.RecordFailure(id)
			if d.Metrics != nil {
				d.Metrics.ObserveUpstreamAttempt(id, "chat", "failure", elapsed)
				d.Metrics.RecordOutcome(id, false)
			}
			causes[id] = err.Error()
			d.Logger.Warn("dispatch: candidate failed", slog.String("provider", id), slog.String("error", err.Error()))
			continue
		}

		d.Breaker.RecordSuccess(id)
		if d.Metrics != nil {
			d.Metrics.ObserveUpstreamAttempt(id, "chat", "success", elapsed)
			d.Metrics.RecordOutcome(id, true)
		}
		return resp, id, nil
	}

	if d.Metrics != nil && len(candidateIDs) > 0 {
		d.Metrics.RecordFailoverExhausted(candidateIDs[0])
	}
	return nil, "", apierr.New(apierr.KindAllProviders, "all_providers_failed", "every candidate provider failed").
		WithDetails(map[string]any{"causes": causes})
}

// runtimeFor returns the cached AdapterRuntime for provider, building and
// caching it on first use. Resolving the credential happens here so a
// provider with no configured candidates never touches CredentialService.
// RuntimeFor exposes runtimeFor to callers outside the package — the
// HealthMonitor's Prober needs the same cached-or-built Runtime the
// dispatch loop uses, rather than constructing a second one of its own.
func (d *Dispatcher) RuntimeFor(ctx context.Context, provider *domain.Provider) (adapter.Runtime, error) {
	return d.runtimeFor(ctx, provider)
}

func (d *Dispatcher) runtimeFor(ctx context.Context, provider *domain.Provider) (adapter.Runtime, error) {
	d.mu.RLock()
	rt, ok := d.runtimes[provider.ID]
	d.mu.RUnlock()
	if ok {
		return rt, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if rt, ok := d.runtimes[provider.ID]; ok {
		return rt, nil
	}

	var credential []byte
	if len(provider.CredentialRefs) > 0 {
		v, err := d.Credentials.Get(ctx, provider.ID, provider.CredentialRefs[0])
		if err != nil {
			return nil, apierr.Wrap(apierr.KindConfiguration, "credential_unavailable", "failed to resolve credential for "+provider.Slug, err)
		}
		credential = v
	}

	rt, err := d.buildRuntime(ctx, provider, credential, d.Sandbox)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindConfiguration, "adapter_build_failed", "failed to construct adapter for "+provider.Slug, err)
	}
	d.runtimes[provider.ID] = rt
	return rt, nil
}

// InvalidateRuntime drops the cached AdapterRuntime for providerID, forcing
// the next dispatch to rebuild it (e.g. after CredentialService.Rotate or an
// admin-surface provider config change).
func (d *Dispatcher) InvalidateRuntime(providerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.runtimes, providerID)
}

// Account is step 7: true-up the speculative token admission and publish
// outcome metrics/analytics. Called synchronously for a non-streaming
// response, or from StreamPipe's onDone for a streaming one — either way it
// never blocks the client response, so the HTTP layer should invoke it in a
// goroutine once the response (or stream) has actually been sent. success is
// whether the response (or, for a stream, the stream itself) completed
// cleanly — a stream that breaks mid-transmission after the adapter call
// already succeeded is recorded as a failed outcome in the provider's metrics
// success rate, since the attemptLoop recorded success the moment the
// adapter returned, before any chunk had actually reached the client. The
// circuit breaker's state is not touched here.
func (d *Dispatcher) Account(ctx context.Context, key *domain.ApiKey, s *Settlement, outputTokens int, success bool) {
	actual := s.InputTokens + outputTokens
	d.RateLimiter.SettleTokens(ctx, key.ID, s.EstimatedTokens, actual)
	if d.Usage != nil {
		d.Usage.RecordUsage(ctx, key.ID, 1, int64(actual))
	}
	if d.Metrics != nil {
		if !success {
			d.Metrics.RecordOutcome(s.ProviderID, false)
		}
		d.Metrics.AddTokens(s.ProviderID, "chat", s.InputTokens, outputTokens, false)
		d.Metrics.RecordEvent(ctx, metrics.RequestEvent{
			ApiKeyID: key.ID, Provider: s.ProviderID, Route: "chat",
			InputTokens: s.InputTokens, OutputTokens: outputTokens,
		})
	}
}

func estimateEmbeddingTokens(req *providers.EmbeddingRequest) int {
	chars := 0
	for _, s := range req.Input {
		chars += len(s)
	}
	return chars / 4
}
