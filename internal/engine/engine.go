package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dyadgw/gateway/internal/breaker"
	"github.com/dyadgw/gateway/internal/cache"
	"github.com/dyadgw/gateway/internal/config"
	"github.com/dyadgw/gateway/internal/credentials"
	"github.com/dyadgw/gateway/internal/dispatch"
	"github.com/dyadgw/gateway/internal/domain"
	"github.com/dyadgw/gateway/internal/health"
	"github.com/dyadgw/gateway/internal/metrics"
	"github.com/dyadgw/gateway/internal/ratelimit"
	"github.com/dyadgw/gateway/internal/resolver"
	"github.com/dyadgw/gateway/internal/sandbox"
	"github.com/dyadgw/gateway/internal/secrets"
)

// Engine owns every long-lived component and is the sole construction site
// for the Dispatcher — no package below this one reaches for a global or a
// package-level singleton.
type Engine struct {
	cfg     *config.Config
	log     *slog.Logger
	baseCtx context.Context

	Secrets     secrets.Provider
	Credentials *credentials.Service
	Breaker     *breaker.CircuitBreaker
	RateLimiter *ratelimit.Limiter
	Resolver    *resolver.Resolver
	Health      *health.Monitor
	Metrics     *metrics.Registry
	Sandbox     *sandbox.Sandbox

	Providers *ProviderStore
	ApiKeys   *ApiKeyStore
	Policies  *PolicyStore
	Usage     *UsageStore

	Dispatcher *dispatch.Dispatcher

	// Cache is the response cache consulted by httpapi's non-streaming chat
	// path, nil when CACHE_MODE=none. CacheExclusions and CacheTTL are nil/
	// zero in that case too.
	Cache           cache.Cache
	CacheExclusions *cache.ExclusionList
	CacheTTL        time.Duration

	analyticsSink *metrics.ClickHouseSink
	memCache      *cache.MemoryCache
	rdb           *redis.Client
}

// healthProber adapts ProviderStore + the Dispatcher's cached runtimes into
// the health.Prober map health.New wants, without making health depend on
// dispatch: each prober just asks the Dispatcher to build/reuse the runtime
// and forwards HealthCheck to it.
type healthProber struct {
	id  string
	eng *Engine
}

func (p healthProber) HealthCheck(ctx context.Context) error {
	provider, err := p.eng.Providers.ProviderByID(p.id)
	if err != nil {
		return err
	}
	rt, err := p.eng.Dispatcher.RuntimeFor(ctx, provider)
	if err != nil {
		return err
	}
	return rt.HealthCheck(ctx)
}

// healthSink forwards HealthMonitor transitions into the Prometheus gauge.
type healthSink struct{ m *metrics.Registry }

func (s healthSink) SetProviderHealth(providerID string, healthy bool) {
	s.m.SetProviderHealth(providerID, healthy)
}

// New builds every component in dependency order and returns a ready-to-run
// Engine. Nothing here performs network I/O except the Redis dial (when
// CACHE_MODE=redis) and the optional ClickHouse dial — provider clients
// themselves are built lazily by the Dispatcher on
// first dispatch, matching the teacher's lazy-runtime-cache design.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Engine, error) {
	if ctx == nil {
		return nil, fmt.Errorf("engine: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	e := &Engine{cfg: cfg, log: log, baseCtx: ctx}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"secrets", e.initSecrets},
		{"components", e.initComponents},
		{"providers", e.initProviders},
		{"dispatcher", e.initDispatcher},
		{"health", e.initHealth},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			e.Close()
			return nil, fmt.Errorf("engine: init %s: %w", s.name, err)
		}
	}

	return e, nil
}

func (e *Engine) initSecrets(_ context.Context) error {
	if e.cfg.Secrets.Production {
		key, err := hex.DecodeString(e.cfg.Secrets.KMSKeyHex)
		if err != nil {
			return fmt.Errorf("decode SECRETS_KMS_KEY_HEX: %w", err)
		}
		enc, err := secrets.NewEncrypted("default", key)
		if err != nil {
			return err
		}
		e.Secrets = enc
	} else {
		dev, err := secrets.NewDev(false)
		if err != nil {
			return err
		}
		e.Secrets = dev
	}
	return nil
}

func (e *Engine) initComponents(_ context.Context) error {
	e.Credentials = credentials.New(e.Secrets, e.cfg.Secrets.CredentialCacheSize, e.cfg.Secrets.CredentialCacheTTL)
	e.Credentials.EnvFallback = true

	e.Breaker = breaker.New(breaker.Config{
		FailureThreshold: e.cfg.CircuitBreaker.ErrorThreshold,
		ResetTimeout:     e.cfg.CircuitBreaker.HalfOpenTimeout,
	})

	var rdb *redis.Client
	if e.cfg.Cache.Mode == "redis" && e.cfg.Redis.URL != "" {
		var err error
		rdb, err = connectRedis(e.baseCtx, e.cfg.Redis.URL)
		if err != nil {
			e.log.Warn("engine: redis unavailable, falling back to in-memory rate limiter and cache", slog.String("error", err.Error()))
			rdb = nil
		}
	}
	if rdb != nil {
		e.rdb = rdb
		e.RateLimiter = ratelimit.NewRedis(rdb)
	} else {
		e.RateLimiter = ratelimit.NewMemory()
	}

	switch e.cfg.Cache.Mode {
	case "redis":
		if rdb != nil {
			e.Cache = cache.NewExactCacheFromClient(rdb)
			e.log.Info("cache backend: redis")
		} else {
			e.log.Info("cache backend: memory (redis unavailable, fell back)")
			e.memCache = cache.NewMemoryCache(e.baseCtx)
			e.Cache = e.memCache
		}
	case "memory":
		e.memCache = cache.NewMemoryCache(e.baseCtx)
		e.Cache = e.memCache
		e.log.Info("cache backend: memory (in-process)")
	case "none", "":
		e.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", e.cfg.Cache.Mode)
	}
	e.CacheTTL = e.cfg.Cache.TTL

	if len(e.cfg.Cache.ExcludeExact) > 0 || len(e.cfg.Cache.ExcludePatterns) > 0 {
		el, err := cache.NewExclusionList(e.cfg.Cache.ExcludeExact, e.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		e.CacheExclusions = el
		e.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	e.Metrics = metrics.New()
	if e.cfg.Analytics.ClickHouseDSN != "" {
		sink, err := metrics.NewClickHouseSink(e.cfg.Analytics.ClickHouseDSN, e.cfg.Analytics.ClickHouseTable, e.log)
		if err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
		e.analyticsSink = sink
		e.Metrics.SetAnalyticsSink(sink)
	}

	e.Sandbox = sandbox.New(e.cfg.Sandbox.MaxConcurrent, e.cfg.Sandbox.MaxQueueSize)

	e.Providers = NewProviderStore()
	e.ApiKeys = NewApiKeyStore()
	e.Policies = NewPolicyStore(domain.FallbackStrategy(e.cfg.Resolver.DefaultStrategy))
	e.Usage = NewUsageStore()

	e.Resolver = resolver.New(e.Providers, e.Metrics)

	return nil
}

func (e *Engine) initProviders(ctx context.Context) error {
	providers, creds := seedProviders(e.cfg)
	for _, p := range providers {
		if err := e.Providers.Put(p); err != nil {
			return fmt.Errorf("provider %s: %w", p.ID, err)
		}
	}
	for id, key := range creds {
		if err := e.Credentials.StoreCredential(ctx, id, "api_key", []byte(key)); err != nil {
			return fmt.Errorf("store credential for %s: %w", id, err)
		}
	}
	if len(providers) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	if e.cfg.BootstrapAPIKey != "" {
		key, token, err := bootstrapApiKey(e.cfg.BootstrapAPIKey)
		if err != nil {
			return err
		}
		e.ApiKeys.Put(key)
		e.log.Info("engine: bootstrap api key registered", slog.String("prefix", key.Prefix), slog.String("id", key.ID))
		_ = token // the plaintext is the operator-supplied BOOTSTRAP_API_KEY itself; nothing further to surface
	}

	return nil
}

// bootstrapApiKey hashes a single operator-supplied plaintext token (rather
// than generating a random one via IssueApiKey) so BOOTSTRAP_API_KEY is
// reproducible across restarts without a persisted key store.
func bootstrapApiKey(plaintext string) (*domain.ApiKey, string, error) {
	if len(plaintext) < keyPrefixLen {
		return nil, "", fmt.Errorf("engine: BOOTSTRAP_API_KEY must be at least %d characters", keyPrefixLen)
	}
	salt, err := randomHex(saltBytes)
	if err != nil {
		return nil, "", err
	}
	return &domain.ApiKey{
		ID: "bootstrap", Prefix: plaintext[:keyPrefixLen],
		Hash: hashToken(plaintext, salt), Salt: salt,
		Enabled:     true,
		Permissions: []domain.Permission{domain.PermChat, domain.PermEmbeddings, domain.PermModels, domain.PermAdmin},
	}, plaintext, nil
}

func (e *Engine) initDispatcher(_ context.Context) error {
	e.Dispatcher = dispatch.New(
		e.ApiKeys, e.Providers, e.Policies, e.RateLimiter, e.Resolver,
		e.Breaker, e.Credentials, e.Sandbox, e.Metrics, e.Usage, e.log,
		dispatch.Config{},
	)
	return nil
}

func (e *Engine) initHealth(_ context.Context) error {
	probers := make(map[string]health.Prober, len(e.Providers.All()))
	for _, p := range e.Providers.All() {
		probers[p.ID] = healthProber{id: p.ID, eng: e}
	}
	e.Health = health.New(probers, healthSink{e.Metrics}, e.cfg.Health.Interval, e.cfg.Health.Timeout)
	return nil
}

// Run starts background loops (health probing, async analytics flush) and
// blocks until ctx is cancelled, then closes the Engine. serve is the
// transport loop (an httpapi.Server's ListenAndServe, or any long-running
// function) run alongside them — Engine has no opinion on the wire protocol
// beyond the Dispatcher's request/response shapes.
func (e *Engine) Run(ctx context.Context, serve func(context.Context) error) error {
	e.Health.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		e.Close()
		return nil
	})
	return g.Wait()
}

// Close releases every resource in reverse-init order. Safe to call more
// than once.
func (e *Engine) Close() {
	if e.Health != nil {
		e.Health.Stop()
	}
	if e.Sandbox != nil {
		e.Sandbox.Cleanup()
	}
	if e.memCache != nil {
		e.memCache.Close()
	}
	if e.rdb != nil {
		if err := e.rdb.Close(); err != nil {
			e.log.Error("engine: redis close error", slog.String("error", err.Error()))
		}
		e.rdb = nil
	}
	if e.analyticsSink != nil {
		if err := e.analyticsSink.Close(); err != nil {
			e.log.Error("engine: analytics sink close error", slog.String("error", err.Error()))
		}
		e.analyticsSink = nil
	}
}
