// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one LLM provider key is strictly required for the gateway to start.
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig
	Mistral   ProviderConfig

	// OpenAI-compatible providers.
	XAI        ProviderConfig
	DeepSeek   ProviderConfig
	Groq       ProviderConfig
	Together   ProviderConfig
	Perplexity ProviderConfig
	Cerebras   ProviderConfig
	Moonshot   ProviderConfig
	MiniMax    ProviderConfig
	Qwen       ProviderConfig
	Nebius     ProviderConfig
	NovitaAI   ProviderConfig
	ByteDance  ProviderConfig
	ZAI        ProviderConfig
	CanopyWave ProviderConfig
	Inference  ProviderConfig
	NanoGPT    ProviderConfig

	// Google Vertex AI (uses ADC instead of an API key).
	VertexAI VertexAIConfig

	// AWS Bedrock.
	Bedrock BedrockConfig

	// Azure OpenAI.
	Azure AzureConfig

	// Redis holds the connection URL for the Redis-backed cache and rate limiter.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// Failover controls multi-provider fallback behaviour.
	Failover FailoverConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AppBaseURL is loaded from APP_BASE_URL; no component reads it.
	AppBaseURL string

	// AllowClientAPIKeys, when true, lets Load succeed with no provider API key
	// configured. It has no other effect: client Authorization headers are
	// never forwarded upstream. Default: false.
	AllowClientAPIKeys bool

	// Sandbox controls resource caps for the spawn-cli adapter's container runs.
	Sandbox SandboxConfig

	// Resolver controls model→provider fallback defaults.
	Resolver ResolverConfig

	// Secrets controls the credential-encryption backend.
	Secrets SecretsConfig

	// Analytics controls the optional ClickHouse request-event sink.
	Analytics AnalyticsConfig

	// Health controls the background provider liveness probe loop.
	Health HealthConfig

	// BootstrapAPIKey, if set, is hashed and registered as an enabled ApiKey
	// with every permission on first boot — so a fresh deployment has at
	// least one usable credential without a separate admin call. Leave unset
	// in any environment that already has a persisted key store.
	BootstrapAPIKey string
}

// SandboxConfig holds sandbox settings. Only MaxConcurrent and MaxQueueSize
// are applied (to the shared Sandbox); Image, MemoryLimit, CPULimit and
// TimeoutSeconds are loaded but not applied to any spawn-cli provider, whose
// own SandboxSpec alone decides those values.
type SandboxConfig struct {
	// Image is the default container image. Default: "dyad-gateway/cli-sandbox:latest".
	Image string
	// MemoryLimit is the default per-run memory cap, e.g. "512m". Default: "512m".
	MemoryLimit string
	// CPULimit is the default per-run CPU cap, e.g. "1". Default: "1".
	CPULimit string
	// TimeoutSeconds bounds a single sandboxed invocation. Default: 30.
	TimeoutSeconds int
	// MaxConcurrent caps simultaneous sandbox runs across all providers. Default: 8.
	MaxConcurrent int
	// MaxQueueSize caps requests waiting for a sandbox slot before Overloaded
	// is returned. Default: 32.
	MaxQueueSize int
}

// ResolverConfig controls model→provider fallback defaults. The two TTL
// fields are loaded but not read: candidate lists and the GET /v1/models
// aggregate are recomputed on every request.
type ResolverConfig struct {
	// DefaultStrategy is used for any model with no configured FallbackPolicy.
	// Default: "priority".
	DefaultStrategy string
	// ProvidersTTL is loaded from RESOLVER_PROVIDERS_TTL (default 10s); unused.
	ProvidersTTL time.Duration
	// ModelsTTL is loaded from RESOLVER_MODELS_TTL (default 30s); unused.
	ModelsTTL time.Duration
}

// SecretsConfig controls the credential-encryption backend.
type SecretsConfig struct {
	// Production selects the AES-256-GCM encrypted store over the dev
	// plaintext-passthrough store. Default: false.
	Production bool
	// KMSKeyHex is the hex-encoded 32-byte default encryption key. Required
	// when Production is true.
	KMSKeyHex string
	// CredentialCacheSize bounds the in-process decrypted-credential LRU.
	// Default: 128.
	CredentialCacheSize int
	// CredentialCacheTTL bounds how long a decrypted credential is reused
	// before Rotate is forced to re-fetch. Default: 5m.
	CredentialCacheTTL time.Duration
}

// AnalyticsConfig controls the optional ClickHouse request-event sink. Empty
// DSN disables it entirely — Registry.RecordEvent is then a no-op.
type AnalyticsConfig struct {
	ClickHouseDSN   string
	ClickHouseTable string // default "gateway_requests"
}

// HealthConfig controls the background provider probe loop.
type HealthConfig struct {
	// Interval between probe rounds. Default: 30s.
	Interval time.Duration
	// Timeout bounds one probe round across all providers. Default: 5s.
	Timeout time.Duration
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	// Only the OpenAI entry passes it to its client; the Anthropic, Gemini and
	// Mistral clients always use their built-in endpoints.
	BaseURL string
}

// VertexAIConfig holds Google Vertex AI configuration.
// Auth is resolved via Application Default Credentials (ADC).
type VertexAIConfig struct {
	// Project is the Google Cloud project ID. Required.
	Project string
	// Location is the Vertex AI region. Default: "us-central1".
	Location string
}

// BedrockConfig holds AWS Bedrock configuration.
type BedrockConfig struct {
	// AccessKey is the AWS access key ID.
	AccessKey string
	// SecretKey is the AWS secret access key.
	SecretKey string
	// SessionToken is loaded from AWS_SESSION_TOKEN but not passed to the
	// Bedrock provider, so temporary STS credentials are not supported.
	SessionToken string
	// Region is the AWS region, e.g. "us-east-1".
	Region string
	// EndpointURL is loaded from BEDROCK_ENDPOINT_URL but not passed to the
	// Bedrock provider; the runtime endpoint is always derived from Region.
	EndpointURL string
}

// AzureConfig holds Azure OpenAI configuration.
type AzureConfig struct {
	// Endpoint is the Azure OpenAI resource URL,
	// e.g. "https://myresource.openai.azure.com".
	Endpoint string
	// APIKey is the Azure OpenAI resource key.
	APIKey string
	// APIVersion is the API version string, e.g. "2024-12-01-preview".
	APIVersion string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	// Example: ["gpt-4o-realtime", "claude-3-haiku"]
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against model
	// names. Requests whose model matches any pattern are not cached.
	// Example: ["^ft:", ".*-preview$"]
	ExcludePatterns []string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of consecutive errors that trip the breaker.
	// Default: 5.
	ErrorThreshold int

	// TimeWindow is validated as a positive duration but not passed to the
	// breaker: failures count toward ErrorThreshold however far apart they
	// are. Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 5m.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is loaded from RPM_LIMIT (default 0) but not read by the
	// engine; no global limit is enforced. Request and token budgets come
	// only from each ApiKey's RateLimits.
	RPMLimit int
}

// FailoverConfig controls multi-provider failover.
type FailoverConfig struct {
	// MaxRetries is validated (≥ 1) but not read by the Dispatcher; attempts
	// per request are capped by each FallbackPolicy's MaxAttempts. Default: 3.
	MaxRetries int

	// ProviderTimeout is loaded but not applied; provider HTTP clients use
	// the fixed providers.ProviderTimeout. Default: 30s.
	ProviderTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
// REDIS_URL is only required when CACHE_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "5m")

	// Failover defaults.
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// Client API key mode disabled by default.
	v.SetDefault("ALLOW_CLIENT_API_KEYS", false)

	// Sandbox defaults.
	v.SetDefault("SANDBOX_IMAGE", "dyad-gateway/cli-sandbox:latest")
	v.SetDefault("SANDBOX_MEMORY_LIMIT", "512m")
	v.SetDefault("SANDBOX_CPU_LIMIT", "1")
	v.SetDefault("SANDBOX_TIMEOUT_SECONDS", 30)
	v.SetDefault("SANDBOX_MAX_CONCURRENT", 8)
	v.SetDefault("SANDBOX_MAX_QUEUE_SIZE", 32)

	// Resolver defaults.
	v.SetDefault("RESOLVER_DEFAULT_STRATEGY", "priority")
	v.SetDefault("RESOLVER_PROVIDERS_TTL", "10s")
	v.SetDefault("RESOLVER_MODELS_TTL", "30s")

	// Secrets defaults.
	v.SetDefault("SECRETS_PRODUCTION", false)
	v.SetDefault("SECRETS_CREDENTIAL_CACHE_SIZE", 128)
	v.SetDefault("SECRETS_CREDENTIAL_CACHE_TTL", "5m")

	// Analytics defaults.
	v.SetDefault("ANALYTICS_CLICKHOUSE_TABLE", "gateway_requests")

	// Health probe defaults.
	v.SetDefault("HEALTH_INTERVAL", "30s")
	v.SetDefault("HEALTH_TIMEOUT", "5s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		Mistral:   ProviderConfig{APIKey: v.GetString("MISTRAL_API_KEY"), BaseURL: v.GetString("MISTRAL_BASE_URL")},

		// OpenAI-compatible providers
		XAI:        ProviderConfig{APIKey: v.GetString("XAI_API_KEY")},
		DeepSeek:   ProviderConfig{APIKey: v.GetString("DEEPSEEK_API_KEY")},
		Groq:       ProviderConfig{APIKey: v.GetString("GROQ_API_KEY")},
		Together:   ProviderConfig{APIKey: v.GetString("TOGETHER_API_KEY")},
		Perplexity: ProviderConfig{APIKey: v.GetString("PERPLEXITY_API_KEY")},
		Cerebras:   ProviderConfig{APIKey: v.GetString("CEREBRAS_API_KEY")},
		Moonshot:   ProviderConfig{APIKey: v.GetString("MOONSHOT_API_KEY")},
		MiniMax:    ProviderConfig{APIKey: v.GetString("MINIMAX_API_KEY")},
		Qwen:       ProviderConfig{APIKey: v.GetString("QWEN_API_KEY")},
		Nebius:     ProviderConfig{APIKey: v.GetString("NEBIUS_API_KEY")},
		NovitaAI:   ProviderConfig{APIKey: v.GetString("NOVITA_API_KEY")},
		ByteDance:  ProviderConfig{APIKey: v.GetString("BYTEDANCE_API_KEY")},
		ZAI:        ProviderConfig{APIKey: v.GetString("ZAI_API_KEY")},
		CanopyWave: ProviderConfig{APIKey: v.GetString("CANOPYWAVE_API_KEY")},
		Inference:  ProviderConfig{APIKey: v.GetString("INFERENCE_API_KEY")},
		NanoGPT:    ProviderConfig{APIKey: v.GetString("NANOGPT_API_KEY")},

		// Google Vertex AI
		VertexAI: VertexAIConfig{
			Project:  v.GetString("VERTEX_PROJECT"),
			Location: v.GetString("VERTEX_LOCATION"),
		},

		// AWS Bedrock
		Bedrock: BedrockConfig{
			AccessKey:    v.GetString("AWS_ACCESS_KEY_ID"),
			SecretKey:    v.GetString("AWS_SECRET_ACCESS_KEY"),
			SessionToken: v.GetString("AWS_SESSION_TOKEN"),
			Region:       v.GetString("AWS_REGION"),
			EndpointURL:  v.GetString("BEDROCK_ENDPOINT_URL"),
		},

		// Azure OpenAI
		Azure: AzureConfig{
			Endpoint:   v.GetString("AZURE_OPENAI_ENDPOINT"),
			APIKey:     v.GetString("AZURE_OPENAI_API_KEY"),
			APIVersion: v.GetString("AZURE_OPENAI_API_VERSION"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Failover: FailoverConfig{
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AppBaseURL:  v.GetString("APP_BASE_URL"),

		AllowClientAPIKeys: v.GetBool("ALLOW_CLIENT_API_KEYS"),

		Sandbox: SandboxConfig{
			Image:          v.GetString("SANDBOX_IMAGE"),
			MemoryLimit:    v.GetString("SANDBOX_MEMORY_LIMIT"),
			CPULimit:       v.GetString("SANDBOX_CPU_LIMIT"),
			TimeoutSeconds: v.GetInt("SANDBOX_TIMEOUT_SECONDS"),
			MaxConcurrent:  v.GetInt("SANDBOX_MAX_CONCURRENT"),
			MaxQueueSize:   v.GetInt("SANDBOX_MAX_QUEUE_SIZE"),
		},

		Resolver: ResolverConfig{
			DefaultStrategy: strings.ToLower(v.GetString("RESOLVER_DEFAULT_STRATEGY")),
			ProvidersTTL:    v.GetDuration("RESOLVER_PROVIDERS_TTL"),
			ModelsTTL:       v.GetDuration("RESOLVER_MODELS_TTL"),
		},

		Secrets: SecretsConfig{
			Production:          v.GetBool("SECRETS_PRODUCTION"),
			KMSKeyHex:           v.GetString("SECRETS_KMS_KEY_HEX"),
			CredentialCacheSize: v.GetInt("SECRETS_CREDENTIAL_CACHE_SIZE"),
			CredentialCacheTTL:  v.GetDuration("SECRETS_CREDENTIAL_CACHE_TTL"),
		},

		Analytics: AnalyticsConfig{
			ClickHouseDSN:   v.GetString("ANALYTICS_CLICKHOUSE_DSN"),
			ClickHouseTable: v.GetString("ANALYTICS_CLICKHOUSE_TABLE"),
		},

		Health: HealthConfig{
			Interval: v.GetDuration("HEALTH_INTERVAL"),
			Timeout:  v.GetDuration("HEALTH_TIMEOUT"),
		},

		BootstrapAPIKey: v.GetString("BOOTSTRAP_API_KEY"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// At least one provider must be configured unless client-supplied keys are enabled.
	if !c.AllowClientAPIKeys && !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, MISTRAL_API_KEY, " +
				"XAI_API_KEY, DEEPSEEK_API_KEY, GROQ_API_KEY, TOGETHER_API_KEY, " +
				"PERPLEXITY_API_KEY, CEREBRAS_API_KEY, MOONSHOT_API_KEY, MINIMAX_API_KEY, " +
				"QWEN_API_KEY, NEBIUS_API_KEY, NOVITA_API_KEY, BYTEDANCE_API_KEY, " +
				"ZAI_API_KEY, CANOPYWAVE_API_KEY, INFERENCE_API_KEY, NANOGPT_API_KEY, " +
				"VERTEX_PROJECT, AWS_ACCESS_KEY_ID, or AZURE_OPENAI_API_KEY). " +
				"Set ALLOW_CLIENT_API_KEYS=true to require clients to supply their own keys.",
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Failover.MaxRetries)
	}

	if c.Secrets.Production && c.Secrets.KMSKeyHex == "" {
		return fmt.Errorf("config: SECRETS_KMS_KEY_HEX is required when SECRETS_PRODUCTION=true")
	}

	switch c.Resolver.DefaultStrategy {
	case "priority", "round_robin", "random", "health_based", "none":
	default:
		return fmt.Errorf(
			"config: invalid RESOLVER_DEFAULT_STRATEGY %q; must be one of: priority, round_robin, random, health_based, none",
			c.Resolver.DefaultStrategy,
		)
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Mistral.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.Groq.APIKey != "" ||
		c.Together.APIKey != "" ||
		c.Perplexity.APIKey != "" ||
		c.Cerebras.APIKey != "" ||
		c.Moonshot.APIKey != "" ||
		c.MiniMax.APIKey != "" ||
		c.Qwen.APIKey != "" ||
		c.Nebius.APIKey != "" ||
		c.NovitaAI.APIKey != "" ||
		c.ByteDance.APIKey != "" ||
		c.ZAI.APIKey != "" ||
		c.CanopyWave.APIKey != "" ||
		c.Inference.APIKey != "" ||
		c.NanoGPT.APIKey != "" ||
		c.VertexAI.Project != "" ||
		c.Bedrock.AccessKey != "" ||
		c.Azure.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
