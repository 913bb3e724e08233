// Package domain holds the gateway's core data model: the types the engine
// reads from the ProviderRegistry and ApiKey store, and the records it
// maintains itself (circuit breaker state, fallback policy). Nothing here
// touches persistence — the registry/store are external collaborators; this
// package only names the shapes they hand the engine.
package domain

import "time"

// AdapterKind discriminates the four upstream invocation shapes a Provider
// can expose. Each kind has a distinct adapterConfig shape — see AdapterConfig.
type AdapterKind string

const (
	AdapterSpawnCLI AdapterKind = "spawn-cli"
	AdapterHTTPSDK  AdapterKind = "http-sdk"
	AdapterProxy    AdapterKind = "proxy"
	AdapterLocal    AdapterKind = "local"
)

// HealthStatus is the last-observed liveness of a provider, published by the
// HealthMonitor. It never feeds back into the CircuitBreaker.
type HealthStatus struct {
	Status    string // "healthy", "unhealthy", "unknown"
	CheckedAt time.Time
	Reason    string
}

// ModelMapping translates a public dyadModelId to the upstream-native
// adapterModelId and records its capabilities.
type ModelMapping struct {
	DyadModelID        string
	AdapterModelID     string
	MaxTokens          int
	ContextWindow      int
	SupportsStreaming  bool
	SupportsEmbeddings bool
}

// Provider is the engine's read-only view of a configured upstream. It is
// created and mutated only by the admin surface (external to this repo); the
// engine observes it through a ProviderRegistry and invalidates caches on
// change notification.
type Provider struct {
	ID             string
	Slug           string
	Name           string
	Type           AdapterKind
	Enabled        bool
	AdapterConfig  AdapterConfig
	Models         []ModelMapping
	CredentialRefs []string // logical secret names, never raw credentials
	RateLimitHints RateLimitHints
	HealthStatus   HealthStatus
	Priority       int // ascending: lower = preferred, used by "priority" strategy
}

// RateLimitHints are provider-side hints (not enforced on the client key
// path — that is RateLimiter's job) used by capacity planning / health
// scoring.
type RateLimitHints struct {
	MaxConcurrent int
}

// AdapterConfig is a tagged variant: exactly one of the four embedded structs
// is populated, matching Type. Modeling it this way — one struct field per
// kind instead of a single loosely-typed map — means the Dispatcher and each
// adapter package only ever see the shape they expect; there is no
// "impossible" combination to guard against at request time, only at
// provider-load validation time (see Validate).
type AdapterConfig struct {
	HTTPSDK  *HTTPSDKConfig
	Proxy    *ProxyConfig
	Local    *LocalConfig
	SpawnCLI *SpawnCLIConfig
}

// Validate checks that exactly the config matching Type is populated.
func (p *Provider) Validate() error {
	set := 0
	if p.AdapterConfig.HTTPSDK != nil {
		set++
	}
	if p.AdapterConfig.Proxy != nil {
		set++
	}
	if p.AdapterConfig.Local != nil {
		set++
	}
	if p.AdapterConfig.SpawnCLI != nil {
		set++
	}
	if set != 1 {
		return &ConfigError{Provider: p.Slug, Reason: "exactly one adapterConfig variant must be set"}
	}
	switch p.Type {
	case AdapterHTTPSDK:
		if p.AdapterConfig.HTTPSDK == nil {
			return &ConfigError{Provider: p.Slug, Reason: "type http-sdk requires HTTPSDKConfig"}
		}
	case AdapterProxy:
		if p.AdapterConfig.Proxy == nil {
			return &ConfigError{Provider: p.Slug, Reason: "type proxy requires ProxyConfig"}
		}
	case AdapterLocal:
		if p.AdapterConfig.Local == nil {
			return &ConfigError{Provider: p.Slug, Reason: "type local requires LocalConfig"}
		}
	case AdapterSpawnCLI:
		if p.AdapterConfig.SpawnCLI == nil {
			return &ConfigError{Provider: p.Slug, Reason: "type spawn-cli requires SpawnCLIConfig"}
		}
	default:
		return &ConfigError{Provider: p.Slug, Reason: "unknown adapter type " + string(p.Type)}
	}
	return nil
}

// ConfigError reports a malformed provider record at load time.
type ConfigError struct {
	Provider string
	Reason   string
}

func (e *ConfigError) Error() string {
	return "provider " + e.Provider + ": " + e.Reason
}

// HTTPSDKConfig configures the http-sdk adapter variant.
type HTTPSDKConfig struct {
	BaseURL             string
	ChatEndpoint        string
	EmbeddingsEndpoint  string
	Headers             map[string]string
	APIKeyHeaderName    string // default "X-API-Key"; "Authorization" uses "Bearer <key>"
	RetryableStatusCode []int  // default {502, 503, 504}
	RetryAttempts       int    // default 3
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	// VendorSDK names which vetted client library (openai-go, anthropic-sdk-go,
	// genai) handles wire translation for this provider. Empty means the
	// generic OpenAI-compatible path.
	VendorSDK string
}

// ProxyConfig configures the proxy adapter variant.
type ProxyConfig struct {
	ProxyURL       string
	HeaderRewrites map[string]string
	RemoveHeaders  []string
}

// LocalConfig configures the local adapter variant.
type LocalConfig struct {
	BaseURL      string
	AllowRemote  bool
	ChatEndpoint string
}

// SpawnCLIConfig configures the spawn-cli adapter variant.
type SpawnCLIConfig struct {
	Command       string
	Args          []string
	DockerSandbox bool
	Sandbox       SandboxSpec
}

// SandboxSpec mirrors the Sandbox component's resource-cap configuration,
// carried on the provider record so AdapterRuntime can pass it straight
// through to Sandbox.Run without a second lookup.
type SandboxSpec struct {
	Image          string
	MemoryLimit    string // pattern \d+[kmg]
	CPULimit       string
	TimeoutSeconds int
	NeedsNetwork   bool
	MaxConcurrent  int
}
