package engine

import (
	"github.com/dyadgw/gateway/internal/config"
	"github.com/dyadgw/gateway/internal/domain"
)

// seedSpec is one provider this engine knows how to construct from config:
// the vendor SDK httpsdk.New dispatches on, its model catalog, and where its
// credential lives in config.
type seedSpec struct {
	id        string
	vendorSDK string
	baseURL   string
	headers   map[string]string
	models    []domain.ModelMapping
	apiKey    string
	priority  int
}

// seedProviders converts the teacher's per-vendor ProviderConfig fields into
// domain.Provider records wired through the generic http-sdk adapter variant
// (internal/adapter/httpsdk), one per configured vendor — the same gating
// (only construct a client when its API key is non-empty) as the teacher's
// buildProviders, generalized from a fixed providers.Provider map to the
// spec's Provider/ModelMapping/AdapterConfig record shape. Returns the
// provider records alongside a providerID -> plaintext credential map the
// caller stores into CredentialService before the Dispatcher ever runs.
func seedProviders(cfg *config.Config) ([]*domain.Provider, map[string]string) {
	var specs []seedSpec

	specs = append(specs,
		seedSpec{
			id: "openai", vendorSDK: "openai", baseURL: cfg.OpenAI.BaseURL, apiKey: cfg.OpenAI.APIKey, priority: 1,
			models: []domain.ModelMapping{
				{DyadModelID: "gpt-4o", AdapterModelID: "gpt-4o", ContextWindow: 128_000, MaxTokens: 16_384, SupportsStreaming: true, SupportsEmbeddings: false},
				{DyadModelID: "gpt-4o-mini", AdapterModelID: "gpt-4o-mini", ContextWindow: 128_000, MaxTokens: 16_384, SupportsStreaming: true},
				{DyadModelID: "text-embedding-3-small", AdapterModelID: "text-embedding-3-small", SupportsEmbeddings: true},
			},
		},
		seedSpec{
			id: "anthropic", vendorSDK: "anthropic", baseURL: cfg.Anthropic.BaseURL, apiKey: cfg.Anthropic.APIKey, priority: 2,
			models: []domain.ModelMapping{
				{DyadModelID: "claude-3-5-sonnet", AdapterModelID: "claude-3-5-sonnet-20241022", ContextWindow: 200_000, MaxTokens: 8192, SupportsStreaming: true},
				{DyadModelID: "claude-3-5-haiku", AdapterModelID: "claude-3-5-haiku-20241022", ContextWindow: 200_000, MaxTokens: 8192, SupportsStreaming: true},
			},
		},
		seedSpec{
			id: "gemini", vendorSDK: "gemini", baseURL: cfg.Gemini.BaseURL, apiKey: cfg.Gemini.APIKey, priority: 3,
			models: []domain.ModelMapping{
				{DyadModelID: "gemini-1.5-pro", AdapterModelID: "gemini-1.5-pro", ContextWindow: 1_000_000, MaxTokens: 8192, SupportsStreaming: true},
			},
		},
		seedSpec{
			id: "mistral", vendorSDK: "mistral", baseURL: cfg.Mistral.BaseURL, apiKey: cfg.Mistral.APIKey, priority: 4,
			models: []domain.ModelMapping{
				{DyadModelID: "mistral-large", AdapterModelID: "mistral-large-latest", ContextWindow: 128_000, MaxTokens: 8192, SupportsStreaming: true},
			},
		},
	)

	type ocEntry struct {
		key     string
		name    string
		baseURL string
		model   string
	}
	ocProviders := []ocEntry{
		{cfg.XAI.APIKey, "xai", "https://api.x.ai/v1", "grok-2"},
		{cfg.DeepSeek.APIKey, "deepseek", "https://api.deepseek.com/v1", "deepseek-chat"},
		{cfg.Groq.APIKey, "groq", "https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"},
		{cfg.Together.APIKey, "together", "https://api.together.xyz/v1", "meta-llama/Llama-3.3-70B-Instruct-Turbo"},
		{cfg.Perplexity.APIKey, "perplexity", "https://api.perplexity.ai", "sonar"},
		{cfg.Cerebras.APIKey, "cerebras", "https://api.cerebras.ai/v1", "llama-3.3-70b"},
		{cfg.Moonshot.APIKey, "moonshot", "https://api.moonshot.cn/v1", "moonshot-v1-8k"},
		{cfg.MiniMax.APIKey, "minimax", "https://api.minimax.chat/v1", "abab6.5-chat"},
		{cfg.Qwen.APIKey, "qwen", "https://dashscope-intl.aliyuncs.com/compatible-mode/v1", "qwen-max"},
		{cfg.Nebius.APIKey, "nebius", "https://api.studio.nebius.ai/v1", "meta-llama/Llama-3.3-70B-Instruct"},
		{cfg.NovitaAI.APIKey, "novita", "https://api.novita.ai/v3/openai", "meta-llama/llama-3.3-70b-instruct"},
		{cfg.ByteDance.APIKey, "bytedance", "https://ark.cn-beijing.volces.com/api/v3", "doubao-pro-32k"},
		{cfg.ZAI.APIKey, "zai", "https://api.z.ai/api/openai/v1", "glm-4-plus"},
		{cfg.CanopyWave.APIKey, "canopywave", "https://api.canopywave.com/v1", "llama-3.3-70b"},
		{cfg.Inference.APIKey, "inference", "https://api.inference.net/v1", "llama-3.3-70b"},
		{cfg.NanoGPT.APIKey, "nanogpt", "https://nano-gpt.com/api/v1", "gpt-4o-mini"},
	}
	for i, e := range ocProviders {
		specs = append(specs, seedSpec{
			id: e.name, vendorSDK: "openai-compat", baseURL: e.baseURL, apiKey: e.key, priority: 10 + i,
			models: []domain.ModelMapping{{DyadModelID: e.name + "/" + e.model, AdapterModelID: e.model, SupportsStreaming: true}},
		})
	}

	if cfg.VertexAI.Project != "" {
		specs = append(specs, seedSpec{
			id: "vertexai", vendorSDK: "vertexai", apiKey: "adc", priority: 5,
			headers: map[string]string{"vertex_project": cfg.VertexAI.Project, "vertex_location": cfg.VertexAI.Location},
			models:  []domain.ModelMapping{{DyadModelID: "vertex/gemini-1.5-pro", AdapterModelID: "gemini-1.5-pro", ContextWindow: 1_000_000, SupportsStreaming: true}},
		})
	}

	if cfg.Bedrock.AccessKey != "" && cfg.Bedrock.SecretKey != "" && cfg.Bedrock.Region != "" {
		specs = append(specs, seedSpec{
			id: "bedrock", vendorSDK: "bedrock", apiKey: cfg.Bedrock.AccessKey, priority: 6,
			headers: map[string]string{"bedrock_region": cfg.Bedrock.Region, "bedrock_secret_key": cfg.Bedrock.SecretKey},
			models:  []domain.ModelMapping{{DyadModelID: "bedrock/claude-3-5-sonnet", AdapterModelID: "anthropic.claude-3-5-sonnet-20241022-v2:0", ContextWindow: 200_000, SupportsStreaming: true}},
		})
	}

	if cfg.Azure.APIKey != "" && cfg.Azure.Endpoint != "" {
		apiVersion := cfg.Azure.APIVersion
		if apiVersion == "" {
			apiVersion = "2024-12-01-preview"
		}
		specs = append(specs, seedSpec{
			id: "azure", vendorSDK: "azure", baseURL: cfg.Azure.Endpoint, apiKey: cfg.Azure.APIKey, priority: 7,
			headers: map[string]string{"azure_api_version": apiVersion},
			models:  []domain.ModelMapping{{DyadModelID: "azure/gpt-4o", AdapterModelID: "gpt-4o", ContextWindow: 128_000, SupportsStreaming: true}},
		})
	}

	var out []*domain.Provider
	creds := make(map[string]string)
	for _, s := range specs {
		if s.apiKey == "" {
			continue
		}
		out = append(out, &domain.Provider{
			ID: s.id, Slug: s.id, Name: s.id, Type: domain.AdapterHTTPSDK, Enabled: true,
			Priority:       s.priority,
			CredentialRefs: []string{"api_key"},
			Models:         s.models,
			AdapterConfig: domain.AdapterConfig{HTTPSDK: &domain.HTTPSDKConfig{
				BaseURL: s.baseURL, VendorSDK: s.vendorSDK, Headers: s.headers,
			}},
		})
		creds[s.id] = s.apiKey
	}
	return out, creds
}
