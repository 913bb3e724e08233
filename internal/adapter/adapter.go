// Package adapter defines AdapterRuntime (component C3): the uniform
// interface every upstream invocation shape — http-sdk, proxy, local,
// spawn-cli — presents to the Dispatcher. Each shape lives in its own
// subpackage (httpsdk, proxyadapter, localadapter, spawncli) and is
// constructed from a domain.Provider's AdapterConfig by Build.
package adapter

import (
	"context"

	"github.com/dyadgw/gateway/internal/providers"
)

// Runtime is what the Dispatcher calls once Resolver has picked a candidate
// provider and CredentialService has resolved its credential. It reuses the
// teacher's normalized providers.ProxyRequest/ProxyResponse wire shapes
// rather than introducing a parallel set of request/response types, since
// every adapter kind ultimately produces the same OpenAI-compatible content.
type Runtime interface {
	Name() string
	Chat(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingRuntime is implemented by Runtimes that additionally support
// POST /v1/embeddings. Checked with a type assertion, matching the teacher's
// EmbeddingProvider pattern.
type EmbeddingRuntime interface {
	Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error)
}

// Factory constructs a Runtime for one Provider record, given its resolved
// credential bytes (the raw API key / bearer token — already decrypted by
// CredentialService, never the SecretsProvider's sealed form).
type Factory func(credential []byte) (Runtime, error)
