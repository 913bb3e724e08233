// Package localadapter implements the local AdapterRuntime variant: an
// upstream reachable at a loopback or private-range address (a locally
// running model server — e.g. Ollama, llama.cpp's server mode), with no
// credential required. Enforces that the configured BaseURL actually
// resolves to a private/loopback address unless AllowRemote is explicitly
// set, since a misconfigured "local" provider pointed at a public host would
// otherwise bypass CredentialService/SecretsProvider entirely and leak
// whatever the gateway sends unauthenticated.
//
// Grounded on the teacher's internal/providers/openaicompat wire shape
// (reused here via openaicompat.New, since a local model server
// speaks the same OpenAI-compatible JSON) with a new address-class guard the
// teacher has no equivalent for — none of the teacher's providers are
// expected to run on a private network, so this check is new in spirit but
// applies the same net.ParseIP/private-range reasoning BaSui01-agentflow
// uses when validating sandboxed execution targets.
package localadapter

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/dyadgw/gateway/internal/domain"
	"github.com/dyadgw/gateway/internal/providers"
	"github.com/dyadgw/gateway/internal/providers/openaicompat"
)

// ConfigurationError reports a local provider whose BaseURL does not resolve
// to a private/loopback address while AllowRemote is false.
type ConfigurationError struct {
	Name string
	Host string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("localadapter: %s: host %q is not loopback/private and AllowRemote is false", e.Name, e.Host)
}

// Client wraps the teacher's generic OpenAI-compatible client for a
// local model server. No credential is required — local model servers
// generally don't authenticate — but New still accepts one so a locally
// deployed server that *does* gate access behind a bearer token still works.
type Client struct {
	name  string
	inner *openaicompat.Provider
}

// New validates cfg.BaseURL's address class and constructs the client.
// Returns *ConfigurationError if the address check fails.
func New(name string, cfg domain.LocalConfig, credential []byte) (*Client, error) {
	if err := checkAddressClass(name, cfg.BaseURL, cfg.AllowRemote); err != nil {
		return nil, err
	}
	return &Client{
		name:  name,
		inner: openaicompat.New(name, string(credential), cfg.BaseURL),
	}, nil
}

func checkAddressClass(name, baseURL string, allowRemote bool) error {
	if allowRemote {
		return nil
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("localadapter: %s: invalid base url: %w", name, err)
	}
	host := u.Hostname()
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// Not a literal IP (a hostname needing DNS resolution) — refuse to
		// guess; local providers must be addressed by loopback/private IP or
		// "localhost" unless AllowRemote opts in.
		return &ConfigurationError{Name: name, Host: host}
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
		return nil
	}
	return &ConfigurationError{Name: name, Host: host}
}

func (c *Client) Name() string { return c.name }

func (c *Client) HealthCheck(ctx context.Context) error {
	return c.inner.HealthCheck(ctx)
}

func (c *Client) Chat(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return c.inner.Request(ctx, req)
}
