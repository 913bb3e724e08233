package adapter

import (
	"context"
	"fmt"

	"github.com/dyadgw/gateway/internal/adapter/httpsdk"
	"github.com/dyadgw/gateway/internal/adapter/localadapter"
	"github.com/dyadgw/gateway/internal/adapter/proxyadapter"
	"github.com/dyadgw/gateway/internal/adapter/spawncli"
	"github.com/dyadgw/gateway/internal/domain"
	"github.com/dyadgw/gateway/internal/sandbox"
)

// Build constructs the Runtime matching p.Type/p.AdapterConfig. sbx is only
// used by the spawn-cli variant; pass nil if no provider configured on this
// gateway uses spawn-cli.
func Build(ctx context.Context, p *domain.Provider, credential []byte, sbx *sandbox.Sandbox) (Runtime, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch p.Type {
	case domain.AdapterHTTPSDK:
		return httpsdk.New(ctx, p.Slug, *p.AdapterConfig.HTTPSDK, credential)
	case domain.AdapterProxy:
		return proxyadapter.New(p.Slug, *p.AdapterConfig.Proxy, credential), nil
	case domain.AdapterLocal:
		return localadapter.New(p.Slug, *p.AdapterConfig.Local, credential)
	case domain.AdapterSpawnCLI:
		if sbx == nil {
			return nil, fmt.Errorf("adapter: provider %s requires spawn-cli but no Sandbox is configured", p.Slug)
		}
		return spawncli.New(p.Slug, *p.AdapterConfig.SpawnCLI, sbx), nil
	default:
		return nil, fmt.Errorf("adapter: unknown adapter kind %q for provider %s", p.Type, p.Slug)
	}
}
