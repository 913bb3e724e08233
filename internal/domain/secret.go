package domain

import "time"

// Secret is an opaque, versioned byte string identified by a logical name of
// the form "dyad-gateway/providers/<providerId>/credentials/<key>". The
// engine never persists the plaintext value itself — SecretsProvider is the
// sole authority for storage and retrieval.
type Secret struct {
	Name      string
	Version   int
	Value     []byte
	UpdatedAt time.Time
}
