package domain

import "time"

// Permission is a capability an ApiKey may be granted.
type Permission string

const (
	PermChat       Permission = "chat"
	PermEmbeddings Permission = "embeddings"
	PermModels     Permission = "models"
	PermAdmin      Permission = "admin"
)

// RateLimits are the four independent budgets RateLimiter enforces for a key.
// Zero means "no limit" for that bucket.
type RateLimits struct {
	RPM int // requests per minute
	RPD int // requests per day
	TPM int // tokens per minute
	TPD int // tokens per day
}

// Usage tracks consumption against RateLimits. Counters are monotonically
// non-decreasing between resets: the daily pair resets when the UTC date
// moves past LastResetDate, the monthly pair when the UTC month changes. The
// in-process UsageStore keeps these values in memory only; they are not
// persisted and do not survive a process restart.
type Usage struct {
	RequestsToday     int64
	TokensToday       int64
	RequestsThisMonth int64
	TokensThisMonth   int64
	LastResetDate     string // YYYY-MM-DD, UTC
	LastUsed          time.Time
}

// ApiKey is the gateway-issued bearer credential a client presents as
// "Authorization: Bearer dyad_<base64url>". Only Hash is durable; the
// plaintext key is never stored or logged anywhere, and Hash is never
// emitted back to a caller — Prefix is the only externally visible
// identifier.
type ApiKey struct {
	ID               string
	Prefix           string // first 8 chars of the issued key, indexable
	Hash             string // salted hash of the full plaintext key
	Salt             string
	UserID           string
	Enabled          bool
	Permissions      []Permission
	AllowedModels    []string // empty means "all"
	AllowedProviders []string // empty means "all"
	RateLimits       RateLimits
	Usage            Usage
	ExpiresAt        *time.Time
}

// HasPermission reports whether the key is allowed to perform the given kind
// of request.
func (k *ApiKey) HasPermission(p Permission) bool {
	for _, got := range k.Permissions {
		if got == p {
			return true
		}
	}
	return false
}

// AllowsModel reports whether the key's allow-list (if any) permits the model.
func (k *ApiKey) AllowsModel(dyadModelID string) bool {
	if len(k.AllowedModels) == 0 {
		return true
	}
	for _, m := range k.AllowedModels {
		if m == dyadModelID {
			return true
		}
	}
	return false
}

// AllowsProvider reports whether the key's allow-list (if any) permits the provider.
func (k *ApiKey) AllowsProvider(providerID string) bool {
	if len(k.AllowedProviders) == 0 {
		return true
	}
	for _, p := range k.AllowedProviders {
		if p == providerID {
			return true
		}
	}
	return false
}

// Expired reports whether the key is past its expiry at instant `now`.
func (k *ApiKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
