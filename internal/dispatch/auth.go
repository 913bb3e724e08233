package dispatch

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/dyadgw/gateway/internal/domain"
	"github.com/dyadgw/gateway/pkg/apierr"
)

const bearerPrefix = "Bearer "

// ApiKeyStore is the read side of the key store Dispatcher authenticates
// against. Implementations look up by the indexable prefix only — never by
// hash — since the hash comparison itself must happen here, under a
// constant-time compare, not in the store.
type ApiKeyStore interface {
	CandidatesByPrefix(ctx context.Context, prefix string) ([]*domain.ApiKey, error)
}

// keyPrefixLen matches ApiKey.Prefix's documented "first 8 chars of the
// issued key" convention.
const keyPrefixLen = 8

// Authenticate extracts the bearer token from authHeader, looks up every
// ApiKey sharing its prefix, and accepts the first whose salted hash matches
// under a constant-time comparison. Rejects disabled or expired keys with an
// apierr KindAuth.
func (d *Dispatcher) Authenticate(ctx context.Context, authHeader string) (*domain.ApiKey, error) {
	token, ok := strings.CutPrefix(authHeader, bearerPrefix)
	if !ok || token == "" {
		return nil, apierr.New(apierr.KindAuth, "missing_bearer_token", "missing or malformed Authorization header")
	}
	if len(token) < keyPrefixLen {
		return nil, apierr.New(apierr.KindAuth, "invalid_api_key", "invalid API key")
	}

	prefix := token[:keyPrefixLen]
	candidates, err := d.ApiKeys.CandidatesByPrefix(ctx, prefix)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "api_key_lookup_failed", "failed to look up API key", err)
	}

	now := time.Now()
	for _, key := range candidates {
		if !hashMatches(token, key.Salt, key.Hash) {
			continue
		}
		if !key.Enabled {
			return nil, apierr.New(apierr.KindAuth, "api_key_disabled", "API key is disabled")
		}
		if key.Expired(now) {
			return nil, apierr.New(apierr.KindAuth, "api_key_expired", "API key has expired")
		}
		return key, nil
	}
	return nil, apierr.New(apierr.KindAuth, "invalid_api_key", "invalid API key")
}

// hashMatches reports whether token salted with salt produces hash, compared
// in constant time. A salted SHA-256 digest is sufficient here — unlike a
// user password, the plaintext being hashed is itself a high-entropy token
// the gateway generated, so there is nothing for a slow KDF (bcrypt/argon2)
// to protect against that salting doesn't already cover.
func hashMatches(token, salt, wantHash string) bool {
	sum := sha256.Sum256([]byte(salt + token))
	got := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(wantHash)) == 1
}

// Authorize reports whether key is permitted to perform a request of kind
// perm.
func (d *Dispatcher) Authorize(key *domain.ApiKey, perm domain.Permission) error {
	if !key.HasPermission(perm) {
		return apierr.New(apierr.KindAuth, "invalid_permission", "API key lacks the "+string(perm)+" permission")
	}
	return nil
}
