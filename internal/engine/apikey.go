package engine

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/dyadgw/gateway/internal/domain"
)

const (
	tokenRandomBytes = 32
	keyPrefixLen     = 8
	saltBytes        = 16
)

// IssueApiKey generates a new gateway bearer token of the form
// "dyad_<base64url>", hashes it under a fresh random salt, and returns both
// the persisted ApiKey record (Hash populated, no plaintext) and the
// plaintext token — which the caller must surface to the operator exactly
// once; it is never recoverable afterwards.
func IssueApiKey(userID string, perms []domain.Permission, limits domain.RateLimits) (*domain.ApiKey, string, error) {
	raw := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("engine: generate api key: %w", err)
	}
	token := "dyad_" + base64.RawURLEncoding.EncodeToString(raw)
	if len(token) < keyPrefixLen {
		return nil, "", fmt.Errorf("engine: generated token shorter than prefix length")
	}

	salt, err := randomHex(saltBytes)
	if err != nil {
		return nil, "", err
	}
	hash := hashToken(token, salt)

	key := &domain.ApiKey{
		ID:          randomID(),
		Prefix:      token[:keyPrefixLen],
		Hash:        hash,
		Salt:        salt,
		UserID:      userID,
		Enabled:     true,
		Permissions: perms,
		RateLimits:  limits,
	}
	return key, token, nil
}

func hashToken(token, salt string) string {
	sum := sha256.Sum256([]byte(salt + token))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("engine: read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func randomID() string {
	// Only called immediately after IssueApiKey's own randomHex call already
	// succeeded, so crypto/rand failing here would mean it's failing globally.
	id, err := randomHex(16)
	if err != nil {
		return "unreachable"
	}
	return id
}
