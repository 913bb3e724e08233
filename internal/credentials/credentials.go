// Package credentials implements CredentialService (component C2): an
// LRU+TTL cache in front of SecretsProvider, mapping (providerId,
// credentialKey) pairs to resolved secret bytes.
//
// The cache bookkeeping (TTL expiry, background eviction discipline) follows
// the teacher's internal/cache MemoryCache; the LRU bound is new (the
// teacher's cache is TTL-only, unbounded) because the spec requires an
// explicit eviction policy when the size bound is reached.
package credentials

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dyadgw/gateway/internal/secrets"
)

type entry struct {
	key      string
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

// Service is the CredentialService. Safe for concurrent use; one mutex
// guards the LRU list and map together since they must stay consistent.
type Service struct {
	mu       sync.Mutex
	provider secrets.Provider
	cap      int
	ttl      time.Duration
	ll       *list.List               // front = most recently used
	items    map[string]*list.Element // key -> element holding *entry

	// EnvFallback enables the PROVIDER_<ID>_<KEY> environment fallback when
	// SecretsProvider reports Unavailable. Never used for NotFound.
	EnvFallback bool
	Logger      *slog.Logger
}

// New constructs a CredentialService backed by provider. capacity bounds the
// number of cached entries (LRU eviction beyond that); ttl is the default
// time-to-live for a cache entry.
func New(provider secrets.Provider, capacity int, ttl time.Duration) *Service {
	if capacity <= 0 {
		capacity = 256
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	logger := slog.Default()
	return &Service{
		provider: provider,
		cap:      capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		Logger:   logger,
	}
}

func cacheKey(providerID, credentialKey string) string {
	return providerID + "/" + credentialKey
}

func secretName(providerID, credentialKey string) string {
	return fmt.Sprintf("dyad-gateway/providers/%s/credentials/%s", providerID, credentialKey)
}

// Get returns the resolved secret value for (providerID, credentialKey),
// serving from cache when unexpired.
func (s *Service) Get(ctx context.Context, providerID, credentialKey string) ([]byte, error) {
	key := cacheKey(providerID, credentialKey)

	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		e := el.Value.(*entry)
		if !e.expired(time.Now()) {
			s.ll.MoveToFront(el)
			v := e.value
			s.mu.Unlock()
			return v, nil
		}
		s.removeLocked(el)
	}
	s.mu.Unlock()

	name := secretName(providerID, credentialKey)
	value, err := s.provider.Get(ctx, name)
	switch {
	case err == nil:
		s.insert(key, value)
		return value, nil
	case s.EnvFallback && isUnavailable(err):
		if v, ok := s.envFallback(providerID, credentialKey); ok {
			s.Logger.Warn("credentials: secrets provider unavailable, using environment fallback",
				slog.String("provider", providerID), slog.String("key", credentialKey))
			return []byte(v), nil
		}
		return nil, err
	default:
		return nil, err
	}
}

func isUnavailable(err error) bool {
	return err == secrets.ErrUnavailable || strings.Contains(err.Error(), secrets.ErrUnavailable.Error())
}

func (s *Service) envFallback(providerID, credentialKey string) (string, bool) {
	name := fmt.Sprintf("PROVIDER_%s_%s", strings.ToUpper(sanitizeEnv(providerID)), strings.ToUpper(sanitizeEnv(credentialKey)))
	v := os.Getenv(name)
	if v == "" {
		return "", false
	}
	return v, true
}

func sanitizeEnv(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

func (s *Service) insert(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		el.Value.(*entry).value = value
		el.Value.(*entry).storedAt = time.Now()
		s.ll.MoveToFront(el)
		return
	}

	e := &entry{key: key, value: value, storedAt: time.Now(), ttl: s.ttl}
	el := s.ll.PushFront(e)
	s.items[key] = el

	for s.ll.Len() > s.cap {
		back := s.ll.Back()
		if back == nil {
			break
		}
		s.removeLocked(back)
	}
}

func (s *Service) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.items, e.key)
	s.ll.Remove(el)
}

// StoreCredential writes a new credential value and purges the cache entry
// for (providerID, credentialKey) before returning, so a subsequent Get
// always observes the new value (or re-fetches on miss).
func (s *Service) StoreCredential(ctx context.Context, providerID, credentialKey string, value []byte) error {
	name := secretName(providerID, credentialKey)
	if _, err := s.provider.Set(ctx, name, value); err != nil {
		return err
	}
	s.purge(providerID, credentialKey)
	return nil
}

// Rotate rotates the underlying secret and purges the cache entry before
// returning success.
func (s *Service) Rotate(ctx context.Context, providerID, credentialKey string) (int, error) {
	name := secretName(providerID, credentialKey)
	v, err := s.provider.Rotate(ctx, name)
	if err != nil {
		return 0, err
	}
	s.purge(providerID, credentialKey)
	return v, nil
}

func (s *Service) purge(providerID, credentialKey string) {
	key := cacheKey(providerID, credentialKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		s.removeLocked(el)
	}
}

// Len reports the number of cached entries (for tests/introspection).
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}
