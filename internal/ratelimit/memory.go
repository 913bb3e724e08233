package ratelimit

import (
	"context"
	"sync"
	"time"
)

// memoryBackend is the single-instance fallback used when no Redis client is
// configured. Grounded on BaSui01-agentflow's per-tenant limiter
// (cmd/agentflow/middleware.go), which keeps one golang.org/x/time/rate
// limiter per tenant behind a mutex-guarded map; this backend follows the
// same shape but tracks a plain sliding window of timestamps/weights per
// bucket key instead of a token-bucket rate.Limiter, so its admission
// semantics match the Redis backend's (a hard cap within a rolling window,
// not a refill rate).
type memoryBackend struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
}

type memBucket struct {
	// entries holds (timestamp, weight) pairs within the window; weight is 1
	// for count buckets.
	entries []memEntry
	sum     int
}

type memEntry struct {
	at     time.Time
	weight int
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{buckets: make(map[string]*memBucket)}
}

func (b *memoryBackend) admitCount(_ context.Context, key string, window time.Duration, limit int, reason Reason) error {
	return b.admit(key, window, limit, 1, reason)
}

func (b *memoryBackend) admitWeight(_ context.Context, key string, window time.Duration, limit int, weight int, reason Reason) error {
	return b.admit(key, window, limit, weight, reason)
}

func (b *memoryBackend) admit(key string, window time.Duration, limit int, weight int, reason Reason) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bk, ok := b.buckets[key]
	if !ok {
		bk = &memBucket{}
		b.buckets[key] = bk
	}

	now := time.Now()
	cutoff := now.Add(-window)
	kept := bk.entries[:0]
	sum := 0
	for _, e := range bk.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
			sum += e.weight
		}
	}
	bk.entries = kept
	bk.sum = sum

	if sum+weight > limit {
		retryAt := now.Add(window)
		if len(bk.entries) > 0 {
			retryAt = bk.entries[0].at.Add(window)
		}
		return &Rejected{Reason: reason, RetryAt: retryAt}
	}

	bk.entries = append(bk.entries, memEntry{at: now, weight: weight})
	bk.sum += weight
	return nil
}

func (b *memoryBackend) adjustWeight(_ context.Context, key string, _ time.Duration, delta int) {
	if delta == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.buckets[key]
	if !ok {
		return
	}
	// Fold the correction into the most recent entry's weight so future
	// window trims carry the corrected amount forward.
	if len(bk.entries) > 0 {
		last := &bk.entries[len(bk.entries)-1]
		last.weight += delta
		if last.weight < 0 {
			last.weight = 0
		}
	}
	bk.sum += delta
	if bk.sum < 0 {
		bk.sum = 0
	}
}
