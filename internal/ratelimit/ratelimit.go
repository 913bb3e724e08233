// Package ratelimit implements component C7: four independent per-ApiKey
// budgets (requests-per-minute, requests-per-day, tokens-per-minute,
// tokens-per-day). Request admission consults the two request buckets;
// token admission consults the two token buckets using a speculative
// estimate, then true-up on completion adjusts for any shortfall or
// surplus.
//
// The minute-scope buckets use the teacher's Redis sliding-window Lua
// script (internal/ratelimit/rpm.go in the teacher) generalized to an
// arbitrary window+limit+weight; the day-scope buckets use UTC-calendar-day
// keyed counters, resolving the spec's "Open Question" about minute/day
// boundary ambiguity the way spec §9 fixes it. When no Redis client is
// configured, an in-process fallback (a plain mutex-guarded map of
// sliding windows, shaped after BaSui01-agentflow's per-tenant limiter map
// in cmd/agentflow/middleware.go; it does not use golang.org/x/time/rate)
// takes over so the gateway still
// enforces budgets in a single-instance/no-Redis deployment — single
// instance only, not shared across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reason explains why admission was rejected.
type Reason string

const (
	ReasonRPM Reason = "requests_per_minute"
	ReasonRPD Reason = "requests_per_day"
	ReasonTPM Reason = "tokens_per_minute"
	ReasonTPD Reason = "tokens_per_day"
)

// Rejected is returned by Limiter.AdmitRequest/AdmitTokens on exhaustion.
type Rejected struct {
	Reason  Reason
	RetryAt time.Time
}

func (r *Rejected) Error() string {
	return fmt.Sprintf("ratelimit: %s exhausted, retry at %s", r.Reason, r.RetryAt.Format(time.RFC3339))
}

// Budgets holds the four limits configured for one ApiKey. Zero means
// unlimited for that bucket.
type Budgets struct {
	RPM, RPD, TPM, TPD int
}

// backend is the bucket arithmetic shared by the Redis and in-memory
// implementations.
type backend interface {
	// admitCount consults/consumes one unit from a counting bucket scoped to
	// window, returning an error (*Rejected) if the limit is already reached.
	admitCount(ctx context.Context, key string, window time.Duration, limit int, reason Reason) error
	// admitWeight consults/reserves `weight` units from a summed bucket.
	admitWeight(ctx context.Context, key string, window time.Duration, limit int, weight int, reason Reason) error
	// adjustWeight corrects a previously reserved weight by delta (positive or
	// negative) once the true count is known.
	adjustWeight(ctx context.Context, key string, window time.Duration, delta int)
}

// Limiter enforces the four-bucket budget for ApiKeys. One Limiter instance
// is shared across all keys; bucket state is partitioned by key inside the
// backend (Redis keys are prefixed per ApiKey ID; the in-memory backend
// shards its map the same way) — no package-level global lock on the hot
// path.
type Limiter struct {
	be backend
}

// NewRedis constructs a Limiter backed by Redis sliding windows / daily
// counters — the distributed-safe variant, used when multiple gateway
// replicas share one Redis instance.
func NewRedis(rdb *redis.Client) *Limiter {
	return &Limiter{be: &redisBackend{rdb: rdb}}
}

// NewMemory constructs a Limiter backed by the in-process fallback —
// single-instance only.
func NewMemory() *Limiter {
	return &Limiter{be: newMemoryBackend()}
}

// AdmitRequest consults the RPM and RPD buckets for apiKeyID. Returns nil if
// admitted, *Rejected otherwise.
func (l *Limiter) AdmitRequest(ctx context.Context, apiKeyID string, b Budgets) error {
	if b.RPM > 0 {
		if err := l.be.admitCount(ctx, "rpm:"+apiKeyID, 60*time.Second, b.RPM, ReasonRPM); err != nil {
			return err
		}
	}
	if b.RPD > 0 {
		if err := l.be.admitCount(ctx, "rpd:"+apiKeyID+":"+utcDateKey(), 24*time.Hour, b.RPD, ReasonRPD); err != nil {
			return err
		}
	}
	return nil
}

// AdmitTokens reserves estimatedTokens against the TPM and TPD buckets.
// Returns nil if admitted, *Rejected otherwise.
func (l *Limiter) AdmitTokens(ctx context.Context, apiKeyID string, b Budgets, estimatedTokens int) error {
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}
	if b.TPM > 0 {
		if err := l.be.admitWeight(ctx, "tpm:"+apiKeyID, 60*time.Second, b.TPM, estimatedTokens, ReasonTPM); err != nil {
			return err
		}
	}
	if b.TPD > 0 {
		if err := l.be.admitWeight(ctx, "tpd:"+apiKeyID+":"+utcDateKey(), 24*time.Hour, b.TPD, estimatedTokens, ReasonTPD); err != nil {
			return err
		}
	}
	return nil
}

// SettleTokens corrects a previous AdmitTokens reservation once the true
// token count is known: delta = actual - estimated (may be negative).
func (l *Limiter) SettleTokens(ctx context.Context, apiKeyID string, estimated, actual int) {
	delta := actual - estimated
	if delta == 0 {
		return
	}
	l.be.adjustWeight(ctx, "tpm:"+apiKeyID, 60*time.Second, delta)
	l.be.adjustWeight(ctx, "tpd:"+apiKeyID+":"+utcDateKey(), 24*time.Hour, delta)
}

func utcDateKey() string {
	return time.Now().UTC().Format("2006-01-02")
}
