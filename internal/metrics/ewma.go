package metrics

import (
	"math"
	"sync"
	"time"
)

// ewmaHalfLife sets the 1-minute decay window the Resolver's health_based
// strategy reads from (spec design note: "a provider's outcome history is
// weighted toward the last minute"). alpha is derived so that a steady
// stream of outcomes at roughly one per second decays a sample to half
// weight after one minute.
const ewmaHalfLife = time.Minute

// providerEWMA tracks a single provider's exponentially-weighted recent
// success rate. Updated on every dispatch outcome (not just failover
// attempts), decayed by elapsed wall-clock time rather than a fixed sample
// count, so a provider that goes quiet doesn't freeze at a stale rate.
type providerEWMA struct {
	mu       sync.Mutex
	rate     float64
	lastSeen time.Time
	warm     bool
}

func (p *providerEWMA) observe(success bool, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	outcome := 0.0
	if success {
		outcome = 1.0
	}

	if !p.warm {
		p.rate = outcome
		p.warm = true
		p.lastSeen = now
		return
	}

	elapsed := now.Sub(p.lastSeen)
	if elapsed < 0 {
		elapsed = 0
	}
	// Decay weight toward 0.5 at one half-life; alpha closer to 1 means the
	// new outcome dominates, which is what we want after a long idle gap.
	alpha := 1 - math.Exp(-float64(elapsed)/float64(ewmaHalfLife)*math.Ln2)
	p.rate = p.rate*(1-alpha) + outcome*alpha
	p.lastSeen = now
}

func (p *providerEWMA) value() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.warm {
		return 1.0 // no history yet: treat as healthy so new providers aren't starved
	}
	return p.rate
}

// RecordOutcome feeds a dispatch attempt's success/failure into the
// provider's 1-minute EWMA, consulted by the Resolver's health_based
// strategy via RecentSuccessRate.
func (r *Registry) RecordOutcome(provider string, success bool) {
	r.ewmaMu.Lock()
	e, ok := r.ewma[provider]
	if !ok {
		e = &providerEWMA{}
		r.ewma[provider] = e
	}
	r.ewmaMu.Unlock()
	e.observe(success, time.Now())
}

// RecentSuccessRate implements resolver.HealthSource.
func (r *Registry) RecentSuccessRate(provider string) float64 {
	r.ewmaMu.Lock()
	e, ok := r.ewma[provider]
	r.ewmaMu.Unlock()
	if !ok {
		return 1.0
	}
	return e.value()
}
