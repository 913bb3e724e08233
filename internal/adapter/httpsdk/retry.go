package httpsdk

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/dyadgw/gateway/internal/domain"
	"github.com/dyadgw/gateway/internal/providers"
	"golang.org/x/time/rate"
)

// retryPolicy retries a single provider's own transient failures (a timeout,
// a 503) before the Dispatcher ever considers failing over to a different
// candidate provider. This is new relative to the teacher, whose only retry
// mechanism was provider-level failover in internal/proxy/failover.go;
// per-provider retry and cross-provider failover are complementary, not
// redundant — a provider that returns one transient 503 shouldn't cost a
// failover hop if retrying it succeeds.
//
// classifyRetryable below retries a deadline-exceeded error, any error that
// carries no HTTP status, and only the configured status codes (502, 503 and
// 504 by default); any other status, 500 and every 4xx included, is returned
// without a retry.
type retryPolicy struct {
	attempts       int
	baseDelay      time.Duration
	maxDelay       time.Duration
	retryableCodes map[int]bool
	limiter        *rate.Limiter // paces outbound attempts to this vendor
}

func newRetryPolicy(cfg domain.HTTPSDKConfig) retryPolicy {
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	base := cfg.RetryBaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	max := cfg.RetryMaxDelay
	if max <= 0 {
		max = 5 * time.Second
	}
	codes := cfg.RetryableStatusCode
	if len(codes) == 0 {
		codes = []int{502, 503, 504}
	}
	set := make(map[int]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	// golang.org/x/time/rate smooths outbound request pacing per vendor — a
	// refill-rate limiter is the right tool here (unlike the hard
	// rolling-window cap internal/ratelimit enforces for client-facing
	// budgets): a burst of retries against one flaky upstream shouldn't
	// itself look like an abuse pattern to that upstream.
	limiter := rate.NewLimiter(rate.Limit(20), 40)
	return retryPolicy{attempts: attempts, baseDelay: base, maxDelay: max, retryableCodes: set, limiter: limiter}
}

func (p retryPolicy) run(ctx context.Context, attempt func() error) error {
	var lastErr error
	delay := p.baseDelay
	for i := 0; i < p.attempts; i++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.classifyRetryable(err) {
			return err
		}
		if i == p.attempts-1 {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}
	return lastErr
}

func (p retryPolicy) classifyRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return p.retryableCodes[sc.HTTPStatus()]
	}
	return true
}
