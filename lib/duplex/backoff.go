package duplex

import (
	"context"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-duplex/lib/config"
)

// retryDelay returns the wait before the next attempt after failures
// consecutive failures: InitialDelay * 2^failures, capped at MaxDelay, plus
// up to 10% jitter so both peers do not hammer the directory in lockstep.
func retryDelay(r config.RetryConfig, failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	if failures > 30 {
		failures = 30
	}
	delay := r.InitialDelay * time.Duration(1<<uint(failures))
	if delay <= 0 || (r.MaxDelay > 0 && delay > r.MaxDelay) {
		delay = r.MaxDelay
	}
	if jitter := int64(delay / 10); jitter > 0 {
		delay += time.Duration(rand.Int63n(jitter))
	}
	return delay
}

// attempts returns the retry budget of r, never less than one attempt.
func attempts(r config.RetryConfig) int {
	if r.MaxAttempts < 1 {
		return 1
	}
	return r.MaxAttempts
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// withTimeout bounds a single overlay call.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
