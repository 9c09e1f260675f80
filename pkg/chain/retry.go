package chain

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	CallTimeout    time.Duration
	RateLimitPause time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		CallTimeout:    30 * time.Second,
		RateLimitPause: 10 * time.Second,
	}
}

// pausingBackOff waits at least pause after a rate limited attempt.
type pausingBackOff struct {
	backoff.BackOff
	pause   time.Duration
	limited bool
}

func (b *pausingBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next != backoff.Stop && b.limited && next < b.pause {
		next = b.pause
	}
	b.limited = false
	return next
}

// Retry runs call until it succeeds, fails with an error that is not
// transient, or runs out of attempts. Every attempt gets its own timeout.
// The last error is returned when attempts run out.
func Retry[T any](ctx context.Context, cfg RetryConfig, logger *zap.Logger, call func(ctx context.Context) (T, error)) (T, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.BaseDelay
	exp.MaxInterval = cfg.MaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()

	pb := &pausingBackOff{BackOff: exp, pause: cfg.RateLimitPause}
	var b backoff.BackOff = pb
	if cfg.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(pb, uint64(cfg.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() (T, error) {
		attempt++
		callCtx := ctx
		if cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, cfg.CallTimeout)
			defer cancel()
		}

		res, err := call(callCtx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || !IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		if errors.Is(err, ErrRateLimited) {
			pb.limited = true
		}
		return res, err
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug("retrying chain call", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return backoff.RetryNotifyWithData(operation, b, notify)
}
