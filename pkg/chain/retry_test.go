package chain_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/catalogfi/fusion/pkg/chain"
	"go.uber.org/zap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Retry", func() {
	cfg := chain.RetryConfig{
		MaxAttempts:    4,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		CallTimeout:    50 * time.Millisecond,
		RateLimitPause: 100 * time.Millisecond,
	}
	logger := zap.NewNop()

	It("should retry transient errors until success", func() {
		calls := 0
		ref, err := chain.Retry(context.Background(), cfg, logger, func(ctx context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", fmt.Errorf("rpc: %w", chain.ErrUnavailable)
			}
			return "0xref", nil
		})
		Expect(err).Should(BeNil())
		Expect(ref).Should(Equal("0xref"))
		Expect(calls).Should(Equal(3))
	})

	It("should give up after the attempt budget", func() {
		calls := 0
		_, err := chain.Retry(context.Background(), cfg, logger, func(ctx context.Context) (string, error) {
			calls++
			return "", chain.ErrUnavailable
		})
		Expect(err).Should(MatchError(chain.ErrUnavailable))
		Expect(calls).Should(Equal(4))
	})

	It("should not retry invariant violations", func() {
		calls := 0
		_, err := chain.Retry(context.Background(), cfg, logger, func(ctx context.Context) (string, error) {
			calls++
			return "", chain.ErrInvalidPreimage
		})
		Expect(err).Should(MatchError(chain.ErrInvalidPreimage))
		Expect(calls).Should(Equal(1))
	})

	It("should time out slow calls and retry them", func() {
		calls := 0
		_, err := chain.Retry(context.Background(), cfg, logger, func(ctx context.Context) (string, error) {
			calls++
			<-ctx.Done()
			return "", ctx.Err()
		})
		Expect(errors.Is(err, context.DeadlineExceeded)).Should(BeTrue())
		Expect(calls).Should(Equal(4))
	})

	It("should pause longer after being rate limited", func() {
		calls := 0
		start := time.Now()
		_, err := chain.Retry(context.Background(), cfg, logger, func(ctx context.Context) (string, error) {
			calls++
			if calls == 1 {
				return "", chain.ErrRateLimited
			}
			return "ok", nil
		})
		Expect(err).Should(BeNil())
		Expect(time.Since(start)).Should(BeNumerically(">=", cfg.RateLimitPause))
	})

	It("should stop when the caller gives up", func() {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		_, err := chain.Retry(ctx, cfg, logger, func(ctx context.Context) (string, error) {
			calls++
			cancel()
			return "", chain.ErrUnavailable
		})
		Expect(err).ShouldNot(BeNil())
		Expect(calls).Should(Equal(1))
	})

	It("should classify errors", func() {
		Expect(chain.IsTransient(chain.ErrRateLimited)).Should(BeTrue())
		Expect(chain.IsTransient(fmt.Errorf("wrapped: %w", chain.ErrUnavailable))).Should(BeTrue())
		Expect(chain.IsTransient(context.DeadlineExceeded)).Should(BeTrue())
		Expect(chain.IsTransient(chain.ErrAlreadyClaimed)).Should(BeFalse())
		Expect(chain.IsTransient(chain.ErrExpired)).Should(BeFalse())
	})
})
