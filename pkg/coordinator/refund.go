package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/catalogfi/fusion/pkg/auction"
	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/catalogfi/fusion/pkg/store"
	"github.com/catalogfi/fusion/pkg/swap"
	"go.uber.org/zap"
)

func (c *coordinator) ClaimSettlement(ctx context.Context, swapID string, secret []byte) ([]string, error) {
	s, err := c.registry.Get(ctx, swapID)
	if err != nil {
		return nil, err
	}
	if !swap.VerifySecret(secret, s.HashLock) {
		return nil, chain.ErrInvalidPreimage
	}
	if s.Expired(c.now()) {
		return nil, swap.ErrExpired
	}
	switch s.Status {
	case swap.LockedOnB, swap.SettledOnB, swap.SettledOnA:
	default:
		return nil, fmt.Errorf("swap is %v: %w", s.Status, swap.ErrStateConflict)
	}

	slots, err := c.registry.Slots(ctx, swapID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	refs := []string{}
	for _, slot := range slots {
		if slot.EscrowRef == "" || seen[slot.EscrowRef] {
			continue
		}
		seen[slot.EscrowRef] = true

		escrowRef := slot.EscrowRef
		ref, err := chain.Retry(ctx, c.options.Retry, c.logger, func(ctx context.Context) (string, error) {
			return c.settlement.ClaimEscrow(ctx, escrowRef, secret)
		})
		if errors.Is(err, chain.ErrAlreadyClaimed) {
			continue
		}
		if err != nil {
			return refs, fmt.Errorf("escrow %v: %w", escrowRef, err)
		}
		c.record(ctx, swapID, "settlement", swap.ActionSettle, ref, slot.Index)
		refs = append(refs, ref)
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("no escrow to claim: %w", swap.ErrStateConflict)
	}
	c.logger.Info("settlement claimed", zap.String("swap", swapID), zap.Strings("refs", refs))
	return refs, nil
}

func (c *coordinator) RetryClaims(ctx context.Context, swapID string, secret []byte) error {
	if secret == nil {
		s, err := c.registry.Get(ctx, swapID)
		if err != nil {
			return err
		}
		if s.Secret == nil {
			return fmt.Errorf("secret not revealed yet: %w", ErrInvalidRequest)
		}
		secret = s.Secret
	}
	return c.relay.Claim(ctx, swapID, secret)
}

func (c *coordinator) Refund(ctx context.Context, swapID string) (string, error) {
	unlock := c.lock(swapID)
	defer unlock()

	s, err := c.registry.Get(ctx, swapID)
	if err != nil {
		return "", err
	}
	if !s.Expired(c.now()) {
		return "", swap.ErrNotExpired
	}

	switch {
	case s.Status.Locked():
	case s.Status == swap.Completed:
		// A partial swap keeps its unsold slots locked until refunded.
		return c.refundRemainder(ctx, s)
	default:
		return "", fmt.Errorf("cannot refund swap in %v: %w", s.Status, swap.ErrStateConflict)
	}

	ref, err := c.refundLock(ctx, s.ID)
	if err != nil {
		return "", err
	}
	if err := c.registry.UpdateStatus(ctx, s.ID, s.Status, swap.Refunded, store.Update{RefundTxRef: ref}); err != nil {
		return "", err
	}
	c.endAuction(s.ID)
	c.record(ctx, s.ID, "lock", swap.ActionRefund, ref, -1)
	c.logger.Info("swap refunded", zap.String("swap", s.ID), zap.String("ref", ref))

	refunded, err := c.registry.Get(ctx, s.ID)
	if err != nil {
		refunded = s
		refunded.Status = swap.Refunded
	}
	c.Terminated(refunded)
	return ref, nil
}

func (c *coordinator) refundRemainder(ctx context.Context, s swap.Swap) (string, error) {
	slots, err := c.registry.Slots(ctx, s.ID)
	if err != nil {
		return "", err
	}
	unclaimed := 0
	for _, slot := range slots {
		if slot.Status != swap.SlotClaimed {
			unclaimed++
		}
	}
	if unclaimed == 0 {
		return "", fmt.Errorf("every slot was claimed: %w", swap.ErrStateConflict)
	}
	txs, err := c.registry.Transactions(ctx, s.ID)
	if err != nil {
		return "", err
	}
	for _, tx := range txs {
		if tx.Action == swap.ActionRefund {
			return "", fmt.Errorf("already refunded by %v: %w", tx.Ref, swap.ErrStateConflict)
		}
	}

	ref, err := c.refundLock(ctx, s.ID)
	if err != nil {
		return "", err
	}
	c.record(ctx, s.ID, "lock", swap.ActionRefund, ref, -1)
	c.logger.Info("unclaimed slots refunded", zap.String("swap", s.ID), zap.Int("slots", unclaimed), zap.String("ref", ref))
	return ref, nil
}

func (c *coordinator) refundLock(ctx context.Context, swapID string) (string, error) {
	ref, err := chain.Retry(ctx, c.options.Retry, c.logger, func(ctx context.Context) (string, error) {
		return c.lockChain.Refund(ctx, swapID)
	})
	if errors.Is(err, chain.ErrAlreadyRefunded) {
		return "", fmt.Errorf("%v: %w", err, swap.ErrStateConflict)
	}
	return ref, err
}

// sweep periodically fails swaps that expired before locking and, when
// enabled, refunds the locked ones.
func (c *coordinator) sweep() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *coordinator) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), c.options.SweepInterval)
	defer cancel()

	pending, err := c.registry.ListPending(ctx)
	if err != nil {
		c.logger.Warn("failed to list pending swaps", zap.Error(err))
		return
	}
	for _, s := range pending {
		if !s.Expired(c.now()) {
			continue
		}
		if s.Status == swap.Pending {
			if err := c.registry.UpdateStatus(ctx, s.ID, swap.Pending, swap.Failed, store.Update{}); err != nil {
				c.logger.Warn("failed to expire swap", zap.String("swap", s.ID), zap.Error(err))
				continue
			}
			c.logger.Info("swap expired before lock", zap.String("swap", s.ID))
			s.Status = swap.Failed
			c.Terminated(s)
			continue
		}
		// Nothing can be sold past the timelock.
		c.endAuction(s.ID)
		c.engine.Delete(s.ID)
		if c.options.AutoRefund {
			if _, err := c.Refund(ctx, s.ID); err != nil {
				c.logger.Warn("auto refund failed", zap.String("swap", s.ID), zap.Error(err))
			}
		}
	}
}

func (c *coordinator) endAuction(swapID string) {
	if _, err := c.engine.End(swapID); err != nil && !errors.Is(err, auction.ErrNoActiveAuction) {
		c.logger.Warn("failed to end auction", zap.String("swap", swapID), zap.Error(err))
	}
}

func bigInt(n int) *big.Int {
	return big.NewInt(int64(n))
}
