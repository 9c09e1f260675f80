package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/catalogfi/fusion/pkg/auction"
	"github.com/catalogfi/fusion/pkg/store"
	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (c *coordinator) StartSwap(ctx context.Context, req StartRequest) (string, error) {
	if req.Direction == "" {
		req.Direction = swap.AToB
	}
	switch {
	case !req.Direction.Valid():
		return "", fmt.Errorf("unknown direction %q: %w", req.Direction, ErrInvalidRequest)
	case req.Initiator == "" || req.Recipient == "":
		return "", fmt.Errorf("missing initiator or recipient: %w", ErrInvalidRequest)
	case req.LockAmount == nil || req.LockAmount.Sign() <= 0:
		return "", fmt.Errorf("lock amount must be positive: %w", ErrInvalidRequest)
	case req.SettleAmount == nil || req.SettleAmount.Sign() <= 0:
		return "", fmt.Errorf("settle amount must be positive: %w", ErrInvalidRequest)
	case req.LockAmount.Cmp(bigInt(c.options.Slots)) < 0:
		return "", fmt.Errorf("lock amount below one unit per slot: %w", ErrInvalidRequest)
	case req.HashLock == (common.Hash{}):
		return "", fmt.Errorf("missing hash lock: %w", ErrInvalidRequest)
	case !req.Timelock.After(c.now().Add(c.options.AuctionDuration)):
		return "", fmt.Errorf("timelock must outlast the auction: %w", ErrInvalidRequest)
	}

	id, err := swap.NewID()
	if err != nil {
		return "", err
	}
	s := swap.Swap{
		ID:             id,
		Direction:      req.Direction,
		Initiator:      req.Initiator,
		Recipient:      req.Recipient,
		LockAmount:     req.LockAmount,
		SettleAmount:   req.SettleAmount,
		HashLock:       req.HashLock,
		TimelockExpiry: req.Timelock,
		Status:         swap.Pending,
		TotalUnits:     c.options.Slots,
	}
	if err := c.registry.Create(ctx, s); err != nil {
		return "", err
	}
	c.logger.Info("swap created", zap.String("swap", id), zap.String("initiator", req.Initiator), zap.Stringer("lockAmount", req.LockAmount))
	return id, nil
}

func (c *coordinator) ConfirmLock(ctx context.Context, swapID, lockRef string) error {
	if lockRef == "" {
		return fmt.Errorf("missing lock reference: %w", ErrInvalidRequest)
	}
	unlock := c.lock(swapID)
	defer unlock()

	s, err := c.registry.Get(ctx, swapID)
	if err != nil {
		return err
	}
	if s.Status != swap.Pending {
		if s.LockTxRef == lockRef {
			return nil
		}
		return fmt.Errorf("swap already locked by %v: %w", s.LockTxRef, swap.ErrStateConflict)
	}
	if s.Expired(c.now()) {
		return swap.ErrExpired
	}

	if err := c.registry.UpdateStatus(ctx, swapID, swap.Pending, swap.LockedOnA, store.Update{LockTxRef: lockRef}); err != nil {
		return err
	}
	c.record(ctx, swapID, "lock", swap.ActionLock, lockRef, -1)
	c.logger.Info("lock confirmed", zap.String("swap", swapID), zap.String("ref", lockRef))

	s.Status = swap.LockedOnA
	s.LockTxRef = lockRef
	return c.openAuction(s)
}

func (c *coordinator) openAuction(s swap.Swap) error {
	duration := c.options.AuctionDuration
	if left := s.TimelockExpiry.Sub(c.now()); left < duration {
		duration = left
	}
	if duration <= 0 {
		return swap.ErrExpired
	}
	if _, err := c.engine.Start(s.ID, s.TotalUnits, auction.InitialPrice(&s), duration, auction.WithDeadline(s.TimelockExpiry)); err != nil {
		return err
	}
	done, err := c.engine.Done(s.ID)
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		timer := time.NewTimer(duration)
		defer timer.Stop()
		select {
		case <-c.quit:
			return
		case <-done:
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.settle(ctx, s.ID); err != nil {
			c.logger.Error("failed to settle auction", zap.String("swap", s.ID), zap.Error(err))
		}
	}()
	return nil
}

// settle ends the auction and, when any slot was sold, moves the swap to
// SettledOnB and hands it to the relay.
func (c *coordinator) settle(ctx context.Context, swapID string) error {
	result, err := c.engine.End(swapID)
	if err != nil && !errors.Is(err, auction.ErrNoActiveAuction) {
		return err
	}

	unlock := c.lock(swapID)
	defer unlock()

	s, err := c.registry.Get(ctx, swapID)
	if err != nil {
		return err
	}
	if s.Status != swap.LockedOnA && s.Status != swap.LockedOnB {
		return nil
	}
	if s.Expired(c.now()) {
		return swap.ErrExpired
	}
	slots, err := c.registry.Slots(ctx, swapID)
	if err != nil {
		return err
	}
	assigned := 0
	for _, slot := range slots {
		if slot.Status != swap.SlotAvailable {
			assigned++
		}
	}
	if assigned == 0 {
		c.logger.Info("auction closed without fills", zap.String("swap", swapID))
		return nil
	}

	if err := c.registry.UpdateStatus(ctx, swapID, s.Status, swap.SettledOnB, store.Update{}); err != nil {
		return err
	}
	c.logger.Info("auction settled", zap.String("swap", swapID), zap.Int("units", assigned), zap.Int("bids", len(result.WinningBids)))
	return c.relay.Watch(swapID)
}

func (c *coordinator) GetSwap(ctx context.Context, swapID string) (swap.Swap, error) {
	s, err := c.registry.Get(ctx, swapID)
	if err != nil {
		return swap.Swap{}, err
	}
	return s, nil
}

func (c *coordinator) GetAuctionStatus(swapID string) (auction.State, error) {
	return c.engine.Status(swapID)
}

func (c *coordinator) ActiveAuctions() []string {
	return c.engine.Active()
}

func (c *coordinator) SubmitBid(ctx context.Context, swapID, resolverID string, percent int, limit decimal.Decimal) (auction.Bid, error) {
	s, err := c.registry.Get(ctx, swapID)
	if err != nil {
		return auction.Bid{}, err
	}
	if s.Expired(c.now()) {
		return auction.Bid{}, swap.ErrExpired
	}
	if s.Status != swap.LockedOnA && s.Status != swap.LockedOnB {
		return auction.Bid{}, fmt.Errorf("swap is %v: %w", s.Status, auction.ErrNoActiveAuction)
	}
	return c.engine.SubmitBidPercent(ctx, swapID, resolverID, percent, limit)
}

func (c *coordinator) ConfirmEscrow(ctx context.Context, swapID string, slots []int, escrowRef string) error {
	if escrowRef == "" || len(slots) == 0 {
		return fmt.Errorf("missing escrow reference or slots: %w", ErrInvalidRequest)
	}
	unlock := c.lock(swapID)
	defer unlock()

	s, err := c.registry.Get(ctx, swapID)
	if err != nil {
		return err
	}
	if s.Expired(c.now()) {
		return swap.ErrExpired
	}
	switch s.Status {
	case swap.LockedOnA, swap.LockedOnB, swap.SettledOnB:
	default:
		return fmt.Errorf("swap is %v: %w", s.Status, swap.ErrStateConflict)
	}

	for _, index := range slots {
		if err := c.registry.UpdateSlot(ctx, swapID, index, swap.SlotAssigned, swap.SlotAssigned, store.SlotUpdate{EscrowRef: escrowRef}); err != nil {
			return fmt.Errorf("slot %d: %w", index, err)
		}
	}
	c.record(ctx, swapID, "settlement", swap.ActionEscrow, escrowRef, slots[0])

	if s.Status == swap.LockedOnA {
		if err := c.registry.UpdateStatus(ctx, swapID, swap.LockedOnA, swap.LockedOnB, store.Update{}); err != nil {
			return err
		}
	}
	c.logger.Info("escrow confirmed", zap.String("swap", swapID), zap.Ints("slots", slots), zap.String("escrow", escrowRef))
	return nil
}

func (c *coordinator) record(ctx context.Context, swapID, chainName string, action swap.Action, ref string, index int) {
	if err := c.registry.AddTransaction(ctx, store.Transaction{
		SwapID:    swapID,
		Chain:     chainName,
		Action:    action,
		Ref:       ref,
		SlotIndex: index,
	}); err != nil {
		c.logger.Warn("failed to record transaction", zap.String("swap", swapID), zap.String("ref", ref), zap.Error(err))
	}
}
