package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/catalogfi/fusion/pkg/store"
	"github.com/catalogfi/fusion/pkg/swap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func (r *relay) Claim(ctx context.Context, swapID string, secret []byte) error {
	s, err := r.registry.Get(ctx, swapID)
	if err != nil {
		return err
	}
	if !swap.VerifySecret(secret, s.HashLock) {
		return chain.ErrInvalidPreimage
	}
	if s.Expired(time.Now()) {
		return swap.ErrExpired
	}

	switch s.Status {
	case swap.SettledOnB:
		err := r.registry.UpdateStatus(ctx, swapID, swap.SettledOnB, swap.SettledOnA, store.Update{Secret: secret})
		if err != nil && !errors.Is(err, swap.ErrStateConflict) {
			return err
		}
		if s, err = r.registry.Get(ctx, swapID); err != nil {
			return err
		}
		if s.Status != swap.SettledOnA {
			return fmt.Errorf("swap moved to %v: %w", s.Status, swap.ErrStateConflict)
		}
	case swap.SettledOnA:
	default:
		return fmt.Errorf("cannot claim swap in %v: %w", s.Status, swap.ErrStateConflict)
	}

	ctx, cancel := context.WithDeadline(ctx, s.TimelockExpiry)
	defer cancel()

	slots, err := r.registry.Slots(ctx, swapID)
	if err != nil {
		return err
	}

	logger := r.logger.With(zap.String("swap", swapID))
	group := new(errgroup.Group)
	group.SetLimit(r.options.Workers)
	for _, slot := range slots {
		if slot.Status != swap.SlotAssigned || !r.begin(swapID, slot.Index) {
			continue
		}
		slot := slot
		group.Go(func() error {
			defer r.end(swapID, slot.Index)
			r.claimSlot(ctx, s, slot, secret, logger.With(zap.Int("slot", slot.Index), zap.String("owner", slot.Owner)))
			return nil
		})
	}
	group.Wait()

	return r.complete(swapID, logger)
}

// begin marks a slot claim in flight so that overlapping Claim calls attempt
// each slot once.
func (r *relay) begin(swapID string, index int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := store.SlotKey(swapID, index)
	if r.inflight[key] {
		return false
	}
	r.inflight[key] = true
	return true
}

func (r *relay) end(swapID string, index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, store.SlotKey(swapID, index))
}

// ownerLock serializes the claims signed by one owner, which share a nonce.
func (r *relay) ownerLock(owner string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.owners[owner]
	if !ok {
		mu = new(sync.Mutex)
		r.owners[owner] = mu
	}
	return mu
}

func (r *relay) claimSlot(ctx context.Context, s swap.Swap, slot swap.Slot, secret []byte, logger *zap.Logger) {
	key := store.SlotKey(s.ID, slot.Index)
	ref, done, err := r.actions.CheckAction(swap.ActionClaim, key)
	if err != nil {
		logger.Warn("failed to check claim action", zap.Error(err))
	}
	if !done {
		claimer, ok := r.claimers[slot.Owner]
		if !ok {
			r.failSlot(s.ID, slot.Index, ErrNoClaimer, logger)
			return
		}

		mu := r.ownerLock(slot.Owner)
		mu.Lock()
		ref, err = chain.Retry(ctx, r.options.Retry, logger, func(ctx context.Context) (string, error) {
			return claimer.ClaimSlot(ctx, s.ID, slot.Index, secret)
		})
		mu.Unlock()

		switch {
		case err == nil, errors.Is(err, chain.ErrAlreadyClaimed):
			// A claim can land even though its call failed, so a retry
			// finds the slot already paid.
			if err != nil {
				logger.Info("slot already claimed on chain", zap.Error(err))
			}
			if err := r.actions.StoreAction(swap.ActionClaim, key, ref); err != nil {
				logger.Warn("failed to store claim action", zap.Error(err))
			}
		case errors.Is(err, chain.ErrInvalidPreimage):
			logger.Warn("claim rejected, slot stays assigned", zap.Error(err))
			return
		case errors.Is(ctx.Err(), context.Canceled):
			logger.Info("claim cancelled, slot stays assigned")
			return
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			r.failSlot(s.ID, slot.Index, swap.ErrExpired, logger)
			return
		default:
			r.failSlot(s.ID, slot.Index, err, logger)
			return
		}
	}

	wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.registry.UpdateSlot(wctx, s.ID, slot.Index, swap.SlotAssigned, swap.SlotClaimed, store.SlotUpdate{ClaimRef: ref}); err != nil {
		logger.Error("failed to mark slot claimed", zap.String("ref", ref), zap.Error(err))
		return
	}
	if err := r.registry.AddTransaction(wctx, store.Transaction{
		SwapID:    s.ID,
		Chain:     "lock",
		Action:    swap.ActionClaim,
		Ref:       ref,
		SlotIndex: slot.Index,
	}); err != nil {
		logger.Warn("failed to record claim", zap.Error(err))
	}
	logger.Info("slot claimed", zap.String("ref", ref))
}

func (r *relay) failSlot(swapID string, index int, reason error, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Error("slot claim failed", zap.Error(reason))
	if err := r.registry.UpdateSlot(ctx, swapID, index, swap.SlotAssigned, swap.SlotFailed, store.SlotUpdate{Error: reason.Error()}); err != nil {
		logger.Error("failed to mark slot failed", zap.Error(err))
	}
}

// complete moves the swap to Completed once no slot is left Assigned.
func (r *relay) complete(swapID string, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slots, err := r.registry.Slots(ctx, swapID)
	if err != nil {
		return err
	}
	claimed, failed := 0, 0
	for _, slot := range slots {
		switch slot.Status {
		case swap.SlotAssigned:
			return nil
		case swap.SlotClaimed:
			claimed++
		case swap.SlotFailed:
			failed++
		}
	}

	err = r.registry.UpdateStatus(ctx, swapID, swap.SettledOnA, swap.Completed, store.Update{})
	if errors.Is(err, swap.ErrStateConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("swap completed", zap.Int("claimed", claimed), zap.Int("failed", failed))

	if r.onTerminal != nil {
		s, err := r.registry.Get(ctx, swapID)
		if err != nil {
			return err
		}
		r.onTerminal(s)
	}
	return nil
}
