package relay

import (
	"context"
	"errors"
	"time"

	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// watch multiplexes the activity of every escrow backing the swap and waits
// for a witness that hashes to the hash lock. Escrows confirmed after the
// watch started are picked up on the next rescan.
func (r *relay) watch(ctx context.Context, s swap.Swap) {
	logger := r.logger.With(zap.String("swap", s.ID))
	logger.Info("watching settlement")

	found := make(chan []byte, 1)
	subs := map[string]chain.Subscription{}
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	ticker := time.NewTicker(r.options.RescanInterval)
	defer ticker.Stop()

	for {
		if !r.rescan(ctx, s, subs, found, logger) {
			return
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				logger.Warn("timelock passed before the secret was revealed")
			}
			return
		case secret := <-found:
			logger.Info("secret revealed on settlement chain")
			for ref, sub := range subs {
				sub.Close()
				delete(subs, ref)
			}
			if err := r.Claim(ctx, s.ID, secret); err != nil {
				logger.Error("failed to claim", zap.Error(err))
			}
			return
		case <-ticker.C:
		}
	}
}

// rescan subscribes to escrows not yet followed. It returns false once the
// swap left SettledOnB.
func (r *relay) rescan(ctx context.Context, s swap.Swap, subs map[string]chain.Subscription, found chan<- []byte, logger *zap.Logger) bool {
	current, err := r.registry.Get(ctx, s.ID)
	if err != nil {
		logger.Debug("failed to reload swap", zap.Error(err))
		return ctx.Err() == nil
	}
	if current.Status != swap.SettledOnB {
		logger.Info("stopped watching", zap.Stringer("status", current.Status))
		if current.Status == swap.SettledOnA {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				if err := r.Claim(r.ctx, s.ID, current.Secret); err != nil {
					logger.Error("failed to claim", zap.Error(err))
				}
			}()
		}
		return false
	}

	slots, err := r.registry.Slots(ctx, s.ID)
	if err != nil {
		logger.Debug("failed to load slots", zap.Error(err))
		return ctx.Err() == nil
	}
	for _, slot := range slots {
		if slot.EscrowRef == "" {
			continue
		}
		if _, ok := subs[slot.EscrowRef]; ok {
			continue
		}
		sub, err := r.settlement.SubscribeActivity(ctx, slot.EscrowRef)
		if err != nil {
			logger.Warn("failed to subscribe", zap.String("escrow", slot.EscrowRef), zap.Error(err))
			continue
		}
		subs[slot.EscrowRef] = sub
		logger.Debug("subscribed", zap.String("escrow", slot.EscrowRef))

		r.wg.Add(1)
		go func(ref string, sub chain.Subscription) {
			defer r.wg.Done()
			r.forward(ctx, s.HashLock, sub, found, logger.With(zap.String("escrow", ref)))
		}(slot.EscrowRef, sub)
	}
	return true
}

// forward scans one escrow's activity for the preimage.
func (r *relay) forward(ctx context.Context, hashLock common.Hash, sub chain.Subscription, found chan<- []byte, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			logger.Debug("activity stream error", zap.Error(err))
		case data, ok := <-sub.Activity():
			if !ok {
				return
			}
			if !swap.VerifySecret(data, hashLock) {
				continue
			}
			select {
			case found <- data:
			default:
			}
			return
		}
	}
}
