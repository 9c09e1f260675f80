package store

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/catalogfi/fusion/pkg/swap"
)

type memRegistry struct {
	mu    sync.RWMutex
	swaps map[string]swap.Swap
	slots map[string][]swap.Slot
	txs   map[string][]Transaction
}

// NewMemRegistry returns a registry kept in process memory.
func NewMemRegistry() Registry {
	return &memRegistry{
		swaps: map[string]swap.Swap{},
		slots: map[string][]swap.Slot{},
		txs:   map[string][]Transaction{},
	}
}

func (r *memRegistry) Create(ctx context.Context, s swap.Swap) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.swaps[s.ID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	r.swaps[s.ID] = copySwap(s)
	slots := make([]swap.Slot, s.TotalUnits)
	for i := range slots {
		slots[i] = swap.Slot{SwapID: s.ID, Index: i, Status: swap.SlotAvailable}
	}
	r.slots[s.ID] = slots
	return nil
}

func (r *memRegistry) Get(ctx context.Context, id string) (swap.Swap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.swaps[id]
	if !ok {
		return swap.Swap{}, ErrNotFound
	}
	return copySwap(s), nil
}

func (r *memRegistry) UpdateStatus(ctx context.Context, id string, expected, next swap.Status, upd Update) error {
	if err := checkTransition(expected, next); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.swaps[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != expected {
		return swap.ErrStateConflict
	}
	s.Status = next
	s.UpdatedAt = time.Now().UTC()
	if len(upd.Secret) > 0 {
		s.Secret = append([]byte(nil), upd.Secret...)
	}
	if upd.LockTxRef != "" {
		s.LockTxRef = upd.LockTxRef
	}
	if upd.SettleTxRef != "" {
		s.SettleTxRef = upd.SettleTxRef
	}
	if upd.RefundTxRef != "" {
		s.RefundTxRef = upd.RefundTxRef
	}
	r.swaps[id] = s
	return nil
}

func (r *memRegistry) ListPending(ctx context.Context) ([]swap.Swap, error) {
	return r.filter(func(s swap.Swap) bool { return !s.Status.Terminal() }), nil
}

func (r *memRegistry) ListByStatus(ctx context.Context, statuses ...swap.Status) ([]swap.Swap, error) {
	return r.filter(func(s swap.Swap) bool {
		for _, status := range statuses {
			if s.Status == status {
				return true
			}
		}
		return false
	}), nil
}

func (r *memRegistry) History(ctx context.Context, address string) ([]swap.Swap, error) {
	return r.filter(func(s swap.Swap) bool {
		return s.Initiator == address || s.Recipient == address
	}), nil
}

func (r *memRegistry) filter(keep func(swap.Swap) bool) []swap.Swap {
	r.mu.RLock()
	defer r.mu.RUnlock()

	swaps := []swap.Swap{}
	for _, s := range r.swaps {
		if keep(s) {
			swaps = append(swaps, copySwap(s))
		}
	}
	sort.Slice(swaps, func(i, j int) bool {
		if swaps[i].CreatedAt.Equal(swaps[j].CreatedAt) {
			return swaps[i].ID < swaps[j].ID
		}
		return swaps[i].CreatedAt.After(swaps[j].CreatedAt)
	})
	return swaps
}

func (r *memRegistry) Slots(ctx context.Context, id string) ([]swap.Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	slots, ok := r.slots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]swap.Slot(nil), slots...), nil
}

func (r *memRegistry) AssignSlots(ctx context.Context, id string, owner string, indices []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slots, ok := r.slots[id]
	if !ok {
		return ErrNotFound
	}
	for _, index := range indices {
		if index < 0 || index >= len(slots) || slots[index].Status != swap.SlotAvailable {
			return fmt.Errorf("assigning slot %d of %v: %w", index, id, swap.ErrStateConflict)
		}
	}
	for _, index := range indices {
		slots[index].Owner = owner
		slots[index].Status = swap.SlotAssigned
	}
	return nil
}

func (r *memRegistry) UpdateSlot(ctx context.Context, id string, index int, expected, next swap.SlotStatus, upd SlotUpdate) error {
	if err := checkSlotTransition(expected, next); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	slots, ok := r.slots[id]
	if !ok || index < 0 || index >= len(slots) {
		return ErrNotFound
	}
	slot := &slots[index]
	if slot.Status != expected {
		return swap.ErrStateConflict
	}
	slot.Status = next
	if upd.Owner != "" {
		slot.Owner = upd.Owner
	}
	if upd.EscrowRef != "" {
		slot.EscrowRef = upd.EscrowRef
	}
	if upd.ClaimRef != "" {
		slot.ClaimRef = upd.ClaimRef
	}
	if upd.Error != "" {
		slot.Error = upd.Error
	}
	return nil
}

func (r *memRegistry) AddTransaction(ctx context.Context, tx Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx.CreatedAt = time.Now().UTC()
	r.txs[tx.SwapID] = append(r.txs[tx.SwapID], tx)
	return nil
}

func (r *memRegistry) Transactions(ctx context.Context, id string) ([]Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]Transaction{}, r.txs[id]...), nil
}

func copySwap(s swap.Swap) swap.Swap {
	if s.LockAmount != nil {
		s.LockAmount = new(big.Int).Set(s.LockAmount)
	}
	if s.SettleAmount != nil {
		s.SettleAmount = new(big.Int).Set(s.SettleAmount)
	}
	if s.Secret != nil {
		s.Secret = append([]byte(nil), s.Secret...)
	}
	return s
}
