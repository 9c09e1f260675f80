package store

import (
	"context"
	"errors"
	"time"

	"github.com/catalogfi/fusion/pkg/swap"
)

var (
	ErrNotFound      = errors.New("swap not found")
	ErrAlreadyExists = errors.New("swap already exists")
)

// Update carries the optional fields written together with a status change.
// Empty fields are left untouched.
type Update struct {
	Secret      []byte
	LockTxRef   string
	SettleTxRef string
	RefundTxRef string
}

// SlotUpdate carries the optional fields written together with a slot change.
type SlotUpdate struct {
	Owner     string
	EscrowRef string
	ClaimRef  string
	Error     string
}

// Transaction is one entry of the chain interaction audit log.
type Transaction struct {
	SwapID    string      `json:"swapId"`
	Chain     string      `json:"chain"`
	Action    swap.Action `json:"action"`
	Ref       string      `json:"ref"`
	SlotIndex int         `json:"slotIndex"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Registry is the durable record of swaps and their slots. Status changes
// are compare-and-set: they only apply when the persisted status still
// equals the expected one, otherwise swap.ErrStateConflict is returned and
// nothing is written.
type Registry interface {
	// Create inserts the swap along with totalUnits available slots.
	Create(ctx context.Context, s swap.Swap) error

	Get(ctx context.Context, id string) (swap.Swap, error)

	UpdateStatus(ctx context.Context, id string, expected, next swap.Status, upd Update) error

	// ListPending returns every swap that has not reached a terminal status.
	ListPending(ctx context.Context) ([]swap.Swap, error)

	ListByStatus(ctx context.Context, statuses ...swap.Status) ([]swap.Swap, error)

	// History returns the swaps an address took part in, newest first.
	History(ctx context.Context, address string) ([]swap.Swap, error)

	Slots(ctx context.Context, id string) ([]swap.Slot, error)

	// AssignSlots moves every given slot from Available to Assigned for
	// owner, or none of them.
	AssignSlots(ctx context.Context, id string, owner string, indices []int) error

	// UpdateSlot is a compare-and-set on one slot. expected may equal next to
	// only write fields.
	UpdateSlot(ctx context.Context, id string, index int, expected, next swap.SlotStatus, upd SlotUpdate) error

	AddTransaction(ctx context.Context, tx Transaction) error

	Transactions(ctx context.Context, id string) ([]Transaction, error)
}

func checkTransition(expected, next swap.Status) error {
	if !swap.CanTransition(expected, next) {
		return swap.ErrStateConflict
	}
	return nil
}

func checkSlotTransition(expected, next swap.SlotStatus) error {
	if expected != next && !swap.CanTransitionSlot(expected, next) {
		return swap.ErrStateConflict
	}
	return nil
}
