package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrAlreadyClaimed  = errors.New("already claimed")
	ErrAlreadyRefunded = errors.New("already refunded")
	ErrInvalidPreimage = errors.New("invalid preimage")
	ErrUnknownSwap     = errors.New("unknown swap")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnavailable     = errors.New("temporarily unavailable")

	ErrExpired    = swap.ErrExpired
	ErrNotExpired = swap.ErrNotExpired
)

// IsTransient reports whether a failed chain call is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

type LockRequest struct {
	SwapID    string
	Recipient string
	HashLock  common.Hash
	Timelock  time.Time
	Amount    *big.Int
	Units     int
}

// LockChain is the chain holding the initiator's funds, split into slots
// that are claimed one by one with the preimage.
type LockChain interface {
	// LockFunds locks the initiator's funds and returns the lock reference.
	LockFunds(ctx context.Context, req LockRequest) (string, error)

	// ClaimSlot pays one slot to its owner. It fails with ErrAlreadyClaimed,
	// ErrExpired or ErrInvalidPreimage.
	ClaimSlot(ctx context.Context, swapID string, index int, preimage []byte) (string, error)

	// Refund returns unclaimed funds to the initiator after the timelock.
	Refund(ctx context.Context, swapID string) (string, error)
}

type EscrowRequest struct {
	SwapID    string
	Sender    string
	Recipient string
	HashLock  common.Hash
	Timelock  time.Time
	Amount    *big.Int
	Slots     []int
}

// Subscription streams raw activity observed on an escrow. Close must be
// called once the subscriber loses interest.
type Subscription interface {
	Activity() <-chan []byte
	Err() <-chan error
	Close()
}

type SettlementChain interface {
	LockEscrow(ctx context.Context, req EscrowRequest) (string, error)

	SubscribeActivity(ctx context.Context, escrowRef string) (Subscription, error)

	// ClaimEscrow releases the escrow to its recipient, publishing the
	// preimage on the settlement chain.
	ClaimEscrow(ctx context.Context, escrowRef string, preimage []byte) (string, error)
}
