package swap

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrStateConflict = errors.New("state conflict")
	ErrExpired       = errors.New("expired")
	ErrNotExpired    = errors.New("timelock not expired")
)

// Action names a chain interaction performed on behalf of a swap.
type Action string

var (
	ActionLock   Action = "lock"
	ActionEscrow Action = "escrow"
	ActionSettle Action = "settle"
	ActionClaim  Action = "claim"
	ActionRefund Action = "refund"

	// ActionSecret keeps an initiator's preimage until it is revealed.
	ActionSecret Action = "secret"
)

type Direction string

const (
	AToB Direction = "A_TO_B"
	BToA Direction = "B_TO_A"
)

func (d Direction) Valid() bool {
	return d == AToB || d == BToA
}

// Swap is one atomic exchange between an initiator on the lock chain and the
// resolvers that fill it on the settlement chain.
type Swap struct {
	ID             string
	Direction      Direction
	Initiator      string
	Recipient      string
	LockAmount     *big.Int
	SettleAmount   *big.Int
	HashLock       common.Hash
	Secret         []byte
	TimelockExpiry time.Time
	Status         Status
	TotalUnits     int

	LockTxRef   string
	SettleTxRef string
	RefundTxRef string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the timelock has passed at now.
func (s *Swap) Expired(now time.Time) bool {
	return now.After(s.TimelockExpiry)
}

// UnitAmount is the lock chain value of one slot. The remainder of an uneven
// split stays with the last slot.
func (s *Swap) UnitAmount(index int) *big.Int {
	if s.TotalUnits <= 0 || s.LockAmount == nil {
		return new(big.Int)
	}
	unit := new(big.Int).Div(s.LockAmount, big.NewInt(int64(s.TotalUnits)))
	if index == s.TotalUnits-1 {
		rem := new(big.Int).Mod(s.LockAmount, big.NewInt(int64(s.TotalUnits)))
		unit.Add(unit, rem)
	}
	return unit
}

// SettleAmountFor returns the settlement chain value owed for units slots.
func (s *Swap) SettleAmountFor(units int) *big.Int {
	if s.TotalUnits <= 0 || s.SettleAmount == nil {
		return new(big.Int)
	}
	amt := new(big.Int).Mul(s.SettleAmount, big.NewInt(int64(units)))
	return amt.Div(amt, big.NewInt(int64(s.TotalUnits)))
}

type Slot struct {
	SwapID    string
	Index     int
	Owner     string
	Status    SlotStatus
	EscrowRef string
	ClaimRef  string
	Error     string
}

// ResolverProfile is static configuration for one resolver.
type ResolverProfile struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	MinFill       int    `json:"minFill"`
	MaxFill       int    `json:"maxFill"`
	LockAddress   string `json:"lockAddress"`
	SettleAddress string `json:"settleAddress"`
}

// Allows reports whether a fill of percent lies within the profile's bounds.
// Zero bounds are unbounded.
func (p ResolverProfile) Allows(percent int) bool {
	if p.MinFill > 0 && percent < p.MinFill {
		return false
	}
	if p.MaxFill > 0 && percent > p.MaxFill {
		return false
	}
	return true
}

type Resolvers map[string]ResolverProfile

func (r Resolvers) Get(id string) (ResolverProfile, bool) {
	p, ok := r[id]
	return p, ok
}

func (r Resolvers) List() []ResolverProfile {
	list := make([]ResolverProfile, 0, len(r))
	for _, p := range r {
		list = append(list, p)
	}
	return list
}

// NewID returns a random 32 byte swap id, hex encoded with a 0x prefix.
func NewID() (string, error) {
	var id [32]byte
	if _, err := rand.Read(id[:]); err != nil {
		return "", fmt.Errorf("failed to generate swap id: %w", err)
	}
	return "0x" + hex.EncodeToString(id[:]), nil
}
