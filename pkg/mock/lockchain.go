package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/catalogfi/fusion/pkg/swap"
)

type lockedSwap struct {
	req      chain.LockRequest
	claimed  []bool
	refunded bool
}

// LockChain is an in-memory lock chain. The Func fields, when set, run
// before the default behaviour and can inject failures.
type LockChain struct {
	FuncLockFunds func(req chain.LockRequest) error
	FuncClaimSlot func(swapID string, index int, preimage []byte) error
	FuncRefund    func(swapID string) error

	// Delay slows every claim down, to observe concurrency.
	Delay time.Duration

	now func() time.Time

	mu       sync.Mutex
	swaps    map[string]*lockedSwap
	attempts map[string]int
	txs      int
	inflight map[string]int
	peak     map[string]int
}

func NewLockChain(now func() time.Time) *LockChain {
	if now == nil {
		now = time.Now
	}
	return &LockChain{
		now:      now,
		swaps:    map[string]*lockedSwap{},
		attempts: map[string]int{},
		inflight: map[string]int{},
		peak:     map[string]int{},
	}
}

// As returns a client of the same ledger signing as identity. Concurrency
// is tracked per identity.
func (lc *LockChain) As(identity string) chain.LockChain {
	return &identityClient{chain: lc, identity: identity}
}

type identityClient struct {
	chain    *LockChain
	identity string
}

func (c *identityClient) LockFunds(ctx context.Context, req chain.LockRequest) (string, error) {
	return c.chain.LockFunds(ctx, req)
}

func (c *identityClient) ClaimSlot(ctx context.Context, swapID string, index int, preimage []byte) (string, error) {
	return c.chain.claim(ctx, c.identity, swapID, index, preimage)
}

func (c *identityClient) Refund(ctx context.Context, swapID string) (string, error) {
	return c.chain.Refund(ctx, swapID)
}

func (lc *LockChain) LockFunds(ctx context.Context, req chain.LockRequest) (string, error) {
	if lc.FuncLockFunds != nil {
		if err := lc.FuncLockFunds(req); err != nil {
			return "", err
		}
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.now().After(req.Timelock) {
		return "", chain.ErrExpired
	}
	if _, ok := lc.swaps[req.SwapID]; ok {
		return "", fmt.Errorf("swap %v already locked", req.SwapID)
	}
	lc.swaps[req.SwapID] = &lockedSwap{req: req, claimed: make([]bool, req.Units)}
	return lc.nextRef(), nil
}

func (lc *LockChain) ClaimSlot(ctx context.Context, swapID string, index int, preimage []byte) (string, error) {
	return lc.claim(ctx, "", swapID, index, preimage)
}

func (lc *LockChain) claim(ctx context.Context, identity, swapID string, index int, preimage []byte) (string, error) {
	lc.mu.Lock()
	lc.attempts[slotKey(swapID, index)]++
	lc.inflight[identity]++
	if lc.inflight[identity] > lc.peak[identity] {
		lc.peak[identity] = lc.inflight[identity]
	}
	lc.mu.Unlock()
	defer func() {
		lc.mu.Lock()
		lc.inflight[identity]--
		lc.mu.Unlock()
	}()

	if lc.Delay > 0 {
		select {
		case <-time.After(lc.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if lc.FuncClaimSlot != nil {
		if err := lc.FuncClaimSlot(swapID, index, preimage); err != nil {
			return "", err
		}
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	locked, ok := lc.swaps[swapID]
	if !ok || index < 0 || index >= len(locked.claimed) {
		return "", chain.ErrUnknownSwap
	}
	if lc.now().After(locked.req.Timelock) {
		return "", chain.ErrExpired
	}
	if locked.refunded {
		return "", chain.ErrAlreadyRefunded
	}
	if !swap.VerifySecret(preimage, locked.req.HashLock) {
		return "", chain.ErrInvalidPreimage
	}
	if locked.claimed[index] {
		return "", chain.ErrAlreadyClaimed
	}
	locked.claimed[index] = true
	return lc.nextRef(), nil
}

func (lc *LockChain) Refund(ctx context.Context, swapID string) (string, error) {
	if lc.FuncRefund != nil {
		if err := lc.FuncRefund(swapID); err != nil {
			return "", err
		}
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	locked, ok := lc.swaps[swapID]
	if !ok {
		return "", chain.ErrUnknownSwap
	}
	if !lc.now().After(locked.req.Timelock) {
		return "", chain.ErrNotExpired
	}
	if locked.refunded {
		return "", chain.ErrAlreadyRefunded
	}
	locked.refunded = true
	return lc.nextRef(), nil
}

// Attempts returns how many times a slot claim was submitted.
func (lc *LockChain) Attempts(swapID string, index int) int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.attempts[slotKey(swapID, index)]
}

func (lc *LockChain) Claimed(swapID string, index int) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	locked, ok := lc.swaps[swapID]
	return ok && index >= 0 && index < len(locked.claimed) && locked.claimed[index]
}

func (lc *LockChain) Refunded(swapID string) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	locked, ok := lc.swaps[swapID]
	return ok && locked.refunded
}

// PeakConcurrency is the largest number of claims an identity had in
// flight at once.
func (lc *LockChain) PeakConcurrency(identity string) int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.peak[identity]
}

func (lc *LockChain) nextRef() string {
	lc.txs++
	return fmt.Sprintf("0x%064x", lc.txs)
}

func slotKey(swapID string, index int) string {
	return fmt.Sprintf("%v/%d", swapID, index)
}
