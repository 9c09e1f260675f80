package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/catalogfi/fusion/pkg/swap"
)

type escrow struct {
	req      chain.EscrowRequest
	claimed  bool
	activity [][]byte
	subs     map[*subscription]struct{}
}

// SettlementChain is an in-memory settlement chain whose activity stream
// carries the raw witness of every escrow claim.
type SettlementChain struct {
	FuncLockEscrow  func(req chain.EscrowRequest) error
	FuncClaimEscrow func(escrowRef string, preimage []byte) error
	FuncSubscribe   func(escrowRef string) error

	now func() time.Time

	mu      sync.Mutex
	escrows map[string]*escrow
	locks   int
	txs     int
}

func NewSettlementChain(now func() time.Time) *SettlementChain {
	if now == nil {
		now = time.Now
	}
	return &SettlementChain{
		now:     now,
		escrows: map[string]*escrow{},
	}
}

func (sc *SettlementChain) LockEscrow(ctx context.Context, req chain.EscrowRequest) (string, error) {
	if sc.FuncLockEscrow != nil {
		if err := sc.FuncLockEscrow(req); err != nil {
			return "", err
		}
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.now().After(req.Timelock) {
		return "", chain.ErrExpired
	}
	sc.locks++
	ref := fmt.Sprintf("G%055d", sc.locks)
	sc.escrows[ref] = &escrow{req: req, subs: map[*subscription]struct{}{}}
	return ref, nil
}

func (sc *SettlementChain) SubscribeActivity(ctx context.Context, escrowRef string) (chain.Subscription, error) {
	if sc.FuncSubscribe != nil {
		if err := sc.FuncSubscribe(escrowRef); err != nil {
			return nil, err
		}
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	esc, ok := sc.escrows[escrowRef]
	if !ok {
		return nil, chain.ErrUnknownSwap
	}
	sub := &subscription{
		activity: make(chan []byte, 64),
		errs:     make(chan error, 1),
		quit:     make(chan struct{}),
	}
	for _, data := range esc.activity {
		select {
		case sub.activity <- data:
		default:
		}
	}
	esc.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.quit:
		}
		sc.mu.Lock()
		delete(esc.subs, sub)
		sc.mu.Unlock()
		sub.Close()
	}()
	return sub, nil
}

func (sc *SettlementChain) ClaimEscrow(ctx context.Context, escrowRef string, preimage []byte) (string, error) {
	if sc.FuncClaimEscrow != nil {
		if err := sc.FuncClaimEscrow(escrowRef, preimage); err != nil {
			return "", err
		}
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	esc, ok := sc.escrows[escrowRef]
	if !ok {
		return "", chain.ErrUnknownSwap
	}
	if sc.now().After(esc.req.Timelock) {
		return "", chain.ErrExpired
	}
	if !swap.VerifySecret(preimage, esc.req.HashLock) {
		return "", chain.ErrInvalidPreimage
	}
	if esc.claimed {
		return "", chain.ErrAlreadyClaimed
	}
	esc.claimed = true
	sc.publish(esc, append([]byte(nil), preimage...))
	sc.txs++
	return fmt.Sprintf("%064x", sc.txs), nil
}

// Publish pushes arbitrary activity on an escrow's stream.
func (sc *SettlementChain) Publish(escrowRef string, data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	esc, ok := sc.escrows[escrowRef]
	if !ok {
		return chain.ErrUnknownSwap
	}
	sc.publish(esc, data)
	return nil
}

func (sc *SettlementChain) publish(esc *escrow, data []byte) {
	esc.activity = append(esc.activity, data)
	for sub := range esc.subs {
		select {
		case sub.activity <- data:
		case <-sub.quit:
		default:
		}
	}
}

// Escrow returns the request an escrow was opened with.
func (sc *SettlementChain) Escrow(escrowRef string) (chain.EscrowRequest, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	esc, ok := sc.escrows[escrowRef]
	if !ok {
		return chain.EscrowRequest{}, false
	}
	return esc.req, true
}

// Subscribers returns the number of open subscriptions on an escrow.
func (sc *SettlementChain) Subscribers(escrowRef string) int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	esc, ok := sc.escrows[escrowRef]
	if !ok {
		return 0
	}
	return len(esc.subs)
}

type subscription struct {
	activity chan []byte
	errs     chan error
	quit     chan struct{}
	once     sync.Once
}

func (s *subscription) Activity() <-chan []byte {
	return s.activity
}

func (s *subscription) Err() <-chan error {
	return s.errs
}

func (s *subscription) Close() {
	s.once.Do(func() {
		close(s.quit)
	})
}
