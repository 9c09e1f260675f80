package initiator

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/catalogfi/fusion/pkg/coordinator"
	"github.com/catalogfi/fusion/pkg/store"
	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Coordinator is the part of the coordinator an initiator drives.
type Coordinator interface {
	StartSwap(ctx context.Context, req coordinator.StartRequest) (string, error)
	ConfirmLock(ctx context.Context, swapID, lockRef string) error
	GetSwapStatus(ctx context.Context, swapID string) (coordinator.SwapStatus, error)
	ClaimSettlement(ctx context.Context, swapID string, secret []byte) ([]string, error)
	History(ctx context.Context, address string) (coordinator.History, error)
}

// Initiator opens swaps on an interval and reveals each secret once every
// winning resolver has escrowed.
type Initiator interface {
	Start() error
	Stop()
}

type Strategy struct {
	// Address is the initiator's lock chain address and Recipient its
	// settlement chain address.
	Address   string
	Recipient string

	Interval time.Duration
	Timelock time.Duration
	// MinAmount and MaxAmount bound the lock amount. Price is the settle
	// amount asked per unit locked.
	MinAmount *big.Int
	MaxAmount *big.Int
	Price     decimal.Decimal

	PollInterval time.Duration
	Retry        chain.RetryConfig
}

func (s Strategy) validate() error {
	switch {
	case s.Address == "" || s.Recipient == "":
		return fmt.Errorf("initiator address and recipient are required")
	case s.Interval <= 0 || s.PollInterval <= 0:
		return fmt.Errorf("initiator intervals must be positive")
	case s.MinAmount == nil || s.MaxAmount == nil || s.MinAmount.Sign() <= 0 || s.MinAmount.Cmp(s.MaxAmount) > 0:
		return fmt.Errorf("invalid initiator amount range")
	case !s.Price.IsPositive():
		return fmt.Errorf("initiator price must be positive")
	}
	return nil
}

type initiator struct {
	strategy  Strategy
	coord     Coordinator
	lockChain chain.LockChain
	actions   store.ActionStore
	logger    *zap.Logger
	rng       *rand.Rand

	mu      sync.Mutex
	pending map[string]struct{}

	quit chan struct{}
	wg   *sync.WaitGroup
}

func New(strategy Strategy, coord Coordinator, lockChain chain.LockChain, actions store.ActionStore, logger *zap.Logger) (Initiator, error) {
	if err := strategy.validate(); err != nil {
		return nil, err
	}
	return &initiator{
		strategy:  strategy,
		coord:     coord,
		lockChain: lockChain,
		actions:   actions,
		logger:    logger.With(zap.String("initiator", strategy.Address)),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		pending:   map[string]struct{}{},
		wg:        new(sync.WaitGroup),
	}, nil
}

func (in *initiator) Start() error {
	history, err := in.coord.History(context.Background(), in.strategy.Address)
	if err != nil {
		return err
	}
	for _, s := range history.Swaps {
		if s.Initiator == in.strategy.Address && !s.Status.Terminal() {
			in.track(s.ID)
		}
	}

	in.quit = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	in.wg.Add(2)
	go func() {
		defer in.wg.Done()
		<-in.quit
		cancel()
	}()
	go func() {
		defer in.wg.Done()
		in.run(ctx)
	}()
	return nil
}

func (in *initiator) Stop() {
	if in.quit != nil {
		close(in.quit)
		in.wg.Wait()
		in.quit = nil
	}
}

func (in *initiator) run(ctx context.Context) {
	create := time.NewTicker(in.strategy.Interval)
	defer create.Stop()
	poll := time.NewTicker(in.strategy.PollInterval)
	defer poll.Stop()

	in.open(ctx)
	for {
		select {
		case <-create.C:
			in.open(ctx)
		case <-poll.C:
			in.reveal(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (in *initiator) track(swapID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.pending[swapID] = struct{}{}
}

func (in *initiator) untrack(swapID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.pending, swapID)
}

func (in *initiator) tracked() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	ids := make([]string, 0, len(in.pending))
	for id := range in.pending {
		ids = append(ids, id)
	}
	return ids
}

func (in *initiator) amount() *big.Int {
	span := new(big.Int).Sub(in.strategy.MaxAmount, in.strategy.MinAmount)
	if span.Sign() == 0 {
		return new(big.Int).Set(in.strategy.MinAmount)
	}
	n := new(big.Int).Add(span, big.NewInt(1))
	offset := new(big.Int).Rand(in.rng, n)
	return offset.Add(offset, in.strategy.MinAmount)
}

// open creates a swap, keeps its secret and locks the funds.
func (in *initiator) open(ctx context.Context) {
	secret, hashLock, err := swap.NewSecret()
	if err != nil {
		in.logger.Error("failed generating secret", zap.Error(err))
		return
	}
	lockAmount := in.amount()
	settleAmount := decimal.NewFromBigInt(lockAmount, 0).Mul(in.strategy.Price).BigInt()

	id, err := in.coord.StartSwap(ctx, coordinator.StartRequest{
		Direction:    swap.AToB,
		Initiator:    in.strategy.Address,
		Recipient:    in.strategy.Recipient,
		LockAmount:   lockAmount,
		SettleAmount: settleAmount,
		HashLock:     hashLock,
		Timelock:     time.Now().Add(in.strategy.Timelock),
	})
	if err != nil {
		in.logger.Error("failed creating swap", zap.Error(err))
		return
	}
	logger := in.logger.With(zap.String("swap", id))
	if err := in.actions.StoreAction(swap.ActionSecret, id, hex.EncodeToString(secret)); err != nil {
		logger.Error("failed storing secret", zap.Error(err))
		return
	}

	status, err := in.coord.GetSwapStatus(ctx, id)
	if err != nil {
		logger.Error("failed loading swap", zap.Error(err))
		return
	}
	s := status.Swap
	lockRef, err := chain.Retry(ctx, in.strategy.Retry, logger, func(ctx context.Context) (string, error) {
		return in.lockChain.LockFunds(ctx, chain.LockRequest{
			SwapID:    id,
			Recipient: s.Recipient,
			HashLock:  s.HashLock,
			Timelock:  s.TimelockExpiry,
			Amount:    s.LockAmount,
			Units:     s.TotalUnits,
		})
	})
	if err != nil {
		logger.Error("failed locking funds", zap.Error(err))
		return
	}
	if err := in.coord.ConfirmLock(ctx, id, lockRef); err != nil {
		logger.Error("failed confirming lock", zap.Error(err))
		return
	}
	in.track(id)
	logger.Info("swap opened", zap.Stringer("lockAmount", lockAmount), zap.Stringer("settleAmount", settleAmount))
}

// reveal claims the escrows of every tracked swap whose winners have all
// escrowed, which publishes the secret.
func (in *initiator) reveal(ctx context.Context) {
	for _, id := range in.tracked() {
		logger := in.logger.With(zap.String("swap", id))
		status, err := in.coord.GetSwapStatus(ctx, id)
		if err != nil {
			logger.Error("failed loading swap", zap.Error(err))
			continue
		}
		switch status.Swap.Status {
		case swap.SettledOnB:
		case swap.Pending, swap.LockedOnA, swap.LockedOnB:
			continue
		default:
			in.untrack(id)
			continue
		}
		if !escrowed(status.Slots) {
			continue
		}

		ref, ok, err := in.actions.CheckAction(swap.ActionSecret, id)
		if err != nil || !ok {
			logger.Error("secret unavailable", zap.Bool("found", ok), zap.Error(err))
			continue
		}
		secret, err := hex.DecodeString(ref)
		if err != nil {
			logger.Error("stored secret is malformed", zap.Error(err))
			in.untrack(id)
			continue
		}
		refs, err := in.coord.ClaimSettlement(ctx, id, secret)
		if err != nil {
			logger.Error("failed claiming settlement", zap.Error(err))
			continue
		}
		in.untrack(id)
		logger.Info("secret revealed", zap.Strings("claims", refs))
	}
}

func escrowed(slots []swap.Slot) bool {
	found := false
	for _, slot := range slots {
		if slot.Owner == "" {
			continue
		}
		if slot.EscrowRef == "" {
			return false
		}
		found = true
	}
	return found
}
