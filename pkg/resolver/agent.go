package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/catalogfi/fusion/pkg/auction"
	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/catalogfi/fusion/pkg/store"
	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Market is the part of the coordinator a resolver talks to.
type Market interface {
	ActiveAuctions() []string

	GetAuctionStatus(swapID string) (auction.State, error)

	SubmitBid(ctx context.Context, swapID, resolverID string, percent int, limit decimal.Decimal) (auction.Bid, error)

	GetSwap(ctx context.Context, swapID string) (swap.Swap, error)

	// ConfirmEscrow records that the resolver's counter-value for the given
	// slots is locked on the settlement chain.
	ConfirmEscrow(ctx context.Context, swapID string, slots []int, escrowRef string) error
}

type Agent interface {
	// Start the agent, it's not blocking and will spawn background goroutines.
	Start() error

	// Stop will gracefully shut down the agent, it waits for all inner goroutines to finish.
	Stop()

	Profile() swap.ResolverProfile
}

type Options struct {
	PollInterval time.Duration
	Retry        chain.RetryConfig
}

func NewOptions() Options {
	return Options{
		PollInterval: time.Second,
		Retry:        chain.DefaultRetryConfig(),
	}
}

type agent struct {
	profile    swap.ResolverProfile
	strategy   Strategy
	market     Market
	settlement chain.SettlementChain
	actions    store.ActionStore
	options    Options
	logger     *zap.Logger

	mu     sync.Mutex
	bidden map[string]bool
	won    chan wonBid

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     *sync.WaitGroup
}

type wonBid struct {
	swapID string
	bid    auction.Bid
}

func NewAgent(profile swap.ResolverProfile, strategy Strategy, market Market, settlement chain.SettlementChain, actions store.ActionStore, options Options, logger *zap.Logger) Agent {
	ctx, cancel := context.WithCancel(context.Background())
	return &agent{
		profile:    profile,
		strategy:   strategy,
		market:     market,
		settlement: settlement,
		actions:    actions,
		options:    options,
		logger:     logger.With(zap.String("resolver", profile.ID)),

		bidden: map[string]bool{},
		won:    make(chan wonBid, 128),

		ctx:    ctx,
		cancel: cancel,
		quit:   make(chan struct{}),
		wg:     new(sync.WaitGroup),
	}
}

func (a *agent) Profile() swap.ResolverProfile {
	return a.profile
}

func (a *agent) Start() error {
	if a.options.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval %v", a.options.PollInterval)
	}
	a.wg.Add(2)
	go a.poll()
	go a.escrow()
	return nil
}

func (a *agent) Stop() {
	if a.quit != nil {
		close(a.quit)
		a.cancel()
		a.wg.Wait()
		a.quit = nil
	}
}

// poll checks every active auction on each tick and bids where the strategy
// says so. An agent bids at most once per swap.
func (a *agent) poll() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.options.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.quit:
			return
		case <-ticker.C:
		}

		for _, swapID := range a.market.ActiveAuctions() {
			if a.hasBid(swapID) {
				continue
			}
			state, err := a.market.GetAuctionStatus(swapID)
			if err != nil || !state.Active {
				continue
			}
			percent, limit, ok := a.strategy.Decide(state, a.profile)
			if !ok {
				continue
			}

			bid, err := a.market.SubmitBid(a.ctx, swapID, a.profile.ID, percent, limit)
			if err != nil {
				if errors.Is(err, auction.ErrLimitNotReached) || errors.Is(err, auction.ErrInsufficientRemaining) {
					a.logger.Debug("bid skipped", zap.String("swap", swapID), zap.Int("percent", percent), zap.Error(err))
				} else {
					a.logger.Warn("bid rejected", zap.String("swap", swapID), zap.Int("percent", percent), zap.Error(err))
				}
				continue
			}
			a.markBid(swapID)
			a.logger.Info("bid won", zap.String("swap", swapID), zap.Ints("slots", bid.Slots), zap.String("price", bid.Price.String()))

			select {
			case a.won <- wonBid{swapID: swapID, bid: bid}:
			case <-a.quit:
				return
			}
		}
	}
}

func (a *agent) hasBid(swapID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bidden[swapID]
}

func (a *agent) markBid(swapID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bidden[swapID] = true
}

// escrow locks the counter-value for every won bid.
func (a *agent) escrow() {
	defer a.wg.Done()

	for {
		select {
		case <-a.quit:
			return
		case won := <-a.won:
			if err := a.lockEscrow(a.ctx, won.swapID, won.bid); err != nil {
				a.logger.Error("failed to lock escrow", zap.String("swap", won.swapID), zap.Ints("slots", won.bid.Slots), zap.Error(err))
			}
		}
	}
}

func (a *agent) lockEscrow(ctx context.Context, swapID string, bid auction.Bid) error {
	s, err := a.market.GetSwap(ctx, swapID)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("%v/%v", swapID, a.profile.ID)
	ref, done, err := a.actions.CheckAction(swap.ActionEscrow, key)
	if err != nil {
		return err
	}
	if !done {
		ref, err = chain.Retry(ctx, a.options.Retry, a.logger, func(ctx context.Context) (string, error) {
			return a.settlement.LockEscrow(ctx, chain.EscrowRequest{
				SwapID:    swapID,
				Sender:    a.profile.SettleAddress,
				Recipient: s.Recipient,
				HashLock:  s.HashLock,
				Timelock:  s.TimelockExpiry,
				Amount:    bid.Owed(&s),
				Slots:     bid.Slots,
			})
		})
		if err != nil {
			return err
		}
		if err := a.actions.StoreAction(swap.ActionEscrow, key, ref); err != nil {
			a.logger.Error("failed to store escrow action", zap.String("swap", swapID), zap.Error(err))
		}
	}

	if err := a.market.ConfirmEscrow(ctx, swapID, bid.Slots, ref); err != nil {
		return fmt.Errorf("failed to confirm escrow %v: %w", ref, err)
	}
	a.logger.Info("escrow locked", zap.String("swap", swapID), zap.String("escrow", ref))
	return nil
}
