package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/catalogfi/fusion/pkg/auction"
	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/catalogfi/fusion/pkg/relay"
	"github.com/catalogfi/fusion/pkg/store"
	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrInvalidRequest = errors.New("invalid request")

// Notifier is told about swaps reaching a terminal status.
type Notifier interface {
	Notify(s swap.Swap)
}

type StartRequest struct {
	Direction    swap.Direction `json:"direction"`
	Initiator    string         `json:"initiator"`
	Recipient    string         `json:"recipient"`
	LockAmount   *big.Int       `json:"lockAmount"`
	SettleAmount *big.Int       `json:"settleAmount"`
	HashLock     common.Hash    `json:"hashLock"`
	Timelock     time.Time      `json:"timelock"`
}

// Coordinator drives swaps through their lifecycle. It owns the auction
// engine and hands settled swaps to the relay.
type Coordinator interface {
	// Start resumes swaps left open by a previous run and starts the expiry
	// sweep. It's not blocking.
	Start() error

	// Stop cancels auction timers and the sweep and waits for them to exit.
	Stop()

	StartSwap(ctx context.Context, req StartRequest) (string, error)

	// ConfirmLock records the initiator's lock and opens the auction.
	// Confirming the same lock again is a no-op.
	ConfirmLock(ctx context.Context, swapID, lockRef string) error

	GetSwap(ctx context.Context, swapID string) (swap.Swap, error)

	GetAuctionStatus(swapID string) (auction.State, error)

	ActiveAuctions() []string

	SubmitBid(ctx context.Context, swapID, resolverID string, percent int, limit decimal.Decimal) (auction.Bid, error)

	ConfirmEscrow(ctx context.Context, swapID string, slots []int, escrowRef string) error

	// ClaimSettlement claims every escrow of the swap with the secret,
	// revealing it on the settlement chain.
	ClaimSettlement(ctx context.Context, swapID string, secret []byte) ([]string, error)

	GetSwapStatus(ctx context.Context, swapID string) (SwapStatus, error)

	// Refund returns the initiator's funds once the timelock passed.
	Refund(ctx context.Context, swapID string) (string, error)

	// RetryClaims re-drives claims for slots still Assigned. A nil secret
	// uses the one already revealed.
	RetryClaims(ctx context.Context, swapID string, secret []byte) error

	History(ctx context.Context, address string) (History, error)

	Resolvers() []swap.ResolverProfile

	ResolverStats(ctx context.Context, swapID string) ([]ResolverStat, error)

	// Terminated is told about swaps that reached a terminal status outside
	// the coordinator, such as completions seen by the relay.
	Terminated(s swap.Swap)
}

type Options struct {
	Slots           int
	AuctionDuration time.Duration
	SweepInterval   time.Duration
	AutoRefund      bool
	Retry           chain.RetryConfig
}

func NewOptions() Options {
	return Options{
		Slots:           10,
		AuctionDuration: time.Minute,
		SweepInterval:   30 * time.Second,
		Retry:           chain.DefaultRetryConfig(),
	}
}

type Option func(*coordinator)

func WithNotifier(notifier Notifier) Option {
	return func(c *coordinator) {
		c.notifier = notifier
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *coordinator) {
		c.now = now
	}
}

type coordinator struct {
	registry   store.Registry
	engine     auction.Engine
	lockChain  chain.LockChain
	settlement chain.SettlementChain
	relay      relay.Relay
	resolvers  swap.Resolvers
	notifier   Notifier
	options    Options
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*swapLock

	quit chan struct{}
	wg   *sync.WaitGroup
}

// New builds a coordinator and its auction engine. lockChain signs the
// initiator's refunds.
func New(registry store.Registry, lockChain chain.LockChain, settlement chain.SettlementChain, rel relay.Relay, resolvers swap.Resolvers, schedule auction.Schedule, options Options, logger *zap.Logger, opts ...Option) (Coordinator, error) {
	if options.Slots <= 0 || 100%options.Slots != 0 {
		return nil, fmt.Errorf("slots must divide 100, got %v", options.Slots)
	}
	if options.AuctionDuration <= 0 || options.SweepInterval <= 0 {
		return nil, fmt.Errorf("invalid auction duration %v or sweep interval %v", options.AuctionDuration, options.SweepInterval)
	}

	c := &coordinator{
		registry:   registry,
		lockChain:  lockChain,
		settlement: settlement,
		relay:      rel,
		resolvers:  resolvers,
		options:    options,
		logger:     logger,
		now:        time.Now,
		locks:      map[string]*swapLock{},
		quit:       make(chan struct{}),
		wg:         new(sync.WaitGroup),
	}
	for _, opt := range opts {
		opt(c)
	}

	engine, err := auction.NewEngine(resolvers, schedule,
		auction.WithRecorder(c),
		auction.WithClock(c.now),
		auction.WithLogger(logger.Named("auction")))
	if err != nil {
		return nil, err
	}
	c.engine = engine
	return c, nil
}

// RecordBid persists the slots of an accepted bid. It runs inside the
// auction's critical section, so a failure here rejects the bid.
func (c *coordinator) RecordBid(ctx context.Context, swapID string, bid auction.Bid) error {
	return c.registry.AssignSlots(ctx, swapID, bid.ResolverID, bid.Slots)
}

type swapLock struct {
	mu   sync.Mutex
	refs int
}

// lock serializes status changes made by the coordinator on one swap. The
// entry lives only while someone holds or waits for it.
func (c *coordinator) lock(swapID string) func() {
	c.mu.Lock()
	l, ok := c.locks[swapID]
	if !ok {
		l = new(swapLock)
		c.locks[swapID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		c.mu.Lock()
		defer c.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, swapID)
		}
	}
}

// Terminated drops the auction of a swap that reached a terminal status
// and passes the swap on to the notifier.
func (c *coordinator) Terminated(s swap.Swap) {
	c.engine.Delete(s.ID)
	c.notify(s)
}

func (c *coordinator) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	open, err := c.registry.ListByStatus(ctx, swap.LockedOnA, swap.LockedOnB)
	if err != nil {
		return fmt.Errorf("failed to load open swaps: %w", err)
	}
	for _, s := range open {
		if s.Expired(c.now()) {
			continue
		}
		if err := c.resume(ctx, s); err != nil {
			c.logger.Warn("failed to resume swap", zap.String("swap", s.ID), zap.Error(err))
		}
	}

	c.wg.Add(1)
	go c.sweep()
	return nil
}

// resume reopens the auction of a swap with no assigned slot. Auction state
// lives in memory only, so a swap that already sold slots is settled with
// what it has.
func (c *coordinator) resume(ctx context.Context, s swap.Swap) error {
	slots, err := c.registry.Slots(ctx, s.ID)
	if err != nil {
		return err
	}
	for _, slot := range slots {
		if slot.Status != swap.SlotAvailable {
			return c.settle(ctx, s.ID)
		}
	}
	return c.openAuction(s)
}

func (c *coordinator) Stop() {
	if c.quit != nil {
		close(c.quit)
		c.wg.Wait()
		c.quit = nil
	}
}

func (c *coordinator) notify(s swap.Swap) {
	if c.notifier != nil {
		c.notifier.Notify(s)
	}
}
