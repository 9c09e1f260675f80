package auction

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrAlreadyActive   = errors.New("auction already active")
	ErrNoActiveAuction = errors.New("no active auction")
	ErrInvalidResolver = errors.New("invalid resolver")
	ErrLimitNotReached = errors.New("current price above limit")
	ErrInvalidAuction  = errors.New("invalid auction parameters")
)

type Bid struct {
	ResolverID string          `json:"resolverId"`
	Price      decimal.Decimal `json:"price"`
	Units      int             `json:"units"`
	Percent    int             `json:"percent"`
	Slots      []int           `json:"slots"`
	Timestamp  time.Time       `json:"timestamp"`
}

// State is a snapshot of one auction.
type State struct {
	SwapID             string          `json:"swapId"`
	StartTime          time.Time       `json:"startTime"`
	EndTime            time.Time       `json:"endTime"`
	Deadline           time.Time       `json:"deadline,omitempty"`
	InitialPrice       decimal.Decimal `json:"initialPrice"`
	CurrentPrice       decimal.Decimal `json:"currentPrice"`
	MinPriceFloorRatio decimal.Decimal `json:"minPriceFloorRatio"`
	TotalUnits         int             `json:"totalUnits"`
	UnitsFilled        int             `json:"unitsFilled"`
	Remaining          int             `json:"remaining"`
	Bids               []Bid           `json:"bids"`
	Active             bool            `json:"active"`
}

type Result struct {
	WinningBids []Bid `json:"winningBids"`
	TotalFilled int   `json:"totalFilled"`
}

// Recorder persists an accepted bid. It runs inside the auction's critical
// section; an error rejects the bid and frees its slots.
type Recorder interface {
	RecordBid(ctx context.Context, swapID string, bid Bid) error
}

type Engine interface {
	// Start opens an auction for the swap. It fails with ErrAlreadyActive if
	// one is still running for the same id.
	Start(swapID string, totalUnits int, initialPrice decimal.Decimal, duration time.Duration, opts ...StartOption) (State, error)

	CurrentPrice(swapID string) (decimal.Decimal, error)

	// SubmitBid reserves units slots for the resolver at the current price.
	// A zero limit accepts any price.
	SubmitBid(ctx context.Context, swapID, resolverID string, units int, limit decimal.Decimal) (Bid, error)

	// SubmitBidPercent is SubmitBid with the fill given as a percentage.
	SubmitBidPercent(ctx context.Context, swapID, resolverID string, percent int, limit decimal.Decimal) (Bid, error)

	End(swapID string) (Result, error)

	Status(swapID string) (State, error)

	// Active lists the swaps whose auction still accepts bids.
	Active() []string

	// Done is closed once the auction is fully filled or ended.
	Done(swapID string) (<-chan struct{}, error)

	// Delete ends and forgets the auction of a swap.
	Delete(swapID string)
}

type StartOption func(*auction)

// WithDeadline rejects every bid after t with swap.ErrExpired.
func WithDeadline(t time.Time) StartOption {
	return func(a *auction) {
		a.state.Deadline = t
	}
}

type EngineOption func(*engine)

func WithClock(now func() time.Time) EngineOption {
	return func(e *engine) {
		e.now = now
	}
}

func WithRecorder(recorder Recorder) EngineOption {
	return func(e *engine) {
		e.recorder = recorder
	}
}

func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *engine) {
		e.logger = logger
	}
}

type auction struct {
	mu     sync.Mutex
	state  State
	alloc  *Allocator
	ended  bool
	done   chan struct{}
	closed bool
}

// open reports whether the auction still takes bids at now.
func (a *auction) open(now time.Time) bool {
	return !a.ended && now.Before(a.state.EndTime) &&
		(a.state.Deadline.IsZero() || !now.After(a.state.Deadline))
}

func (a *auction) finish() {
	if !a.closed {
		close(a.done)
		a.closed = true
	}
}

type engine struct {
	mu       sync.RWMutex
	auctions map[string]*auction

	resolvers swap.Resolvers
	schedule  Schedule
	recorder  Recorder
	now       func() time.Time
	logger    *zap.Logger
}

func NewEngine(resolvers swap.Resolvers, schedule Schedule, opts ...EngineOption) (Engine, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	e := &engine{
		auctions:  map[string]*auction{},
		resolvers: resolvers,
		schedule:  schedule,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *engine) Start(swapID string, totalUnits int, initialPrice decimal.Decimal, duration time.Duration, opts ...StartOption) (State, error) {
	if totalUnits <= 0 || duration <= 0 || !initialPrice.IsPositive() {
		return State{}, ErrInvalidAuction
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if existing, ok := e.auctions[swapID]; ok {
		existing.mu.Lock()
		active := existing.open(now)
		if !active {
			existing.ended = true
			existing.finish()
		}
		existing.mu.Unlock()
		if active {
			return State{}, ErrAlreadyActive
		}
	}

	a := &auction{
		state: State{
			SwapID:             swapID,
			StartTime:          now,
			EndTime:            now.Add(duration),
			InitialPrice:       initialPrice,
			MinPriceFloorRatio: e.schedule.FloorRatio,
			TotalUnits:         totalUnits,
			Bids:               []Bid{},
			Active:             true,
		},
		alloc: NewAllocator(totalUnits),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	e.auctions[swapID] = a
	e.logger.Info("auction started", zap.String("swap", swapID), zap.Int("units", totalUnits), zap.String("price", initialPrice.String()))
	return e.snapshot(a, now), nil
}

func (e *engine) get(swapID string) (*auction, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	a, ok := e.auctions[swapID]
	if !ok {
		return nil, ErrNoActiveAuction
	}
	return a, nil
}

func (e *engine) CurrentPrice(swapID string) (decimal.Decimal, error) {
	a, err := e.get(swapID)
	if err != nil {
		return decimal.Zero, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	return e.price(a, e.now()), nil
}

func (e *engine) price(a *auction, now time.Time) decimal.Decimal {
	total := a.state.EndTime.Sub(a.state.StartTime)
	t := decimal.NewFromInt(int64(now.Sub(a.state.StartTime))).Div(decimal.NewFromInt(int64(total)))
	f := decimal.NewFromInt(int64(a.state.UnitsFilled)).Div(decimal.NewFromInt(int64(a.state.TotalUnits)))
	return e.schedule.Price(a.state.InitialPrice, t, f)
}

func (e *engine) SubmitBid(ctx context.Context, swapID, resolverID string, units int, limit decimal.Decimal) (Bid, error) {
	return e.submit(ctx, swapID, resolverID, limit, func(*Allocator) (int, error) {
		if units <= 0 {
			return 0, ErrOutOfRange
		}
		return units, nil
	})
}

func (e *engine) SubmitBidPercent(ctx context.Context, swapID, resolverID string, percent int, limit decimal.Decimal) (Bid, error) {
	return e.submit(ctx, swapID, resolverID, limit, func(alloc *Allocator) (int, error) {
		return alloc.UnitsForPercent(percent)
	})
}

func (e *engine) submit(ctx context.Context, swapID, resolverID string, limit decimal.Decimal, units func(*Allocator) (int, error)) (Bid, error) {
	a, err := e.get(swapID)
	if err != nil {
		return Bid{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := e.now()
	if !a.state.Deadline.IsZero() && now.After(a.state.Deadline) {
		return Bid{}, swap.ErrExpired
	}
	if a.ended || !now.Before(a.state.EndTime) {
		return Bid{}, ErrNoActiveAuction
	}
	profile, ok := e.resolvers.Get(resolverID)
	if !ok {
		return Bid{}, ErrInvalidResolver
	}

	n, err := units(a.alloc)
	if err != nil {
		return Bid{}, err
	}
	if n > a.state.TotalUnits {
		return Bid{}, ErrOutOfRange
	}
	percent := a.alloc.PercentForUnits(n)
	if !profile.Allows(percent) {
		return Bid{}, fmt.Errorf("%v%% outside [%v, %v] for %v: %w", percent, profile.MinFill, profile.MaxFill, resolverID, ErrOutOfRange)
	}
	if n > a.alloc.Remaining() {
		return Bid{}, ErrInsufficientRemaining
	}

	price := e.price(a, now)
	if limit.IsPositive() && price.GreaterThan(limit) {
		return Bid{}, fmt.Errorf("price %v, limit %v: %w", price, limit, ErrLimitNotReached)
	}

	slots, err := a.alloc.Reserve(n)
	if err != nil {
		return Bid{}, err
	}
	bid := Bid{
		ResolverID: resolverID,
		Price:      price,
		Units:      n,
		Percent:    percent,
		Slots:      slots,
		Timestamp:  now,
	}
	if e.recorder != nil {
		if err := e.recorder.RecordBid(ctx, swapID, bid); err != nil {
			a.alloc.Release(slots)
			return Bid{}, fmt.Errorf("failed to record bid: %w", err)
		}
	}

	a.state.Bids = append(a.state.Bids, bid)
	a.state.UnitsFilled += n
	if a.state.UnitsFilled == a.state.TotalUnits {
		a.finish()
	}
	e.logger.Info("bid accepted",
		zap.String("swap", swapID),
		zap.String("resolver", resolverID),
		zap.Int("units", n),
		zap.Ints("slots", slots),
		zap.String("price", price.String()))
	return copyBid(bid), nil
}

func (e *engine) End(swapID string) (Result, error) {
	a, err := e.get(swapID)
	if err != nil {
		return Result{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.ended = true
	a.state.Active = false
	a.finish()

	bids := make([]Bid, len(a.state.Bids))
	for i, bid := range a.state.Bids {
		bids[i] = copyBid(bid)
	}
	sort.SliceStable(bids, func(i, j int) bool {
		if !bids[i].Price.Equal(bids[j].Price) {
			return bids[i].Price.LessThan(bids[j].Price)
		}
		return bids[i].Timestamp.Before(bids[j].Timestamp)
	})

	result := Result{WinningBids: []Bid{}}
	for _, bid := range bids {
		if result.TotalFilled+bid.Units > a.state.TotalUnits {
			break
		}
		result.WinningBids = append(result.WinningBids, bid)
		result.TotalFilled += bid.Units
	}
	e.logger.Info("auction ended", zap.String("swap", swapID), zap.Int("filled", result.TotalFilled), zap.Int("bids", len(result.WinningBids)))
	return result, nil
}

func (e *engine) Status(swapID string) (State, error) {
	a, err := e.get(swapID)
	if err != nil {
		return State{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	return e.snapshot(a, e.now()), nil
}

func (e *engine) snapshot(a *auction, now time.Time) State {
	state := a.state
	state.CurrentPrice = e.price(a, now)
	state.Remaining = a.alloc.Remaining()
	state.Active = a.open(now)
	state.Bids = make([]Bid, len(a.state.Bids))
	for i, bid := range a.state.Bids {
		state.Bids[i] = copyBid(bid)
	}
	return state
}

func (e *engine) Active() []string {
	e.mu.RLock()
	auctions := make(map[string]*auction, len(e.auctions))
	for id, a := range e.auctions {
		auctions[id] = a
	}
	e.mu.RUnlock()

	now := e.now()
	ids := []string{}
	for id, a := range auctions {
		a.mu.Lock()
		state := e.snapshot(a, now)
		a.mu.Unlock()
		if state.Active && state.Remaining > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (e *engine) Done(swapID string) (<-chan struct{}, error) {
	a, err := e.get(swapID)
	if err != nil {
		return nil, err
	}
	return a.done, nil
}

func (e *engine) Delete(swapID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if a, ok := e.auctions[swapID]; ok {
		a.mu.Lock()
		a.ended = true
		a.finish()
		a.mu.Unlock()
		delete(e.auctions, swapID)
	}
}

func copyBid(bid Bid) Bid {
	bid.Slots = append([]int(nil), bid.Slots...)
	return bid
}

// Owed is the settlement value a bid owes for its slots at its price.
func (b Bid) Owed(s *swap.Swap) *big.Int {
	lock := new(big.Int)
	for _, index := range b.Slots {
		lock.Add(lock, s.UnitAmount(index))
	}
	return decimal.NewFromBigInt(lock, 0).Mul(b.Price).BigInt()
}

// InitialPrice is the settlement value asked per lock chain unit.
func InitialPrice(s *swap.Swap) decimal.Decimal {
	if s.LockAmount == nil || s.SettleAmount == nil || s.LockAmount.Sign() <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(s.SettleAmount, 0).Div(decimal.NewFromBigInt(s.LockAmount, 0))
}
