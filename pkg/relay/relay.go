package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/catalogfi/fusion/pkg/store"
	"github.com/catalogfi/fusion/pkg/swap"
	"go.uber.org/zap"
)

var ErrNoClaimer = errors.New("no claimer for slot owner")

// Claimers maps a slot owner to the lock chain client that signs its claims.
// Owners sharing one client share its nonce.
type Claimers map[string]chain.LockChain

type Relay interface {
	// Start resumes every swap left in settlement by a previous run. It's not
	// blocking and will spawn background goroutines.
	Start() error

	// Stop cancels every watch and waits for in-flight claims to return.
	Stop()

	// Watch subscribes to the escrows of a swap settled on the settlement
	// chain until the secret shows up, the swap ends or its timelock passes.
	// Watching a swap twice is a no-op.
	Watch(swapID string) error

	// Claim moves the swap to SettledOnA with the secret and claims every
	// slot still Assigned. It returns once each slot was attempted.
	Claim(ctx context.Context, swapID string, secret []byte) error

	Watching(swapID string) bool
}

type Options struct {
	Workers        int
	Retry          chain.RetryConfig
	RescanInterval time.Duration
}

func NewOptions() Options {
	return Options{
		Workers:        4,
		Retry:          chain.DefaultRetryConfig(),
		RescanInterval: 5 * time.Second,
	}
}

type Option func(*relay)

// WithTerminalHook registers a callback run once a swap completes.
func WithTerminalHook(hook func(swap.Swap)) Option {
	return func(r *relay) {
		r.onTerminal = hook
	}
}

type relay struct {
	registry   store.Registry
	settlement chain.SettlementChain
	claimers   Claimers
	actions    store.ActionStore
	options    Options
	logger     *zap.Logger
	onTerminal func(swap.Swap)

	mu       sync.Mutex
	watches  map[string]context.CancelFunc
	inflight map[string]bool
	owners   map[string]*sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

func New(registry store.Registry, settlement chain.SettlementChain, claimers Claimers, actions store.ActionStore, options Options, logger *zap.Logger, opts ...Option) Relay {
	if options.Workers <= 0 {
		options.Workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &relay{
		registry:   registry,
		settlement: settlement,
		claimers:   claimers,
		actions:    actions,
		options:    options,
		logger:     logger,

		watches:  map[string]context.CancelFunc{},
		inflight: map[string]bool{},
		owners:   map[string]*sync.Mutex{},

		ctx:    ctx,
		cancel: cancel,
		wg:     new(sync.WaitGroup),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *relay) Start() error {
	ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
	defer cancel()

	settled, err := r.registry.ListByStatus(ctx, swap.SettledOnB)
	if err != nil {
		return fmt.Errorf("failed to load settled swaps: %w", err)
	}
	for _, s := range settled {
		if err := r.Watch(s.ID); err != nil {
			r.logger.Warn("failed to resume watch", zap.String("swap", s.ID), zap.Error(err))
		}
	}

	revealed, err := r.registry.ListByStatus(ctx, swap.SettledOnA)
	if err != nil {
		return fmt.Errorf("failed to load revealed swaps: %w", err)
	}
	for _, s := range revealed {
		s := s
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.Claim(r.ctx, s.ID, s.Secret); err != nil {
				r.logger.Warn("failed to resume claims", zap.String("swap", s.ID), zap.Error(err))
			}
		}()
	}
	r.logger.Info("relay started", zap.Int("watching", len(settled)), zap.Int("claiming", len(revealed)))
	return nil
}

func (r *relay) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *relay) Watching(swapID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.watches[swapID]
	return ok
}

func (r *relay) Watch(swapID string) error {
	s, err := r.registry.Get(r.ctx, swapID)
	if err != nil {
		return err
	}
	if s.Status != swap.SettledOnB {
		return fmt.Errorf("cannot watch swap in %v: %w", s.Status, swap.ErrStateConflict)
	}
	if s.Expired(time.Now()) {
		return swap.ErrExpired
	}

	r.mu.Lock()
	if _, ok := r.watches[swapID]; ok {
		r.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithDeadline(r.ctx, s.TimelockExpiry)
	r.watches[swapID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.unwatch(swapID)
		r.watch(ctx, s)
	}()
	return nil
}

func (r *relay) unwatch(swapID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.watches[swapID]; ok {
		cancel()
		delete(r.watches, swapID)
	}
}
