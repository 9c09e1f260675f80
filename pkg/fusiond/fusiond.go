package fusiond

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/catalogfi/fusion/pkg/chain/evm"
	"github.com/catalogfi/fusion/pkg/chain/stream"
	"github.com/catalogfi/fusion/pkg/config"
	"github.com/catalogfi/fusion/pkg/coordinator"
	"github.com/catalogfi/fusion/pkg/initiator"
	"github.com/catalogfi/fusion/pkg/keys"
	"github.com/catalogfi/fusion/pkg/notify"
	"github.com/catalogfi/fusion/pkg/relay"
	"github.com/catalogfi/fusion/pkg/resolver"
	"github.com/catalogfi/fusion/pkg/rpc"
	"github.com/catalogfi/fusion/pkg/store"
	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Backends are the stores and chain clients a daemon runs on.
type Backends struct {
	Registry   store.Registry
	Actions    store.ActionStore
	Settlement chain.SettlementChain

	// LockChain returns a lock chain client signing with the key at account.
	LockChain func(account uint32) (chain.LockChain, error)
}

type Daemon struct {
	coordinator coordinator.Coordinator
	relay       relay.Relay
	agents      []resolver.Agent
	initiator   initiator.Initiator
	notifier    notify.Discord
	server      rpc.Server
	logger      *zap.Logger

	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

// New dials the configured chains and stores and assembles a daemon on them.
// Addresses left empty in cfg are derived from the mnemonic.
func New(cfg config.Config, logger *zap.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ks, err := keys.FromMnemonic(cfg.Mnemonic)
	if err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}
	if err := fillAddresses(&cfg, ks); err != nil {
		return nil, err
	}

	registry, err := store.NewRegistry(store.Dialector(cfg.DB), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	actions := store.NewMemActionStore()
	if cfg.Redis != "" {
		if actions, err = store.NewRedisActionStore(cfg.Redis); err != nil {
			return nil, fmt.Errorf("failed to open action store: %w", err)
		}
	}

	ethClient, err := ethclient.Dial(cfg.Network.LockURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial lock chain: %w", err)
	}
	evmOptions := evm.NewOptions(big.NewInt(cfg.Network.ChainID), common.HexToAddress(cfg.Network.FactoryAddress))
	lockChain := func(account uint32) (chain.LockChain, error) {
		key, err := ks.GetKey(keys.LockLedger, account, 0)
		if err != nil {
			return nil, err
		}
		privKey, err := key.ECDSA()
		if err != nil {
			return nil, err
		}
		return evm.NewClient(evmOptions, privKey, ethClient, logger.Named("evm"))
	}

	settlement := stream.NewClient(stream.NewOptions(cfg.Network.SettlementURL, cfg.Network.StreamURL), logger.Named("stream"))
	return Assemble(cfg, Backends{
		Registry:   registry,
		Actions:    actions,
		Settlement: settlement,
		LockChain:  lockChain,
	}, logger)
}

func fillAddresses(cfg *config.Config, ks keys.Keys) error {
	address := func(ledger keys.Ledger, account uint32) (string, error) {
		key, err := ks.GetKey(ledger, account, 0)
		if err != nil {
			return "", err
		}
		return key.Address(ledger)
	}

	var err error
	for i := range cfg.Resolvers {
		r := &cfg.Resolvers[i]
		if r.LockAddress == "" {
			if r.LockAddress, err = address(keys.LockLedger, r.Account); err != nil {
				return err
			}
		}
	}
	if cfg.Initiator.Address == "" {
		if cfg.Initiator.Address, err = address(keys.LockLedger, cfg.Initiator.Account); err != nil {
			return err
		}
	}
	if cfg.Initiator.Recipient == "" {
		if cfg.Initiator.Recipient, err = address(keys.SettleLedger, cfg.Initiator.Account); err != nil {
			return err
		}
	}
	return nil
}

// Assemble wires the coordinator, relay, resolver agents, initiator,
// notifier and RPC server over the given backends.
func Assemble(cfg config.Config, backends Backends, logger *zap.Logger) (*Daemon, error) {
	schedule, err := cfg.Schedule()
	if err != nil {
		return nil, err
	}
	retry := cfg.Retry()
	d := &Daemon{logger: logger, wg: new(sync.WaitGroup)}

	var coordOpts []coordinator.Option
	if cfg.Discord.WebhookID != "" {
		if d.notifier, err = notify.NewDiscord(cfg.Discord.WebhookID, cfg.Discord.WebhookToken, logger); err != nil {
			return nil, err
		}
		coordOpts = append(coordOpts, coordinator.WithNotifier(d.notifier))
	}

	claimers := relay.Claimers{}
	for _, r := range cfg.Resolvers {
		if claimers[r.ID], err = backends.LockChain(r.Account); err != nil {
			return nil, fmt.Errorf("resolver %v: %w", r.ID, err)
		}
	}
	d.relay = relay.New(backends.Registry, backends.Settlement, claimers, backends.Actions, relay.Options{
		Workers:        cfg.Relay.Workers,
		Retry:          retry,
		RescanInterval: cfg.Relay.RescanInterval.Std(),
	}, logger.Named("relay"), relay.WithTerminalHook(func(s swap.Swap) {
		d.coordinator.Terminated(s)
	}))

	initiatorChain, err := backends.LockChain(cfg.Initiator.Account)
	if err != nil {
		return nil, fmt.Errorf("initiator: %w", err)
	}
	options := coordinator.NewOptions()
	options.Slots = cfg.Auction.Slots
	options.AuctionDuration = cfg.Auction.Duration.Std()
	options.SweepInterval = cfg.Auction.SweepInterval.Std()
	options.AutoRefund = cfg.Auction.AutoRefund
	options.Retry = retry
	if d.coordinator, err = coordinator.New(backends.Registry, initiatorChain, backends.Settlement, d.relay, cfg.Profiles(), schedule, options, logger.Named("coordinator"), coordOpts...); err != nil {
		return nil, err
	}

	for i, r := range cfg.Resolvers {
		if r.Strategy.Name == "" {
			continue
		}
		strategy, err := resolver.NewStrategy(r.Strategy, time.Now().UnixNano()+int64(i))
		if err != nil {
			return nil, fmt.Errorf("resolver %v: %w", r.ID, err)
		}
		agentOptions := resolver.NewOptions()
		agentOptions.Retry = retry
		if r.PollInterval > 0 {
			agentOptions.PollInterval = r.PollInterval.Std()
		}
		d.agents = append(d.agents, resolver.NewAgent(r.ResolverProfile, strategy, d.coordinator, backends.Settlement, backends.Actions, agentOptions, logger.Named("resolver")))
	}

	if cfg.Initiator.Enabled {
		strategy, err := initiatorStrategy(cfg.Initiator, retry)
		if err != nil {
			return nil, err
		}
		if d.initiator, err = initiator.New(strategy, d.coordinator, initiatorChain, backends.Actions, logger.Named("initiator")); err != nil {
			return nil, err
		}
	}

	if cfg.RPC.Addr != "" {
		if d.server, err = rpc.NewServer(d.coordinator, rpc.Options{
			Addr:      cfg.RPC.Addr,
			Username:  cfg.RPC.Username,
			Password:  cfg.RPC.Password,
			JWTSecret: cfg.RPC.JWTSecret,
			TokenTTL:  cfg.RPC.TokenTTL.Std(),
		}, logger.Named("rpc")); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func initiatorStrategy(cfg config.Initiator, retry chain.RetryConfig) (initiator.Strategy, error) {
	minAmount, ok := new(big.Int).SetString(cfg.MinAmount, 10)
	if !ok {
		return initiator.Strategy{}, fmt.Errorf("invalid initiator.minAmount %q", cfg.MinAmount)
	}
	maxAmount, ok := new(big.Int).SetString(cfg.MaxAmount, 10)
	if !ok {
		return initiator.Strategy{}, fmt.Errorf("invalid initiator.maxAmount %q", cfg.MaxAmount)
	}
	price, err := decimal.NewFromString(cfg.Price)
	if err != nil {
		return initiator.Strategy{}, fmt.Errorf("invalid initiator.price: %w", err)
	}
	return initiator.Strategy{
		Address:      cfg.Address,
		Recipient:    cfg.Recipient,
		Interval:     cfg.Interval.Std(),
		Timelock:     cfg.Timelock.Std(),
		MinAmount:    minAmount,
		MaxAmount:    maxAmount,
		Price:        price,
		PollInterval: cfg.PollInterval.Std(),
		Retry:        retry,
	}, nil
}

func (d *Daemon) Coordinator() coordinator.Coordinator {
	return d.coordinator
}

// Handler is the RPC handler, nil when no listen address is configured.
func (d *Daemon) Handler() http.Handler {
	if d.server == nil {
		return nil
	}
	return d.server.Handler()
}

// Start brings components up in dependency order. It's not blocking.
func (d *Daemon) Start() error {
	if d.notifier != nil {
		d.notifier.Start()
	}
	if err := d.relay.Start(); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	if err := d.coordinator.Start(); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	for _, agent := range d.agents {
		if err := agent.Start(); err != nil {
			return fmt.Errorf("failed to start resolver %v: %w", agent.Profile().ID, err)
		}
	}
	if d.initiator != nil {
		if err := d.initiator.Start(); err != nil {
			return fmt.Errorf("failed to start initiator: %w", err)
		}
	}

	if d.server != nil {
		ctx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("rpc server stopped", zap.Error(err))
			}
		}()
	}
	d.logger.Info("fusion daemon started", zap.Int("resolvers", len(d.agents)), zap.Bool("initiator", d.initiator != nil))
	return nil
}

// Stop shuts components down in reverse order.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
		d.wg.Wait()
		d.cancel = nil
	}
	if d.initiator != nil {
		d.initiator.Stop()
	}
	for _, agent := range d.agents {
		agent.Stop()
	}
	d.coordinator.Stop()
	d.relay.Stop()
	if d.notifier != nil {
		d.notifier.Stop()
	}
	d.logger.Info("fusion daemon stopped")
}
