package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/catalogfi/fusion/pkg/auction"
	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/catalogfi/fusion/pkg/resolver"
	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const envPrefix = "FUSION_"

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	switch value := value.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Mnemonic  string     `json:"mnemonic"`
	Network   Network    `json:"network"`
	Auction   Auction    `json:"auction"`
	Relay     Relay      `json:"relay"`
	Resolvers []Resolver `json:"resolvers"`
	DB        string     `json:"db"`
	Redis     string     `json:"redis,omitempty"`
	RPC       RPC        `json:"rpc"`
	Discord   Discord    `json:"discord"`
	Initiator Initiator  `json:"initiator"`
	Logger    Logger     `json:"logger"`
}

type Network struct {
	LockURL        string `json:"lockUrl"`
	ChainID        int64  `json:"chainId"`
	FactoryAddress string `json:"factoryAddress"`
	SettlementURL  string `json:"settlementUrl"`
	StreamURL      string `json:"streamUrl"`
}

type Auction struct {
	Slots         int      `json:"slots"`
	Duration      Duration `json:"duration"`
	FloorRatio    string   `json:"floorRatio,omitempty"`
	TimeFactor    string   `json:"timeFactor,omitempty"`
	SweepInterval Duration `json:"sweepInterval"`
	AutoRefund    bool     `json:"autoRefund"`
}

type Relay struct {
	Workers        int      `json:"workers"`
	MaxAttempts    int      `json:"maxAttempts"`
	BaseDelay      Duration `json:"baseDelay"`
	MaxDelay       Duration `json:"maxDelay"`
	CallTimeout    Duration `json:"callTimeout"`
	RateLimitPause Duration `json:"rateLimitPause"`
	RescanInterval Duration `json:"rescanInterval"`
}

// Resolver is a resolver profile plus how the daemon runs it. Account
// selects the key derived from the mnemonic.
type Resolver struct {
	swap.ResolverProfile
	Account      uint32                  `json:"account"`
	Strategy     resolver.StrategyConfig `json:"strategy"`
	PollInterval Duration                `json:"pollInterval"`
}

type RPC struct {
	Addr      string   `json:"addr"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	JWTSecret string   `json:"jwtSecret"`
	TokenTTL  Duration `json:"tokenTtl"`
}

type Discord struct {
	WebhookID    string `json:"webhookId"`
	WebhookToken string `json:"webhookToken"`
}

// Initiator runs a simulated initiator. Address and Recipient default to the
// keys derived at Account.
type Initiator struct {
	Enabled      bool     `json:"enabled"`
	Address      string   `json:"address,omitempty"`
	Account      uint32   `json:"account"`
	Interval     Duration `json:"interval"`
	Timelock     Duration `json:"timelock"`
	Recipient    string   `json:"recipient,omitempty"`
	MinAmount    string   `json:"minAmount"`
	MaxAmount    string   `json:"maxAmount"`
	Price        string   `json:"price"`
	PollInterval Duration `json:"pollInterval"`
}

type Logger struct {
	File   string `json:"file,omitempty"`
	Level  string `json:"level,omitempty"`
	Sentry string `json:"sentry,omitempty"`
}

func DefaultDirectory() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fusion"
	}
	return filepath.Join(home, ".fusion")
}

func DefaultPath() string {
	return filepath.Join(DefaultDirectory(), "config.json")
}

func Default() Config {
	retry := chain.DefaultRetryConfig()
	return Config{
		Network: Network{
			LockURL:       "http://localhost:8545",
			ChainID:       1337,
			SettlementURL: "http://localhost:8000",
			StreamURL:     "ws://localhost:8000",
		},
		Auction: Auction{
			Slots:         10,
			Duration:      Duration(time.Minute),
			SweepInterval: Duration(30 * time.Second),
		},
		Relay: Relay{
			Workers:        4,
			MaxAttempts:    retry.MaxAttempts,
			BaseDelay:      Duration(retry.BaseDelay),
			MaxDelay:       Duration(retry.MaxDelay),
			CallTimeout:    Duration(retry.CallTimeout),
			RateLimitPause: Duration(retry.RateLimitPause),
			RescanInterval: Duration(5 * time.Second),
		},
		DB: filepath.Join(DefaultDirectory(), "fusion.db"),
		RPC: RPC{
			Addr:     ":8080",
			TokenTTL: Duration(24 * time.Hour),
		},
		Initiator: Initiator{
			Interval:     Duration(time.Minute),
			Timelock:     Duration(time.Hour),
			MinAmount:    "100000",
			MaxAmount:    "1000000",
			Price:        "1",
			PollInterval: Duration(2 * time.Second),
		},
		Logger: Logger{
			Level: "info",
		},
	}
}

// Load reads the config file over the defaults, then applies the
// environment. A missing file is not an error.
func Load(path string) (Config, error) {
	config := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("failed to parse %v: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return Config{}, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	config.applyEnv()
	return config, nil
}

func (config *Config) applyEnv() {
	overrides := map[string]*string{
		"MNEMONIC":              &config.Mnemonic,
		"LOCK_URL":              &config.Network.LockURL,
		"FACTORY_ADDRESS":       &config.Network.FactoryAddress,
		"SETTLEMENT_URL":        &config.Network.SettlementURL,
		"STREAM_URL":            &config.Network.StreamURL,
		"DB":                    &config.DB,
		"REDIS":                 &config.Redis,
		"RPC_USERNAME":          &config.RPC.Username,
		"RPC_PASSWORD":          &config.RPC.Password,
		"JWT_SECRET":            &config.RPC.JWTSecret,
		"DISCORD_WEBHOOK_ID":    &config.Discord.WebhookID,
		"DISCORD_WEBHOOK_TOKEN": &config.Discord.WebhookToken,
	}
	for key, field := range overrides {
		if value, ok := os.LookupEnv(envPrefix + key); ok {
			*field = value
		}
	}
	if dsn, ok := os.LookupEnv("SENTRY_DSN"); ok {
		config.Logger.Sentry = dsn
	}
}

// Validate reports every missing or malformed key at once.
func (config Config) Validate() error {
	var errs []string
	if config.Mnemonic == "" {
		errs = append(errs, "mnemonic is required")
	}
	if config.Network.LockURL == "" || config.Network.FactoryAddress == "" {
		errs = append(errs, "network.lockUrl and network.factoryAddress are required")
	}
	if config.Network.SettlementURL == "" || config.Network.StreamURL == "" {
		errs = append(errs, "network.settlementUrl and network.streamUrl are required")
	}
	if config.Auction.Slots <= 0 || 100%config.Auction.Slots != 0 {
		errs = append(errs, "auction.slots must divide 100")
	}
	if config.Auction.Duration <= 0 {
		errs = append(errs, "auction.duration must be positive")
	}
	if _, err := config.Schedule(); err != nil {
		errs = append(errs, err.Error())
	}
	if config.DB == "" {
		errs = append(errs, "db is required")
	}
	if config.RPC.Username == "" || config.RPC.Password == "" || config.RPC.JWTSecret == "" {
		errs = append(errs, "rpc.username, rpc.password and rpc.jwtSecret are required")
	}
	seen := map[string]bool{}
	for _, r := range config.Resolvers {
		if r.ID == "" {
			errs = append(errs, "resolver id is required")
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Sprintf("duplicate resolver %v", r.ID))
		}
		seen[r.ID] = true
		if r.MaxFill > 0 && r.MinFill > r.MaxFill {
			errs = append(errs, fmt.Sprintf("resolver %v: minFill above maxFill", r.ID))
		}
		if r.SettleAddress == "" {
			errs = append(errs, fmt.Sprintf("resolver %v: settleAddress is required", r.ID))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %v", strings.Join(errs, "; "))
	}
	return nil
}

// Schedule is the default price schedule with the configured floor and time
// factor applied.
func (config Config) Schedule() (auction.Schedule, error) {
	schedule := auction.DefaultSchedule()
	if config.Auction.FloorRatio != "" {
		ratio, err := decimal.NewFromString(config.Auction.FloorRatio)
		if err != nil {
			return auction.Schedule{}, fmt.Errorf("auction.floorRatio: %w", err)
		}
		schedule.FloorRatio = ratio
	}
	if config.Auction.TimeFactor != "" {
		factor, err := decimal.NewFromString(config.Auction.TimeFactor)
		if err != nil {
			return auction.Schedule{}, fmt.Errorf("auction.timeFactor: %w", err)
		}
		schedule.TimeFactor = factor
	}
	return schedule, nil
}

func (config Config) Retry() chain.RetryConfig {
	return chain.RetryConfig{
		MaxAttempts:    config.Relay.MaxAttempts,
		BaseDelay:      config.Relay.BaseDelay.Std(),
		MaxDelay:       config.Relay.MaxDelay.Std(),
		CallTimeout:    config.Relay.CallTimeout.Std(),
		RateLimitPause: config.Relay.RateLimitPause.Std(),
	}
}

func (config Config) Profiles() swap.Resolvers {
	profiles := swap.Resolvers{}
	for _, r := range config.Resolvers {
		profiles[r.ID] = r.ResolverProfile
	}
	return profiles
}
