package resolver

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/catalogfi/fusion/pkg/auction"
	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/shopspring/decimal"
)

// Strategy decides whether a resolver bids on an auction and for how much.
// A zero limit bids at market.
type Strategy interface {
	Decide(state auction.State, profile swap.ResolverProfile) (percent int, limit decimal.Decimal, ok bool)
}

type StrategyConfig struct {
	Name string `json:"name"`

	// random
	Chance   float64 `json:"chance,omitempty"`
	MinShare float64 `json:"minShare,omitempty"`
	MaxShare float64 `json:"maxShare,omitempty"`

	// target
	Ratio   string `json:"ratio,omitempty"`
	Percent int    `json:"percent,omitempty"`
}

func NewStrategy(cfg StrategyConfig, seed int64) (Strategy, error) {
	switch cfg.Name {
	case "", "random":
		stg := NewRandomStrategy(seed)
		if cfg.Chance > 0 {
			stg.Chance = cfg.Chance
		}
		if cfg.MinShare > 0 {
			stg.MinShare = cfg.MinShare
		}
		if cfg.MaxShare > 0 {
			stg.MaxShare = cfg.MaxShare
		}
		if stg.MinShare > stg.MaxShare || stg.MaxShare > 1 {
			return nil, fmt.Errorf("invalid share range [%v, %v]", stg.MinShare, stg.MaxShare)
		}
		return stg, nil
	case "target":
		ratio, err := decimal.NewFromString(cfg.Ratio)
		if err != nil {
			return nil, fmt.Errorf("invalid target ratio %q: %w", cfg.Ratio, err)
		}
		if !ratio.IsPositive() || ratio.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("target ratio %v outside (0, 1]", ratio)
		}
		if cfg.Percent <= 0 || cfg.Percent > 100 {
			return nil, fmt.Errorf("target percent %v outside (0, 100]", cfg.Percent)
		}
		return TargetStrategy{Ratio: ratio, Percent: cfg.Percent}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Name)
	}
}

// RandomStrategy bids on a tick with probability Chance, asking for a random
// share of the resolver's max fill.
type RandomStrategy struct {
	Chance   float64
	MinShare float64
	MaxShare float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomStrategy(seed int64) *RandomStrategy {
	return &RandomStrategy{
		Chance:   0.3,
		MinShare: 0.1,
		MaxShare: 0.5,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (s *RandomStrategy) Decide(state auction.State, profile swap.ResolverProfile) (int, decimal.Decimal, bool) {
	s.mu.Lock()
	roll := s.rng.Float64()
	share := s.MinShare + s.rng.Float64()*(s.MaxShare-s.MinShare)
	s.mu.Unlock()

	if roll >= s.Chance {
		return 0, decimal.Zero, false
	}
	percent, ok := fit(int(float64(maxFill(profile))*share), state, profile)
	return percent, decimal.Zero, ok
}

// TargetStrategy bids Percent once the price falls to Ratio of the initial
// price, with that price as the limit.
type TargetStrategy struct {
	Ratio   decimal.Decimal
	Percent int
}

func (s TargetStrategy) Decide(state auction.State, profile swap.ResolverProfile) (int, decimal.Decimal, bool) {
	target := state.InitialPrice.Mul(s.Ratio)
	if state.CurrentPrice.GreaterThan(target) {
		return 0, decimal.Zero, false
	}
	percent, ok := fit(s.Percent, state, profile)
	return percent, target, ok
}

// fit rounds percent down to the auction's slot granularity and clamps it
// into the resolver's bounds and what is left.
func fit(percent int, state auction.State, profile swap.ResolverProfile) (int, bool) {
	if state.TotalUnits <= 0 || state.Remaining <= 0 {
		return 0, false
	}
	step := 100 / state.TotalUnits
	if step == 0 {
		return 0, false
	}
	percent -= percent % step
	if percent < step {
		percent = step
	}
	if percent < profile.MinFill {
		percent = (profile.MinFill + step - 1) / step * step
	}
	if percent > maxFill(profile) {
		percent = maxFill(profile) / step * step
	}
	if left := state.Remaining * step; percent > left {
		percent = left
	}
	if percent <= 0 || !profile.Allows(percent) {
		return 0, false
	}
	return percent, true
}

func maxFill(profile swap.ResolverProfile) int {
	if profile.MaxFill <= 0 {
		return 100
	}
	return profile.MaxFill
}
