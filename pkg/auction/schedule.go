package auction

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Step applies Decay once the filled fraction is at or below Threshold.
type Step struct {
	Threshold decimal.Decimal `json:"threshold"`
	Decay     decimal.Decimal `json:"decay"`
}

// Schedule describes how the price of an auction falls with fill and time.
type Schedule struct {
	Steps      []Step          `json:"steps"`
	MinDecay   decimal.Decimal `json:"minDecay"`
	MaxDecay   decimal.Decimal `json:"maxDecay"`
	TimeFactor decimal.Decimal `json:"timeFactor"`
	FloorRatio decimal.Decimal `json:"floorRatio"`
}

func DefaultSchedule() Schedule {
	return Schedule{
		Steps: []Step{
			{Threshold: decimal.RequireFromString("0.1"), Decay: decimal.RequireFromString("0.002")},
			{Threshold: decimal.RequireFromString("0.3"), Decay: decimal.RequireFromString("0.005")},
			{Threshold: decimal.RequireFromString("0.6"), Decay: decimal.RequireFromString("0.010")},
			{Threshold: decimal.RequireFromString("1.0"), Decay: decimal.RequireFromString("0.015")},
		},
		MinDecay:   decimal.RequireFromString("0.001"),
		MaxDecay:   decimal.RequireFromString("0.015"),
		TimeFactor: decimal.RequireFromString("0.5"),
		FloorRatio: decimal.RequireFromString("0.985"),
	}
}

// Validate checks the step table is monotone so that the price never rises
// as the auction fills.
func (s Schedule) Validate() error {
	if s.MaxDecay.IsNegative() || s.MaxDecay.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("max decay %v out of [0, 1]", s.MaxDecay)
	}
	if s.FloorRatio.IsNegative() || s.FloorRatio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("floor ratio %v out of [0, 1]", s.FloorRatio)
	}
	if s.TimeFactor.IsNegative() {
		return fmt.Errorf("negative time factor %v", s.TimeFactor)
	}
	prev := Step{Threshold: decimal.NewFromInt(-1), Decay: s.MinDecay}
	for i, step := range s.Steps {
		if !step.Threshold.GreaterThan(prev.Threshold) {
			return fmt.Errorf("step %d threshold %v is not increasing", i, step.Threshold)
		}
		if step.Decay.LessThan(prev.Decay) {
			return fmt.Errorf("step %d decay %v is below the previous step", i, step.Decay)
		}
		prev = step
	}
	return nil
}

// Price returns the price at elapsed time fraction t and fill fraction f,
// both clamped to [0, 1].
func (s Schedule) Price(initial decimal.Decimal, t, f decimal.Decimal) decimal.Decimal {
	t = clamp(t, decimal.Zero, decimal.NewFromInt(1))
	f = clamp(f, decimal.Zero, decimal.NewFromInt(1))

	decay := s.MinDecay
	for _, step := range s.Steps {
		if f.LessThanOrEqual(step.Threshold) {
			decay = step.Decay
			break
		}
	}
	if len(s.Steps) > 0 && f.GreaterThan(s.Steps[len(s.Steps)-1].Threshold) {
		decay = s.Steps[len(s.Steps)-1].Decay
	}

	decay = clamp(decay.Add(t.Mul(s.TimeFactor)), decimal.Zero, s.MaxDecay)
	price := initial.Mul(decimal.NewFromInt(1).Sub(decay))
	floor := initial.Mul(s.FloorRatio)
	if price.LessThan(floor) {
		return floor
	}
	return price
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
