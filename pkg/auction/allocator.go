package auction

import "errors"

var (
	ErrBelowMinimumGranularity = errors.New("below minimum granularity")
	ErrOutOfRange              = errors.New("out of range")
	ErrInsufficientRemaining   = errors.New("insufficient remaining slots")
)

// Allocator hands out the slots of one swap. It is not safe for concurrent
// use; the engine calls it from inside the auction's critical section.
type Allocator struct {
	taken     []bool
	remaining int
}

func NewAllocator(total int) *Allocator {
	return &Allocator{taken: make([]bool, total), remaining: total}
}

func (a *Allocator) Total() int {
	return len(a.taken)
}

func (a *Allocator) Remaining() int {
	return a.remaining
}

// UnitsForPercent converts a fill percentage into whole slots. Percentages
// that do not land on a slot boundary are rejected.
func (a *Allocator) UnitsForPercent(percent int) (int, error) {
	total := len(a.taken)
	if percent < 0 || percent > 100 || total == 0 {
		return 0, ErrOutOfRange
	}
	if percent == 0 || (percent*total)%100 != 0 {
		return 0, ErrBelowMinimumGranularity
	}
	return percent * total / 100, nil
}

// PercentForUnits is the inverse of UnitsForPercent.
func (a *Allocator) PercentForUnits(units int) int {
	if len(a.taken) == 0 {
		return 0
	}
	return units * 100 / len(a.taken)
}

// Reserve takes the lowest indexed available slots.
func (a *Allocator) Reserve(units int) ([]int, error) {
	if units <= 0 || units > len(a.taken) {
		return nil, ErrOutOfRange
	}
	if units > a.remaining {
		return nil, ErrInsufficientRemaining
	}
	indices := make([]int, 0, units)
	for i := range a.taken {
		if len(indices) == units {
			break
		}
		if !a.taken[i] {
			a.taken[i] = true
			indices = append(indices, i)
		}
	}
	a.remaining -= units
	return indices, nil
}

// Release undoes a reservation whose bid could not be recorded.
func (a *Allocator) Release(indices []int) {
	for _, i := range indices {
		if i >= 0 && i < len(a.taken) && a.taken[i] {
			a.taken[i] = false
			a.remaining++
		}
	}
}
