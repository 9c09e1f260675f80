package coordinator

import (
	"context"
	"errors"
	"sort"

	"github.com/catalogfi/fusion/pkg/auction"
	"github.com/catalogfi/fusion/pkg/store"
	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/shopspring/decimal"
)

// SwapStatus is the full view of a swap. Partial and Refundable make a
// partially filled outcome explicit.
type SwapStatus struct {
	Swap         swap.Swap           `json:"swap"`
	Slots        []swap.Slot         `json:"slots"`
	Available    int                 `json:"available"`
	Assigned     int                 `json:"assigned"`
	Claimed      int                 `json:"claimed"`
	Failed       int                 `json:"failed"`
	Partial      bool                `json:"partial"`
	Refundable   bool                `json:"refundable"`
	Auction      *auction.State      `json:"auction,omitempty"`
	Transactions []store.Transaction `json:"transactions"`
}

type History struct {
	Swaps     []swap.Swap `json:"swaps"`
	Pending   int         `json:"pending"`
	Completed int         `json:"completed"`
}

type ResolverStat struct {
	ResolverID   string          `json:"resolverId"`
	Bids         int             `json:"bids"`
	Units        int             `json:"units"`
	Percent      int             `json:"percent"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
}

func (c *coordinator) GetSwapStatus(ctx context.Context, swapID string) (SwapStatus, error) {
	s, err := c.registry.Get(ctx, swapID)
	if err != nil {
		return SwapStatus{}, err
	}
	slots, err := c.registry.Slots(ctx, swapID)
	if err != nil {
		return SwapStatus{}, err
	}
	txs, err := c.registry.Transactions(ctx, swapID)
	if err != nil {
		return SwapStatus{}, err
	}

	status := SwapStatus{Swap: s, Slots: slots, Transactions: txs}
	for _, slot := range slots {
		switch slot.Status {
		case swap.SlotAvailable:
			status.Available++
		case swap.SlotAssigned:
			status.Assigned++
		case swap.SlotClaimed:
			status.Claimed++
		case swap.SlotFailed:
			status.Failed++
		}
	}
	status.Partial = status.Claimed > 0 && status.Claimed < len(slots)

	refunded := s.Status == swap.Refunded
	for _, tx := range txs {
		if tx.Action == swap.ActionRefund {
			refunded = true
		}
	}
	status.Refundable = !refunded && s.Expired(c.now()) &&
		(s.Status.Locked() || s.Status == swap.Completed && status.Claimed < len(slots))

	if state, err := c.engine.Status(swapID); err == nil {
		status.Auction = &state
	}
	return status, nil
}

func (c *coordinator) History(ctx context.Context, address string) (History, error) {
	swaps, err := c.registry.History(ctx, address)
	if err != nil {
		return History{}, err
	}
	history := History{Swaps: make([]swap.Swap, 0, len(swaps))}
	for _, s := range swaps {
		if s.Status == swap.Completed {
			history.Completed++
		} else if !s.Status.Terminal() {
			history.Pending++
		}
		s.Secret = nil
		history.Swaps = append(history.Swaps, s)
	}
	return history, nil
}

func (c *coordinator) Resolvers() []swap.ResolverProfile {
	profiles := c.resolvers.List()
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].ID < profiles[j].ID
	})
	return profiles
}

// ResolverStats summarizes the bids of each resolver on a swap. Without a
// live auction it falls back to the slot owners on record.
func (c *coordinator) ResolverStats(ctx context.Context, swapID string) ([]ResolverStat, error) {
	stats := map[string]*ResolverStat{}
	get := func(id string) *ResolverStat {
		if stat, ok := stats[id]; ok {
			return stat
		}
		stats[id] = &ResolverStat{ResolverID: id, AveragePrice: decimal.Zero}
		return stats[id]
	}

	state, err := c.engine.Status(swapID)
	switch {
	case err == nil:
		totals := map[string]decimal.Decimal{}
		for _, bid := range state.Bids {
			stat := get(bid.ResolverID)
			stat.Bids++
			stat.Units += bid.Units
			totals[bid.ResolverID] = totals[bid.ResolverID].Add(bid.Price)
		}
		for id, total := range totals {
			stats[id].AveragePrice = total.Div(decimal.NewFromInt(int64(stats[id].Bids)))
		}
		for id := range stats {
			stats[id].Percent = stats[id].Units * 100 / state.TotalUnits
		}
	case errors.Is(err, auction.ErrNoActiveAuction):
		s, err := c.registry.Get(ctx, swapID)
		if err != nil {
			return nil, err
		}
		slots, err := c.registry.Slots(ctx, swapID)
		if err != nil {
			return nil, err
		}
		for _, slot := range slots {
			if slot.Owner == "" {
				continue
			}
			get(slot.Owner).Units++
		}
		for id := range stats {
			stats[id].Percent = stats[id].Units * 100 / s.TotalUnits
		}
	default:
		return nil, err
	}

	list := make([]ResolverStat, 0, len(stats))
	for _, stat := range stats {
		list = append(list, *stat)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ResolverID < list[j].ResolverID
	})
	return list, nil
}
