package coordinator_test

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/catalogfi/fusion/pkg/auction"
	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/catalogfi/fusion/pkg/coordinator"
	"github.com/catalogfi/fusion/pkg/mock"
	"github.com/catalogfi/fusion/pkg/relay"
	"github.com/catalogfi/fusion/pkg/store"
	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type notifier struct {
	mu    sync.Mutex
	swaps []swap.Swap
}

func (n *notifier) Notify(s swap.Swap) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.swaps = append(n.swaps, s)
}

func (n *notifier) statuses() []swap.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	statuses := []swap.Status{}
	for _, s := range n.swaps {
		statuses = append(statuses, s.Status)
	}
	return statuses
}

var _ = Describe("Coordinator", func() {
	var (
		ctx        context.Context
		clock      *mock.Clock
		registry   store.Registry
		lockChain  *mock.LockChain
		settlement *mock.SettlementChain
		rel        relay.Relay
		notified   *notifier
		options    coordinator.Options
		coord      coordinator.Coordinator
		secret     []byte
		hashLock   common.Hash
	)

	resolvers := swap.Resolvers{
		"r1": {ID: "r1", Name: "alpha", MaxFill: 50, SettleAddress: "GR1"},
		"r2": {ID: "r2", Name: "beta", MinFill: 20, SettleAddress: "GR2"},
	}

	build := func() {
		rel = relay.New(registry, settlement, relay.Claimers{
			"r1": lockChain.As("r1"),
			"r2": lockChain.As("r2"),
		}, store.NewMemActionStore(), relay.Options{
			Workers:        2,
			RescanInterval: 20 * time.Millisecond,
			Retry:          chain.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		}, zap.NewNop(), relay.WithTerminalHook(func(s swap.Swap) {
			coord.Terminated(s)
		}))

		var err error
		coord, err = coordinator.New(registry, lockChain.As("initiator"), settlement, rel, resolvers, auction.DefaultSchedule(), options, zap.NewNop(),
			coordinator.WithNotifier(notified),
			coordinator.WithClock(clock.Now))
		Expect(err).Should(BeNil())
		Expect(coord.Start()).Should(Succeed())
	}

	// open creates a swap and locks it on the lock chain.
	open := func(timelock time.Duration) string {
		id, err := coord.StartSwap(ctx, coordinator.StartRequest{
			Initiator:    "0xinitiator",
			Recipient:    "GINITIATOR",
			LockAmount:   big.NewInt(10),
			SettleAmount: big.NewInt(20),
			HashLock:     hashLock,
			Timelock:     clock.Now().Add(timelock),
		})
		Expect(err).Should(BeNil())
		s, err := coord.GetSwap(ctx, id)
		Expect(err).Should(BeNil())
		Expect(s.Status).Should(Equal(swap.Pending))

		lockRef, err := lockChain.LockFunds(ctx, chain.LockRequest{
			SwapID:   id,
			HashLock: hashLock,
			Timelock: s.TimelockExpiry,
			Amount:   s.LockAmount,
			Units:    s.TotalUnits,
		})
		Expect(err).Should(BeNil())
		Expect(coord.ConfirmLock(ctx, id, lockRef)).Should(Succeed())
		return id
	}

	// escrow locks the counter-value of a won bid and reports it.
	escrow := func(id string, bid auction.Bid) string {
		s, err := coord.GetSwap(ctx, id)
		Expect(err).Should(BeNil())
		ref, err := settlement.LockEscrow(ctx, chain.EscrowRequest{
			SwapID:    id,
			Sender:    resolvers[bid.ResolverID].SettleAddress,
			Recipient: s.Recipient,
			HashLock:  s.HashLock,
			Timelock:  s.TimelockExpiry,
			Amount:    bid.Owed(&s),
			Slots:     bid.Slots,
		})
		Expect(err).Should(BeNil())
		Expect(coord.ConfirmEscrow(ctx, id, bid.Slots, ref)).Should(Succeed())
		return ref
	}

	status := func(id string) func() swap.Status {
		return func() swap.Status {
			s, err := coord.GetSwap(ctx, id)
			Expect(err).Should(BeNil())
			return s.Status
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = mock.NewClock(time.Now())
		registry = store.NewMemRegistry()
		lockChain = mock.NewLockChain(clock.Now)
		settlement = mock.NewSettlementChain(clock.Now)
		notified = &notifier{}

		options = coordinator.NewOptions()
		options.AuctionDuration = 200 * time.Millisecond
		options.SweepInterval = 20 * time.Millisecond
		options.Retry = chain.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

		var err error
		secret, hashLock, err = swap.NewSecret()
		Expect(err).Should(BeNil())
	})

	AfterEach(func() {
		coord.Stop()
		rel.Stop()
	})

	Context("when a lock is confirmed", func() {
		It("should treat a replayed confirmation as a no-op", func() {
			build()
			id := open(time.Hour)
			Expect(status(id)()).Should(Equal(swap.LockedOnA))

			s, err := coord.GetSwap(ctx, id)
			Expect(err).Should(BeNil())
			Expect(coord.ConfirmLock(ctx, id, s.LockTxRef)).Should(Succeed())
			Expect(status(id)()).Should(Equal(swap.LockedOnA))
			Expect(coord.ConfirmLock(ctx, id, "0xother")).Should(MatchError(swap.ErrStateConflict))

			state, err := coord.GetAuctionStatus(id)
			Expect(err).Should(BeNil())
			Expect(state.Active).Should(BeTrue())
			Expect(state.TotalUnits).Should(Equal(10))
			Expect(state.InitialPrice.Equal(decimal.NewFromInt(2))).Should(BeTrue())
			Expect(coord.ActiveAuctions()).Should(ConsistOf(id))

			txs, err := registry.Transactions(ctx, id)
			Expect(err).Should(BeNil())
			Expect(txs).Should(HaveLen(1))
			Expect(txs[0].Action).Should(Equal(swap.ActionLock))
		})

		It("should reject malformed swaps", func() {
			build()
			_, err := coord.StartSwap(ctx, coordinator.StartRequest{
				Initiator:    "0xinitiator",
				Recipient:    "GINITIATOR",
				LockAmount:   big.NewInt(0),
				SettleAmount: big.NewInt(20),
				HashLock:     hashLock,
				Timelock:     clock.Now().Add(time.Hour),
			})
			Expect(err).Should(MatchError(coordinator.ErrInvalidRequest))

			_, err = coord.StartSwap(ctx, coordinator.StartRequest{
				Initiator:    "0xinitiator",
				Recipient:    "GINITIATOR",
				LockAmount:   big.NewInt(10),
				SettleAmount: big.NewInt(20),
				Timelock:     clock.Now().Add(time.Hour),
			})
			Expect(err).Should(MatchError(coordinator.ErrInvalidRequest))
		})
	})

	Context("when resolvers fill the swap", func() {
		It("should settle both chains and report a partial fill", func() {
			build()
			id := open(time.Hour)

			_, err := coord.SubmitBid(ctx, id, "r1", 15, decimal.Zero)
			Expect(err).Should(MatchError(auction.ErrBelowMinimumGranularity))
			_, err = coord.SubmitBid(ctx, id, "r2", 10, decimal.Zero)
			Expect(err).Should(MatchError(auction.ErrOutOfRange))
			_, err = coord.SubmitBid(ctx, id, "nobody", 10, decimal.Zero)
			Expect(err).Should(MatchError(auction.ErrInvalidResolver))

			bid1, err := coord.SubmitBid(ctx, id, "r1", 20, decimal.Zero)
			Expect(err).Should(BeNil())
			bid2, err := coord.SubmitBid(ctx, id, "r2", 30, decimal.Zero)
			Expect(err).Should(BeNil())
			Expect(bid1.Slots).Should(HaveLen(2))
			Expect(bid2.Slots).Should(HaveLen(3))
			Expect(bid2.Slots).ShouldNot(ContainElements(bid1.Slots))

			state, err := coord.GetAuctionStatus(id)
			Expect(err).Should(BeNil())
			Expect(state.UnitsFilled).Should(Equal(5))
			Expect(state.Remaining).Should(Equal(5))

			escrow(id, bid1)
			Expect(status(id)()).Should(Equal(swap.LockedOnB))
			ref2 := escrow(id, bid2)

			Eventually(status(id), time.Second).Should(Equal(swap.SettledOnB))
			Eventually(func() bool { return rel.Watching(id) }).Should(BeTrue())
			_, err = coord.SubmitBid(ctx, id, "r1", 10, decimal.Zero)
			Expect(err).Should(MatchError(auction.ErrNoActiveAuction))

			Eventually(func() int { return settlement.Subscribers(ref2) }).Should(Equal(1))
			refs, err := coord.ClaimSettlement(ctx, id, secret)
			Expect(err).Should(BeNil())
			Expect(refs).Should(HaveLen(2))

			Eventually(status(id), time.Second).Should(Equal(swap.Completed))
			for _, index := range append(bid1.Slots, bid2.Slots...) {
				Expect(lockChain.Attempts(id, index)).Should(Equal(1))
				Expect(lockChain.Claimed(id, index)).Should(BeTrue())
			}

			report, err := coord.GetSwapStatus(ctx, id)
			Expect(err).Should(BeNil())
			Expect(report.Claimed).Should(Equal(5))
			Expect(report.Available).Should(Equal(5))
			Expect(report.Partial).Should(BeTrue())
			Expect(report.Refundable).Should(BeFalse())
			Expect(report.Swap.Secret).Should(Equal(secret))

			stats, err := coord.ResolverStats(ctx, id)
			Expect(err).Should(BeNil())
			Expect(stats).Should(HaveLen(2))
			Expect(stats[0].ResolverID).Should(Equal("r1"))
			Expect(stats[0].Percent).Should(Equal(20))
			Expect(stats[1].Units).Should(Equal(3))

			Eventually(notified.statuses).Should(ConsistOf(swap.Completed))
			_, err = coord.GetAuctionStatus(id)
			Expect(err).Should(MatchError(auction.ErrNoActiveAuction))
			Expect(coord.ActiveAuctions()).Should(BeEmpty())
			Expect(coordinator.HeldLocks(coord)).Should(BeZero())

			history, err := coord.History(ctx, "0xinitiator")
			Expect(err).Should(BeNil())
			Expect(history.Swaps).Should(HaveLen(1))
			Expect(history.Completed).Should(Equal(1))
		})

		It("should leave an unfilled swap locked after the window", func() {
			build()
			id := open(time.Hour)
			Consistently(status(id), 400*time.Millisecond).Should(Equal(swap.LockedOnA))
			state, err := coord.GetAuctionStatus(id)
			Expect(err).Should(BeNil())
			Expect(state.Active).Should(BeFalse())
		})

		It("should list the resolver roster", func() {
			build()
			profiles := coord.Resolvers()
			Expect(profiles).Should(HaveLen(2))
			Expect(profiles[0].ID).Should(Equal("r1"))
		})
	})

	Context("after the timelock", func() {
		It("should fail fast and refund exactly once", func() {
			build()
			id := open(time.Hour)
			bid, err := coord.SubmitBid(ctx, id, "r1", 10, decimal.Zero)
			Expect(err).Should(BeNil())

			_, err = coord.Refund(ctx, id)
			Expect(err).Should(MatchError(swap.ErrNotExpired))

			clock.Advance(2 * time.Hour)

			_, err = coord.SubmitBid(ctx, id, "r1", 10, decimal.Zero)
			Expect(err).Should(MatchError(swap.ErrExpired))
			_, err = lockChain.As("r1").ClaimSlot(ctx, id, bid.Slots[0], secret)
			Expect(err).Should(MatchError(chain.ErrExpired))
			_, err = lockChain.LockFunds(ctx, chain.LockRequest{SwapID: "0xlate", HashLock: hashLock, Timelock: clock.Now().Add(-time.Minute), Amount: big.NewInt(10), Units: 10})
			Expect(err).Should(MatchError(chain.ErrExpired))
			Expect(coord.ConfirmEscrow(ctx, id, bid.Slots, "GLATE")).Should(MatchError(swap.ErrExpired))

			ref, err := coord.Refund(ctx, id)
			Expect(err).Should(BeNil())
			Expect(ref).ShouldNot(BeEmpty())
			Expect(lockChain.Refunded(id)).Should(BeTrue())
			Expect(status(id)()).Should(Equal(swap.Refunded))

			_, err = coord.GetAuctionStatus(id)
			Expect(err).Should(MatchError(auction.ErrNoActiveAuction))

			_, err = coord.Refund(ctx, id)
			Expect(err).Should(MatchError(swap.ErrStateConflict))
			Expect(notified.statuses()).Should(ConsistOf(swap.Refunded))
			Expect(coordinator.HeldLocks(coord)).Should(BeZero())
		})

		It("should fail swaps that never locked", func() {
			build()
			id, err := coord.StartSwap(ctx, coordinator.StartRequest{
				Initiator:    "0xinitiator",
				Recipient:    "GINITIATOR",
				LockAmount:   big.NewInt(10),
				SettleAmount: big.NewInt(20),
				HashLock:     hashLock,
				Timelock:     clock.Now().Add(time.Hour),
			})
			Expect(err).Should(BeNil())

			clock.Advance(2 * time.Hour)
			Expect(coord.ConfirmLock(ctx, id, "0xlock")).Should(MatchError(swap.ErrExpired))
			Eventually(status(id)).Should(Equal(swap.Failed))
			Eventually(notified.statuses).Should(ConsistOf(swap.Failed))
		})

		It("should drop the auction of an expired swap", func() {
			build()
			id := open(time.Hour)
			_, err := coord.GetAuctionStatus(id)
			Expect(err).Should(BeNil())

			clock.Advance(2 * time.Hour)
			Eventually(func() error {
				_, err := coord.GetAuctionStatus(id)
				return err
			}).Should(MatchError(auction.ErrNoActiveAuction))
			Expect(status(id)()).Should(Equal(swap.LockedOnA))
		})

		It("should refund locked swaps when auto refund is on", func() {
			options.AutoRefund = true
			build()
			id := open(time.Hour)

			clock.Advance(2 * time.Hour)
			Eventually(status(id)).Should(Equal(swap.Refunded))
			Expect(lockChain.Refunded(id)).Should(BeTrue())
		})
	})
})
