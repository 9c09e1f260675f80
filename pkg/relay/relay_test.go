package relay_test

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/catalogfi/fusion/pkg/mock"
	"github.com/catalogfi/fusion/pkg/relay"
	"github.com/catalogfi/fusion/pkg/store"
	"github.com/catalogfi/fusion/pkg/swap"
	"go.uber.org/zap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Relay", func() {
	var (
		ctx        context.Context
		registry   store.Registry
		lockChain  *mock.LockChain
		settlement *mock.SettlementChain
		actions    store.ActionStore
		options    relay.Options
		secret     []byte
		s          swap.Swap
		escrows    map[string]string
		completed  int32
	)

	// assign gives slots to owner and locks a matching escrow.
	assign := func(owner string, indices ...int) string {
		Expect(registry.AssignSlots(ctx, s.ID, owner, indices)).Should(Succeed())
		ref, err := settlement.LockEscrow(ctx, chain.EscrowRequest{
			SwapID:   s.ID,
			Sender:   owner,
			HashLock: s.HashLock,
			Timelock: s.TimelockExpiry,
			Amount:   s.SettleAmountFor(len(indices)),
			Slots:    indices,
		})
		Expect(err).Should(BeNil())
		for _, index := range indices {
			Expect(registry.UpdateSlot(ctx, s.ID, index, swap.SlotAssigned, swap.SlotAssigned, store.SlotUpdate{EscrowRef: ref})).Should(Succeed())
		}
		escrows[owner] = ref
		return ref
	}

	newRelay := func() relay.Relay {
		claimers := relay.Claimers{
			"r1": lockChain.As("r1"),
			"r2": lockChain.As("r2"),
		}
		return relay.New(registry, settlement, claimers, actions, options, zap.NewNop(), relay.WithTerminalHook(func(swap.Swap) {
			atomic.AddInt32(&completed, 1)
		}))
	}

	status := func() swap.Status {
		current, err := registry.Get(ctx, s.ID)
		Expect(err).Should(BeNil())
		return current.Status
	}

	slotStatus := func(index int) func() swap.SlotStatus {
		return func() swap.SlotStatus {
			slots, err := registry.Slots(ctx, s.ID)
			Expect(err).Should(BeNil())
			return slots[index].Status
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		registry = store.NewMemRegistry()
		lockChain = mock.NewLockChain(nil)
		settlement = mock.NewSettlementChain(nil)
		actions = store.NewMemActionStore()
		escrows = map[string]string{}
		atomic.StoreInt32(&completed, 0)

		options = relay.NewOptions()
		options.RescanInterval = 20 * time.Millisecond
		options.Retry = chain.RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      time.Millisecond,
			MaxDelay:       5 * time.Millisecond,
			CallTimeout:    time.Second,
			RateLimitPause: 2 * time.Millisecond,
		}

		var hashLock [32]byte
		var err error
		secret, hashLock, err = swap.NewSecret()
		Expect(err).Should(BeNil())
		id, err := swap.NewID()
		Expect(err).Should(BeNil())
		s = swap.Swap{
			ID:             id,
			Direction:      swap.AToB,
			Initiator:      "0xinitiator",
			Recipient:      "GINITIATOR",
			LockAmount:     big.NewInt(1000),
			SettleAmount:   big.NewInt(2000),
			HashLock:       hashLock,
			TimelockExpiry: time.Now().Add(time.Hour),
			TotalUnits:     10,
		}
		Expect(registry.Create(ctx, s)).Should(Succeed())
		lockRef, err := lockChain.LockFunds(ctx, chain.LockRequest{
			SwapID:   s.ID,
			HashLock: s.HashLock,
			Timelock: s.TimelockExpiry,
			Amount:   s.LockAmount,
			Units:    s.TotalUnits,
		})
		Expect(err).Should(BeNil())
		Expect(registry.UpdateStatus(ctx, s.ID, swap.Pending, swap.LockedOnA, store.Update{LockTxRef: lockRef})).Should(Succeed())
	})

	settle := func() {
		Expect(registry.UpdateStatus(ctx, s.ID, swap.LockedOnA, swap.SettledOnB, store.Update{})).Should(Succeed())
	}

	Context("when the secret is revealed", func() {
		It("should claim every assigned slot exactly once", func() {
			assign("r1", 0, 1)
			assign("r2", 2, 3, 4)
			settle()

			r := newRelay()
			defer r.Stop()
			Expect(r.Watch(s.ID)).Should(Succeed())
			Expect(r.Watch(s.ID)).Should(Succeed())
			Eventually(func() int { return settlement.Subscribers(escrows["r1"]) }).Should(Equal(1))
			Eventually(func() int { return settlement.Subscribers(escrows["r2"]) }).Should(Equal(1))

			_, err := settlement.ClaimEscrow(ctx, escrows["r2"], secret)
			Expect(err).Should(BeNil())

			Eventually(status).Should(Equal(swap.Completed))
			for i := 0; i < 5; i++ {
				Expect(lockChain.Attempts(s.ID, i)).Should(Equal(1))
				Expect(lockChain.Claimed(s.ID, i)).Should(BeTrue())
				Expect(slotStatus(i)()).Should(Equal(swap.SlotClaimed))
			}
			for i := 5; i < 10; i++ {
				Expect(lockChain.Attempts(s.ID, i)).Should(BeZero())
				Expect(slotStatus(i)()).Should(Equal(swap.SlotAvailable))
			}

			current, err := registry.Get(ctx, s.ID)
			Expect(err).Should(BeNil())
			Expect(current.Secret).Should(Equal(secret))
			txs, err := registry.Transactions(ctx, s.ID)
			Expect(err).Should(BeNil())
			Expect(txs).Should(HaveLen(5))
			Expect(atomic.LoadInt32(&completed)).Should(Equal(int32(1)))
			Eventually(func() bool { return r.Watching(s.ID) }).Should(BeFalse())
			Eventually(func() int { return settlement.Subscribers(escrows["r1"]) }).Should(BeZero())
		})

		It("should ignore activity that does not open the hash lock", func() {
			assign("r1", 0)
			settle()

			r := newRelay()
			defer r.Stop()
			Expect(r.Watch(s.ID)).Should(Succeed())
			Eventually(func() int { return settlement.Subscribers(escrows["r1"]) }).Should(Equal(1))

			Expect(settlement.Publish(escrows["r1"], []byte("some other signature"))).Should(Succeed())
			Consistently(status, 100*time.Millisecond).Should(Equal(swap.SettledOnB))
			Expect(lockChain.Attempts(s.ID, 0)).Should(BeZero())
		})

		It("should follow escrows confirmed after the watch started", func() {
			assign("r1", 0, 1)
			settle()

			r := newRelay()
			defer r.Stop()
			Expect(r.Watch(s.ID)).Should(Succeed())

			late := assign("r2", 2)
			Eventually(func() int { return settlement.Subscribers(late) }).Should(Equal(1))
			_, err := settlement.ClaimEscrow(ctx, late, secret)
			Expect(err).Should(BeNil())

			Eventually(status).Should(Equal(swap.Completed))
			Expect(lockChain.Claimed(s.ID, 2)).Should(BeTrue())
		})
	})

	Context("when claims fail", func() {
		It("should keep a slot assigned after a rejected preimage", func() {
			assign("r1", 0, 1)
			settle()

			var reject int32 = 1
			lockChain.FuncClaimSlot = func(swapID string, index int, preimage []byte) error {
				if index == 1 && atomic.LoadInt32(&reject) == 1 {
					return chain.ErrInvalidPreimage
				}
				return nil
			}

			r := newRelay()
			defer r.Stop()
			Expect(r.Claim(ctx, s.ID, []byte("wrong"))).Should(MatchError(chain.ErrInvalidPreimage))
			Expect(lockChain.Attempts(s.ID, 0)).Should(BeZero())

			Expect(r.Claim(ctx, s.ID, secret)).Should(Succeed())
			Expect(slotStatus(0)()).Should(Equal(swap.SlotClaimed))
			Expect(slotStatus(1)()).Should(Equal(swap.SlotAssigned))
			Expect(lockChain.Attempts(s.ID, 1)).Should(Equal(1))
			Expect(status()).Should(Equal(swap.SettledOnA))

			atomic.StoreInt32(&reject, 0)
			Expect(r.Claim(ctx, s.ID, secret)).Should(Succeed())
			Expect(slotStatus(1)()).Should(Equal(swap.SlotClaimed))
			Expect(lockChain.Attempts(s.ID, 0)).Should(Equal(1))
			Expect(status()).Should(Equal(swap.Completed))
		})

		It("should fail a slot only after exhausting transient retries", func() {
			assign("r1", 0, 1)
			assign("r2", 2)
			settle()

			lockChain.FuncClaimSlot = func(swapID string, index int, preimage []byte) error {
				if index == 2 {
					return chain.ErrRateLimited
				}
				return nil
			}

			r := newRelay()
			defer r.Stop()
			Expect(r.Claim(ctx, s.ID, secret)).Should(Succeed())

			Expect(lockChain.Attempts(s.ID, 2)).Should(Equal(3))
			Expect(slotStatus(2)()).Should(Equal(swap.SlotFailed))
			Expect(slotStatus(0)()).Should(Equal(swap.SlotClaimed))
			Expect(slotStatus(1)()).Should(Equal(swap.SlotClaimed))
			Expect(status()).Should(Equal(swap.Completed))
		})

		It("should count a slot paid by a timed out attempt as claimed", func() {
			assign("r1", 0, 1)
			settle()

			var landed int32
			lockChain.FuncClaimSlot = func(swapID string, index int, preimage []byte) error {
				if index != 0 || !atomic.CompareAndSwapInt32(&landed, 0, 1) {
					return nil
				}
				// The claim is mined but the response is lost.
				_, err := lockChain.As("r1").ClaimSlot(ctx, swapID, index, preimage)
				Expect(err).Should(BeNil())
				return chain.ErrUnavailable
			}

			r := newRelay()
			defer r.Stop()
			Expect(r.Claim(ctx, s.ID, secret)).Should(Succeed())

			Expect(lockChain.Claimed(s.ID, 0)).Should(BeTrue())
			Expect(slotStatus(0)()).Should(Equal(swap.SlotClaimed))
			Expect(slotStatus(1)()).Should(Equal(swap.SlotClaimed))
			Expect(status()).Should(Equal(swap.Completed))

			txs, err := registry.Transactions(ctx, s.ID)
			Expect(err).Should(BeNil())
			claimedSlots := []int{}
			for _, tx := range txs {
				claimedSlots = append(claimedSlots, tx.SlotIndex)
			}
			Expect(claimedSlots).Should(ConsistOf(0, 1))

			// A later retry finds the claim on record and sends nothing.
			attempts := lockChain.Attempts(s.ID, 0)
			Expect(r.Claim(ctx, s.ID, secret)).Should(MatchError(swap.ErrStateConflict))
			Expect(lockChain.Attempts(s.ID, 0)).Should(Equal(attempts))
		})

		It("should fail slots whose owner cannot sign", func() {
			assign("stranger", 0)
			settle()

			r := newRelay()
			defer r.Stop()
			Expect(r.Claim(ctx, s.ID, secret)).Should(Succeed())
			Expect(slotStatus(0)()).Should(Equal(swap.SlotFailed))
			Expect(status()).Should(Equal(swap.Completed))
		})
	})

	It("should serialize claims per signing identity", func() {
		assign("r1", 0, 1, 2, 3)
		assign("r2", 4, 5, 6)
		settle()
		lockChain.Delay = 20 * time.Millisecond
		options.Workers = 4

		r := newRelay()
		defer r.Stop()
		Expect(r.Claim(ctx, s.ID, secret)).Should(Succeed())

		Expect(status()).Should(Equal(swap.Completed))
		Expect(lockChain.PeakConcurrency("r1")).Should(Equal(1))
		Expect(lockChain.PeakConcurrency("r2")).Should(Equal(1))
	})

	Context("cancellation", func() {
		It("should drop every subscription on stop", func() {
			assign("r1", 0)
			settle()

			r := newRelay()
			Expect(r.Watch(s.ID)).Should(Succeed())
			Eventually(func() int { return settlement.Subscribers(escrows["r1"]) }).Should(Equal(1))

			r.Stop()
			Expect(r.Watching(s.ID)).Should(BeFalse())
			Eventually(func() int { return settlement.Subscribers(escrows["r1"]) }).Should(BeZero())
		})

		It("should stop watching when the swap leaves settlement", func() {
			assign("r1", 0)
			settle()

			r := newRelay()
			defer r.Stop()
			Expect(r.Watch(s.ID)).Should(Succeed())
			Eventually(func() int { return settlement.Subscribers(escrows["r1"]) }).Should(Equal(1))

			Expect(registry.UpdateStatus(ctx, s.ID, swap.SettledOnB, swap.Failed, store.Update{})).Should(Succeed())
			Eventually(func() bool { return r.Watching(s.ID) }).Should(BeFalse())
			Eventually(func() int { return settlement.Subscribers(escrows["r1"]) }).Should(BeZero())
		})

		It("should refuse swaps that are not settled", func() {
			r := newRelay()
			defer r.Stop()
			Expect(r.Watch(s.ID)).Should(MatchError(swap.ErrStateConflict))
		})
	})

	It("should resume revealed swaps on start", func() {
		assign("r1", 0, 1)
		settle()
		Expect(registry.UpdateStatus(ctx, s.ID, swap.SettledOnB, swap.SettledOnA, store.Update{Secret: secret})).Should(Succeed())

		r := newRelay()
		defer r.Stop()
		Expect(r.Start()).Should(Succeed())
		Eventually(status).Should(Equal(swap.Completed))
		Expect(lockChain.Claimed(s.ID, 1)).Should(BeTrue())
	})
})
