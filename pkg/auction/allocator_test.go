package auction_test

import (
	"github.com/catalogfi/fusion/pkg/auction"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Allocator", func() {
	Context("with ten slots", func() {
		It("should only accept whole slot percentages", func() {
			alloc := auction.NewAllocator(10)
			units, err := alloc.UnitsForPercent(10)
			Expect(err).Should(BeNil())
			Expect(units).Should(Equal(1))
			units, err = alloc.UnitsForPercent(20)
			Expect(err).Should(BeNil())
			Expect(units).Should(Equal(2))

			_, err = alloc.UnitsForPercent(15)
			Expect(err).Should(MatchError(auction.ErrBelowMinimumGranularity))
			_, err = alloc.UnitsForPercent(0)
			Expect(err).Should(MatchError(auction.ErrBelowMinimumGranularity))
			_, err = alloc.UnitsForPercent(110)
			Expect(err).Should(MatchError(auction.ErrOutOfRange))
		})

		It("should hand out the lowest free indices", func() {
			alloc := auction.NewAllocator(10)
			first, err := alloc.Reserve(2)
			Expect(err).Should(BeNil())
			Expect(first).Should(Equal([]int{0, 1}))
			second, err := alloc.Reserve(3)
			Expect(err).Should(BeNil())
			Expect(second).Should(Equal([]int{2, 3, 4}))
			Expect(alloc.Remaining()).Should(Equal(5))

			_, err = alloc.Reserve(6)
			Expect(err).Should(MatchError(auction.ErrInsufficientRemaining))
		})

		It("should refill released slots first", func() {
			alloc := auction.NewAllocator(10)
			_, err := alloc.Reserve(3)
			Expect(err).Should(BeNil())
			alloc.Release([]int{1})
			Expect(alloc.Remaining()).Should(Equal(8))
			again, err := alloc.Reserve(2)
			Expect(err).Should(BeNil())
			Expect(again).Should(Equal([]int{1, 3}))
		})
	})

	Context("with four slots", func() {
		It("should use 25 percent granularity", func() {
			alloc := auction.NewAllocator(4)
			units, err := alloc.UnitsForPercent(75)
			Expect(err).Should(BeNil())
			Expect(units).Should(Equal(3))
			_, err = alloc.UnitsForPercent(10)
			Expect(err).Should(MatchError(auction.ErrBelowMinimumGranularity))
		})
	})
})
