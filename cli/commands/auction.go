package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/catalogfi/fusion/pkg/rpc"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func Auction(client ClientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "auction [swap id]",
		Short: "Show the auction of a swap",
		Args:  cobra.ExactArgs(1),
		Run: func(c *cobra.Command, args []string) {
			state, err := client().GetAuctionStatus(context.Background(), args[0])
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to get auction: %w", err))
			}

			active := color.RedString("closed")
			if state.Active {
				active = color.GreenString("open")
			}
			fmt.Printf("auction    %v (%v)\n", state.SwapID, active)
			fmt.Printf("price      %v (initial %v, floor ratio %v)\n", state.CurrentPrice, state.InitialPrice, state.MinPriceFloorRatio)
			fmt.Printf("filled     %d/%d units, %d left\n", state.UnitsFilled, state.TotalUnits, state.Remaining)
			fmt.Printf("window     %v - %v\n", state.StartTime.Local().Format(time.Kitchen), state.EndTime.Local().Format(time.Kitchen))
			for _, bid := range state.Bids {
				fmt.Printf("  %-10v %3d%% at %v slots %v\n", bid.ResolverID, bid.Percent, bid.Price, bid.Slots)
			}
		},
	}
}

func Auctions(client ClientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "auctions",
		Short: "List the open auctions",
		Run: func(c *cobra.Command, args []string) {
			ids, err := client().ListAuctions(context.Background())
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to list auctions: %w", err))
			}
			if len(ids) == 0 {
				fmt.Println("no open auctions")
			}
			for _, id := range ids {
				fmt.Println(id)
			}
		},
	}
}

func Bid(client ClientFunc) *cobra.Command {
	var (
		swapID     string
		resolverID string
		percent    int
		limit      string
	)

	var cmd = &cobra.Command{
		Use:   "bid",
		Short: "Bid for a share of a swap on behalf of a resolver",
		Run: func(c *cobra.Command, args []string) {
			bid, err := client().SubmitBid(context.Background(), rpc.BidParams{
				SwapID:     swapID,
				ResolverID: resolverID,
				Percent:    percent,
				Limit:      limit,
			})
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to bid: %w", err))
			}
			color.Green("won slots %v at %v", bid.Slots, bid.Price)
		},
	}

	cmd.Flags().StringVar(&swapID, "swap", "", "Swap id")
	cmd.MarkFlagRequired("swap")
	cmd.Flags().StringVar(&resolverID, "resolver", "", "Resolver id")
	cmd.MarkFlagRequired("resolver")
	cmd.Flags().IntVar(&percent, "percent", 0, "Share of the swap in percent, a multiple of the slot size")
	cmd.MarkFlagRequired("percent")
	cmd.Flags().StringVar(&limit, "limit", "", "Lowest acceptable price, the current price when empty")
	return cmd
}

func Escrow(client ClientFunc) *cobra.Command {
	var (
		swapID    string
		slots     []int
		escrowRef string
	)

	var cmd = &cobra.Command{
		Use:   "escrow",
		Short: "Report a resolver escrow for won slots",
		Run: func(c *cobra.Command, args []string) {
			status, err := client().ConfirmEscrow(context.Background(), rpc.EscrowParams{
				SwapID:    swapID,
				Slots:     slots,
				EscrowRef: escrowRef,
			})
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to confirm escrow: %w", err))
			}
			color.Green("swap %v is %v", swapID, status.Swap.Status)
		},
	}

	cmd.Flags().StringVar(&swapID, "swap", "", "Swap id")
	cmd.MarkFlagRequired("swap")
	cmd.Flags().IntSliceVar(&slots, "slots", nil, "Slot indices covered by the escrow")
	cmd.MarkFlagRequired("slots")
	cmd.Flags().StringVar(&escrowRef, "ref", "", "Escrow reference on the settlement chain")
	cmd.MarkFlagRequired("ref")
	return cmd
}
