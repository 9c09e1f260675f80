package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func History(client ClientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "history [address]",
		Short: "List the swaps of an address, newest first",
		Args:  cobra.ExactArgs(1),
		Run: func(c *cobra.Command, args []string) {
			history, err := client().History(context.Background(), args[0])
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to get history: %w", err))
			}
			fmt.Printf("%d swaps, %d pending, %d completed\n", len(history.Swaps), history.Pending, history.Completed)
			for _, s := range history.Swaps {
				fmt.Printf("  %v %v %v -> %v %v\n", s.CreatedAt.Local().Format(time.DateTime), s.ID, s.LockAmount, s.SettleAmount, paint(s.Status))
			}
		},
	}
}

func Resolvers(client ClientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "resolvers",
		Short: "List the registered resolvers",
		Run: func(c *cobra.Command, args []string) {
			profiles, err := client().Resolvers(context.Background())
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to list resolvers: %w", err))
			}
			for _, p := range profiles {
				fmt.Printf("%-10v %-12v fill %d-%d%% lock=%v settle=%v\n", p.ID, p.Name, p.MinFill, maxFill(p.MaxFill), p.LockAddress, p.SettleAddress)
			}
		},
	}
}

func maxFill(fill int) int {
	if fill <= 0 {
		return 100
	}
	return fill
}

func Stats(client ClientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [swap id]",
		Short: "Show how the resolvers filled a swap",
		Args:  cobra.ExactArgs(1),
		Run: func(c *cobra.Command, args []string) {
			stats, err := client().ResolverStats(context.Background(), args[0])
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to get stats: %w", err))
			}
			for _, stat := range stats {
				fmt.Printf("%-10v %d bids %d units (%d%%) avg price %v\n", stat.ResolverID, stat.Bids, stat.Units, stat.Percent, stat.AveragePrice)
			}
		},
	}
}
