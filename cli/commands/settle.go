package commands

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func Claim(client ClientFunc) *cobra.Command {
	var swapID, secret string

	var cmd = &cobra.Command{
		Use:   "claim",
		Short: "Claim the settlement escrows of a swap, revealing the secret",
		Run: func(c *cobra.Command, args []string) {
			refs, err := client().ClaimSettlement(context.Background(), swapID, secret)
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to claim: %w", err))
			}
			color.Green("claimed %d escrows", len(refs))
			for _, ref := range refs {
				fmt.Println(ref)
			}
		},
	}

	cmd.Flags().StringVar(&swapID, "swap", "", "Swap id")
	cmd.MarkFlagRequired("swap")
	cmd.Flags().StringVar(&secret, "secret", "", "Hex encoded secret")
	cmd.MarkFlagRequired("secret")
	return cmd
}

func Retry(client ClientFunc) *cobra.Command {
	var swapID, secret string

	var cmd = &cobra.Command{
		Use:   "retry",
		Short: "Retry the slot claims of a swap still assigned",
		Run: func(c *cobra.Command, args []string) {
			status, err := client().RetryClaims(context.Background(), swapID, secret)
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to retry: %w", err))
			}
			fmt.Printf("swap %v is %v with %d claimed and %d failed slots\n", swapID, paint(status.Swap.Status), status.Claimed, status.Failed)
		},
	}

	cmd.Flags().StringVar(&swapID, "swap", "", "Swap id")
	cmd.MarkFlagRequired("swap")
	cmd.Flags().StringVar(&secret, "secret", "", "Hex encoded secret, the revealed one when empty")
	return cmd
}

func Refund(client ClientFunc) *cobra.Command {
	var swapID string

	var cmd = &cobra.Command{
		Use:   "refund",
		Short: "Refund an expired swap to its initiator",
		Run: func(c *cobra.Command, args []string) {
			ref, err := client().Refund(context.Background(), swapID)
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to refund: %w", err))
			}
			color.Green("refunded with %v", ref)
		},
	}

	cmd.Flags().StringVar(&swapID, "swap", "", "Swap id")
	cmd.MarkFlagRequired("swap")
	return cmd
}
