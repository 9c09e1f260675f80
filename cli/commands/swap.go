package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/catalogfi/fusion/pkg/rpc"
	"github.com/catalogfi/fusion/pkg/rpcclient"
	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// ClientFunc returns the rpc client once flags and config are loaded.
type ClientFunc func() rpcclient.Client

func StartSwap(client ClientFunc) *cobra.Command {
	var (
		direction    string
		initiator    string
		recipient    string
		lockAmount   string
		settleAmount string
		hashLock     string
		timelock     time.Duration
	)

	var cmd = &cobra.Command{
		Use:   "start-swap",
		Short: "Open a new swap",
		Run: func(c *cobra.Command, args []string) {
			if hashLock == "" {
				secret, hash, err := swap.NewSecret()
				cobra.CheckErr(err)
				hashLock = hash.Hex()
				color.Yellow("generated secret, keep it until the swap settles:\n[ %v ]", hex.EncodeToString(secret))
			}

			id, err := client().StartSwap(context.Background(), rpc.StartSwapParams{
				Direction:    swap.Direction(direction),
				Initiator:    initiator,
				Recipient:    recipient,
				LockAmount:   lockAmount,
				SettleAmount: settleAmount,
				HashLock:     hashLock,
				Timelock:     time.Now().Add(timelock).Unix(),
			})
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to start swap: %w", err))
			}
			color.Green("successfully created swap %v", id)
		},
	}

	cmd.Flags().StringVar(&direction, "direction", string(swap.AToB), "Swap direction (A_TO_B or B_TO_A)")
	cmd.Flags().StringVar(&initiator, "initiator", "", "Initiator address on the lock chain")
	cmd.MarkFlagRequired("initiator")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Initiator address on the settlement chain")
	cmd.MarkFlagRequired("recipient")
	cmd.Flags().StringVar(&lockAmount, "lock-amount", "", "Amount locked on the lock chain")
	cmd.MarkFlagRequired("lock-amount")
	cmd.Flags().StringVar(&settleAmount, "settle-amount", "", "Amount asked on the settlement chain")
	cmd.MarkFlagRequired("settle-amount")
	cmd.Flags().StringVar(&hashLock, "hash-lock", "", "sha256 of the secret, generated when empty")
	cmd.Flags().DurationVar(&timelock, "timelock", time.Hour, "Time until the swap can be refunded")
	return cmd
}

func ConfirmLock(client ClientFunc) *cobra.Command {
	var swapID, lockRef string

	var cmd = &cobra.Command{
		Use:   "confirm-lock",
		Short: "Report the lock transaction of a swap and open its auction",
		Run: func(c *cobra.Command, args []string) {
			status, err := client().ConfirmLock(context.Background(), swapID, lockRef)
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to confirm lock: %w", err))
			}
			color.Green("swap %v is %v", swapID, status.Swap.Status)
		},
	}

	cmd.Flags().StringVar(&swapID, "swap", "", "Swap id")
	cmd.MarkFlagRequired("swap")
	cmd.Flags().StringVar(&lockRef, "lock-ref", "", "Lock transaction reference")
	cmd.MarkFlagRequired("lock-ref")
	return cmd
}

func Status(client ClientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status [swap id]",
		Short: "Show a swap with its slots and transactions",
		Args:  cobra.ExactArgs(1),
		Run: func(c *cobra.Command, args []string) {
			status, err := client().GetSwapStatus(context.Background(), args[0])
			if err != nil {
				cobra.CheckErr(fmt.Errorf("failed to get swap: %w", err))
			}

			s := status.Swap
			fmt.Printf("swap       %v\n", s.ID)
			fmt.Printf("status     %v\n", paint(s.Status))
			fmt.Printf("direction  %v\n", s.Direction)
			fmt.Printf("initiator  %v -> %v\n", s.Initiator, s.Recipient)
			fmt.Printf("amounts    %v locked for %v\n", s.LockAmount, s.SettleAmount)
			fmt.Printf("expires    %v\n", s.TimelockExpiry.Local().Format(time.RFC1123))
			fmt.Printf("slots      %d available, %d assigned, %d claimed, %d failed\n", status.Available, status.Assigned, status.Claimed, status.Failed)
			if status.Partial {
				color.Yellow("partially filled, refundable after expiry: %v", status.Refundable)
			}
			for _, slot := range status.Slots {
				if slot.Owner == "" {
					continue
				}
				fmt.Printf("  #%d %-10v %-8v escrow=%v claim=%v %v\n", slot.Index, slot.Owner, slot.Status, slot.EscrowRef, slot.ClaimRef, slot.Error)
			}
			for _, tx := range status.Transactions {
				fmt.Printf("  %v %-10v %-7v %v\n", tx.CreatedAt.Local().Format(time.Kitchen), tx.Chain, tx.Action, tx.Ref)
			}
		},
	}
}

func paint(status swap.Status) string {
	switch status {
	case swap.Completed:
		return color.GreenString(status.String())
	case swap.Refunded:
		return color.YellowString(status.String())
	case swap.Failed:
		return color.RedString(status.String())
	default:
		return color.CyanString(status.String())
	}
}
