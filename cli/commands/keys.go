package commands

import (
	"errors"
	"fmt"

	"github.com/catalogfi/fusion/pkg/keys"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Keys works offline on the local mnemonic file.
func Keys(mnemonicPath string) *cobra.Command {
	var (
		accounts uint32
		generate bool
	)

	var cmd = &cobra.Command{
		Use:   "keys",
		Short: "Show the addresses derived from the mnemonic",
		Run: func(c *cobra.Command, args []string) {
			mnemonic, err := keys.LoadMnemonic(mnemonicPath)
			if errors.Is(err, keys.ErrMnemonicFileMissing) && generate {
				mnemonic, err = keys.NewMnemonic(mnemonicPath)
				if err == nil {
					color.Green("generated new mnemonic at %v", mnemonicPath)
				}
			}
			cobra.CheckErr(err)

			ks, err := keys.FromMnemonic(mnemonic)
			cobra.CheckErr(err)
			for account := uint32(0); account < accounts; account++ {
				lockKey, err := ks.GetKey(keys.LockLedger, account, 0)
				cobra.CheckErr(err)
				lockAddr, err := lockKey.Address(keys.LockLedger)
				cobra.CheckErr(err)
				settleKey, err := ks.GetKey(keys.SettleLedger, account, 0)
				cobra.CheckErr(err)
				fmt.Printf("account %d  lock %v  settle %v\n", account, lockAddr, settleKey.SettleAddress())
			}
		},
	}

	cmd.Flags().Uint32Var(&accounts, "accounts", 3, "Number of accounts to show")
	cmd.Flags().BoolVar(&generate, "generate", false, "Generate a mnemonic when none exists")
	return cmd
}
