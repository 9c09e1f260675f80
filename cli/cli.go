package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/catalogfi/fusion/cli/commands"
	"github.com/catalogfi/fusion/pkg/config"
	"github.com/catalogfi/fusion/pkg/rpcclient"
	"github.com/spf13/cobra"
)

func Run(version string) error {
	var (
		configPath string
		rpcURL     string
		token      string
		client     rpcclient.Client
	)

	var cmd = &cobra.Command{
		Use:   "fusion",
		Short: "Fusion swap coordinator client",
		Run: func(c *cobra.Command, args []string) {
			c.HelpFunc()(c, args)
		},
		Version:           version,
		DisableAutoGenTag: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Config file")
	cmd.PersistentFlags().StringVar(&rpcURL, "rpc", "", "RPC server url, derived from rpc.addr when empty")
	cmd.PersistentFlags().StringVar(&token, "token", os.Getenv("FUSION_TOKEN"), "Resolver token, uses the resolver endpoint when set")

	clientFunc := func() rpcclient.Client {
		if client != nil {
			return client
		}
		cfg, err := config.Load(configPath)
		cobra.CheckErr(err)
		url := rpcURL
		if url == "" {
			url = serverURL(cfg.RPC.Addr)
		}
		if token != "" {
			client = rpcclient.NewResolverClient(url, token)
		} else {
			client = rpcclient.NewClient(url, cfg.RPC.Username, cfg.RPC.Password)
		}
		return client
	}

	cmd.AddCommand(commands.StartSwap(clientFunc))
	cmd.AddCommand(commands.ConfirmLock(clientFunc))
	cmd.AddCommand(commands.Status(clientFunc))
	cmd.AddCommand(commands.Auction(clientFunc))
	cmd.AddCommand(commands.Auctions(clientFunc))
	cmd.AddCommand(commands.Bid(clientFunc))
	cmd.AddCommand(commands.Escrow(clientFunc))
	cmd.AddCommand(commands.Claim(clientFunc))
	cmd.AddCommand(commands.Retry(clientFunc))
	cmd.AddCommand(commands.Refund(clientFunc))
	cmd.AddCommand(commands.History(clientFunc))
	cmd.AddCommand(commands.Resolvers(clientFunc))
	cmd.AddCommand(commands.Stats(clientFunc))
	cmd.AddCommand(commands.Keys(filepath.Join(config.DefaultDirectory(), "MNEMONIC")))
	if err := cmd.Execute(); err != nil {
		return err
	}
	return nil
}

// serverURL turns a listen address such as ":8080" into a url to dial.
func serverURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return fmt.Sprintf("http://%s", addr)
}
