package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/catalogfi/fusion/pkg/config"
	"github.com/catalogfi/fusion/pkg/fusiond"
	"github.com/catalogfi/fusion/pkg/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var BinaryVersion = "undefined"

func main() {
	var configPath string

	var cmd = &cobra.Command{
		Use:               "fusiond",
		Short:             "Fusion swap coordinator daemon",
		Version:           BinaryVersion,
		DisableAutoGenTag: true,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(logger.Options{
				Level:  cfg.Logger.Level,
				File:   cfg.Logger.File,
				Sentry: cfg.Logger.Sentry,
			})
			if err != nil {
				return err
			}
			defer log.Sync()

			daemon, err := fusiond.New(cfg, log)
			if err != nil {
				log.Error("failed to build daemon", zap.Error(err))
				return err
			}
			if err := daemon.Start(); err != nil {
				daemon.Stop()
				return err
			}
			defer daemon.Stop()

			// waiting system signal
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigs
			log.Info("shutting down", zap.Stringer("signal", sig))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "Config file")

	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
