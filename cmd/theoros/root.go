package main

import (
	"github.com/spf13/cobra"

	"theoros/config"
	"theoros/internal/logger"
)

type rootOptions struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	ro := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "theoros",
		Short:         "Questrade OAuth proxy and equity history service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(ro.configPath)
			if err != nil {
				return err
			}
			ro.cfg = cfg
			logger.Init("theoros", logger.ParseLevel(cfg.Logging.Level))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&ro.configPath, "config", "", "Path to YAML config file (optional)")

	cmd.AddCommand(
		newServeCmd(ro),
		newAuthCmd(ro),
		newEquityCmd(ro),
	)
	return cmd
}
