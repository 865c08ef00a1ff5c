package main

import (
	"github.com/matta/gotbills/internal/config"
	"github.com/spf13/cobra"
)

func newRootCmd(a *app) *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:           "gotbills",
		Short:         "Publish bank statements and bills from Gmail to blob storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			a.cfg = cfg
			a.logger = setupLogger(cfg.LogLevel)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (default ~/.gotbills/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level: debug, info, warn or error")
	cmd.PersistentFlags().BoolVarP(&a.trace, "trace", "T", false, "log Gmail HTTP traffic at debug level")

	cmd.AddCommand(
		newServeCmd(a),
		newRenewCmd(a),
		newNotifyCmd(a),
		newAccountCmd(a),
	)
	return cmd
}
