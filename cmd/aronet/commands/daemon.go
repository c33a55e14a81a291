package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aronet-dev/aronet/internal/config"
	"github.com/aronet-dev/aronet/internal/daemon"
)

// daemonCmd groups the long-running daemon actions.
func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run or inspect the overlay daemon",
	}
	cmd.AddCommand(daemonRunCmd())
	cmd.AddCommand(daemonInfoCmd())
	return cmd
}

func daemonRunCmd() *cobra.Command {
	var registryPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the overlay daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)

			var reg config.Registry
			if registryPath != "" {
				reg, err = config.LoadRegistry(registryPath)
				if err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(cfg, reg, logger)
			if err != nil {
				return err
			}
			if err := d.Run(ctx); err != nil {
				return fmt.Errorf("daemon: %w", err)
			}
			logger.Info("aronet stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&registryPath, "registry", "r", "",
		"path of the registry file to load at startup")
	return cmd
}

func daemonInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the liveness of the daemon and its engines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), daemon.Info(cfg))
			return nil
		},
	}
}
