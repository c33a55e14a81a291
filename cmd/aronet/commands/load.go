package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aronet-dev/aronet/internal/config"
	"github.com/aronet-dev/aronet/internal/daemon"
	"github.com/aronet-dev/aronet/internal/mesh"
	"github.com/aronet-dev/aronet/internal/nlink"
	"github.com/aronet-dev/aronet/internal/vici"
)

// loadCmd pushes a registry into a running daemon: it reconciles the
// engine's connection set over the control socket and refreshes the
// kernel routes toward remote overlay networks.
func loadCmd() *cobra.Command {
	var registryPath string

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load a registry into the running daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)

			reg, err := config.LoadRegistry(registryPath)
			if err != nil {
				return err
			}

			ch, err := vici.Connect(cfg.ViciSocketPath(), logger)
			if err != nil {
				return fmt.Errorf("is the daemon running? %w", err)
			}
			defer ch.Close() //nolint:errcheck // one-shot command

			rec := mesh.New(cfg, logger)
			_, removed, err := rec.Apply(ch, reg)
			if err != nil {
				return err
			}

			nl, err := nlink.New(logger)
			if err != nil {
				return err
			}
			defer nl.Close()

			if err := daemon.SyncRemoteRoutes(cfg, reg, nl); err != nil {
				return err
			}

			logger.Info("registry loaded", "removed_connections", len(removed))
			return nil
		},
	}

	cmd.Flags().StringVarP(&registryPath, "registry", "r", "",
		"path of the registry file")
	if err := cmd.MarkFlagRequired("registry"); err != nil {
		panic(err)
	}
	return cmd
}
