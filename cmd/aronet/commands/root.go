package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aronet-dev/aronet/internal/config"
)

// configPath is the local configuration file, shared by all commands
// that talk to a node.
var configPath string

// rootCmd is the top-level cobra command for aronet.
var rootCmd = &cobra.Command{
	Use:   "aronet",
	Short: "Self-configuring encrypted mesh overlay",
	Long: "aronet builds an encrypted IPsec mesh from a local configuration and a\n" +
		"registry of peer organizations, and keeps tunnels, interfaces and routes\n" +
		"converged with it.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path of the local configuration file")

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("a configuration file is required (--config)")
	}
	return config.Load(configPath)
}

// newLogger builds the process logger from the configuration.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
