package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/DECSResearch/GrantWatch/config"
	"github.com/DECSResearch/GrantWatch/pkg/logger"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "grantwatch",
		Short:         "GrantWatch - grant application document checker",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "Path to the YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(manifestsCmd())
	rootCmd.AddCommand(tokenCmd())

	return rootCmd
}

// loadConfig reads the config named by --config and installs the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	slog.Debug("configuration loaded", "path", path)
	return cfg, nil
}
