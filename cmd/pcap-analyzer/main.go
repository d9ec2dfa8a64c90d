package main

import (
	"errors"
	"fmt"
	"os"

	"PcapSentry/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	configPath string
	colorMode  string
	Version    = "dev"
)

var rootCmd = &cobra.Command{
	Use:           "pcap-analyzer",
	Short:         "Offline PCAP threat analyzer",
	Long:          `pcap-analyzer reconstructs connections and DNS transactions from a capture file, runs the detection rules and ships the resulting alerts.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	bindGlobalFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(newAnalyzeCmd(), newTestSinkCmd())
}

func bindGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&configPath, "config", "c", "configs/config.yaml", "Path to the YAML configuration")
	fs.StringVar(&colorMode, "color", "auto", "Colorize the summary (auto, always, never)")
}

// loadConfig reads --config. A missing default file falls back to the
// built-in defaults; an explicitly named file must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		defaults := config.Defaults()
		return &defaults, nil
	}
	return nil, err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
