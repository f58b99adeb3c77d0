package cmd

import (
	"os"
	"strings"

	"astralune/pkg/config"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "astralune",
	Short:        "Message-driven command bot",
	Long:         "Astralune routes prefixed chat messages to command modules over a WhatsApp bridge and Telegram, and keeps itself running across faults.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: $ASTRALUNE_CONFIG, ./config.json, ./config/config.json)")
}

// loadConfig honours --config, then the usual lookup, then defaults.
func loadConfig() (*config.Config, error) {
	if path := strings.TrimSpace(configPath); path != "" {
		return config.Load(path)
	}
	return config.LoadOrDefault()
}
