package cmd

import (
	"fmt"
	"strconv"

	"astralune/pkg/stats"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the persisted message and command counters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx := commandContext(cmd)
		backend, err := openStatsStore(ctx, cfg.Stats)
		if err != nil {
			return err
		}
		defer backend.Close()

		snapshot, err := backend.Load(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderSnapshot(cfg.Stats.Backend, snapshot))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func renderSnapshot(backend string, snapshot stats.Snapshot) string {
	lastReset := snapshot.LastReset
	if lastReset == "" {
		lastReset = "never"
	}

	return renderFields([]field{
		{label: "Backend", value: backend},
		{label: "Total messages", value: strconv.FormatInt(snapshot.TotalMessages, 10)},
		{label: "Messages today", value: strconv.FormatInt(snapshot.MessagesToday, 10)},
		{label: "Commands executed", value: strconv.FormatInt(snapshot.CommandsExecuted, 10)},
		{label: "Last reset", value: lastReset},
	})
}
