package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"astralune/pkg/config"
	"astralune/pkg/store"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the database into the backup directory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		path, err := createBackup(commandContext(cmd), cfg)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "wrote "+path)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, oldest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		paths, err := store.ListBackups(cfg.Store.BackupDir)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), hintStyle.Render("No backups in "+cfg.Store.BackupDir))
			return nil
		}
		for _, path := range paths {
			fmt.Fprintln(cmd.OutOrStdout(), filepath.Base(path))
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup>",
	Short: "Replace the database with a backup; stop the bot first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		src := args[0]
		if filepath.Base(src) == src {
			src = filepath.Join(cfg.Store.BackupDir, src)
		}
		if err := store.RestoreBackup(src, cfg.Store.Path); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "restored "+cfg.Store.Path+" from "+src)
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupListCmd, backupRestoreCmd)
	rootCmd.AddCommand(backupCmd)
}

func createBackup(ctx context.Context, cfg *config.Config) (string, error) {
	db, err := store.Open(ctx, store.Config{Path: cfg.Store.Path})
	if err != nil {
		return "", err
	}
	defer db.Close()

	return db.Backup(ctx, cfg.Store.BackupDir, cfg.Store.BackupKeep)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
