package cmd

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"astralune/pkg/commands"
	"astralune/pkg/config"
	"astralune/pkg/plugin"

	"github.com/spf13/cobra"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Inspect and seed command manifests",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Load the plugin directory and list the modules it defines",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		registry, report, err := loadRegistry(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderPlugins(registry, report))
		return nil
	},
}

var pluginsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default manifests that are missing from the plugin directory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		written, err := plugin.WriteManifests(cfg.Plugins.Dir, commands.DefaultManifests())
		if err != nil {
			return err
		}
		if len(written) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), hintStyle.Render("All default manifests already exist in "+cfg.Plugins.Dir))
			return nil
		}
		for _, path := range written {
			fmt.Fprintln(cmd.OutOrStdout(), "wrote "+path)
		}
		return nil
	},
}

func init() {
	pluginsCmd.AddCommand(pluginsListCmd, pluginsInitCmd)
	rootCmd.AddCommand(pluginsCmd)
}

// loadRegistry binds the compiled handlers without runtime services, which
// is enough to validate manifests.
func loadRegistry(cfg *config.Config) (*plugin.Registry, plugin.Report, error) {
	log := slog.New(slog.DiscardHandler)
	catalog := plugin.Catalog{}
	registry := plugin.NewRegistry(catalog, log)
	commands.Register(catalog, commands.Deps{BotName: cfg.Bot.Name, Registry: registry, Logger: log})

	report, err := registry.LoadDir(cfg.Plugins.Dir)
	if err != nil {
		return nil, plugin.Report{}, fmt.Errorf("load plugins: %w", err)
	}
	return registry, report, nil
}

func renderPlugins(registry *plugin.Registry, report plugin.Report) string {
	var b strings.Builder

	for _, tag := range registry.Tags() {
		b.WriteString(headingStyle.Render(strings.ToUpper(tag)) + "\n")
		fields := make([]field, 0)
		for _, desc := range registry.List(tag) {
			names := append(append([]string{}, desc.Commands...), desc.Aliases...)
			value := strings.Join(names, ", ")
			if desc.OwnerOnly {
				value += " [owner]"
			}
			fields = append(fields, field{label: desc.Name, value: value})
		}
		b.WriteString(renderFields(fields) + "\n\n")
	}

	if len(report.Skipped) > 0 {
		files := make([]string, 0, len(report.Skipped))
		for file := range report.Skipped {
			files = append(files, file)
		}
		sort.Strings(files)
		b.WriteString(headingStyle.Render("SKIPPED") + "\n")
		for _, file := range files {
			b.WriteString(warnStyle.Render(fmt.Sprintf("%s: %v", file, report.Skipped[file])) + "\n")
		}
		b.WriteString("\n")
	}

	if conflicts := registry.Conflicts(); len(conflicts) > 0 {
		b.WriteString(headingStyle.Render("CONFLICTS") + "\n")
		for _, conflict := range conflicts {
			b.WriteString(warnStyle.Render(fmt.Sprintf("%s %q kept by %s, dropped from %s", conflict.Kind, conflict.Token, conflict.Kept, conflict.Rejected)) + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(hintStyle.Render(fmt.Sprintf("%d modules", len(registry.List("")))))
	return b.String()
}
