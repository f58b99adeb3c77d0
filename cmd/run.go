package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"astralune/pkg/clock"
	"astralune/pkg/config"
	"astralune/pkg/gateway"
	"astralune/pkg/logger"
	"astralune/pkg/transport"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect the transports and start dispatching commands",
	Long:  "Runs Astralune under its restart supervisor: transports feed the dispatch pipeline, maintenance jobs run on schedule and health endpoints are served.",
	Run: func(cmd *cobra.Command, _ []string) {
		os.Exit(runBot(cmd.OutOrStdout()))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// runBot returns the process exit code.
func runBot(out io.Writer) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer appLogger.Close()
	slog.SetDefault(appLogger.Logger)
	log := appLogger.With("component", "cmd.run")

	transports, err := buildTransports(cfg, appLogger.Logger)
	if err != nil {
		log.Error("Transport configuration invalid", "error", err)
		return 1
	}

	clk := clock.Real()
	sup := newSupervisor(cfg.Supervisor, clk, appLogger.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := buildRuntime(ctx, cfg, appLogger.Logger, runtimeOptions{Clock: clk, Restarter: sup})
	if err != nil {
		log.Error("Failed to build runtime", "error", err)
		return 1
	}

	svc, err := gateway.NewService(gateway.Options{
		Gateway:    cfg.Gateway,
		Bus:        rt.bus,
		Pipeline:   rt.pipeline,
		Transports: transports,
		Launcher:   sup,
		Recorder:   rt.recorder,
		Jobs:       rt.jobs(),
		Clock:      clk,
		Logger:     appLogger.Logger,
	})
	if err != nil {
		rt.Close()
		log.Error("Failed to initialize gateway service", "error", err)
		return 1
	}

	served := make(chan struct{})
	sup.OnShutdown(func(drain context.Context) {
		if n := rt.notices.Flush(); n > 0 {
			log.Info("Flushed pending notices", "count", n)
		}
		cancel()
		select {
		case <-served:
		case <-drain.Done():
			log.Warn("Gateway still running at drain deadline")
		}
		rt.Close()
	})
	// Registered last: hooks run in order and earlier ones still log.
	sup.OnShutdown(func(context.Context) {
		_ = appLogger.Close()
	})
	sup.Monitor(ctx)

	fmt.Fprintln(out, renderBanner(cfg, transports, len(rt.registry.List("")), sup.Recovered()))
	if sup.Recovered() {
		log.Info("Recovered from automatic restart", "restart_count", sup.State().Count)
	}
	log.Info("Bot started",
		"transports", transportNames(transports),
		"modules", len(rt.registry.List("")),
		"prefixes", strings.Join(cfg.Bot.Prefixes, " "),
		"auto_restart", cfg.Supervisor.Enabled,
	)

	sup.Go(ctx, "gateway", func(ctx context.Context) error {
		defer close(served)
		return svc.Run(ctx)
	})

	return sup.Wait()
}

func renderBanner(cfg *config.Config, transports []transport.Client, modules int, recovered bool) string {
	boot := "first boot"
	if recovered {
		boot = "recovered boot"
	}

	return bannerStyle.Render(cfg.Bot.Name) + "\n" + renderFields([]field{
		{label: "Transports", value: transportNames(transports)},
		{label: "Modules", value: strconv.Itoa(modules)},
		{label: "Prefixes", value: strings.Join(cfg.Bot.Prefixes, " ")},
		{label: "Status", value: "http://" + net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)) + "/statusz"},
		{label: "Boot", value: boot},
	})
}
