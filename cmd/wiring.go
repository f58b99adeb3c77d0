package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"astralune/pkg/assistant"
	"astralune/pkg/bus"
	"astralune/pkg/clock"
	"astralune/pkg/commands"
	"astralune/pkg/config"
	"astralune/pkg/dispatch"
	"astralune/pkg/maintenance"
	"astralune/pkg/message"
	"astralune/pkg/notice"
	"astralune/pkg/plugin"
	"astralune/pkg/sandbox"
	"astralune/pkg/stats"
	"astralune/pkg/store"
	"astralune/pkg/supervisor"
	"astralune/pkg/transport"
	"astralune/pkg/transport/bridge"
	"astralune/pkg/transport/telegram"
)

const (
	statsBackendFile   = "file"
	statsBackendRedis  = "redis"
	statsBackendMemory = "memory"
)

// runtimeOptions tune buildRuntime for the command that needs it.
type runtimeOptions struct {
	Clock     clock.Clock
	Restarter commands.Restarter
}

// botRuntime is everything between the transports and the handlers.
type botRuntime struct {
	cfg       *config.Config
	log       *slog.Logger
	clock     clock.Clock
	startedAt time.Time

	store      *store.Store
	statsStore stats.Store
	recorder   *stats.Recorder
	registry   *plugin.Registry
	loaded     plugin.Report
	notices    *notice.Scheduler
	bus        *bus.MessageBus
	pipeline   *dispatch.Pipeline
}

func buildRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger, opts runtimeOptions) (_ *botRuntime, err error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}

	rt := &botRuntime{
		cfg:       cfg,
		log:       log.With("component", "cmd.runtime"),
		clock:     opts.Clock,
		startedAt: opts.Clock.Now(),
		bus:       bus.NewMessageBus(),
	}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.store, err = store.Open(ctx, store.Config{Path: cfg.Store.Path, Clock: rt.clock, Logger: log})
	if err != nil {
		return nil, err
	}

	rt.statsStore, err = openStatsStore(ctx, cfg.Stats)
	if err != nil {
		return nil, err
	}
	rt.recorder = stats.NewRecorder(rt.statsStore, rt.clock, time.Local, log)

	catalog := plugin.Catalog{}
	rt.registry = plugin.NewRegistry(catalog, log)
	commands.Register(catalog, commands.Deps{
		BotName:   cfg.Bot.Name,
		Registry:  rt.registry,
		Stats:     rt.recorder,
		Store:     rt.store,
		Assistant: newAsker(cfg.Assistant, log),
		Restarter: opts.Restarter,
		Clock:     rt.clock,
		StartedAt: rt.startedAt,
		Logger:    log,
	})

	if err = seedManifests(cfg.Plugins.Dir, rt.log); err != nil {
		return nil, err
	}
	rt.loaded, err = rt.registry.LoadDir(cfg.Plugins.Dir)
	if err != nil {
		return nil, fmt.Errorf("load plugins: %w", err)
	}
	for file, skipErr := range rt.loaded.Skipped {
		rt.log.Warn("Plugin skipped", "file", file, "error", skipErr)
	}

	rt.notices = notice.NewScheduler(rt.clock, log)
	box := sandbox.New(rt.notices, sandbox.Options{
		Owners:         slices.Clone(cfg.Bot.Owners),
		RefusalTTL:     config.Seconds(cfg.Notices.RefusalSeconds),
		ErrorTTL:       config.Seconds(cfg.Notices.ErrorSeconds),
		HandlerTimeout: config.Seconds(cfg.Sandbox.HandlerTimeoutSeconds),
	}, log)

	rt.pipeline = dispatch.New(dispatch.Config{
		Builder:  message.NewBuilder(log),
		Registry: rt.registry,
		Sandbox:  box,
		Stats:    rt.recorder,
		Store:    rt.store,
		DB:       rt.store.DB(),
		Prefixes: cfg.Bot.Prefixes,
		Observer: rt.publish,
		Logger:   log,
	})

	return rt, nil
}

func (rt *botRuntime) publish(event bus.Event) {
	rt.bus.PublishEvent(context.Background(), event)
}

// jobs returns the maintenance runner with every enabled job.
func (rt *botRuntime) jobs() *maintenance.Runner {
	runner := maintenance.New(rt.clock, rt.log)
	runner.Add(maintenance.StatsReport(rt.recorder, config.Minutes(rt.cfg.Stats.ReportMinutes), rt.log))
	runner.Add(maintenance.Backup(rt.store, rt.cfg.Store.BackupDir, rt.cfg.Store.BackupKeep, config.Hours(rt.cfg.Store.BackupHours)))
	runner.Add(maintenance.PluginRefresh(rt.registry, config.Hours(rt.cfg.Plugins.RefreshHours), rt.log))
	return runner
}

// Close releases storage. Safe on a partially built runtime.
func (rt *botRuntime) Close() {
	if rt.notices != nil {
		if n := rt.notices.Flush(); n > 0 {
			rt.log.Info("Flushed pending notices", "count", n)
		}
	}
	rt.bus.Close()
	if rt.statsStore != nil {
		if err := rt.statsStore.Close(); err != nil {
			rt.log.Warn("Failed to close stats store", "error", err)
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.log.Warn("Failed to close store", "error", err)
		}
	}
}

func openStatsStore(ctx context.Context, cfg config.StatsConfig) (stats.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case statsBackendFile, "":
		return stats.NewFileStore(cfg.Path)
	case statsBackendRedis:
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return nil, errors.New("stats.redis_url is required for the redis backend")
		}
		return stats.NewRedisStore(ctx, cfg.RedisURL, cfg.RedisKey)
	case statsBackendMemory:
		return stats.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown stats backend %q", cfg.Backend)
	}
}

// seedManifests writes the default manifests when the plugin directory does
// not exist yet. An existing directory is left alone so deleted manifests
// stay deleted.
func seedManifests(dir string, log *slog.Logger) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat plugin directory: %w", err)
	}

	written, err := plugin.WriteManifests(dir, commands.DefaultManifests())
	if err != nil {
		return err
	}
	log.Info("Default manifests written", "dir", dir, "count", len(written))
	return nil
}

// newAsker returns nil when the assistant is not configured.
func newAsker(cfg config.AssistantConfig, log *slog.Logger) commands.Asker {
	client, err := assistant.New(cfg, log)
	if errors.Is(err, assistant.ErrDisabled) {
		log.Info("Assistant disabled", "reason", err)
		return nil
	}
	if err != nil {
		log.Warn("Assistant unavailable", "error", err)
		return nil
	}
	return client
}

func buildTransports(cfg *config.Config, log *slog.Logger) ([]transport.Client, error) {
	clients := make([]transport.Client, 0, 2)

	if cfg.Transports.Bridge.Enabled {
		clients = append(clients, bridge.New(cfg.Transports.Bridge, log))
	}

	if cfg.Transports.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Transports.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure telegram transport: %w", err)
		}
		clients = append(clients, adapter)
	}

	if len(clients) == 0 {
		return nil, errors.New("no transports are enabled")
	}

	return clients, nil
}

func transportNames(clients []transport.Client) string {
	names := make([]string, 0, len(clients))
	for _, client := range clients {
		names = append(names, client.Name())
	}

	return strings.Join(names, ",")
}

func newSupervisor(cfg config.SupervisorConfig, clk clock.Clock, log *slog.Logger) *supervisor.Supervisor {
	autoRestart := cfg.Enabled

	var spawner supervisor.Spawner
	if autoRestart {
		self, err := supervisor.SelfSpawner()
		if err != nil {
			log.Warn("Automatic restarts unavailable", "error", err)
			autoRestart = false
		} else {
			spawner = self
		}
	}

	return supervisor.New(supervisor.Config{
		AutoRestart: autoRestart,
		MaxRestarts: cfg.MaxRestarts,
		Window:      config.Minutes(cfg.WindowMinutes),
		Delay:       config.Seconds(cfg.DelaySeconds),
		Spawner:     spawner,
		Clock:       clk,
		Logger:      log,
	})
}
