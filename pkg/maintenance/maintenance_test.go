package maintenance

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"astralune/pkg/clock"
	"astralune/pkg/message"
	"astralune/pkg/plugin"
	"astralune/pkg/stats"
	"astralune/pkg/store"
	"astralune/pkg/transport"
)

func startRunner(t *testing.T, runner *Runner) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runner.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRunnerTicksJobs(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	runner := New(clk, nil)

	var runs atomic.Int32
	runner.Add(Job{Name: "count", Interval: time.Minute, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	startRunner(t, runner)

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	require.Zero(t, runs.Load())

	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return runner.Status()["count"].Runs == 2 }, time.Second, time.Millisecond)
	require.Equal(t, clk.Now(), runner.Status()["count"].LastRun)
}

func TestRunnerRunsAtStartAndRecordsFailures(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	runner := New(clk, nil)
	runner.Add(Job{Name: "broken", Interval: time.Hour, RunAtStart: true, Run: func(context.Context) error {
		return errors.New("disk full")
	}})
	startRunner(t, runner)

	require.Eventually(t, func() bool { return runner.Status()["broken"].Runs == 1 }, time.Second, time.Millisecond)
	status := runner.Status()["broken"]
	require.Equal(t, 1, status.Failures)
	require.Equal(t, "disk full", status.LastError)
}

func TestRunnerSkipsDisabledJobs(t *testing.T) {
	t.Parallel()

	runner := New(clock.Fake(time.Now()), nil)
	runner.Add(Job{Name: "off", Interval: 0, Run: func(context.Context) error { return nil }})
	runner.Add(Job{Name: "nil-run", Interval: time.Second})
	runner.Add(Job{Name: "on", Interval: time.Second, Run: func(context.Context) error { return nil }})

	require.Equal(t, []string{"on"}, runner.Jobs())
	_, ok := runner.Status()["off"]
	require.False(t, ok)
}

func TestStatsReportReadsSnapshot(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	recorder := stats.NewRecorder(stats.NewMemoryStore(), clk, time.UTC, nil)
	recorder.Message(context.Background())

	job := StatsReport(recorder, time.Minute, nil)
	require.Equal(t, "stats-report", job.Name)
	require.NoError(t, job.Run(context.Background()))
}

func TestBackupJobWritesArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db, err := store.Open(context.Background(), store.Config{Path: filepath.Join(dir, "bot.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	backups := filepath.Join(dir, "backups")
	job := Backup(db, backups, 2, time.Hour)
	require.NoError(t, job.Run(context.Background()))

	files, err := store.ListBackups(backups)
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestPluginRefreshPicksUpNewManifests(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	catalog := plugin.Catalog{"noop": func(context.Context, transport.Sender, *message.Context, plugin.Call) error { return nil }}
	registry := plugin.NewRegistry(catalog, nil)
	_, err := registry.LoadDir(dir)
	require.NoError(t, err)

	_, err = plugin.WriteManifests(dir, []plugin.Manifest{{Name: "hello", Commands: []string{"hello"}, Handler: "noop"}})
	require.NoError(t, err)

	job := PluginRefresh(registry, time.Hour, nil)
	require.NoError(t, job.Run(context.Background()))

	_, ok := registry.Resolve("hello")
	require.True(t, ok)
}
