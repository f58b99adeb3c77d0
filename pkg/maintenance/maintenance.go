// Package maintenance runs the bot's periodic housekeeping: counter reports,
// database backups and plugin refreshes.
package maintenance

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"astralune/pkg/clock"
	"astralune/pkg/plugin"
	"astralune/pkg/stats"
	"astralune/pkg/store"
)

// Job is one periodic task. Jobs with a non-positive Interval are skipped.
type Job struct {
	Name     string
	Interval time.Duration

	// RunAtStart runs the job once before the first tick.
	RunAtStart bool

	Run func(ctx context.Context) error
}

// Status is the last outcome of a job.
type Status struct {
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Runner drives jobs from ticks on its clock. Each job has its own
// goroutine, so a slow backup never delays a refresh.
type Runner struct {
	clock clock.Clock
	log   *slog.Logger

	mu     sync.Mutex
	jobs   []Job
	status map[string]Status
}

func New(clk clock.Clock, log *slog.Logger) *Runner {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}

	return &Runner{
		clock:  clk,
		log:    log.With("component", "maintenance"),
		status: make(map[string]Status),
	}
}

// Add registers job. Jobs added after Run starts are not scheduled.
func (r *Runner) Add(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job.Interval <= 0 || job.Run == nil {
		r.log.Debug("Job disabled", "job", job.Name)
		return
	}
	r.jobs = append(r.jobs, job)
	r.status[job.Name] = Status{}
}

// Jobs returns the scheduled job names, sorted.
func (r *Runner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.jobs))
	for _, job := range r.jobs {
		names = append(names, job.Name)
	}
	sort.Strings(names)
	return names
}

// Status returns a copy of every job's last outcome.
func (r *Runner) Status() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Status, len(r.status))
	for name, status := range r.status {
		out[name] = status
	}
	return out
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	jobs := append([]Job(nil), r.jobs...)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx, job)
		}()
	}
	r.log.Info("Maintenance started", "jobs", len(jobs))

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (r *Runner) loop(ctx context.Context, job Job) {
	ticker := r.clock.NewTicker(job.Interval)
	defer ticker.Stop()

	if job.RunAtStart {
		r.runOnce(ctx, job)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, job)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job) {
	startedAt := r.clock.Now()
	err := job.Run(ctx)

	r.mu.Lock()
	status := r.status[job.Name]
	status.Runs++
	status.LastRun = startedAt
	status.LastError = ""
	if err != nil {
		status.Failures++
		status.LastError = err.Error()
	}
	r.status[job.Name] = status
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("Job failed", "job", job.Name, "error", err)
		return
	}
	r.log.Debug("Job completed", "job", job.Name, "duration", r.clock.Now().Sub(startedAt).String())
}

// StatsReport logs the counters.
func StatsReport(recorder *stats.Recorder, interval time.Duration, log *slog.Logger) Job {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "maintenance.stats")

	return Job{
		Name:     "stats-report",
		Interval: interval,
		Run: func(ctx context.Context) error {
			snapshot, err := recorder.Snapshot(ctx)
			if err != nil {
				return err
			}
			log.Info("Stats report",
				"total_messages", snapshot.TotalMessages,
				"messages_today", snapshot.MessagesToday,
				"commands_executed", snapshot.CommandsExecuted,
				"persist_failures", recorder.Failures(),
			)
			return nil
		},
	}
}

// Backup snapshots the database into dir and keeps the newest keep files.
func Backup(db *store.Store, dir string, keep int, interval time.Duration) Job {
	return Job{
		Name:     "backup",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := db.Backup(ctx, dir, keep)
			return err
		},
	}
}

// PluginRefresh re-scans the registry's plugin directory.
func PluginRefresh(registry *plugin.Registry, interval time.Duration, log *slog.Logger) Job {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "maintenance.plugins")

	return Job{
		Name:     "plugin-refresh",
		Interval: interval,
		Run: func(context.Context) error {
			report, err := registry.Refresh()
			if err != nil {
				return err
			}
			if len(report.Loaded) > 0 || len(report.Removed) > 0 || len(report.Skipped) > 0 {
				log.Info("Plugins refreshed",
					"loaded", report.Loaded,
					"removed", report.Removed,
					"skipped", len(report.Skipped),
					"unchanged", report.Unchanged,
				)
			}
			return nil
		},
	}
}
