package app

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/taskgridgo/internal/config"
	"github.com/vk/taskgridgo/internal/ctxlog"
	"github.com/vk/taskgridgo/internal/depgraph"
	"github.com/vk/taskgridgo/internal/scheduler"
	"github.com/vk/taskgridgo/internal/task"
	"github.com/vk/taskgridgo/internal/workerpool"
)

// Run executes the loaded task grid and reports the outcome. A run with
// terminally failed tasks returns an error after the report is printed.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.MetricsPort > 0 {
		a.startServer(a.config.MetricsPort)
	}

	tasks := a.model.Grid.BuildTasks()
	if len(tasks) == 0 {
		a.logger.Warn("No tasks found in grid, execution not required.")
		return nil
	}

	a.logger.Debug("Building dependency graph from config model...")
	result, err := depgraph.Build(tasks)
	if err != nil {
		return fmt.Errorf("failed to build dependency graph: %w", err)
	}
	a.logger.Debug("Dependency graph built.", "tasks", len(tasks), "levels", len(result.Levels))

	settings := a.effectiveSettings()
	pool, err := workerpool.New(settings.Workers, a.collector)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	sched, err := scheduler.New(pool, a.work.Resolve(), a.collector, scheduler.Options{
		DefaultTimeout:   settings.Timeout,
		RetryOnFailure:   settings.Retries > 0,
		MaxRetries:       settings.Retries,
		RetryDelay:       settings.RetryDelay,
		StopOnFirstError: settings.StopOnFirstError,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	run, err := sched.NewLeveledRun(tasks, result.Levels)
	if err != nil {
		return fmt.Errorf("failed to prepare run: %w", err)
	}

	a.logger.Info("🚀 Starting concurrent execution...", "tasks", len(tasks), "workers", settings.Workers)
	report, err := run.Execute(ctx)
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}
	a.logger.Info("🏁 Execution finished.", "duration", report.Duration)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Worker pool shutdown was not clean.", "error", err)
	}

	a.printReport(report)
	a.logger.Debug("App.Run method finished.")

	if n := len(report.Failed); n > 0 {
		return fmt.Errorf("%d of %d tasks failed", n, len(tasks))
	}
	return nil
}

// effectiveSettings merges the grid's defaults block over the app
// configuration. A set grid value wins; unset values keep the CLI-provided
// configuration.
func (a *App) effectiveSettings() config.Defaults {
	settings := config.Defaults{
		Workers:          a.config.Workers,
		Timeout:          a.config.DefaultTimeout,
		Retries:          a.config.Retries,
		RetryDelay:       a.config.RetryDelay,
		StopOnFirstError: a.config.StopOnFirstError,
	}

	grid := a.model.Grid.Defaults
	if grid.Workers > 0 {
		settings.Workers = grid.Workers
	}
	if grid.Timeout > 0 {
		settings.Timeout = grid.Timeout
	}
	if grid.Retries > 0 {
		settings.Retries = grid.Retries
	}
	if grid.RetryDelay > 0 {
		settings.RetryDelay = grid.RetryDelay
	}
	if grid.StopOnFirstError {
		settings.StopOnFirstError = true
	}
	return settings
}

func (a *App) printReport(report *task.RunReport) {
	fmt.Fprintf(a.outW, "\nRun finished in %s: %d completed, %d failed, %d cancelled (%.1f%% success)\n",
		report.Duration.Round(time.Millisecond),
		len(report.Completed), len(report.Failed), len(report.Cancelled),
		report.SuccessRate()*100)

	for _, rec := range report.Failed {
		fmt.Fprintf(a.outW, "  failed: %s (retries: %d): %v\n", rec.TaskID, rec.RetryCount, rec.Err)
	}
	for _, rec := range report.Cancelled {
		fmt.Fprintf(a.outW, "  cancelled: %s\n", rec.TaskID)
	}
}
