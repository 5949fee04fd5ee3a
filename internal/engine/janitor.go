// -----------------------------------------------------------------------
// Janitor - scheduled sweep that force-fails stalled jobs
// -----------------------------------------------------------------------

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/coremachine/internal/common"
	"github.com/ternarybob/coremachine/internal/interfaces"
)

// Janitor periodically fails non-terminal jobs that have not made progress
// within the stale threshold. A job can stall when its trigger was lost or
// its tasks dead-lettered; without the sweep those rows would sit in
// queued or processing forever.
type Janitor struct {
	jobs           interfaces.JobStore
	tasks          interfaces.TaskStore
	staleThreshold time.Duration
	schedule       string
	logger         arbor.ILogger
	cron           *cron.Cron
}

// NewJanitor creates a janitor from configuration
func NewJanitor(jobs interfaces.JobStore, tasks interfaces.TaskStore, cfg *common.JanitorConfig, logger arbor.ILogger) *Janitor {
	return &Janitor{
		jobs:           jobs,
		tasks:          tasks,
		staleThreshold: common.Duration(cfg.StaleThreshold, 30*time.Minute),
		schedule:       cfg.Schedule,
		logger:         logger,
	}
}

// Start schedules the sweep
func (j *Janitor) Start() error {
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(j.schedule, func() {
		if err := j.Sweep(context.Background()); err != nil {
			j.logger.Warn().Err(err).Msg("Janitor sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}
	j.cron.Start()

	j.logger.Info().
		Str("schedule", j.schedule).
		Str("stale_threshold", j.staleThreshold.String()).
		Msg("Janitor started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// Sweep force-fails every stale job and settles its outstanding tasks
func (j *Janitor) Sweep(ctx context.Context) error {
	stale, err := j.jobs.GetStaleJobs(ctx, j.staleThreshold)
	if err != nil {
		return fmt.Errorf("failed to query stale jobs: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	j.logger.Info().Int("count", len(stale)).Msg("Sweeping stale jobs")

	for _, job := range stale {
		reason := fmt.Sprintf("no progress for more than %s", j.staleThreshold)

		failed, err := j.tasks.FailAllTasksForJob(ctx, job.ID, reason)
		if err != nil {
			j.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to settle tasks of stale job")
		}
		if err := j.jobs.FailJob(ctx, job.ID, job.Type, job.CurrentStage, reason); err != nil {
			j.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to fail stale job")
			continue
		}

		j.logger.Warn().
			Str("job_id", job.ID).
			Str("job_type", job.Type).
			Int("stage", job.CurrentStage).
			Int("tasks_settled", failed).
			Msg("Stale job force-failed")
	}
	return nil
}
