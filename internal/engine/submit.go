// -----------------------------------------------------------------------
// Submitter - idempotent job submission
// -----------------------------------------------------------------------

package engine

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/coremachine/internal/common"
	"github.com/ternarybob/coremachine/internal/interfaces"
	"github.com/ternarybob/coremachine/internal/models"
	"github.com/ternarybob/coremachine/internal/registry"
)

// Submitter creates jobs and enqueues their first stage trigger. Submission
// is idempotent: the job ID is a deterministic function of the type and
// normalized parameters, so resubmitting identical work returns the
// existing job instead of creating a duplicate.
type Submitter struct {
	jobs     interfaces.JobStore
	jobQueue interfaces.Queue
	registry *registry.Registry
	logger   arbor.ILogger
}

// NewSubmitter creates a submitter
func NewSubmitter(jobs interfaces.JobStore, jobQueue interfaces.Queue, reg *registry.Registry, logger arbor.ILogger) *Submitter {
	return &Submitter{
		jobs:     jobs,
		jobQueue: jobQueue,
		registry: reg,
		logger:   logger,
	}
}

// Submit creates a job of the given type and triggers its first stage.
// Returns the job row and whether this call created it. A resubmission of
// identical parameters returns the existing job with created=false and
// does not enqueue anything.
func (s *Submitter) Submit(ctx context.Context, jobType string, params map[string]interface{}) (*models.Job, bool, error) {
	def, ok := s.registry.JobDefinition(jobType)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", models.ErrUnknownJobType, jobType)
	}

	job := models.NewJob(common.JobID(jobType, params), jobType, len(def.Stages()), params)

	created, err := s.jobs.CreateJob(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}
	if !created {
		existing, err := s.jobs.GetJob(ctx, job.ID)
		if err != nil {
			return nil, false, err
		}
		s.logger.Debug().
			Str("job_id", existing.ID).
			Str("job_type", jobType).
			Str("status", string(existing.Status)).
			Msg("Job already exists, submission is a no-op")
		return existing, false, nil
	}

	msg := &models.JobMessage{
		JobID:      job.ID,
		JobType:    jobType,
		Stage:      job.CurrentStage,
		Parameters: params,
	}
	body, err := msg.ToJSON()
	if err != nil {
		return nil, false, err
	}
	if err := s.jobQueue.SendOne(ctx, body); err != nil {
		// The row exists but its trigger does not; the janitor will fail
		// the job if nothing ever picks it up.
		return nil, false, fmt.Errorf("failed to enqueue job trigger: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", jobType).
		Int("total_stages", job.TotalStages).
		Msg("Job submitted")
	return job, true, nil
}
