package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/coremachine/internal/interfaces"
	"github.com/ternarybob/coremachine/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStore implements the JobStore interface for Badger. Job mutations are
// serialized per job ID through the connection's lock table so read-modify-
// write transitions stay atomic without optimistic retry loops.
type JobStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStore creates a new JobStore instance
func NewJobStore(db *BadgerDB, logger arbor.ILogger) interfaces.JobStore {
	return &JobStore{
		db:     db,
		logger: logger,
	}
}

func (s *JobStore) CreateJob(ctx context.Context, job *models.Job) (bool, error) {
	if job == nil || job.ID == "" {
		return false, fmt.Errorf("job ID is required")
	}

	if err := s.db.Store().Insert(job.ID, job); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create job: %w", err)
	}
	return true, nil
}

func (s *JobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus) error {
	unlock := s.db.locks.Lock(jobID)
	defer unlock()

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	// Terminal statuses are final; late transitions are duplicate work
	// from redelivered messages, not errors.
	if job.IsTerminal() {
		s.logger.Debug().
			Str("job_id", jobID).
			Str("status", string(job.Status)).
			Str("requested", string(status)).
			Msg("Ignoring status update on terminal job")
		return nil
	}

	job.Status = status
	job.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Update(jobID, job); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

func (s *JobStore) AdvanceJobStage(ctx context.Context, jobID string, currentStage int, result *models.StageResult) (*interfaces.AdvanceResult, error) {
	unlock := s.db.locks.Lock(jobID)
	defer unlock()

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// Compare-and-swap: only the caller holding the stage the job is
	// actually on may advance it. Duplicate drain detections no-op here.
	if job.IsTerminal() || job.CurrentStage != currentStage {
		return &interfaces.AdvanceResult{
			Updated:  false,
			NewStage: job.CurrentStage,
			IsFinal:  currentStage >= job.TotalStages,
		}, nil
	}

	if job.StageResults == nil {
		job.StageResults = make(map[int]*models.StageResult)
	}
	job.StageResults[currentStage] = result
	job.UpdatedAt = time.Now().UTC()

	// A failed stage persists its result but never moves the pointer;
	// the job must not advance past a stage with no usable output.
	isFinal := currentStage >= job.TotalStages
	if !isFinal && !result.Failed {
		job.CurrentStage = currentStage + 1
	}

	if err := s.db.Store().Update(jobID, job); err != nil {
		return nil, fmt.Errorf("failed to advance job stage: %w", err)
	}

	return &interfaces.AdvanceResult{
		Updated:  true,
		NewStage: job.CurrentStage,
		IsFinal:  isFinal,
	}, nil
}

func (s *JobStore) FinalizeJob(ctx context.Context, jobID string, status models.JobStatus, resultData map[string]interface{}) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize requires a terminal status, got %s", status)
	}

	unlock := s.db.locks.Lock(jobID)
	defer unlock()

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	job.Status = status
	job.ResultData = resultData
	job.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Update(jobID, job); err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}
	return nil
}

func (s *JobStore) FailJob(ctx context.Context, jobID, jobType string, stage int, reason string) error {
	unlock := s.db.locks.Lock(jobID)
	defer unlock()

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	job.Status = models.JobStatusFailed
	job.ErrorDetails = reason
	job.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Update(jobID, job); err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	s.logger.Warn().
		Str("job_id", jobID).
		Str("job_type", jobType).
		Int("stage", stage).
		Str("reason", reason).
		Msg("Job failed")
	return nil
}

func (s *JobStore) GetStaleJobs(ctx context.Context, staleThreshold time.Duration) ([]*models.Job, error) {
	cutoff := time.Now().UTC().Add(-staleThreshold)

	var jobs []models.Job
	query := badgerhold.Where("Status").
		In(models.JobStatusQueued, models.JobStatusProcessing).
		And("UpdatedAt").Lt(cutoff)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query stale jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(status).SortBy("CreatedAt").Reverse()); err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}
