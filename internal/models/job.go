// -----------------------------------------------------------------------
// Job - top-level unit of work, divided into sequential stages
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued              JobStatus = "queued"
	JobStatusProcessing          JobStatus = "processing"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusFailed              JobStatus = "failed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
)

// IsTerminal returns true for final job statuses. Terminal statuses never
// transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCompletedWithErrors:
		return true
	default:
		return false
	}
}

// Job represents a persisted orchestration job.
//
// The ID is derived deterministically from the job type and normalized
// parameters, so resubmitting identical parameters yields the same row.
// CurrentStage is 1-based and only ever increases. Exactly one stage is
// active at any time; tasks of earlier stages are immutable history.
type Job struct {
	ID           string                 `json:"id" badgerhold:"key"`
	Type         string                 `json:"type"`
	Status       JobStatus              `json:"status" badgerhold:"index"`
	CurrentStage int                    `json:"current_stage"`
	TotalStages  int                    `json:"total_stages"`
	Parameters   map[string]interface{} `json:"parameters"`
	StageResults map[int]*StageResult   `json:"stage_results,omitempty"`
	ResultData   map[string]interface{} `json:"result_data,omitempty"`
	ErrorDetails string                 `json:"error_details,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// NewJob creates a job row in its initial queued state. The caller supplies
// the deterministic ID (see common.JobID).
func NewJob(id, jobType string, totalStages int, params map[string]interface{}) *Job {
	if params == nil {
		params = make(map[string]interface{})
	}
	now := time.Now().UTC()
	return &Job{
		ID:           id,
		Type:         jobType,
		Status:       JobStatusQueued,
		CurrentStage: 1,
		TotalStages:  totalStages,
		Parameters:   params,
		StageResults: make(map[int]*StageResult),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsTerminal returns true if the job has reached a final status
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// StageResult returns the aggregated result of a stage, or nil if the stage
// has not been drained yet.
func (j *Job) StageResult(stage int) *StageResult {
	if j.StageResults == nil {
		return nil
	}
	return j.StageResults[stage]
}

// StageResult is the fan-in aggregate of one drained stage. It is persisted
// on the job when the stage advances and handed to the next stage's task
// generator as its previous-stage input.
type StageResult struct {
	Stage          int                    `json:"stage"`
	CompletedCount int                    `json:"completed_count"`
	FailedCount    int                    `json:"failed_count"`
	HadFailures    bool                   `json:"had_failures"`
	Failed         bool                   `json:"failed"` // no task succeeded; next stage has no usable input
	Data           map[string]interface{} `json:"data,omitempty"`
}

// JobCompletion is the read-only summary used by status queries and job
// finalization.
type JobCompletion struct {
	JobID          string               `json:"job_id"`
	JobType        string               `json:"job_type"`
	Status         JobStatus            `json:"status"`
	CurrentStage   int                  `json:"current_stage"`
	TotalStages    int                  `json:"total_stages"`
	TotalTasks     int                  `json:"total_tasks"`
	CompletedTasks int                  `json:"completed_tasks"`
	FailedTasks    int                  `json:"failed_tasks"`
	PendingTasks   int                  `json:"pending_tasks"`
	StageResults   map[int]*StageResult `json:"stage_results,omitempty"`
}
