package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/coremachine/internal/models"
)

// AdvanceResult reports the outcome of an AdvanceJobStage compare-and-swap
type AdvanceResult struct {
	Updated  bool // false: another process already advanced past currentStage
	NewStage int
	IsFinal  bool // currentStage was the last stage; caller finalizes instead
}

// CompleteResult reports the outcome of a settle-and-check operation
type CompleteResult struct {
	Updated      bool // false: task was not in an updatable status (duplicate delivery)
	StageDrained bool // all tasks of (JobID, Stage) reached a terminal status
	JobID        string
	Stage        int
	Remaining    int               // tasks of the stage still non-terminal
	Status       models.TaskStatus // task status after the call
}

// JobStore persists job rows. Status transitions are monotonic: terminal
// statuses are final and current_stage never decreases.
type JobStore interface {
	// CreateJob inserts a job row. Idempotent: if a row with the same ID
	// already exists the call is a no-op and returns created=false.
	CreateJob(ctx context.Context, job *models.Job) (created bool, err error)

	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// UpdateJobStatus applies a non-terminal status transition. Transitions
	// out of a terminal status are silently ignored.
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus) error

	// AdvanceJobStage atomically persists the stage result and increments
	// current_stage, compare-and-swapped against currentStage. Concurrent
	// or duplicate advances no-op with Updated=false. A failed stage
	// result is persisted without moving the pointer.
	AdvanceJobStage(ctx context.Context, jobID string, currentStage int, result *models.StageResult) (*AdvanceResult, error)

	// FinalizeJob moves the job to a terminal success status (completed or
	// completed_with_errors) with its final result payload.
	FinalizeJob(ctx context.Context, jobID string, status models.JobStatus, resultData map[string]interface{}) error

	// FailJob terminally fails the job. jobType, stage, and reason are
	// required so every failure carries full identifying context.
	FailJob(ctx context.Context, jobID, jobType string, stage int, reason string) error

	// GetStaleJobs returns non-terminal jobs whose updated_at is older than
	// the threshold. Used by the janitor sweep.
	GetStaleJobs(ctx context.Context, staleThreshold time.Duration) ([]*models.Job, error)

	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
}

// TaskStore persists task rows and owns the atomic completion-detection
// primitives. Settle-and-check operations are serialized per (job, stage)
// with a store-session advisory lock so concurrent completions never
// double-detect "last task". Task rows are never deleted.
type TaskStore interface {
	// CreateTask inserts a task row. Idempotent: an existing row with the
	// same deterministic ID is left untouched and returned created=false.
	CreateTask(ctx context.Context, task *models.Task) (created bool, err error)

	GetTask(ctx context.Context, taskID string) (*models.Task, error)

	// MarkTaskProcessing transitions queued -> processing. Returns false
	// when the task is already terminal (duplicate delivery); a task
	// already in processing returns true so an at-least-once redelivery
	// after a worker crash still executes.
	MarkTaskProcessing(ctx context.Context, taskID string) (bool, error)

	// PrepareTaskRetry increments retry_count and returns the task to
	// queued for redelivery. Returns the new retry count.
	PrepareTaskRetry(ctx context.Context, taskID, reason string) (int, error)

	// CompleteTaskAndCheckStage settles a processing task (completed when
	// errDetails is empty, failed otherwise) and checks the stage's
	// remaining count as one atomic unit. A task not in processing yields
	// Updated=false: duplicate delivery, not an error.
	CompleteTaskAndCheckStage(ctx context.Context, taskID string, result map[string]interface{}, errDetails string) (*CompleteResult, error)

	// FailTaskAndCheckStage settles a queued or processing task as failed
	// with the same drain check. Used for orphaned enqueues and registry
	// misses, where the task may never have reached processing - and may
	// be the last task of its stage to settle.
	FailTaskAndCheckStage(ctx context.Context, taskID, reason string) (*CompleteResult, error)

	// FailAllTasksForJob bulk-fails every non-terminal task of a job.
	// Returns the number of tasks failed.
	FailAllTasksForJob(ctx context.Context, jobID, reason string) (int, error)

	ListTasksForStage(ctx context.Context, jobID string, stage int) ([]*models.Task, error)

	ListTasksForJob(ctx context.Context, jobID string) ([]*models.Task, error)

	// CheckJobCompletion aggregates job and task state into a read-only
	// summary for status queries and finalization.
	CheckJobCompletion(ctx context.Context, jobID string) (*models.JobCompletion, error)
}
