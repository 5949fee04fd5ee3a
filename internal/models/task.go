// -----------------------------------------------------------------------
// Task - unit of parallel work within a stage
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal returns true for final task statuses
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task represents one unit of parallel work within a job stage.
//
// The ID is a deterministic function of (parent job, stage, semantic key),
// so a retried creation or enqueue attempt maps onto the same row. Task
// rows are never deleted; non-active stages keep them as audit history.
type Task struct {
	ID           string                 `json:"id" badgerhold:"key"`
	JobID        string                 `json:"parent_job_id" badgerhold:"index"`
	Type         string                 `json:"type"`
	Stage        int                    `json:"stage"`
	Status       TaskStatus             `json:"status" badgerhold:"index"`
	Parameters   map[string]interface{} `json:"parameters"`
	ResultData   map[string]interface{} `json:"result_data,omitempty"`
	ErrorDetails string                 `json:"error_details,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// NewTask creates a task row in its initial queued state. The caller
// supplies the deterministic ID (see common.TaskID). The task's stage must
// equal the parent job's current stage at creation time.
func NewTask(id, jobID, taskType string, stage int, params map[string]interface{}) *Task {
	if params == nil {
		params = make(map[string]interface{})
	}
	now := time.Now().UTC()
	return &Task{
		ID:         id,
		JobID:      jobID,
		Type:       taskType,
		Stage:      stage,
		Status:     TaskStatusQueued,
		Parameters: params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsTerminal returns true if the task has reached a final status
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}
