package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoMessage is returned when a queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// JobMessage triggers job-message handling for one stage of a job.
// Keep it simple - just enough to route and to recreate the stage's tasks.
type JobMessage struct {
	JobID      string                 `json:"job_id"`
	JobType    string                 `json:"job_type"`
	Stage      int                    `json:"stage"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// ToJSON serializes the job message for queue storage
func (m *JobMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job message: %w", err)
	}
	return data, nil
}

// JobMessageFromJSON deserializes a job message from queue storage
func JobMessageFromJSON(data []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job message: %w", err)
	}
	return &msg, nil
}

// TaskMessage triggers execution of a single task by a worker.
type TaskMessage struct {
	TaskID     string                 `json:"task_id"`
	JobID      string                 `json:"parent_job_id"`
	TaskType   string                 `json:"task_type"`
	Stage      int                    `json:"stage"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// ToJSON serializes the task message for queue storage
func (m *TaskMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task message: %w", err)
	}
	return data, nil
}

// TaskMessageFromJSON deserializes a task message from queue storage
func TaskMessageFromJSON(data []byte) (*TaskMessage, error) {
	var msg TaskMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task message: %w", err)
	}
	return &msg, nil
}
