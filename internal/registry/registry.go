// -----------------------------------------------------------------------
// Registry - static job-type pipelines and task-type handlers
// -----------------------------------------------------------------------

package registry

import (
	"context"
	"fmt"

	"github.com/ternarybob/coremachine/internal/models"
)

// TaskHandler executes one task. Handlers are pure with respect to
// orchestration state: parameters in, result out. They must not touch the
// queue or job rows.
type TaskHandler func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)

// TaskSpec describes one task to create for a stage. Key is the semantic
// index (file name, ordinal, shard id) the deterministic task ID is derived
// from; retried generation produces the same IDs.
type TaskSpec struct {
	Key        string
	Type       string
	Parameters map[string]interface{}
}

// StageDef is one ordinal phase of a job type's pipeline.
type StageDef struct {
	Name string

	// TaskTypes declares every task type this stage's generator can emit.
	// Registry construction fails when any declared type lacks a handler.
	TaskTypes []string

	// GenerateTasks produces the stage's task specifications from the job
	// parameters and the previous stage's aggregated result (nil for stage
	// 1). Returning zero specs marks the stage trivially drained.
	GenerateTasks func(ctx context.Context, params map[string]interface{}, prev *models.StageResult) ([]TaskSpec, error)

	// Aggregate optionally merges the stage's task result payloads into
	// the stage result's data. When nil the default counts-plus-merge
	// aggregate applies; a stage result is never empty.
	Aggregate func(tasks []*models.Task) map[string]interface{}
}

// JobDefinition declares a job type's stage pipeline
type JobDefinition interface {
	Type() string
	Stages() []StageDef
}

// Registry is the immutable job-type and task-type lookup table, built once
// at process start. No dynamic registration.
type Registry struct {
	jobs     map[string]JobDefinition
	handlers map[string]TaskHandler
}

// New builds a registry from static definitions and fails fast on any
// inconsistency: duplicate types, empty pipelines, or a stage referencing a
// task type without a handler. A process with a broken registry must not
// start.
func New(defs []JobDefinition, handlers map[string]TaskHandler) (*Registry, error) {
	r := &Registry{
		jobs:     make(map[string]JobDefinition, len(defs)),
		handlers: make(map[string]TaskHandler, len(handlers)),
	}

	for taskType, handler := range handlers {
		if handler == nil {
			return nil, fmt.Errorf("nil handler registered for task type %q", taskType)
		}
		r.handlers[taskType] = handler
	}

	for _, def := range defs {
		if def == nil {
			return nil, fmt.Errorf("nil job definition")
		}
		jobType := def.Type()
		if jobType == "" {
			return nil, fmt.Errorf("job definition with empty type")
		}
		if _, exists := r.jobs[jobType]; exists {
			return nil, fmt.Errorf("duplicate job type %q", jobType)
		}

		stages := def.Stages()
		if len(stages) == 0 {
			return nil, fmt.Errorf("job type %q has no stages", jobType)
		}
		for i, stage := range stages {
			if stage.GenerateTasks == nil {
				return nil, fmt.Errorf("job type %q stage %d (%s) has no task generator", jobType, i+1, stage.Name)
			}
			if len(stage.TaskTypes) == 0 {
				return nil, fmt.Errorf("job type %q stage %d (%s) declares no task types", jobType, i+1, stage.Name)
			}
			for _, taskType := range stage.TaskTypes {
				if _, ok := r.handlers[taskType]; !ok {
					return nil, fmt.Errorf("job type %q stage %d (%s) references task type %q with no registered handler",
						jobType, i+1, stage.Name, taskType)
				}
			}
		}

		r.jobs[jobType] = def
	}

	return r, nil
}

// JobDefinition returns the pipeline for a job type
func (r *Registry) JobDefinition(jobType string) (JobDefinition, bool) {
	def, ok := r.jobs[jobType]
	return def, ok
}

// Handler returns the handler for a task type
func (r *Registry) Handler(taskType string) (TaskHandler, bool) {
	h, ok := r.handlers[taskType]
	return h, ok
}

// JobTypes returns the registered job type names
func (r *Registry) JobTypes() []string {
	types := make([]string, 0, len(r.jobs))
	for t := range r.jobs {
		types = append(types, t)
	}
	return types
}
