// -----------------------------------------------------------------------
// Stage fan-in - aggregate a drained stage's tasks into a StageResult
// -----------------------------------------------------------------------

package engine

import (
	"github.com/ternarybob/coremachine/internal/models"
)

// BuildStageResult folds a drained stage's tasks into the aggregate handed
// to the next stage's generator. When custom is nil the default aggregate
// applies: completion counts plus the merged result payloads of successful
// tasks. A stage result is never nil, even for an empty stage.
//
// Failed is set when the stage had tasks and none succeeded; the pipeline
// cannot continue past a stage that produced no usable output. An empty
// stage is vacuously successful.
func BuildStageResult(stage int, tasks []*models.Task, custom func([]*models.Task) map[string]interface{}) *models.StageResult {
	result := &models.StageResult{Stage: stage}

	for _, task := range tasks {
		switch task.Status {
		case models.TaskStatusCompleted:
			result.CompletedCount++
		case models.TaskStatusFailed:
			result.FailedCount++
		}
	}
	result.HadFailures = result.FailedCount > 0
	result.Failed = len(tasks) > 0 && result.CompletedCount == 0

	if custom != nil {
		result.Data = custom(tasks)
	} else {
		result.Data = defaultAggregate(tasks)
	}
	return result
}

// defaultAggregate merges the result payloads of completed tasks, later
// tasks winning key collisions, alongside the counts.
func defaultAggregate(tasks []*models.Task) map[string]interface{} {
	merged := make(map[string]interface{})
	completed := 0
	failed := 0
	for _, task := range tasks {
		switch task.Status {
		case models.TaskStatusCompleted:
			completed++
			for k, v := range task.ResultData {
				merged[k] = v
			}
		case models.TaskStatusFailed:
			failed++
		}
	}
	return map[string]interface{}{
		"completed": completed,
		"failed":    failed,
		"results":   merged,
	}
}
