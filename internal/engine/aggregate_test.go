package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/coremachine/internal/models"
)

func settledTask(id string, status models.TaskStatus, data map[string]interface{}) *models.Task {
	task := models.NewTask(id, "job-1", "test_work", 1, nil)
	task.Status = status
	task.ResultData = data
	return task
}

func TestBuildStageResultDefault(t *testing.T) {
	tasks := []*models.Task{
		settledTask("a", models.TaskStatusCompleted, map[string]interface{}{"a": 1}),
		settledTask("b", models.TaskStatusCompleted, map[string]interface{}{"b": 2}),
		settledTask("c", models.TaskStatusFailed, nil),
	}

	result := BuildStageResult(1, tasks, nil)
	assert.Equal(t, 1, result.Stage)
	assert.Equal(t, 2, result.CompletedCount)
	assert.Equal(t, 1, result.FailedCount)
	assert.True(t, result.HadFailures)
	assert.False(t, result.Failed)

	require.NotNil(t, result.Data)
	assert.Equal(t, 2, result.Data["completed"])
	merged, ok := result.Data["results"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1, merged["a"])
	assert.Equal(t, 2, merged["b"])
}

func TestBuildStageResultAllFailed(t *testing.T) {
	tasks := []*models.Task{
		settledTask("a", models.TaskStatusFailed, nil),
		settledTask("b", models.TaskStatusFailed, nil),
	}
	result := BuildStageResult(2, tasks, nil)
	assert.True(t, result.Failed)
	assert.True(t, result.HadFailures)
}

func TestBuildStageResultEmptyStage(t *testing.T) {
	result := BuildStageResult(1, nil, nil)
	assert.False(t, result.Failed, "an empty stage is vacuously successful")
	assert.False(t, result.HadFailures)
	assert.NotNil(t, result.Data)
}

func TestBuildStageResultCustomAggregate(t *testing.T) {
	tasks := []*models.Task{
		settledTask("a", models.TaskStatusCompleted, map[string]interface{}{"n": 3}),
	}
	result := BuildStageResult(1, tasks, func(tasks []*models.Task) map[string]interface{} {
		return map[string]interface{}{"custom": len(tasks)}
	})
	assert.Equal(t, 1, result.Data["custom"])
	assert.Equal(t, 1, result.CompletedCount, "counts are engine-owned even with a custom aggregate")
}
