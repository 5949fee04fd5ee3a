// -----------------------------------------------------------------------
// Demo Pipeline - builtin job type for smoke-testing the engine
// - Stage 1 fans out simulated work items with configurable delay/failure
// - Stage 2 rolls the stage 1 outputs into a single summary task
// -----------------------------------------------------------------------

package registry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ternarybob/coremachine/internal/models"
)

const (
	DemoJobType         = "demo_pipeline"
	demoTaskTypeWork    = "demo_work"
	demoTaskTypeSummary = "demo_summary"
)

// DemoDefinition is a two-stage pipeline driven entirely by job parameters:
//
//	task_count    - stage 1 fan-out width (default 5)
//	work_delay_ms - per-task simulated work time (default 100)
//	failure_rate  - probability a work task fails permanently (default 0)
//
// It exists so an empty deployment has something to run end to end.
type DemoDefinition struct{}

var _ JobDefinition = (*DemoDefinition)(nil)

func (d *DemoDefinition) Type() string { return DemoJobType }

func (d *DemoDefinition) Stages() []StageDef {
	return []StageDef{
		{
			Name:      "work",
			TaskTypes: []string{demoTaskTypeWork},
			GenerateTasks: func(ctx context.Context, params map[string]interface{}, prev *models.StageResult) ([]TaskSpec, error) {
				count := paramInt(params, "task_count", 5)
				if count < 0 {
					return nil, fmt.Errorf("task_count must be >= 0, got %d", count)
				}
				specs := make([]TaskSpec, 0, count)
				for i := 0; i < count; i++ {
					specs = append(specs, TaskSpec{
						Key:  fmt.Sprintf("work-%d", i),
						Type: demoTaskTypeWork,
						Parameters: map[string]interface{}{
							"index":         i,
							"work_delay_ms": paramInt(params, "work_delay_ms", 100),
							"failure_rate":  paramFloat(params, "failure_rate", 0),
						},
					})
				}
				return specs, nil
			},
		},
		{
			Name:      "summarize",
			TaskTypes: []string{demoTaskTypeSummary},
			GenerateTasks: func(ctx context.Context, params map[string]interface{}, prev *models.StageResult) ([]TaskSpec, error) {
				taskParams := map[string]interface{}{}
				if prev != nil {
					taskParams["completed"] = prev.CompletedCount
					taskParams["failed"] = prev.FailedCount
				}
				return []TaskSpec{{
					Key:        "summary",
					Type:       demoTaskTypeSummary,
					Parameters: taskParams,
				}}, nil
			},
		},
	}
}

// DemoHandlers returns the task handlers for the demo pipeline
func DemoHandlers() map[string]TaskHandler {
	return map[string]TaskHandler{
		demoTaskTypeWork:    demoWorkHandler,
		demoTaskTypeSummary: demoSummaryHandler,
	}
}

func demoWorkHandler(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	delay := time.Duration(paramInt(params, "work_delay_ms", 100)) * time.Millisecond
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, models.Transient(ctx.Err())
	}

	if rate := paramFloat(params, "failure_rate", 0); rate > 0 && rand.Float64() < rate {
		return nil, models.Permanentf("simulated failure for work item %d", paramInt(params, "index", 0))
	}

	return map[string]interface{}{
		"index":      paramInt(params, "index", 0),
		"elapsed_ms": delay.Milliseconds(),
	}, nil
}

func demoSummaryHandler(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{
		"summary":        fmt.Sprintf("%v completed, %v failed", params["completed"], params["failed"]),
		"summarized_at":  time.Now().UTC().Format(time.RFC3339),
		"work_completed": params["completed"],
		"work_failed":    params["failed"],
	}, nil
}

// paramInt reads an integer parameter, tolerating the float64 that JSON
// round-tripping produces
func paramInt(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func paramFloat(params map[string]interface{}, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}
