package badger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/coremachine/internal/models"
)

func seedStageTasks(t *testing.T, store *TaskStore, jobID string, stage, count int) []string {
	t.Helper()
	ctx := context.Background()

	ids := make([]string, count)
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("task-%s-%d-%d", jobID, stage, i)
		task := models.NewTask(id, jobID, "test_work", stage, nil)
		created, err := store.CreateTask(ctx, task)
		if err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
		if !created {
			t.Fatalf("expected task %s to be created", id)
		}
		ids[i] = id
	}
	return ids
}

func newTestTaskStore(t *testing.T) *TaskStore {
	t.Helper()
	return NewTaskStore(newTestDB(t), arbor.NewLogger()).(*TaskStore)
}

func TestCreateTaskIdempotent(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	task := models.NewTask("task-1", "job-1", "test_work", 1, map[string]interface{}{"k": "v"})
	created, err := store.CreateTask(ctx, task)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	created, err = store.CreateTask(ctx, models.NewTask("task-1", "job-1", "test_work", 1, nil))
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("duplicate create must report created=false")
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Parameters["k"] != "v" {
		t.Fatal("duplicate create overwrote the existing row")
	}
}

func TestMarkTaskProcessing(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()
	ids := seedStageTasks(t, store, "job-1", 1, 1)

	ok, err := store.MarkTaskProcessing(ctx, ids[0])
	if err != nil || !ok {
		t.Fatalf("queued -> processing: ok=%v err=%v", ok, err)
	}

	// Redelivery while processing must execute again
	ok, err = store.MarkTaskProcessing(ctx, ids[0])
	if err != nil || !ok {
		t.Fatalf("processing redelivery: ok=%v err=%v", ok, err)
	}

	if _, err := store.CompleteTaskAndCheckStage(ctx, ids[0], nil, ""); err != nil {
		t.Fatal(err)
	}

	// Terminal task is a duplicate delivery
	ok, err = store.MarkTaskProcessing(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("terminal task must not re-enter processing")
	}
}

func TestCompleteTaskAndCheckStage(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()
	ids := seedStageTasks(t, store, "job-1", 1, 3)

	for _, id := range ids {
		if _, err := store.MarkTaskProcessing(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	// Settle in an arbitrary order; only the last reports the drain
	res, err := store.CompleteTaskAndCheckStage(ctx, ids[2], map[string]interface{}{"x": 1}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Updated || res.StageDrained || res.Remaining != 2 {
		t.Fatalf("unexpected first settle: %+v", res)
	}
	if res.Status != models.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}

	res, err = store.CompleteTaskAndCheckStage(ctx, ids[0], nil, "handler exploded")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Updated || res.StageDrained || res.Status != models.TaskStatusFailed {
		t.Fatalf("unexpected failed settle: %+v", res)
	}

	res, err = store.CompleteTaskAndCheckStage(ctx, ids[1], nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Updated || !res.StageDrained || res.Remaining != 0 {
		t.Fatalf("last settle must drain the stage: %+v", res)
	}

	// Duplicate settle of an already-terminal task is not an error
	res, err = store.CompleteTaskAndCheckStage(ctx, ids[1], nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated {
		t.Fatal("duplicate settle must report Updated=false")
	}
}

func TestConcurrentSettleDrainsExactlyOnce(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()

	const n = 16
	ids := seedStageTasks(t, store, "job-1", 1, n)
	for _, id := range ids {
		if _, err := store.MarkTaskProcessing(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	drains := make(chan string, n)
	for _, id := range ids {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			res, err := store.CompleteTaskAndCheckStage(ctx, taskID, nil, "")
			if err != nil {
				t.Errorf("settle %s: %v", taskID, err)
				return
			}
			if res.Updated && res.StageDrained {
				drains <- taskID
			}
		}(id)
	}
	wg.Wait()
	close(drains)

	count := 0
	for range drains {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one drain detection, got %d", count)
	}
}

func TestFailTaskAndCheckStageFromQueued(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()
	ids := seedStageTasks(t, store, "job-1", 1, 2)

	// First task runs normally
	if _, err := store.MarkTaskProcessing(ctx, ids[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CompleteTaskAndCheckStage(ctx, ids[0], nil, ""); err != nil {
		t.Fatal(err)
	}

	// Second never got enqueued; the orphan settles last and must drain
	res, err := store.FailTaskAndCheckStage(ctx, ids[1], "failed to enqueue")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Updated || !res.StageDrained {
		t.Fatalf("orphan settle must drain: %+v", res)
	}
	if res.Status != models.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}

	got, _ := store.GetTask(ctx, ids[1])
	if got.ErrorDetails != "failed to enqueue" {
		t.Fatalf("reason not recorded: %q", got.ErrorDetails)
	}
}

func TestPrepareTaskRetry(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()
	ids := seedStageTasks(t, store, "job-1", 1, 1)

	if _, err := store.MarkTaskProcessing(ctx, ids[0]); err != nil {
		t.Fatal(err)
	}

	attempt, err := store.PrepareTaskRetry(ctx, ids[0], "timeout")
	if err != nil {
		t.Fatal(err)
	}
	if attempt != 1 {
		t.Fatalf("expected retry count 1, got %d", attempt)
	}

	got, _ := store.GetTask(ctx, ids[0])
	if got.Status != models.TaskStatusQueued {
		t.Fatalf("retry must return task to queued, got %s", got.Status)
	}
	if got.ErrorDetails != "timeout" {
		t.Fatalf("retry reason not recorded: %q", got.ErrorDetails)
	}
}

func TestFailAllTasksForJob(t *testing.T) {
	store := newTestTaskStore(t)
	ctx := context.Background()
	ids := seedStageTasks(t, store, "job-1", 1, 3)
	seedStageTasks(t, store, "job-2", 1, 1)

	if _, err := store.MarkTaskProcessing(ctx, ids[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := store.MarkTaskProcessing(ctx, ids[1]); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CompleteTaskAndCheckStage(ctx, ids[1], nil, ""); err != nil {
		t.Fatal(err)
	}

	failed, err := store.FailAllTasksForJob(ctx, "job-1", "janitor sweep")
	if err != nil {
		t.Fatal(err)
	}
	if failed != 2 {
		t.Fatalf("expected 2 tasks failed, got %d", failed)
	}

	// Completed task untouched, other job untouched
	got, _ := store.GetTask(ctx, ids[1])
	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("completed task was overwritten: %s", got.Status)
	}
	other, _ := store.GetTask(ctx, "task-job-2-1-0")
	if other.Status != models.TaskStatusQueued {
		t.Fatalf("unrelated job's task was touched: %s", other.Status)
	}
}

func TestCheckJobCompletion(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobStore(db, arbor.NewLogger())
	store := NewTaskStore(db, arbor.NewLogger()).(*TaskStore)
	ctx := context.Background()

	job := models.NewJob("job-1", "test_pipeline", 2, nil)
	if _, err := jobs.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	ids := seedStageTasks(t, store, "job-1", 1, 3)
	if _, err := store.MarkTaskProcessing(ctx, ids[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CompleteTaskAndCheckStage(ctx, ids[0], nil, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FailTaskAndCheckStage(ctx, ids[1], "boom"); err != nil {
		t.Fatal(err)
	}

	completion, err := store.CheckJobCompletion(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if completion.TotalTasks != 3 || completion.CompletedTasks != 1 || completion.FailedTasks != 1 || completion.PendingTasks != 1 {
		t.Fatalf("unexpected completion summary: %+v", completion)
	}
	if completion.JobType != "test_pipeline" || completion.TotalStages != 2 {
		t.Fatalf("completion missing job context: %+v", completion)
	}
}
