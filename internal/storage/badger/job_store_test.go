package badger

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/coremachine/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	options := badgerhold.DefaultOptions
	options.Dir = t.TempDir()
	options.ValueDir = options.Dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	return &BadgerDB{
		store:  store,
		locks:  newKeyedMutex(),
		logger: arbor.NewLogger(),
	}
}

func TestCreateJobIdempotent(t *testing.T) {
	db := newTestDB(t)
	store := NewJobStore(db, arbor.NewLogger())
	ctx := context.Background()

	job := models.NewJob("job-1", "test_pipeline", 2, map[string]interface{}{"n": 3})

	created, err := store.CreateJob(ctx, job)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if !created {
		t.Fatal("expected first create to report created=true")
	}

	// Second create with the same ID must be a no-op
	dup := models.NewJob("job-1", "test_pipeline", 2, map[string]interface{}{"n": 99})
	created, err = store.CreateJob(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate CreateJob failed: %v", err)
	}
	if created {
		t.Fatal("expected duplicate create to report created=false")
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Parameters["n"] != float64(3) && got.Parameters["n"] != 3 {
		t.Fatalf("duplicate create overwrote parameters: %v", got.Parameters["n"])
	}
	if got.Status != models.JobStatusQueued {
		t.Fatalf("expected queued status, got %s", got.Status)
	}
}

func TestUpdateJobStatusTerminalIsFinal(t *testing.T) {
	db := newTestDB(t)
	store := NewJobStore(db, arbor.NewLogger())
	ctx := context.Background()

	job := models.NewJob("job-1", "test_pipeline", 1, nil)
	if _, err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	if err := store.FailJob(ctx, "job-1", "test_pipeline", 1, "boom"); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}

	// A terminal job must ignore further transitions
	if err := store.UpdateJobStatus(ctx, "job-1", models.JobStatusProcessing); err != nil {
		t.Fatalf("UpdateJobStatus on terminal job errored: %v", err)
	}
	got, _ := store.GetJob(ctx, "job-1")
	if got.Status != models.JobStatusFailed {
		t.Fatalf("terminal status was overwritten: %s", got.Status)
	}
	if got.ErrorDetails != "boom" {
		t.Fatalf("expected error details preserved, got %q", got.ErrorDetails)
	}
}

func TestAdvanceJobStage(t *testing.T) {
	db := newTestDB(t)
	store := NewJobStore(db, arbor.NewLogger())
	ctx := context.Background()

	job := models.NewJob("job-1", "test_pipeline", 3, nil)
	if _, err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	result := &models.StageResult{Stage: 1, CompletedCount: 2}
	adv, err := store.AdvanceJobStage(ctx, "job-1", 1, result)
	if err != nil {
		t.Fatalf("AdvanceJobStage failed: %v", err)
	}
	if !adv.Updated || adv.NewStage != 2 || adv.IsFinal {
		t.Fatalf("unexpected advance result: %+v", adv)
	}

	// Duplicate advance for the already-passed stage must no-op
	adv, err = store.AdvanceJobStage(ctx, "job-1", 1, result)
	if err != nil {
		t.Fatal(err)
	}
	if adv.Updated {
		t.Fatal("duplicate advance must not update")
	}
	if adv.NewStage != 2 {
		t.Fatalf("expected current stage 2, got %d", adv.NewStage)
	}

	got, _ := store.GetJob(ctx, "job-1")
	if got.CurrentStage != 2 {
		t.Fatalf("expected stage 2, got %d", got.CurrentStage)
	}
	if got.StageResult(1) == nil || got.StageResult(1).CompletedCount != 2 {
		t.Fatal("stage 1 result not persisted")
	}

	// Advancing the last stage reports final without incrementing
	if _, err := store.AdvanceJobStage(ctx, "job-1", 2, &models.StageResult{Stage: 2}); err != nil {
		t.Fatal(err)
	}
	adv, err = store.AdvanceJobStage(ctx, "job-1", 3, &models.StageResult{Stage: 3, CompletedCount: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !adv.Updated || !adv.IsFinal {
		t.Fatalf("expected final advance, got %+v", adv)
	}
	got, _ = store.GetJob(ctx, "job-1")
	if got.CurrentStage != 3 {
		t.Fatalf("final advance must not move past last stage, got %d", got.CurrentStage)
	}
}

func TestAdvanceJobStagePersistsNestedResultData(t *testing.T) {
	db := newTestDB(t)
	store := NewJobStore(db, arbor.NewLogger())
	ctx := context.Background()

	job := models.NewJob("job-1", "test_pipeline", 2, nil)
	if _, err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	// The default fan-in aggregate nests maps and slices inside interface
	// fields; the whole shape must survive a store round trip.
	result := &models.StageResult{
		Stage:          1,
		CompletedCount: 2,
		Data: map[string]interface{}{
			"completed": 2,
			"results": map[string]interface{}{
				"a":    1,
				"tags": []interface{}{"x", "y"},
			},
		},
	}
	if _, err := store.AdvanceJobStage(ctx, "job-1", 1, result); err != nil {
		t.Fatalf("AdvanceJobStage with nested payload failed: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	data := got.StageResult(1).Data
	if data == nil {
		t.Fatal("stage result data not persisted")
	}
	merged, ok := data["results"].(map[string]interface{})
	if !ok {
		t.Fatalf("nested map not round-tripped: %T", data["results"])
	}
	if merged["a"] != 1 {
		t.Fatalf("nested value lost: %v", merged["a"])
	}
	tags, ok := merged["tags"].([]interface{})
	if !ok || len(tags) != 2 {
		t.Fatalf("nested slice not round-tripped: %v", merged["tags"])
	}
}

func TestFinalizeJobIdempotent(t *testing.T) {
	db := newTestDB(t)
	store := NewJobStore(db, arbor.NewLogger())
	ctx := context.Background()

	job := models.NewJob("job-1", "test_pipeline", 1, nil)
	if _, err := store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	if err := store.FinalizeJob(ctx, "job-1", models.JobStatusProcessing, nil); err == nil {
		t.Fatal("finalize with non-terminal status must fail")
	}

	data := map[string]interface{}{"answer": 42}
	if err := store.FinalizeJob(ctx, "job-1", models.JobStatusCompleted, data); err != nil {
		t.Fatalf("FinalizeJob failed: %v", err)
	}
	// Second finalize is a no-op, not a conflict
	if err := store.FinalizeJob(ctx, "job-1", models.JobStatusFailed, nil); err != nil {
		t.Fatalf("repeat finalize errored: %v", err)
	}

	got, _ := store.GetJob(ctx, "job-1")
	if got.Status != models.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.ResultData == nil {
		t.Fatal("result data not persisted")
	}
}

func TestGetStaleJobs(t *testing.T) {
	db := newTestDB(t)
	store := NewJobStore(db, arbor.NewLogger())
	ctx := context.Background()

	stale := models.NewJob("job-stale", "test_pipeline", 1, nil)
	stale.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	if _, err := store.CreateJob(ctx, stale); err != nil {
		t.Fatal(err)
	}

	fresh := models.NewJob("job-fresh", "test_pipeline", 1, nil)
	if _, err := store.CreateJob(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	done := models.NewJob("job-done", "test_pipeline", 1, nil)
	done.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	done.Status = models.JobStatusCompleted
	if _, err := store.CreateJob(ctx, done); err != nil {
		t.Fatal(err)
	}

	jobs, err := store.GetStaleJobs(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("GetStaleJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-stale" {
		ids := make([]string, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		t.Fatalf("expected only job-stale, got %v", ids)
	}
}

func TestListJobsByStatus(t *testing.T) {
	db := newTestDB(t)
	store := NewJobStore(db, arbor.NewLogger())
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := store.CreateJob(ctx, models.NewJob(id, "test_pipeline", 1, nil)); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.UpdateJobStatus(ctx, "b", models.JobStatusProcessing); err != nil {
		t.Fatal(err)
	}

	queued, err := store.ListJobsByStatus(ctx, models.JobStatusQueued)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].ID != "a" {
		t.Fatalf("unexpected queued jobs: %d", len(queued))
	}
}
