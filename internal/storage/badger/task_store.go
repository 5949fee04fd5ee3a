package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/coremachine/internal/interfaces"
	"github.com/ternarybob/coremachine/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// TaskStore implements the TaskStore interface for Badger. The settle-and-
// check operations serialize on a (job, stage) advisory lock, so among
// concurrent settlers exactly one observes the stage's remaining count hit
// zero with Updated=true.
type TaskStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTaskStore creates a new TaskStore instance
func NewTaskStore(db *BadgerDB, logger arbor.ILogger) interfaces.TaskStore {
	return &TaskStore{
		db:     db,
		logger: logger,
	}
}

func stageLockKey(jobID string, stage int) string {
	return fmt.Sprintf("stage:%s:%d", jobID, stage)
}

func (s *TaskStore) CreateTask(ctx context.Context, task *models.Task) (bool, error) {
	if task == nil || task.ID == "" {
		return false, fmt.Errorf("task ID is required")
	}
	if task.JobID == "" {
		return false, fmt.Errorf("task parent job ID is required")
	}

	if err := s.db.Store().Insert(task.ID, task); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create task: %w", err)
	}
	return true, nil
}

func (s *TaskStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	if err := s.db.Store().Get(taskID, &task); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

func (s *TaskStore) MarkTaskProcessing(ctx context.Context, taskID string) (bool, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}

	unlock := s.db.locks.Lock(stageLockKey(task.JobID, task.Stage))
	defer unlock()

	task, err = s.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}

	// Terminal tasks are duplicate deliveries. A task already in
	// processing is a redelivery after a worker crash and must run again.
	if task.IsTerminal() {
		return false, nil
	}
	if task.Status == models.TaskStatusProcessing {
		return true, nil
	}

	task.Status = models.TaskStatusProcessing
	task.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Update(taskID, task); err != nil {
		return false, fmt.Errorf("failed to mark task processing: %w", err)
	}
	return true, nil
}

func (s *TaskStore) PrepareTaskRetry(ctx context.Context, taskID, reason string) (int, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}

	unlock := s.db.locks.Lock(stageLockKey(task.JobID, task.Stage))
	defer unlock()

	task, err = s.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if task.IsTerminal() {
		return task.RetryCount, nil
	}

	task.Status = models.TaskStatusQueued
	task.RetryCount++
	task.ErrorDetails = reason
	task.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Update(taskID, task); err != nil {
		return 0, fmt.Errorf("failed to prepare task retry: %w", err)
	}
	return task.RetryCount, nil
}

func (s *TaskStore) CompleteTaskAndCheckStage(ctx context.Context, taskID string, result map[string]interface{}, errDetails string) (*interfaces.CompleteResult, error) {
	return s.settleAndCheck(ctx, taskID, result, errDetails, false)
}

func (s *TaskStore) FailTaskAndCheckStage(ctx context.Context, taskID, reason string) (*interfaces.CompleteResult, error) {
	if reason == "" {
		reason = "task failed"
	}
	return s.settleAndCheck(ctx, taskID, nil, reason, true)
}

// settleAndCheck moves a task to its terminal status and counts the
// stage's remaining non-terminal tasks in one critical section. fromQueued
// additionally permits settling a task that never reached processing
// (orphaned enqueue, registry miss).
func (s *TaskStore) settleAndCheck(ctx context.Context, taskID string, result map[string]interface{}, errDetails string, fromQueued bool) (*interfaces.CompleteResult, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	unlock := s.db.locks.Lock(stageLockKey(task.JobID, task.Stage))
	defer unlock()

	task, err = s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	updatable := task.Status == models.TaskStatusProcessing ||
		(fromQueued && task.Status == models.TaskStatusQueued)
	if !updatable {
		return &interfaces.CompleteResult{
			Updated: false,
			JobID:   task.JobID,
			Stage:   task.Stage,
			Status:  task.Status,
		}, nil
	}

	if errDetails == "" {
		task.Status = models.TaskStatusCompleted
		task.ResultData = result
	} else {
		task.Status = models.TaskStatusFailed
		task.ErrorDetails = errDetails
	}
	task.UpdatedAt = time.Now().UTC()

	if err := s.db.Store().Update(taskID, task); err != nil {
		return nil, fmt.Errorf("failed to settle task: %w", err)
	}

	remaining, err := s.countRemaining(task.JobID, task.Stage)
	if err != nil {
		return nil, err
	}

	return &interfaces.CompleteResult{
		Updated:      true,
		StageDrained: remaining == 0,
		JobID:        task.JobID,
		Stage:        task.Stage,
		Remaining:    remaining,
		Status:       task.Status,
	}, nil
}

func (s *TaskStore) countRemaining(jobID string, stage int) (int, error) {
	query := badgerhold.Where("JobID").Eq(jobID).Index("JobID").
		And("Stage").Eq(stage).
		And("Status").In(models.TaskStatusQueued, models.TaskStatusProcessing)
	count, err := s.db.Store().Count(&models.Task{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count remaining tasks: %w", err)
	}
	return int(count), nil
}

func (s *TaskStore) FailAllTasksForJob(ctx context.Context, jobID, reason string) (int, error) {
	var tasks []models.Task
	query := badgerhold.Where("JobID").Eq(jobID).Index("JobID").
		And("Status").In(models.TaskStatusQueued, models.TaskStatusProcessing)
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return 0, fmt.Errorf("failed to query tasks for job: %w", err)
	}

	failed := 0
	now := time.Now().UTC()
	for i := range tasks {
		unlock := s.db.locks.Lock(stageLockKey(jobID, tasks[i].Stage))

		var task models.Task
		if err := s.db.Store().Get(tasks[i].ID, &task); err != nil {
			unlock()
			return failed, fmt.Errorf("failed to get task %s: %w", tasks[i].ID, err)
		}
		if task.IsTerminal() {
			unlock()
			continue
		}

		task.Status = models.TaskStatusFailed
		task.ErrorDetails = reason
		task.UpdatedAt = now
		if err := s.db.Store().Update(task.ID, &task); err != nil {
			unlock()
			return failed, fmt.Errorf("failed to fail task %s: %w", task.ID, err)
		}
		unlock()
		failed++
	}
	return failed, nil
}

func (s *TaskStore) ListTasksForStage(ctx context.Context, jobID string, stage int) ([]*models.Task, error) {
	var tasks []models.Task
	query := badgerhold.Where("JobID").Eq(jobID).Index("JobID").
		And("Stage").Eq(stage).
		SortBy("CreatedAt")
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list tasks for stage: %w", err)
	}

	result := make([]*models.Task, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result, nil
}

func (s *TaskStore) ListTasksForJob(ctx context.Context, jobID string) ([]*models.Task, error) {
	var tasks []models.Task
	query := badgerhold.Where("JobID").Eq(jobID).Index("JobID").SortBy("Stage", "CreatedAt")
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list tasks for job: %w", err)
	}

	result := make([]*models.Task, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result, nil
}

func (s *TaskStore) CheckJobCompletion(ctx context.Context, jobID string) (*models.JobCompletion, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	tasks, err := s.ListTasksForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	completion := &models.JobCompletion{
		JobID:        job.ID,
		JobType:      job.Type,
		Status:       job.Status,
		CurrentStage: job.CurrentStage,
		TotalStages:  job.TotalStages,
		TotalTasks:   len(tasks),
		StageResults: job.StageResults,
	}
	for _, task := range tasks {
		switch task.Status {
		case models.TaskStatusCompleted:
			completion.CompletedTasks++
		case models.TaskStatusFailed:
			completion.FailedTasks++
		default:
			completion.PendingTasks++
		}
	}
	return completion, nil
}
