// -----------------------------------------------------------------------
// Engine - stage orchestration over the job and task queues
// - Job messages fan a stage out into tasks (idempotent create + enqueue)
// - Task messages execute handlers and settle results
// - The last task to settle drains the stage and advances or finalizes
// -----------------------------------------------------------------------

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/coremachine/internal/common"
	"github.com/ternarybob/coremachine/internal/interfaces"
	"github.com/ternarybob/coremachine/internal/models"
	"github.com/ternarybob/coremachine/internal/registry"
	"golang.org/x/time/rate"
)

// Notification reports a job lifecycle transition to an optional observer.
// Every notification carries the full identifying context.
type Notification struct {
	JobID   string
	JobType string
	Status  models.JobStatus
	Stage   int
	Error   string
}

// Notifier receives job lifecycle notifications. Must not block.
type Notifier func(Notification)

// Engine drives jobs through their stage pipelines. It is stateless apart
// from configuration; every decision is derived from the store, so any
// number of engine instances can process the same queues.
type Engine struct {
	jobs      interfaces.JobStore
	tasks     interfaces.TaskStore
	jobQueue  interfaces.Queue
	taskQueue interfaces.Queue
	registry  *registry.Registry
	logger    arbor.ILogger
	limiter   *rate.Limiter
	notifier  Notifier

	maxRetries     int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	batchThreshold int
	maxBatchSize   int
}

// NewEngine creates an engine bound to its stores, queues, and registry
func NewEngine(
	jobs interfaces.JobStore,
	tasks interfaces.TaskStore,
	jobQueue interfaces.Queue,
	taskQueue interfaces.Queue,
	reg *registry.Registry,
	cfg *common.EngineConfig,
	logger arbor.ILogger,
) *Engine {
	e := &Engine{
		jobs:           jobs,
		tasks:          tasks,
		jobQueue:       jobQueue,
		taskQueue:      taskQueue,
		registry:       reg,
		logger:         logger,
		maxRetries:     cfg.MaxRetries,
		retryBaseDelay: common.Duration(cfg.RetryBaseDelay, 2*time.Second),
		retryMaxDelay:  common.Duration(cfg.RetryMaxDelay, 5*time.Minute),
		batchThreshold: cfg.BatchThreshold,
		maxBatchSize:   cfg.MaxBatchSize,
	}
	if e.batchThreshold <= 0 {
		e.batchThreshold = 10
	}
	if e.maxBatchSize <= 0 {
		e.maxBatchSize = 10
	}
	if cfg.EnqueueRatePerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.EnqueueRatePerSec), cfg.EnqueueRatePerSec)
	}
	return e
}

// SetNotifier installs an observer for job lifecycle transitions
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// notify dispatches asynchronously so a slow or panicking observer
// cannot stall or abort message processing.
func (e *Engine) notify(n Notification) {
	if e.notifier != nil {
		notifier := e.notifier
		common.SafeGo(e.logger, "engine.notify", func() {
			notifier(n)
		})
	}
}

// JobMessageHandler adapts the engine to the job queue's worker pool
func (e *Engine) JobMessageHandler() func(ctx context.Context, env *interfaces.Envelope) error {
	return func(ctx context.Context, env *interfaces.Envelope) error {
		msg, err := models.JobMessageFromJSON(env.Body)
		if err != nil {
			e.logger.Error().Err(err).Str("message_id", env.ID).Msg("Dropping undecodable job message")
			return fmt.Errorf("invalid job message: %w", err)
		}
		return e.HandleJobMessage(ctx, msg)
	}
}

// TaskMessageHandler adapts the engine to the task queue's worker pool
func (e *Engine) TaskMessageHandler() func(ctx context.Context, env *interfaces.Envelope) error {
	return func(ctx context.Context, env *interfaces.Envelope) error {
		msg, err := models.TaskMessageFromJSON(env.Body)
		if err != nil {
			e.logger.Error().Err(err).Str("message_id", env.ID).Msg("Dropping undecodable task message")
			return fmt.Errorf("invalid task message: %w", err)
		}
		return e.HandleTaskMessage(ctx, msg)
	}
}

// ----- Job message path -------------------------------------------------

// HandleJobMessage fans one stage of a job out into tasks. The whole path
// is idempotent: deterministic task IDs make redelivered or duplicate job
// messages recreate the same rows, and existing rows are left untouched.
func (e *Engine) HandleJobMessage(ctx context.Context, msg *models.JobMessage) error {
	log := e.logger.WithCorrelationId(msg.JobID)

	job, err := e.jobs.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			log.Error().Str("job_type", msg.JobType).Int("stage", msg.Stage).Msg("Job message references unknown job, dropping")
			return err
		}
		return models.Transient(err)
	}

	if job.IsTerminal() {
		log.Debug().Str("status", string(job.Status)).Msg("Ignoring job message for terminal job")
		return nil
	}
	if msg.Stage != job.CurrentStage {
		// Stage triggers are sent exactly when the job reaches the stage;
		// a mismatch is a redelivered message from an earlier stage.
		log.Debug().Int("message_stage", msg.Stage).Int("current_stage", job.CurrentStage).Msg("Ignoring stale stage trigger")
		return nil
	}

	def, ok := e.registry.JobDefinition(job.Type)
	if !ok {
		return e.failJob(ctx, job, msg.Stage, fmt.Sprintf("%v: %s", models.ErrUnknownJobType, job.Type))
	}
	stages := def.Stages()
	if msg.Stage < 1 || msg.Stage > len(stages) {
		return e.failJob(ctx, job, msg.Stage, fmt.Sprintf("stage %d out of range for %d-stage pipeline", msg.Stage, len(stages)))
	}
	stageDef := stages[msg.Stage-1]

	// The previous stage's aggregate feeds this stage's generator. It is
	// persisted before the stage trigger is sent, so a miss means the
	// store has not caught up; retry rather than guess.
	var prev *models.StageResult
	if msg.Stage > 1 {
		prev = job.StageResult(msg.Stage - 1)
		if prev == nil {
			return models.Transientf("stage %d result not yet visible for job %s", msg.Stage-1, job.ID)
		}
		if prev.Failed {
			return e.failJob(ctx, job, msg.Stage, fmt.Sprintf("stage %d produced no successful tasks", msg.Stage-1))
		}
	}

	specs, err := e.generateTasks(ctx, stageDef, job.Parameters, prev)
	if err != nil {
		if models.IsTransient(err) {
			return err
		}
		return e.failJob(ctx, job, msg.Stage, fmt.Sprintf("task generation failed for stage %d (%s): %v", msg.Stage, stageDef.Name, err))
	}

	if job.Status == models.JobStatusQueued {
		if err := e.jobs.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing); err != nil {
			return models.Transient(err)
		}
		e.notify(Notification{JobID: job.ID, JobType: job.Type, Status: models.JobStatusProcessing, Stage: msg.Stage})
	}

	if len(specs) == 0 {
		// Nothing to do for this stage; it is trivially drained.
		log.Info().Int("stage", msg.Stage).Str("stage_name", stageDef.Name).Msg("Stage generated no tasks, advancing")
		return e.onStageDrained(ctx, job.ID, msg.Stage)
	}

	tasks, err := e.buildTasks(job, msg.Stage, specs)
	if err != nil {
		return e.failJob(ctx, job, msg.Stage, err.Error())
	}

	log.Info().
		Str("job_type", job.Type).
		Int("stage", msg.Stage).
		Str("stage_name", stageDef.Name).
		Int("task_count", len(tasks)).
		Msg("Fanning stage out into tasks")

	return e.createAndEnqueue(ctx, job, msg.Stage, tasks)
}

// generateTasks invokes the stage generator with panic containment
func (e *Engine) generateTasks(ctx context.Context, stage registry.StageDef, params map[string]interface{}, prev *models.StageResult) (specs []registry.TaskSpec, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = models.Permanentf("task generator panic: %v", r)
		}
	}()
	return stage.GenerateTasks(ctx, params, prev)
}

// buildTasks materializes task rows from specs, rejecting generations the
// engine cannot execute: duplicate keys or task types without handlers.
func (e *Engine) buildTasks(job *models.Job, stage int, specs []registry.TaskSpec) ([]*models.Task, error) {
	tasks := make([]*models.Task, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if spec.Key == "" {
			return nil, fmt.Errorf("task spec with empty key in stage %d", stage)
		}
		if _, dup := seen[spec.Key]; dup {
			return nil, fmt.Errorf("duplicate task key %q in stage %d", spec.Key, stage)
		}
		seen[spec.Key] = struct{}{}
		if _, ok := e.registry.Handler(spec.Type); !ok {
			return nil, fmt.Errorf("%v: %s", models.ErrUnknownTaskType, spec.Type)
		}
		tasks = append(tasks, models.NewTask(common.TaskID(job.ID, stage, spec.Key), job.ID, spec.Type, stage, spec.Parameters))
	}
	return tasks, nil
}

// createAndEnqueue persists task rows and enqueues their messages. Rows are
// created before messages so a received message always finds its task. A
// task whose message cannot be enqueued is settled as failed (an orphan row
// would otherwise block the stage forever), and since that orphan may be
// the last task of the stage to settle, the drain check runs there too.
func (e *Engine) createAndEnqueue(ctx context.Context, job *models.Job, stage int, tasks []*models.Task) error {
	type pending struct {
		task *models.Task
		body []byte
	}
	toSend := make([]pending, 0, len(tasks))

	for _, task := range tasks {
		created, err := e.tasks.CreateTask(ctx, task)
		if err != nil {
			return models.Transient(err)
		}
		if !created {
			existing, err := e.tasks.GetTask(ctx, task.ID)
			if err != nil {
				return models.Transient(err)
			}
			if existing.IsTerminal() {
				continue
			}
			// Row exists but is not settled: re-enqueue. Duplicate
			// messages are harmless under at-least-once delivery.
		}

		msg := &models.TaskMessage{
			TaskID:     task.ID,
			JobID:      job.ID,
			TaskType:   task.Type,
			Stage:      stage,
			Parameters: task.Parameters,
		}
		body, err := msg.ToJSON()
		if err != nil {
			if ferr := e.settleOrphan(ctx, task.ID, fmt.Sprintf("failed to encode task message: %v", err)); ferr != nil {
				return ferr
			}
			continue
		}
		toSend = append(toSend, pending{task: task, body: body})
	}

	if len(toSend) == 0 {
		// Every row already existed in a terminal status (or was settled as
		// an orphan just now). The stage may be fully drained with its
		// advance lost to a crash, and no task message will ever arrive to
		// recover it, so the redelivered trigger runs the drain check.
		return e.recheckDrain(ctx, job.ID, stage)
	}

	useBatch := len(toSend) >= e.batchThreshold

	for start := 0; start < len(toSend); start += e.maxBatchSize {
		end := start + e.maxBatchSize
		if end > len(toSend) {
			end = len(toSend)
		}
		chunk := toSend[start:end]

		if err := e.waitEnqueue(ctx, len(chunk)); err != nil {
			return models.Transient(err)
		}

		if useBatch && len(chunk) > 1 {
			bodies := make([][]byte, len(chunk))
			for i, p := range chunk {
				bodies[i] = p.body
			}
			if err := e.taskQueue.SendBatch(ctx, bodies); err == nil {
				continue
			}
			// Batch failed as a unit; fall through to individual sends
			// for per-member error isolation.
		}

		for _, p := range chunk {
			if err := e.taskQueue.SendOne(ctx, p.body); err != nil {
				if ferr := e.settleOrphan(ctx, p.task.ID, fmt.Sprintf("failed to enqueue task message: %v", err)); ferr != nil {
					return ferr
				}
			}
		}
	}
	return nil
}

// settleOrphan fails a task that never made it onto the queue and runs the
// stage drain check, because the orphan may settle last.
func (e *Engine) settleOrphan(ctx context.Context, taskID, reason string) error {
	e.logger.Warn().Str("task_id", taskID).Str("reason", reason).Msg("Settling orphaned task as failed")

	res, err := e.tasks.FailTaskAndCheckStage(ctx, taskID, reason)
	if err != nil {
		return models.Transient(err)
	}
	if res.Updated && res.StageDrained {
		return e.onStageDrained(ctx, res.JobID, res.Stage)
	}
	return nil
}

func (e *Engine) waitEnqueue(ctx context.Context, n int) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.WaitN(ctx, n)
}

// ----- Task message path ------------------------------------------------

// HandleTaskMessage executes one task and settles its outcome. The drain
// check piggybacks on settlement: whichever settle call empties the stage
// triggers the advance.
func (e *Engine) HandleTaskMessage(ctx context.Context, msg *models.TaskMessage) error {
	log := e.logger.WithCorrelationId(msg.JobID)

	task, err := e.tasks.GetTask(ctx, msg.TaskID)
	if err != nil {
		if errors.Is(err, models.ErrTaskNotFound) {
			log.Error().Str("task_id", msg.TaskID).Msg("Task message references unknown task, dropping")
			return err
		}
		return models.Transient(err)
	}

	if task.IsTerminal() {
		// Duplicate delivery. The first delivery may have crashed between
		// settling and advancing, so recheck the drain before dropping.
		return e.recheckDrain(ctx, task.JobID, task.Stage)
	}

	job, err := e.jobs.GetJob(ctx, task.JobID)
	if err != nil {
		return models.Transient(err)
	}
	if job.IsTerminal() {
		// Parent already settled (janitor sweep or stage failure); this
		// task's result can no longer matter.
		if _, err := e.tasks.FailTaskAndCheckStage(ctx, task.ID, fmt.Sprintf("parent job %s is %s", job.ID, job.Status)); err != nil {
			return models.Transient(err)
		}
		return nil
	}

	handler, ok := e.registry.Handler(task.Type)
	if !ok {
		return e.settleOrphan(ctx, task.ID, fmt.Sprintf("%v: %s", models.ErrUnknownTaskType, task.Type))
	}

	started, err := e.tasks.MarkTaskProcessing(ctx, task.ID)
	if err != nil {
		return models.Transient(err)
	}
	if !started {
		return e.recheckDrain(ctx, task.JobID, task.Stage)
	}

	result, handlerErr := e.invokeHandler(ctx, handler, task.Parameters)
	if handlerErr != nil {
		return e.settleFailure(ctx, task, handlerErr)
	}

	res, err := e.tasks.CompleteTaskAndCheckStage(ctx, task.ID, result, "")
	if err != nil {
		return models.Transient(err)
	}
	log.Debug().
		Str("task_id", task.ID).
		Int("stage", task.Stage).
		Int("remaining", res.Remaining).
		Msg("Task completed")

	if res.Updated && res.StageDrained {
		return e.onStageDrained(ctx, res.JobID, res.Stage)
	}
	return nil
}

// invokeHandler runs a task handler with panic containment. A panicking
// handler is a permanent failure, not a worker crash.
func (e *Engine) invokeHandler(ctx context.Context, handler registry.TaskHandler, params map[string]interface{}) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = models.Permanentf("task handler panic: %v", r)
		}
	}()
	return handler(ctx, params)
}

// settleFailure applies the retry policy to a handler failure
func (e *Engine) settleFailure(ctx context.Context, task *models.Task, handlerErr error) error {
	log := e.logger.WithCorrelationId(task.JobID)
	decision := ClassifyTaskError(handlerErr, task.RetryCount, e.maxRetries, e.retryBaseDelay, e.retryMaxDelay)

	if decision.Retry {
		attempt, err := e.tasks.PrepareTaskRetry(ctx, task.ID, decision.Reason)
		if err != nil {
			return models.Transient(err)
		}

		msg := &models.TaskMessage{
			TaskID:     task.ID,
			JobID:      task.JobID,
			TaskType:   task.Type,
			Stage:      task.Stage,
			Parameters: task.Parameters,
		}
		body, err := msg.ToJSON()
		if err != nil {
			return models.Transient(err)
		}
		if err := e.waitEnqueue(ctx, 1); err != nil {
			return models.Transient(err)
		}
		if err := e.taskQueue.SendOneDelayed(ctx, body, decision.Delay); err != nil {
			// The task is back in queued; let the original message
			// redeliver and drive the retry instead.
			return models.Transient(err)
		}

		log.Warn().
			Str("task_id", task.ID).
			Int("stage", task.Stage).
			Int("attempt", attempt).
			Str("delay", decision.Delay.String()).
			Str("reason", decision.Reason).
			Msg("Task failed, retry scheduled")
		return nil
	}

	res, err := e.tasks.CompleteTaskAndCheckStage(ctx, task.ID, nil, decision.Reason)
	if err != nil {
		return models.Transient(err)
	}
	log.Warn().
		Str("task_id", task.ID).
		Int("stage", task.Stage).
		Int("remaining", res.Remaining).
		Str("reason", decision.Reason).
		Msg("Task failed terminally")

	if res.Updated && res.StageDrained {
		return e.onStageDrained(ctx, res.JobID, res.Stage)
	}
	return nil
}

// recheckDrain re-runs the drain check for a stage whose tasks are already
// settled. Settlement and advancement are separate writes; a crash between
// them leaves a fully settled stage that nothing would otherwise advance.
func (e *Engine) recheckDrain(ctx context.Context, jobID string, stage int) error {
	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			return nil
		}
		return models.Transient(err)
	}
	if job.IsTerminal() || job.CurrentStage != stage {
		return nil
	}

	tasks, err := e.tasks.ListTasksForStage(ctx, jobID, stage)
	if err != nil {
		return models.Transient(err)
	}
	for _, t := range tasks {
		if !t.IsTerminal() {
			return nil
		}
	}
	return e.onStageDrained(ctx, jobID, stage)
}

// ----- Stage advancement ------------------------------------------------

// onStageDrained aggregates the drained stage and advances the job, either
// enqueueing the next stage's trigger or finalizing. The advance itself is
// a compare-and-swap, so concurrent or repeated drain detections converge
// on exactly one transition.
func (e *Engine) onStageDrained(ctx context.Context, jobID string, stage int) error {
	log := e.logger.WithCorrelationId(jobID)

	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return models.Transient(err)
	}
	if job.IsTerminal() || job.CurrentStage != stage {
		return nil
	}

	def, ok := e.registry.JobDefinition(job.Type)
	if !ok {
		return e.failJob(ctx, job, stage, fmt.Sprintf("%v: %s", models.ErrUnknownJobType, job.Type))
	}

	tasks, err := e.tasks.ListTasksForStage(ctx, jobID, stage)
	if err != nil {
		return models.Transient(err)
	}

	var custom func([]*models.Task) map[string]interface{}
	if stage >= 1 && stage <= len(def.Stages()) {
		custom = def.Stages()[stage-1].Aggregate
	}
	result := BuildStageResult(stage, tasks, custom)

	adv, err := e.jobs.AdvanceJobStage(ctx, jobID, stage, result)
	if err != nil {
		return models.Transient(err)
	}
	if !adv.Updated {
		return nil
	}

	log.Info().
		Str("job_type", job.Type).
		Int("stage", stage).
		Int("completed", result.CompletedCount).
		Int("failed", result.FailedCount).
		Bool("final", adv.IsFinal).
		Msg("Stage drained")

	if adv.IsFinal {
		return e.finalize(ctx, job, result)
	}

	if result.Failed {
		return e.failJob(ctx, job, stage, fmt.Sprintf("stage %d produced no successful tasks", stage))
	}

	// Trigger the next stage. The stage result is already persisted, so a
	// crash after this send is safe: the trigger is redelivered, not lost.
	next := &models.JobMessage{
		JobID:      job.ID,
		JobType:    job.Type,
		Stage:      adv.NewStage,
		Parameters: job.Parameters,
	}
	body, err := next.ToJSON()
	if err != nil {
		return e.failJob(ctx, job, stage, fmt.Sprintf("failed to encode stage trigger: %v", err))
	}
	if err := e.waitEnqueue(ctx, 1); err != nil {
		return models.Transient(err)
	}
	if err := e.jobQueue.SendOne(ctx, body); err != nil {
		// Without the trigger the job would hang forever in a
		// non-terminal state; failing it is the honest outcome.
		return e.failJob(ctx, job, stage, fmt.Sprintf("failed to enqueue stage %d trigger: %v", adv.NewStage, err))
	}
	return nil
}

// finalize settles the job after its last stage drained
func (e *Engine) finalize(ctx context.Context, job *models.Job, lastStage *models.StageResult) error {
	if lastStage.Failed {
		return e.failJob(ctx, job, lastStage.Stage, fmt.Sprintf("stage %d produced no successful tasks", lastStage.Stage))
	}

	completion, err := e.tasks.CheckJobCompletion(ctx, job.ID)
	if err != nil {
		return models.Transient(err)
	}

	status := models.JobStatusCompleted
	if completion.FailedTasks > 0 {
		status = models.JobStatusCompletedWithErrors
	}

	resultData := map[string]interface{}{
		"stages":          job.TotalStages,
		"completed_tasks": completion.CompletedTasks,
		"failed_tasks":    completion.FailedTasks,
		"final_stage":     lastStage.Data,
	}
	if err := e.jobs.FinalizeJob(ctx, job.ID, status, resultData); err != nil {
		return models.Transient(err)
	}

	e.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", job.Type).
		Str("status", string(status)).
		Int("completed_tasks", completion.CompletedTasks).
		Int("failed_tasks", completion.FailedTasks).
		Msg("Job finished")
	e.notify(Notification{JobID: job.ID, JobType: job.Type, Status: status, Stage: job.TotalStages})
	return nil
}

// failJob terminally fails a job with full identifying context
func (e *Engine) failJob(ctx context.Context, job *models.Job, stage int, reason string) error {
	if err := e.jobs.FailJob(ctx, job.ID, job.Type, stage, reason); err != nil {
		return models.Transient(err)
	}
	if n, err := e.tasks.FailAllTasksForJob(ctx, job.ID, fmt.Sprintf("job failed: %s", reason)); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to settle remaining tasks of failed job")
	} else if n > 0 {
		e.logger.Debug().Str("job_id", job.ID).Int("count", n).Msg("Settled remaining tasks of failed job")
	}
	e.notify(Notification{JobID: job.ID, JobType: job.Type, Status: models.JobStatusFailed, Stage: stage, Error: reason})
	return nil
}
