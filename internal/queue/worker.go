package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/coremachine/internal/interfaces"
	"github.com/ternarybob/coremachine/internal/models"
)

// HandlerFunc processes one received message. Returning a transient error
// leaves the message unacknowledged so the visibility timeout redelivers
// it; any other outcome acknowledges the message.
type HandlerFunc func(ctx context.Context, env *interfaces.Envelope) error

// WorkerPool polls a queue with a fixed number of workers
type WorkerPool struct {
	name         string
	queue        interfaces.Queue
	handler      HandlerFunc
	concurrency  int
	pollInterval time.Duration
	logger       arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a worker pool for one queue
func NewWorkerPool(name string, q interfaces.Queue, handler HandlerFunc, concurrency int, pollInterval time.Duration, logger arbor.ILogger) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &WorkerPool{
		name:         name,
		queue:        q,
		handler:      handler,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Start launches the worker goroutines
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx, wp.cancel = context.WithCancel(ctx)

	wp.logger.Info().
		Str("pool", wp.name).
		Int("concurrency", wp.concurrency).
		Str("poll_interval", wp.pollInterval.String()).
		Msg("Starting worker pool")

	for i := 0; i < wp.concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop cancels the workers and waits for in-flight messages to finish
func (wp *WorkerPool) Stop() {
	if wp.cancel != nil {
		wp.cancel()
	}
	wp.wg.Wait()
	wp.logger.Info().Str("pool", wp.name).Msg("Worker pool stopped")
}

func (wp *WorkerPool) worker(workerID int) {
	defer wp.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Str("pool", wp.name).
				Int("worker_id", workerID).
				Str("panic", panicString(r)).
				Msg("Worker exited on panic")
		}
	}()

	// Stagger worker starts to reduce lock contention on the shared store
	stagger := (wp.pollInterval / time.Duration(wp.concurrency)) * time.Duration(workerID)
	if stagger > 0 {
		select {
		case <-wp.ctx.Done():
			return
		case <-time.After(stagger):
		}
	}

	wp.logger.Debug().
		Str("pool", wp.name).
		Int("worker_id", workerID).
		Msg("Worker started")

	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Str("pool", wp.name).
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return
		case <-ticker.C:
			wp.drain(workerID)
		}
	}
}

// drain processes messages until the queue is empty or the pool stops
func (wp *WorkerPool) drain(workerID int) {
	for {
		if wp.ctx.Err() != nil {
			return
		}
		if !wp.processOne(workerID) {
			return
		}
	}
}

// processOne receives and handles a single message. Returns false when the
// queue is empty or receive failed.
func (wp *WorkerPool) processOne(workerID int) bool {
	env, ack, err := wp.queue.Receive(wp.ctx)
	if err != nil {
		if !errors.Is(err, models.ErrNoMessage) {
			wp.logger.Warn().
				Err(err).
				Str("pool", wp.name).
				Int("worker_id", workerID).
				Msg("Failed to receive message")
		}
		return false
	}

	start := time.Now()
	handlerErr := wp.handler(wp.ctx, env)
	duration := time.Since(start)

	if handlerErr != nil {
		if models.IsTransient(handlerErr) {
			// No ack: the visibility timeout will redeliver, and the
			// max-receive guard dead-letters a persistent offender.
			wp.logger.Warn().
				Err(handlerErr).
				Str("pool", wp.name).
				Str("message_id", env.ID).
				Int("receive_count", env.ReceiveCount).
				Int64("duration_ms", duration.Milliseconds()).
				Int("worker_id", workerID).
				Msg("Transient handler failure, leaving message for redelivery")
			return true
		}

		// Non-transient failures are already settled against the store by
		// the handler; redelivering the message would change nothing.
		wp.logger.Error().
			Err(handlerErr).
			Str("pool", wp.name).
			Str("message_id", env.ID).
			Dur("duration", duration).
			Int("worker_id", workerID).
			Msg("Handler failed, acknowledging message")
	} else {
		wp.logger.Debug().
			Str("pool", wp.name).
			Str("message_id", env.ID).
			Dur("duration", duration).
			Int("worker_id", workerID).
			Msg("Message processed")
	}

	if err := ack(); err != nil {
		wp.logger.Warn().
			Err(err).
			Str("pool", wp.name).
			Str("message_id", env.ID).
			Msg("Failed to acknowledge message")
	}
	return true
}

func panicString(r interface{}) string {
	return fmt.Sprintf("%v", r)
}
