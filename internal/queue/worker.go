package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// JobHandler processes one delivered message. Handlers receive the full
// envelope so long-running jobs can extend their visibility by ID.
type JobHandler func(ctx context.Context, msg *QueueMessage) error

// WorkerPool manages a pool of workers that process queue messages
type WorkerPool struct {
	manager  *Manager
	config   Config
	handlers map[string]JobHandler
	logger   arbor.ILogger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(manager *Manager, config Config, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	if config.Concurrency <= 0 {
		config.Concurrency = NewDefaultConfig().Concurrency
	}
	if config.PollInterval <= 0 {
		config.PollInterval = NewDefaultConfig().PollInterval
	}

	return &WorkerPool{
		manager:  manager,
		config:   config,
		handlers: make(map[string]JobHandler),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler registers a job type handler. Must be called before
// Start; the handler map is not guarded afterwards.
func (wp *WorkerPool) RegisterHandler(jobType string, handler JobHandler) {
	wp.handlers[jobType] = handler
	wp.logger.Debug().
		Str("job_type", jobType).
		Msg("Job handler registered")
}

// Start starts the worker pool
func (wp *WorkerPool) Start() error {
	wp.logger.Info().
		Int("concurrency", wp.config.Concurrency).
		Dur("poll_interval", wp.config.PollInterval).
		Msg("Starting worker pool")

	for i := 0; i < wp.config.Concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	return nil
}

// Stop cancels the pool context and waits for in-flight handlers to
// return. Unacknowledged messages are redelivered after their
// visibility timeout, so a hard stop loses no work.
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().Msg("Stopping worker pool")
	wp.cancel()
	wp.wg.Wait()
	return nil
}

// worker is the main worker loop that processes messages
func (wp *WorkerPool) worker(workerID int) {
	defer wp.wg.Done()

	// Stagger worker starts to spread polling across the interval.
	staggerDelay := (wp.config.PollInterval / time.Duration(wp.config.Concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		select {
		case <-time.After(staggerDelay):
		case <-wp.ctx.Done():
			return
		}
	}

	wp.logger.Debug().
		Int("worker_id", workerID).
		Dur("stagger_delay", staggerDelay).
		Msg("Worker started")

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			if err := wp.processMessage(workerID); err != nil && !errors.Is(err, ErrNoMessage) {
				wp.logger.Warn().
					Err(err).
					Int("worker_id", workerID).
					Msg("Error processing message")
			}
		}
	}
}

// processMessage receives and processes a single message. A handler
// error leaves the message unacknowledged so the visibility timeout
// redelivers it; repeated failures end in the dead letter prefix.
func (wp *WorkerPool) processMessage(workerID int) error {
	msg, deleteFn, err := wp.manager.Receive(wp.ctx)
	if err != nil {
		if errors.Is(err, ErrNoMessage) {
			return err
		}
		return fmt.Errorf("failed to receive message: %w", err)
	}

	wp.logger.Debug().
		Str("message_id", msg.ID).
		Str("type", msg.Body.Type).
		Int("receive_count", msg.ReceiveCount).
		Int("worker_id", workerID).
		Msg("Processing message")

	handler, exists := wp.handlers[msg.Body.Type]
	if !exists {
		wp.logger.Error().
			Str("type", msg.Body.Type).
			Str("message_id", msg.ID).
			Msg("No handler registered for job type")
		// Nothing will ever be able to process it; drop it.
		if delErr := deleteFn(); delErr != nil {
			wp.logger.Warn().Err(delErr).Msg("Failed to delete unknown job type message")
		}
		return fmt.Errorf("no handler for job type: %s", msg.Body.Type)
	}

	startTime := time.Now()
	handlerErr := handler(wp.ctx, msg)
	duration := time.Since(startTime)

	if handlerErr != nil {
		wp.logger.Error().
			Err(handlerErr).
			Str("message_id", msg.ID).
			Str("type", msg.Body.Type).
			Dur("duration", duration).
			Int("worker_id", workerID).
			Msg("Job handler failed, message will be redelivered")
		return handlerErr
	}

	wp.logger.Info().
		Str("message_id", msg.ID).
		Str("type", msg.Body.Type).
		Dur("duration", duration).
		Int("worker_id", workerID).
		Msg("Job completed")

	if err := deleteFn(); err != nil {
		wp.logger.Warn().
			Err(err).
			Str("message_id", msg.ID).
			Msg("Failed to delete message after successful processing")
		return err
	}

	return nil
}
