package distcache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
)

const (
	defaultPipelineBatch  = 100
	defaultPipelineLinger = 100 * time.Millisecond
)

// queuedOp is one command waiting for the next coalesced round-trip. The
// enqueue function captures its own Cmd variables so the caller can read
// results after done fires.
type queuedOp struct {
	enqueue func(redis.Pipeliner)
	done    chan error
}

// pipelineProcessor batches individual commands into shared round-trips.
// A batch flushes when it reaches maxBatch ops or when the oldest queued
// op has waited for the linger duration.
type pipelineProcessor struct {
	client   *redis.Client
	ops      chan queuedOp
	maxBatch int
	linger   time.Duration
	logger   arbor.ILogger
}

func newPipelineProcessor(client *redis.Client, maxBatch int, linger time.Duration, logger arbor.ILogger) *pipelineProcessor {
	if maxBatch <= 0 {
		maxBatch = defaultPipelineBatch
	}
	if linger <= 0 {
		linger = defaultPipelineLinger
	}
	return &pipelineProcessor{
		client:   client,
		ops:      make(chan queuedOp, maxBatch*4),
		maxBatch: maxBatch,
		linger:   linger,
		logger:   logger,
	}
}

// submit queues the op and waits for its round-trip to complete.
func (pp *pipelineProcessor) submit(ctx context.Context, enqueue func(redis.Pipeliner)) error {
	op := queuedOp{enqueue: enqueue, done: make(chan error, 1)}
	select {
	case pp.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drains the op queue until ctx is cancelled, flushing any final batch.
func (pp *pipelineProcessor) run(ctx context.Context) {
	timer := time.NewTimer(pp.linger)
	if !timer.Stop() {
		<-timer.C
	}

	var batch []queuedOp
	for {
		select {
		case op := <-pp.ops:
			batch = append(batch, op)
			if len(batch) == 1 {
				timer.Reset(pp.linger)
			}
			if len(batch) >= pp.maxBatch {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				pp.flush(batch)
				batch = nil
			}
		case <-timer.C:
			if len(batch) > 0 {
				pp.flush(batch)
				batch = nil
			}
		case <-ctx.Done():
			if len(batch) > 0 {
				pp.flush(batch)
			}
			pp.drain()
			return
		}
	}
}

// flush executes one pipelined round-trip for the batch. Exec-level errors
// fan out to every op; per-command results live on the Cmds the enqueue
// closures captured.
func (pp *pipelineProcessor) flush(batch []queuedOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := pp.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, op := range batch {
			op.enqueue(p)
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		pp.logger.Warn().Err(err).Int("ops", len(batch)).Msg("Pipeline round-trip failed")
		for _, op := range batch {
			op.done <- err
		}
		return
	}
	for _, op := range batch {
		op.done <- nil
	}
}

// drain fails any ops that arrived after shutdown began.
func (pp *pipelineProcessor) drain() {
	for {
		select {
		case op := <-pp.ops:
			op.done <- context.Canceled
		default:
			return
		}
	}
}
