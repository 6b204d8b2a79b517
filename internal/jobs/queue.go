package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/acervo-ai/acervo-backend/internal/apperr"
)

// Job identifies a document awaiting processing.
type Job struct {
	WorkspaceID uuid.UUID
	DocumentID  uuid.UUID
}

// Queue is a bounded in-process job queue. A full queue rejects instead of
// blocking the HTTP handler.
type Queue struct {
	ch chan Job
}

// NewQueue creates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{ch: make(chan Job, capacity)}
}

// Enqueue adds a job without blocking. SERVICE_UNAVAILABLE signals the
// caller to retry later.
func (q *Queue) Enqueue(job Job) error {
	select {
	case q.ch <- job:
		return nil
	default:
		return apperr.Unavailable("job queue is full")
	}
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int { return len(q.ch) }

// Pool drains the queue with a fixed set of workers.
type Pool struct {
	queue     *Queue
	processor *Processor
	workers   int
}

// NewPool creates a worker pool.
func NewPool(queue *Queue, processor *Processor, workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{queue: queue, processor: processor, workers: workers}
}

// Run blocks until ctx is cancelled. Jobs in flight finish; queued jobs are
// abandoned on shutdown and stay PENDING for the next boot.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case job := <-p.queue.ch:
					if err := p.processor.Process(gctx, job); err != nil {
						if apperr.IsCode(err, apperr.CodeConflict) {
							// Another worker claimed it first.
							continue
						}
						if errors.Is(err, context.Canceled) {
							return gctx.Err()
						}
						slog.Error("job processing failed",
							"worker", worker, "document_id", job.DocumentID, "error", err)
					}
				}
			}
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
