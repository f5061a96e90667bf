package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/file-converter/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case t, ok := <-w.jobsChan:
			if !ok {
				return
			}

			w.logger.Info("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("job_id", t.msg.JobID),
			)

			err := w.processJob(ctx, t.msg)
			if err != nil {
				w.logger.Error("Job processing failed",
					slog.String("worker_name", workerName),
					slog.String("job_id", t.msg.JobID),
					slog.Any("error", err),
				)
			}
			w.settle(t, err, workerName)
		}
	}
}

// settle ACKs or NACKs a queued message. In-process tasks have nothing to settle.
func (w *Worker) settle(t *task, err error, workerName string) {
	if t.acker == nil {
		return
	}

	if err != nil {
		requeue := w.shouldRequeueJob(err)
		if nackErr := t.acker.Nack(t.msg.DeliveryTag, false, requeue); nackErr != nil {
			w.logger.Error("Failed to NACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", t.msg.JobID),
				slog.Any("error", nackErr),
			)
			return
		}
		w.logger.Info("Message NACKed",
			slog.String("worker_name", workerName),
			slog.String("job_id", t.msg.JobID),
			slog.Bool("requeue", requeue),
		)
		return
	}

	if ackErr := t.acker.Ack(t.msg.DeliveryTag, false); ackErr != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("worker_name", workerName),
			slog.String("job_id", t.msg.JobID),
			slog.Any("error", ackErr),
		)
	}
}

// shouldRequeueJob determines if a job should be requeued based on the error type
func (w *Worker) shouldRequeueJob(err error) bool {
	// deleted before a worker picked it up
	if errors.Is(err, domain.ErrJobNotFound) {
		return false
	}

	// already finished, or not claimed by the scheduler
	if errors.Is(err, domain.ErrInvalidTransition) {
		return false
	}

	if errors.Is(err, domain.ErrInvalidMessage) {
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
