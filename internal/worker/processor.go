package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cuongbtq/file-converter/internal/blob"
	"github.com/cuongbtq/file-converter/internal/converter"
	"github.com/cuongbtq/file-converter/internal/domain"
	"github.com/cuongbtq/file-converter/internal/metrics"
	"github.com/cuongbtq/file-converter/internal/storage"
)

// processJob converts one claimed job and records the terminal state.
//
// Conversion failures are recorded on the job and reported as handled (nil). Errors are only
// returned when the job could not be processed at all, so the consumer can decide on a requeue.
// A shutdown in the middle of a conversion leaves the job PROCESSING; it is either redelivered
// or failed later by the stale sweeper.
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	job, err := w.storage.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			w.logger.Warn("Job disappeared before processing", slog.String("job_id", msg.JobID))
			return err
		}
		return domain.NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}

	if job.Status != domain.JobStatusProcessing {
		w.logger.Warn("Job is not processing, skipping",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
		)
		return fmt.Errorf("%w: job is %s", domain.ErrInvalidTransition, job.Status)
	}

	// a job without a heartbeat is still queued as far as the sweeper is concerned
	if err := w.storage.UpdateJobHeartbeat(ctx, job.ID); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
			w.logger.Warn("Job changed before processing, skipping",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			return err
		}
		return domain.NewRetryableError(fmt.Errorf("failed to start heartbeat: %w", err))
	}

	w.logger.Info("Processing job",
		slog.String("job_id", job.ID),
		slog.String("source", string(job.SourceFormat)),
		slog.String("target", string(job.TargetFormat)),
		slog.String("worker_id", w.workerID),
	)

	jobCtx, cancel := context.WithCancelCause(ctx)
	w.track(job.ID, cancel)
	defer w.untrack(job.ID)

	timeoutCtx, stop := context.WithTimeout(jobCtx, w.jobTimeout)
	defer stop()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(timeoutCtx, job.ID, heartbeatDone)

	start := time.Now()
	w.metrics.ConversionStarted()
	outcome, key, err := w.convert(timeoutCtx, job)
	elapsed := time.Since(start)
	close(heartbeatDone)

	// status writes must land even when the job context is done
	writeCtx := context.WithoutCancel(ctx)

	if err != nil {
		w.metrics.ConversionFinished(string(job.Category), metrics.StatusFailed, elapsed)
		if ctx.Err() != nil {
			return domain.NewRetryableError(fmt.Errorf("conversion interrupted: %w", ctx.Err()))
		}
		return w.fail(writeCtx, job, w.failureDetail(jobCtx, timeoutCtx, err))
	}

	w.metrics.ConversionFinished(string(job.Category), metrics.StatusCompleted, elapsed)
	if outcome.Degraded {
		w.metrics.Degraded(outcome.Strategy)
	}

	err = w.storage.CompleteJob(writeCtx, job.ID, storage.CompleteParams{
		OutputLocation: key,
		Strategy:       outcome.Strategy,
		Degraded:       outcome.Degraded,
	})
	if errors.Is(err, domain.ErrJobNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
		// deleted or swept while converting; the artifact has no owner
		w.logger.Warn("Job changed during conversion, discarding output",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		if rmErr := w.blob.Remove(writeCtx, key); rmErr != nil {
			w.logger.Error("Failed to remove orphaned output",
				slog.String("key", key),
				slog.Any("error", rmErr),
			)
		}
		return nil
	}
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to complete job: %w", err))
	}

	w.logger.Info("Job completed",
		slog.String("job_id", job.ID),
		slog.String("strategy", outcome.Strategy),
		slog.Bool("degraded", outcome.Degraded),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

// convert fetches the input, runs the resolved strategy and stores the result
func (w *Worker) convert(ctx context.Context, job *domain.Job) (outcome converter.Outcome, key string, err error) {
	strategy := w.registry.Resolve(job.SourceFormat, job.TargetFormat)

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Conversion panicked",
				slog.String("job_id", job.ID),
				slog.String("strategy", strategy.Name()),
				slog.Any("panic", r),
			)
			err = &domain.ConversionError{Strategy: strategy.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	scratch, err := os.MkdirTemp(w.scratchDir, "job-*")
	if err != nil {
		return outcome, "", fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	input := filepath.Join(scratch, "input."+job.SourceFormat.Ext())
	if err := w.blob.Fetch(ctx, job.InputLocation, input); err != nil {
		return outcome, "", &domain.StorageError{Op: "fetch", Key: job.InputLocation, Err: err}
	}

	output := filepath.Join(scratch, "output."+job.TargetFormat.Ext())
	outcome, err = strategy.Convert(ctx, converter.Request{
		Input:  input,
		Output: output,
		Source: job.SourceFormat,
		Target: job.TargetFormat,
		Name:   job.OriginalFilename,
	})
	if err != nil {
		return outcome, "", &domain.ConversionError{Strategy: strategy.Name(), Err: err}
	}

	key = blob.OutputKey(job.ID, job.OriginalFilename, job.TargetFormat.Ext())
	if err := w.blob.Upload(ctx, output, key); err != nil {
		return outcome, "", &domain.StorageError{Op: "upload", Key: key, Err: err}
	}
	return outcome, key, nil
}

func (w *Worker) failureDetail(jobCtx, timeoutCtx context.Context, err error) string {
	if errors.Is(context.Cause(jobCtx), ErrCanceled) {
		return ErrCanceled.Error()
	}
	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("conversion timed out after %s", w.jobTimeout)
	}
	return err.Error()
}

func (w *Worker) fail(ctx context.Context, job *domain.Job, detail string) error {
	w.logger.Error("Conversion failed",
		slog.String("job_id", job.ID),
		slog.String("detail", detail),
	)

	err := w.storage.FailJob(ctx, job.ID, detail)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrJobNotFound):
		w.logger.Info("Job deleted during conversion", slog.String("job_id", job.ID))
		return nil
	case errors.Is(err, domain.ErrInvalidTransition):
		w.logger.Warn("Job already finished", slog.String("job_id", job.ID))
		return nil
	}
	return domain.NewRetryableError(fmt.Errorf("failed to record failure: %w", err))
}

// sendJobHeartbeat refreshes the job's heartbeat until done is closed or ctx ends
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.storage.UpdateJobHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
