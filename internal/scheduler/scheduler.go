// Package scheduler moves pending jobs to PROCESSING and hands them to a dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/file-converter/internal/domain"
)

// Dispatch modes
const (
	ModeLocal    = "local"
	ModeRabbitMQ = "rabbitmq"
)

// Dispatcher hands a claimed job to whatever runs conversions. It must not wait for the
// conversion itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// JobStore is the part of the job store the scheduler needs
type JobStore interface {
	ClaimJob(ctx context.Context, id string) (*domain.Job, error)
	FailJob(ctx context.Context, id, detail string) error
}

// Result reports what happened to each requested id
type Result struct {
	Accepted []string `json:"accepted"`
	Skipped  []string `json:"skipped"`
	NotFound []string `json:"not_found"`
	// Failed holds jobs that were claimed but could not be dispatched; they are now FAILED
	Failed []string `json:"failed"`
}

// Scheduler starts conversions
type Scheduler struct {
	store      JobStore
	dispatcher Dispatcher
	logger     *slog.Logger
}

// New creates a scheduler
func New(store JobStore, dispatcher Dispatcher, logger *slog.Logger) *Scheduler {
	return &Scheduler{store: store, dispatcher: dispatcher, logger: logger}
}

// Start claims every PENDING job in ids and dispatches it. Jobs in any other state are skipped.
// Duplicate ids are handled once. A store failure stops the batch; jobs already dispatched stay
// dispatched and are reported in the returned Result.
func (s *Scheduler) Start(ctx context.Context, ids []string) (Result, error) {
	res := Result{
		Accepted: []string{},
		Skipped:  []string{},
		NotFound: []string{},
		Failed:   []string{},
	}

	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if _, err := s.store.ClaimJob(ctx, id); err != nil {
			switch {
			case errors.Is(err, domain.ErrJobNotFound):
				res.NotFound = append(res.NotFound, id)
				continue
			case errors.Is(err, domain.ErrJobAlreadyClaimed):
				res.Skipped = append(res.Skipped, id)
				continue
			}
			return res, fmt.Errorf("failed to claim job %s: %w", id, err)
		}

		if err := s.dispatcher.Dispatch(ctx, id); err != nil {
			s.logger.Error("Dispatch failed, failing job",
				slog.String("job_id", id),
				slog.Any("error", err),
			)
			detail := "dispatch failed: " + err.Error()
			if failErr := s.store.FailJob(context.WithoutCancel(ctx), id, detail); failErr != nil {
				return res, fmt.Errorf("failed to record dispatch failure of job %s: %w", id, failErr)
			}
			res.Failed = append(res.Failed, id)
			continue
		}
		res.Accepted = append(res.Accepted, id)
	}

	s.logger.Info("Conversions started",
		slog.Int("accepted", len(res.Accepted)),
		slog.Int("skipped", len(res.Skipped)),
		slog.Int("not_found", len(res.NotFound)),
		slog.Int("failed", len(res.Failed)),
	)
	return res, nil
}
