// Package reaper removes the artifacts of downloaded jobs after a delay. Job records are kept.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/file-converter/internal/metrics"
)

// DefaultDelay is how long artifacts survive after a download
const DefaultDelay = 20 * time.Second

const purgeTimeout = time.Minute

// Remover deletes stored artifacts. Removing a missing key must not fail.
type Remover interface {
	Remove(ctx context.Context, key string) error
}

// PurgeMarker records that a job's artifacts are gone
type PurgeMarker interface {
	MarkPurged(ctx context.Context, id string) error
}

// Claimer coordinates several reapers so only one arms a cleanup per job
type Claimer interface {
	Claim(ctx context.Context, jobID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, jobID string) error
}

// Config configures a Reaper
type Config struct {
	Delay   time.Duration
	Remover Remover
	Store   PurgeMarker
	// Claimer is optional
	Claimer Claimer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Reaper keeps one cancellable timer per job
type Reaper struct {
	delay   time.Duration
	remover Remover
	store   PurgeMarker
	claimer Claimer
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// New creates a Reaper
func New(cfg Config) *Reaper {
	r := &Reaper{
		delay:   cfg.Delay,
		remover: cfg.Remover,
		store:   cfg.Store,
		claimer: cfg.Claimer,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		timers:  make(map[string]*time.Timer),
	}
	if r.delay <= 0 {
		r.delay = DefaultDelay
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Schedule arms the cleanup of keys for jobID. It returns false when a cleanup is already pending
// here or was claimed by another instance, in which case nothing changes.
func (r *Reaper) Schedule(ctx context.Context, jobID string, keys ...string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return false
	}
	if _, pending := r.timers[jobID]; pending {
		return false
	}

	if r.claimer != nil {
		ok, err := r.claimer.Claim(ctx, jobID, r.delay+purgeTimeout)
		switch {
		case err != nil:
			// cleaning up twice is harmless, never cleaning up is not
			r.logger.Warn("Cleanup claim failed, arming locally",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		case !ok:
			r.logger.Debug("Cleanup already claimed", slog.String("job_id", jobID))
			return false
		}
	}

	keys = append([]string(nil), keys...)
	r.timers[jobID] = time.AfterFunc(r.delay, func() { r.fire(jobID, keys) })

	r.logger.Info("Cleanup scheduled",
		slog.String("job_id", jobID),
		slog.Duration("delay", r.delay),
	)
	return true
}

// Cancel stops a pending cleanup and reports whether one was pending
func (r *Reaper) Cancel(ctx context.Context, jobID string) bool {
	r.mu.Lock()
	t, ok := r.timers[jobID]
	if ok {
		t.Stop()
		delete(r.timers, jobID)
	}
	r.mu.Unlock()

	if ok && r.claimer != nil {
		if err := r.claimer.Release(ctx, jobID); err != nil {
			r.logger.Warn("Failed to release cleanup claim",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	}
	return ok
}

// Pending reports whether a cleanup is armed for jobID
func (r *Reaper) Pending(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[jobID]
	return ok
}

// Stop disarms every pending cleanup and waits for running ones. Disarmed artifacts stay in
// storage.
func (r *Reaper) Stop() {
	r.mu.Lock()
	r.stopped = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Reaper) fire(jobID string, keys []string) {
	r.mu.Lock()
	if _, ok := r.timers[jobID]; !ok {
		// canceled while the timer was firing
		r.mu.Unlock()
		return
	}
	delete(r.timers, jobID)
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()

	result := "ok"
	for _, key := range keys {
		if err := r.remover.Remove(ctx, key); err != nil {
			result = "error"
			r.logger.Error("Failed to remove artifact",
				slog.String("job_id", jobID),
				slog.String("key", key),
				slog.Any("error", err),
			)
		}
	}

	if err := r.store.MarkPurged(ctx, jobID); err != nil {
		result = "error"
		r.logger.Error("Failed to mark job purged",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}

	r.metrics.Purged(result)
	r.logger.Info("Artifacts purged",
		slog.String("job_id", jobID),
		slog.Int("keys", len(keys)),
		slog.String("result", result),
	)
}
