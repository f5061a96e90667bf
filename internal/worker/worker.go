package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cuongbtq/file-converter/internal/blob"
	"github.com/cuongbtq/file-converter/internal/converter"
	"github.com/cuongbtq/file-converter/internal/domain"
	"github.com/cuongbtq/file-converter/internal/metrics"
	"github.com/cuongbtq/file-converter/internal/storage"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Defaults used when the config leaves a value empty
const (
	DefaultConcurrency       = 4
	DefaultQueueSize         = 100
	DefaultJobTimeout        = 5 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleAfter        = 30 * time.Minute
	DefaultSweepInterval     = time.Minute

	// StaleDetail is recorded on jobs found stuck in PROCESSING
	StaleDetail = "conversion interrupted"
)

var (
	// ErrStopped is returned by Dispatch after Stop
	ErrStopped = errors.New("worker is stopped")

	// ErrCanceled is the cause recorded when a running conversion is canceled through Cancel
	ErrCanceled = errors.New("conversion canceled")
)

// JobStore is the part of the job store the worker needs
type JobStore interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	CompleteJob(ctx context.Context, id string, params storage.CompleteParams) error
	FailJob(ctx context.Context, id, detail string) error
	UpdateJobHeartbeat(ctx context.Context, id string) error
	FailStaleJobs(ctx context.Context, q storage.StaleQuery, detail string) ([]string, error)
}

// MessageSource delivers queued job messages. *rabbitmq.Client implements it.
type MessageSource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Storage  JobStore
	Blob     blob.Store
	Registry *converter.Registry
	Metrics  *metrics.Metrics
	// Source is nil when jobs are only handed over through Dispatch
	Source            MessageSource
	WorkerID          string
	Concurrency       int
	QueueSize         int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	ScratchDir        string
	StaleAfter        time.Duration
	SweepInterval     time.Duration
}

// task is one job handed to the pool. acker is nil for jobs dispatched in-process.
type task struct {
	msg   *domain.JobMessage
	acker amqp.Acknowledger
}

// Worker runs conversions on a fixed pool of goroutines
type Worker struct {
	logger            *slog.Logger
	storage           JobStore
	blob              blob.Store
	registry          *converter.Registry
	metrics           *metrics.Metrics
	source            MessageSource
	workerID          string
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	scratchDir        string
	staleAfter        time.Duration
	sweepInterval     time.Duration
	createdAt         time.Time

	jobsChan chan *task
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		storage:           cfg.Storage,
		blob:              cfg.Blob,
		registry:          cfg.Registry,
		metrics:           cfg.Metrics,
		source:            cfg.Source,
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		scratchDir:        cfg.ScratchDir,
		staleAfter:        cfg.StaleAfter,
		sweepInterval:     cfg.SweepInterval,
		createdAt:         time.Now().UTC(),
		stopChan:          make(chan struct{}),
		running:           make(map[string]context.CancelCauseFunc),
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.workerID == "" {
		w.workerID = "worker-" + uuid.NewString()[:8]
	}
	if w.concurrency <= 0 {
		w.concurrency = DefaultConcurrency
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = DefaultJobTimeout
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = DefaultHeartbeatInterval
	}
	if w.staleAfter > 0 && w.heartbeatInterval >= w.staleAfter {
		w.heartbeatInterval = w.staleAfter / 3
	}
	if w.scratchDir == "" {
		w.scratchDir = os.TempDir()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	w.jobsChan = make(chan *task, queueSize)
	return w
}

// Start spawns the pool and the stale sweeper. With a message source it also consumes the queue
// and returns when the delivery channel closes; otherwise it blocks until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	if err := os.MkdirAll(w.scratchDir, 0o755); err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}

	w.spawnWorkerPool(ctx)

	if w.staleAfter > 0 && w.sweepInterval > 0 {
		w.wg.Add(1)
		go w.runSweeper(ctx)
	}

	if w.source == nil {
		<-ctx.Done()
		w.logger.Info("Worker context canceled, stopping...")
		return nil
	}

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}
	w.startMessageDispatcher(ctx, deliveries)

	if ctx.Err() == nil {
		return errors.New("rabbitmq delivery channel closed")
	}
	return nil
}

// Stop gracefully stops the worker. Running conversions finish first.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// Dispatch hands a claimed job to the pool without blocking
func (w *Worker) Dispatch(_ context.Context, jobID string) error {
	select {
	case <-w.stopChan:
		return ErrStopped
	default:
	}

	select {
	case w.jobsChan <- &task{msg: &domain.JobMessage{JobID: jobID}}:
		w.logger.Debug("Job dispatched to worker pool", slog.String("job_id", jobID))
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Cancel aborts the running conversion of jobID and reports whether one was running
func (w *Worker) Cancel(jobID string) bool {
	w.mu.Lock()
	cancel, ok := w.running[jobID]
	w.mu.Unlock()
	if ok {
		cancel(ErrCanceled)
		w.logger.Info("Conversion canceled", slog.String("job_id", jobID))
	}
	return ok
}

func (w *Worker) track(jobID string, cancel context.CancelCauseFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running[jobID] = cancel
}

func (w *Worker) untrack(jobID string) {
	w.mu.Lock()
	cancel, ok := w.running[jobID]
	delete(w.running, jobID)
	w.mu.Unlock()
	if ok {
		cancel(nil)
	}
}
