// Package service implements the external job operations on top of the job store, the artifact
// store, the scheduler and the reaper.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"time"

	"github.com/cuongbtq/file-converter/internal/blob"
	"github.com/cuongbtq/file-converter/internal/domain"
	"github.com/cuongbtq/file-converter/internal/format"
	"github.com/cuongbtq/file-converter/internal/metrics"
	"github.com/cuongbtq/file-converter/internal/scheduler"
	"github.com/cuongbtq/file-converter/internal/storage"
	"github.com/google/uuid"
)

// Limits
const (
	DefaultMaxUploadBytes = 100 << 20
	DefaultPageSize       = 20
	MaxPageSize           = 100
	MaxStartBatch         = 100
)

// JobStore is the part of the job store the service needs
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
	IncrementDownloads(ctx context.Context, id string) (int64, error)
	DeleteJob(ctx context.Context, id string) error
	Stats(ctx context.Context) (domain.Stats, error)
}

// PairChecker decides which format pairs are accepted at upload
type PairChecker interface {
	Supports(source, target format.Format) bool
}

// Starter starts conversions
type Starter interface {
	Start(ctx context.Context, ids []string) (scheduler.Result, error)
}

// Cleaner arms and disarms deferred artifact cleanup
type Cleaner interface {
	Schedule(ctx context.Context, jobID string, keys ...string) bool
	Cancel(ctx context.Context, jobID string) bool
}

// Canceler aborts a running conversion
type Canceler interface {
	Cancel(jobID string) bool
}

// Config holds service dependencies
type Config struct {
	Store     JobStore
	Blob      blob.Store
	Pairs     PairChecker
	Scheduler Starter
	Reaper    Cleaner
	// Canceler is nil when conversions run in another process
	Canceler       Canceler
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	MaxUploadBytes int64
}

// Service implements the job operations
type Service struct {
	store          JobStore
	blob           blob.Store
	pairs          PairChecker
	scheduler      Starter
	reaper         Cleaner
	canceler       Canceler
	metrics        *metrics.Metrics
	logger         *slog.Logger
	maxUploadBytes int64
}

// New creates a Service
func New(cfg Config) *Service {
	s := &Service{
		store:          cfg.Store,
		blob:           cfg.Blob,
		pairs:          cfg.Pairs,
		scheduler:      cfg.Scheduler,
		reaper:         cfg.Reaper,
		canceler:       cfg.Canceler,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		maxUploadBytes: cfg.MaxUploadBytes,
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = DefaultMaxUploadBytes
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// UploadInput is one uploaded file. SourceFormat may be empty; it is then taken from Filename.
type UploadInput struct {
	Filename     string
	Body         io.Reader
	SourceFormat string
	TargetFormat string
}

// Upload validates the request, stores the input artifact and creates a PENDING job
func (s *Service) Upload(ctx context.Context, in UploadInput) (*domain.Job, error) {
	filename := SanitizeFilename(in.Filename)
	if filename == "" {
		return nil, domain.NewValidationError("file", "a file name is required")
	}

	source := format.Parse(in.SourceFormat)
	if source == "" {
		source = format.FromFilename(in.Filename)
	}
	if !source.Known() {
		return nil, domain.NewValidationError("source_format", fmt.Sprintf("unsupported format %q", source))
	}

	target := format.Parse(in.TargetFormat)
	if target == "" {
		return nil, domain.NewValidationError("target_format", "target_format is required")
	}
	if !target.Known() {
		return nil, domain.NewValidationError("target_format", fmt.Sprintf("unsupported format %q", target))
	}
	if !s.pairs.Supports(source, target) {
		return nil, domain.NewValidationError("target_format", fmt.Sprintf("cannot convert %s to %s", source, target))
	}

	id := uuid.NewString()
	key := blob.InputKey(id, filename)

	n, err := s.blob.Put(ctx, key, io.LimitReader(in.Body, s.maxUploadBytes+1))
	if err != nil {
		return nil, &domain.StorageError{Op: "put", Key: key, Err: err}
	}
	if n == 0 || n > s.maxUploadBytes {
		s.removeArtifact(ctx, id, key)
		if n == 0 {
			return nil, domain.NewValidationError("file", "file is empty")
		}
		return nil, domain.NewValidationError("file", fmt.Sprintf("file exceeds %d bytes", s.maxUploadBytes))
	}

	job := &domain.Job{
		ID:               id,
		OriginalFilename: filename,
		SourceFormat:     source,
		TargetFormat:     target,
		Category:         source.Category(),
		SizeBytes:        n,
		Status:           domain.JobStatusPending,
		InputLocation:    key,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		s.removeArtifact(ctx, id, key)
		return nil, err
	}

	s.metrics.Uploaded(string(job.Category), n)
	s.logger.Info("Upload stored",
		slog.String("job_id", id),
		slog.String("source", string(source)),
		slog.String("target", string(target)),
		slog.Int64("size_bytes", n),
	)
	return job, nil
}

// StartConversion moves the given PENDING jobs to PROCESSING and dispatches them
func (s *Service) StartConversion(ctx context.Context, ids []string) (scheduler.Result, error) {
	if len(ids) == 0 {
		return scheduler.Result{}, domain.NewValidationError("job_ids", "at least one job id is required")
	}
	if len(ids) > MaxStartBatch {
		return scheduler.Result{}, domain.NewValidationError("job_ids", fmt.Sprintf("at most %d job ids per request", MaxStartBatch))
	}
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return scheduler.Result{}, domain.NewValidationError("job_ids", fmt.Sprintf("%q is not a valid job id", id))
		}
	}
	return s.scheduler.Start(ctx, ids)
}

// Progress is the fixed completion percentage of a job
type Progress struct {
	JobID   string           `json:"job_id"`
	Status  domain.JobStatus `json:"status"`
	Percent int              `json:"progress"`
}

// Progress reports a job's status and percentage
func (s *Service) Progress(ctx context.Context, id string) (Progress, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	return Progress{JobID: job.ID, Status: job.Status, Percent: job.Progress()}, nil
}

// GetJob returns a job
func (s *Service) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return s.store.GetJob(ctx, id)
}

// ListFilter narrows ListJobs
type ListFilter struct {
	Status   string
	Category string
	PageSize int
	Cursor   *storage.JobCursor
}

// Page is one page of jobs, newest first
type Page struct {
	Jobs []domain.Job
	// Next is nil on the last page
	Next *storage.JobCursor
}

// ListJobs returns a page of jobs
func (s *Service) ListJobs(ctx context.Context, f ListFilter) (Page, error) {
	filter := storage.JobFilter{PageSize: f.PageSize, Cursor: f.Cursor}

	if f.Status != "" {
		filter.Status = domain.JobStatus(f.Status)
		if !filter.Status.Valid() {
			return Page{}, domain.NewValidationError("status", fmt.Sprintf("unknown status %q", f.Status))
		}
	}
	if f.Category != "" {
		filter.Category = format.Category(f.Category)
		if _, ok := format.All()[filter.Category]; !ok {
			return Page{}, domain.NewValidationError("category", fmt.Sprintf("unknown category %q", f.Category))
		}
	}
	if filter.PageSize <= 0 {
		filter.PageSize = DefaultPageSize
	}
	if filter.PageSize > MaxPageSize {
		filter.PageSize = MaxPageSize
	}

	jobs, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return Page{}, err
	}

	page := Page{Jobs: jobs}
	if len(jobs) > filter.PageSize {
		page.Jobs = jobs[:filter.PageSize]
		last := page.Jobs[len(page.Jobs)-1]
		page.Next = &storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID}
	}
	return page, nil
}

// Download is an open converted artifact. The caller must close Body.
type Download struct {
	Job           *domain.Job
	Body          io.ReadCloser
	Filename      string
	ContentType   string
	DownloadCount int64
}

// Download opens the artifact of a COMPLETED job, counts the download and arms the cleanup
func (s *Service) Download(ctx context.Context, id string) (*Download, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusCompleted {
		return nil, &domain.ValidationError{
			Field:   "job_id",
			Message: fmt.Sprintf("job is %s, not COMPLETED", job.Status),
			Err:     domain.ErrJobNotReady,
		}
	}
	if job.OutputLocation == nil || job.PurgedAt != nil {
		return nil, &domain.StorageError{Op: "open", Key: id, Err: domain.ErrArtifactMissing}
	}

	key := *job.OutputLocation
	body, err := s.blob.Open(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrObjectNotFound) {
			return nil, &domain.StorageError{Op: "open", Key: key, Err: domain.ErrArtifactMissing}
		}
		return nil, &domain.StorageError{Op: "open", Key: key, Err: err}
	}

	count, err := s.store.IncrementDownloads(ctx, id)
	if err != nil {
		body.Close()
		return nil, err
	}

	s.reaper.Schedule(ctx, id, job.InputLocation, key)
	s.metrics.Downloaded()

	contentType := mime.TypeByExtension("." + job.TargetFormat.Ext())
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &Download{
		Job:           job,
		Body:          body,
		Filename:      job.DownloadName(),
		ContentType:   contentType,
		DownloadCount: count,
	}, nil
}

// Delete cancels any running conversion and pending cleanup, removes the artifacts and deletes
// the record
func (s *Service) Delete(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	if s.canceler != nil {
		s.canceler.Cancel(id)
	}
	s.reaper.Cancel(ctx, id)

	// the row goes first: a worker finishing after this point cannot complete the job and drops
	// its own output, one finishing before has already uploaded it
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}

	outputKey := blob.OutputKey(job.ID, job.OriginalFilename, job.TargetFormat.Ext())
	s.removeArtifact(ctx, id, job.InputLocation)
	s.removeArtifact(ctx, id, outputKey)
	if job.OutputLocation != nil && *job.OutputLocation != outputKey {
		s.removeArtifact(ctx, id, *job.OutputLocation)
	}

	s.logger.Info("Job deleted", slog.String("job_id", id))
	return nil
}

// Retry clones a FAILED job into a new PENDING job that owns a copy of the input. The failed job
// is left untouched.
func (s *Service) Retry(ctx context.Context, id string) (*domain.Job, error) {
	failed, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if failed.Status != domain.JobStatusFailed {
		return nil, fmt.Errorf("%w: only FAILED jobs can be retried, job is %s", domain.ErrInvalidTransition, failed.Status)
	}

	newID := uuid.NewString()
	key := blob.InputKey(newID, failed.OriginalFilename)
	if err := s.blob.Copy(ctx, failed.InputLocation, key); err != nil {
		if errors.Is(err, blob.ErrObjectNotFound) {
			return nil, &domain.StorageError{Op: "copy", Key: failed.InputLocation, Err: domain.ErrArtifactMissing}
		}
		return nil, &domain.StorageError{Op: "copy", Key: failed.InputLocation, Err: err}
	}

	retryOf := failed.ID
	job := &domain.Job{
		ID:               newID,
		OriginalFilename: failed.OriginalFilename,
		SourceFormat:     failed.SourceFormat,
		TargetFormat:     failed.TargetFormat,
		Category:         failed.Category,
		SizeBytes:        failed.SizeBytes,
		Status:           domain.JobStatusPending,
		InputLocation:    key,
		RetryOf:          &retryOf,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		s.removeArtifact(ctx, newID, key)
		return nil, err
	}

	s.logger.Info("Job retried",
		slog.String("job_id", newID),
		slog.String("retry_of", failed.ID),
	)
	return job, nil
}

// Stats aggregates all jobs
func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	return s.store.Stats(ctx)
}

// Formats lists the known formats per category
func (s *Service) Formats() map[format.Category][]format.Format {
	return format.All()
}

// removeArtifact deletes a stored object; failures are logged only
func (s *Service) removeArtifact(ctx context.Context, jobID, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := s.blob.Remove(ctx, key); err != nil {
		s.logger.Warn("Failed to remove artifact",
			slog.String("job_id", jobID),
			slog.Any("error", &domain.StorageError{Op: "remove", Key: key, Err: err}),
		)
	}
}
