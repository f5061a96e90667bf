package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cuongbtq/file-converter/internal/domain"
	"github.com/cuongbtq/file-converter/internal/format"
	"github.com/cuongbtq/file-converter/shared/database"
)

const jobsTable = "conversion_jobs"

var jobColumns = []string{
	"id", "original_filename", "source_format", "target_format", "category", "size_bytes",
	"status", "input_location", "output_location", "error_detail", "degraded", "strategy",
	"download_count", "retry_of", "created_at", "updated_at", "started_at", "heartbeat_at",
	"completed_at", "purged_at",
}

// Storage persists conversion jobs
type Storage struct {
	client *database.Client
	sb     sq.StatementBuilderType
	logger *slog.Logger
	now    func() time.Time
}

// NewStorage creates a new Storage instance
func NewStorage(client *database.Client, logger *slog.Logger) *Storage {
	return &Storage{
		client: client,
		sb:     client.Builder(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// JobFilter narrows ListJobs. Results are newest first.
type JobFilter struct {
	Status   domain.JobStatus
	Category format.Category
	PageSize int
	Cursor   *JobCursor
}

// JobCursor points just past the last job of the previous page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// CompleteParams carries what the worker learned while converting
type CompleteParams struct {
	OutputLocation string
	Strategy       string
	Degraded       bool
}

// CreateJob inserts a new job. CreatedAt and UpdatedAt are filled in when zero.
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	query, args, err := s.sb.Insert(jobsTable).
		Columns(jobColumns...).
		Values(
			job.ID, job.OriginalFilename, string(job.SourceFormat), string(job.TargetFormat),
			string(job.Category), job.SizeBytes, string(job.Status), job.InputLocation,
			nullString(job.OutputLocation), nullString(job.ErrorDetail), job.Degraded,
			nullString(job.Strategy), job.DownloadCount, nullString(job.RetryOf),
			job.CreatedAt.UTC(), job.UpdatedAt.UTC(), nullTime(job.StartedAt), nullTime(job.HeartbeatAt),
			nullTime(job.CompletedAt), nullTime(job.PurgedAt),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := s.client.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob returns a job by id or domain.ErrJobNotFound
func (s *Storage) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	query, args, err := s.sb.Select(jobColumns...).From(jobsTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	var job domain.Job
	if err := s.client.GetContext(ctx, &job, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns up to PageSize+1 jobs so the caller can tell whether another page exists
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	q := s.sb.Select(jobColumns...).From(jobsTable)

	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Category != "" {
		q = q.Where(sq.Eq{"category": string(filter.Category)})
	}
	if filter.Cursor != nil {
		q = q.Where(sq.Or{
			sq.Lt{"created_at": filter.Cursor.CreatedAt.UTC()},
			sq.And{
				sq.Eq{"created_at": filter.Cursor.CreatedAt.UTC()},
				sq.Lt{"id": filter.Cursor.JobID},
			},
		})
	}

	query, args, err := q.
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(filter.PageSize + 1)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list: %w", err)
	}

	jobs := []domain.Job{}
	if err := s.client.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ClaimJob moves a job from PENDING to PROCESSING. Only one caller can win; the others get
// domain.ErrJobAlreadyClaimed.
func (s *Storage) ClaimJob(ctx context.Context, id string) (*domain.Job, error) {
	now := s.now()
	query, args, err := s.sb.Update(jobsTable).
		Set("status", string(domain.JobStatusProcessing)).
		Set("started_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "status": string(domain.JobStatusPending)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build claim: %w", err)
	}

	if err := s.execOne(ctx, query, args...); err != nil {
		if errors.Is(err, errNoRows) {
			if _, getErr := s.GetJob(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed", slog.String("job_id", id))
	return s.GetJob(ctx, id)
}

// CompleteJob records a successful conversion. The job must be PROCESSING.
func (s *Storage) CompleteJob(ctx context.Context, id string, params CompleteParams) error {
	now := s.now()
	query, args, err := s.sb.Update(jobsTable).
		Set("status", string(domain.JobStatusCompleted)).
		Set("output_location", params.OutputLocation).
		Set("strategy", params.Strategy).
		Set("degraded", params.Degraded).
		Set("completed_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "status": string(domain.JobStatusProcessing)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build complete: %w", err)
	}
	return s.terminal(ctx, id, domain.JobStatusCompleted, query, args)
}

// FailJob records a failed conversion. The job must be PROCESSING.
func (s *Storage) FailJob(ctx context.Context, id, detail string) error {
	now := s.now()
	query, args, err := s.sb.Update(jobsTable).
		Set("status", string(domain.JobStatusFailed)).
		Set("error_detail", detail).
		Set("completed_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "status": string(domain.JobStatusProcessing)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build fail: %w", err)
	}
	return s.terminal(ctx, id, domain.JobStatusFailed, query, args)
}

func (s *Storage) terminal(ctx context.Context, id string, status domain.JobStatus, query string, args []interface{}) error {
	if err := s.execOne(ctx, query, args...); err != nil {
		if errors.Is(err, errNoRows) {
			if _, getErr := s.GetJob(ctx, id); getErr != nil {
				return getErr
			}
			return fmt.Errorf("%w: %s requires PROCESSING", domain.ErrInvalidTransition, status)
		}
		return fmt.Errorf("failed to update job status: %w", err)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", id),
		slog.String("status", string(status)),
	)
	return nil
}

// IncrementDownloads bumps download_count of a COMPLETED job and returns the new count
func (s *Storage) IncrementDownloads(ctx context.Context, id string) (int64, error) {
	query, args, err := s.sb.Update(jobsTable).
		Set("download_count", sq.Expr("download_count + 1")).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id, "status": string(domain.JobStatusCompleted)}).
		Suffix("RETURNING download_count").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build increment: %w", err)
	}

	var count int64
	if err := s.client.GetContext(ctx, &count, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetJob(ctx, id); getErr != nil {
				return 0, getErr
			}
			return 0, domain.ErrJobNotReady
		}
		return 0, fmt.Errorf("failed to increment downloads: %w", err)
	}
	return count, nil
}

// MarkPurged stamps purged_at once the job's artifacts were removed. A missing job is ignored.
func (s *Storage) MarkPurged(ctx context.Context, id string) error {
	now := s.now()
	query, args, err := s.sb.Update(jobsTable).
		Set("purged_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "purged_at": nil}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build purge: %w", err)
	}
	if _, err := s.client.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark job purged: %w", err)
	}
	return nil
}

// DeleteJob removes the job record
func (s *Storage) DeleteJob(ctx context.Context, id string) error {
	query, args, err := s.sb.Delete(jobsTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	if err := s.execOne(ctx, query, args...); err != nil {
		if errors.Is(err, errNoRows) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// Stats aggregates all jobs
func (s *Storage) Stats(ctx context.Context) (domain.Stats, error) {
	query, args, err := s.sb.Select("COUNT(*) AS total").
		Column(countStatus(domain.JobStatusPending, "pending")).
		Column(countStatus(domain.JobStatusProcessing, "processing")).
		Column(countStatus(domain.JobStatusCompleted, "completed")).
		Column(countStatus(domain.JobStatusFailed, "failed")).
		Column("COALESCE(SUM(CASE WHEN degraded THEN 1 ELSE 0 END), 0) AS degraded").
		Column("COALESCE(SUM(download_count), 0) AS total_downloads").
		Column("COALESCE(SUM(size_bytes), 0) AS total_bytes").
		From(jobsTable).
		ToSql()
	if err != nil {
		return domain.Stats{}, fmt.Errorf("failed to build stats: %w", err)
	}

	var stats domain.Stats
	if err := s.client.GetContext(ctx, &stats, query, args...); err != nil {
		return domain.Stats{}, fmt.Errorf("failed to get stats: %w", err)
	}

	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if stats.CreatedToday, err = s.CountCreatedSince(ctx, today); err != nil {
		return domain.Stats{}, err
	}
	if stats.CreatedWeek, err = s.CountCreatedSince(ctx, now.Add(-7*24*time.Hour)); err != nil {
		return domain.Stats{}, err
	}
	return stats, nil
}

func countStatus(status domain.JobStatus, alias string) sq.Sqlizer {
	return sq.Expr("COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS "+alias, string(status))
}

// CountCreatedSince counts jobs created at or after t
func (s *Storage) CountCreatedSince(ctx context.Context, t time.Time) (int64, error) {
	query, args, err := s.sb.Select("COUNT(*)").From(jobsTable).Where(sq.GtOrEq{"created_at": t.UTC()}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count: %w", err)
	}

	var n int64
	if err := s.client.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// UpdateJobHeartbeat records that a worker is still converting a PROCESSING job
func (s *Storage) UpdateJobHeartbeat(ctx context.Context, id string) error {
	query, args, err := s.sb.Update(jobsTable).
		Set("heartbeat_at", s.now()).
		Where(sq.Eq{"id": id, "status": string(domain.JobStatusProcessing)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build heartbeat: %w", err)
	}

	if err := s.execOne(ctx, query, args...); err != nil {
		if errors.Is(err, errNoRows) {
			if _, getErr := s.GetJob(ctx, id); getErr != nil {
				return getErr
			}
			return fmt.Errorf("%w: heartbeat requires PROCESSING", domain.ErrInvalidTransition)
		}
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}
	return nil
}

// StaleQuery selects PROCESSING jobs that no worker is converting anymore
type StaleQuery struct {
	// After is how old the last heartbeat must be
	After time.Duration
	// ClaimedBefore, when set, also matches jobs claimed before it that never got a heartbeat
	// and are older than After. Zero leaves queued jobs alone.
	ClaimedBefore time.Time
}

// FailStaleJobs fails the jobs matched by q and returns their ids
func (s *Storage) FailStaleJobs(ctx context.Context, q StaleQuery, detail string) ([]string, error) {
	cutoff := s.now().Add(-q.After)
	stale := sq.Or{sq.Lt{"heartbeat_at": cutoff}}
	if !q.ClaimedBefore.IsZero() {
		claimed := q.ClaimedBefore.UTC()
		if cutoff.Before(claimed) {
			claimed = cutoff
		}
		stale = append(stale, sq.And{
			sq.Eq{"heartbeat_at": nil},
			sq.Lt{"started_at": claimed},
		})
	}

	query, args, err := s.sb.Select("id").From(jobsTable).
		Where(sq.Eq{"status": string(domain.JobStatusProcessing)}).
		Where(stale).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build stale query: %w", err)
	}

	var ids []string
	if err := s.client.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to find stale jobs: %w", err)
	}

	failed := make([]string, 0, len(ids))
	for _, id := range ids {
		err := s.FailJob(ctx, id, detail)
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrJobNotFound) {
			// finished or deleted meanwhile
			continue
		}
		if err != nil {
			return failed, err
		}
		failed = append(failed, id)
	}
	return failed, nil
}

var errNoRows = errors.New("no rows affected")

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (s *Storage) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.client.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return errNoRows
	}
	return nil
}
