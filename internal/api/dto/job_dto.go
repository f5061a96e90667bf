package dto

import (
	"time"

	"github.com/cuongbtq/file-converter/internal/domain"
	"github.com/dustin/go-humanize"
)

type ListJobsRequest struct {
	Status   string `form:"status"`
	Category string `form:"category"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type UploadBatchResponse struct {
	Jobs   []JobDTO         `json:"jobs"`
	Errors []UploadErrorDTO `json:"errors,omitempty"`
}

type UploadErrorDTO struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

type StartConversionRequest struct {
	JobIDs []string `json:"job_ids"`
}

type JobDTO struct {
	JobID            string  `json:"job_id"`
	OriginalFilename string  `json:"original_filename"`
	SourceFormat     string  `json:"source_format"`
	TargetFormat     string  `json:"target_format"`
	Category         string  `json:"category"`
	SizeBytes        int64   `json:"size_bytes"`
	SizeHuman        string  `json:"size_human"`
	Status           string  `json:"status"`
	Progress         int     `json:"progress"`
	Degraded         bool    `json:"degraded"`
	Strategy         *string `json:"strategy,omitempty"`
	ErrorDetail      *string `json:"error_detail,omitempty"`
	DownloadCount    int64   `json:"download_count"`
	RetryOf          *string `json:"retry_of,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
	StartedAt        *string `json:"started_at,omitempty"`
	CompletedAt      *string `json:"completed_at,omitempty"`
	PurgedAt         *string `json:"purged_at,omitempty"`
}

// NewJobDTO converts a job to its response shape
func NewJobDTO(job *domain.Job) JobDTO {
	return JobDTO{
		JobID:            job.ID,
		OriginalFilename: job.OriginalFilename,
		SourceFormat:     string(job.SourceFormat),
		TargetFormat:     string(job.TargetFormat),
		Category:         string(job.Category),
		SizeBytes:        job.SizeBytes,
		SizeHuman:        humanSize(job.SizeBytes),
		Status:           string(job.Status),
		Progress:         job.Progress(),
		Degraded:         job.Degraded,
		Strategy:         job.Strategy,
		ErrorDetail:      job.ErrorDetail,
		DownloadCount:    job.DownloadCount,
		RetryOf:          job.RetryOf,
		CreatedAt:        job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        job.UpdatedAt.Format(time.RFC3339),
		StartedAt:        formatTime(job.StartedAt),
		CompletedAt:      formatTime(job.CompletedAt),
		PurgedAt:         formatTime(job.PurgedAt),
	}
}

type StatsDTO struct {
	TotalJobs        int64   `json:"total_jobs"`
	Pending          int64   `json:"pending"`
	Processing       int64   `json:"processing"`
	Completed        int64   `json:"completed"`
	Failed           int64   `json:"failed"`
	Degraded         int64   `json:"degraded"`
	TotalDownloads   int64   `json:"total_downloads"`
	TotalBytes       int64   `json:"total_bytes"`
	TotalSizeHuman   string  `json:"total_size_human"`
	CreatedToday     int64   `json:"created_today"`
	CreatedLast7Days int64   `json:"created_last_7_days"`
	SuccessRate      float64 `json:"success_rate"`
}

func NewStatsDTO(s domain.Stats) StatsDTO {
	return StatsDTO{
		TotalJobs:        s.Total,
		Pending:          s.Pending,
		Processing:       s.Processing,
		Completed:        s.Completed,
		Failed:           s.Failed,
		Degraded:         s.Degraded,
		TotalDownloads:   s.TotalDownloads,
		TotalBytes:       s.TotalBytes,
		TotalSizeHuman:   humanSize(s.TotalBytes),
		CreatedToday:     s.CreatedToday,
		CreatedLast7Days: s.CreatedWeek,
		SuccessRate:      s.SuccessRate(),
	}
}

func humanSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
