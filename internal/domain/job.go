package domain

import (
	"math"
	"time"

	"github.com/cuongbtq/file-converter/internal/format"
)

// Job is one upload-to-download conversion request and its tracked state
type Job struct {
	ID               string          `db:"id"`
	OriginalFilename string          `db:"original_filename"`
	SourceFormat     format.Format   `db:"source_format"`
	TargetFormat     format.Format   `db:"target_format"`
	Category         format.Category `db:"category"`
	SizeBytes        int64           `db:"size_bytes"`
	Status           JobStatus       `db:"status"`
	InputLocation    string          `db:"input_location"`
	OutputLocation   *string         `db:"output_location"`
	ErrorDetail      *string         `db:"error_detail"`
	Degraded         bool            `db:"degraded"`
	Strategy         *string         `db:"strategy"`
	DownloadCount    int64           `db:"download_count"`
	RetryOf          *string         `db:"retry_of"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
	StartedAt        *time.Time      `db:"started_at"`
	HeartbeatAt      *time.Time      `db:"heartbeat_at"`
	CompletedAt      *time.Time      `db:"completed_at"`
	PurgedAt         *time.Time      `db:"purged_at"`
}

// Progress returns the fixed completion percentage for the job's status
func (j *Job) Progress() int {
	return j.Status.Progress()
}

// DownloadName is the file name offered to clients when streaming the output
func (j *Job) DownloadName() string {
	return "converted." + j.TargetFormat.Ext()
}

// JobMessage is the payload exchanged between the scheduler and the worker pool
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}

// Stats aggregates job records for the statistics endpoint
type Stats struct {
	Total          int64 `db:"total"`
	Pending        int64 `db:"pending"`
	Processing     int64 `db:"processing"`
	Completed      int64 `db:"completed"`
	Failed         int64 `db:"failed"`
	Degraded       int64 `db:"degraded"`
	TotalDownloads int64 `db:"total_downloads"`
	TotalBytes     int64 `db:"total_bytes"`
	CreatedToday   int64 `db:"-"`
	CreatedWeek    int64 `db:"-"`
}

// SuccessRate is completed/total as a percentage rounded to two decimals
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	rate := float64(s.Completed) / float64(s.Total) * 100
	return math.Round(rate*100) / 100
}
