package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/file-converter/internal/domain"
	"github.com/cuongbtq/file-converter/internal/format"
	"github.com/cuongbtq/file-converter/internal/scheduler"
	"github.com/cuongbtq/file-converter/internal/service"
)

// JobService is the set of job operations exposed over HTTP
type JobService interface {
	Upload(ctx context.Context, in service.UploadInput) (*domain.Job, error)
	StartConversion(ctx context.Context, ids []string) (scheduler.Result, error)
	Progress(ctx context.Context, id string) (service.Progress, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, f service.ListFilter) (service.Page, error)
	Download(ctx context.Context, id string) (*service.Download, error)
	Delete(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (*domain.Job, error)
	Stats(ctx context.Context) (domain.Stats, error)
	Formats() map[format.Category][]format.Format
}

// HealthChecker reports whether a backing dependency is usable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Service JobService
	// DB is optional; /health skips the database check without it
	DB HealthChecker
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	service JobService
	db      HealthChecker
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandler{
		logger:  logger,
		service: deps.Service,
		db:      deps.DB,
	}
}
