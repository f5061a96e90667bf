package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/cuongbtq/file-converter/internal/api/dto"
	"github.com/cuongbtq/file-converter/internal/domain"
	"github.com/cuongbtq/file-converter/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// UploadFile handles POST /api/v1/jobs
// Stores a multipart upload and creates a PENDING job. Several files sent as "files" share one
// source/target pair and get a job each.
func (h *JobHandler) UploadFile(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
			})
			return
		}
		h.logger.Warn("Upload without file", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "file is required",
		})
		return
	}

	if files := form.File["files"]; len(files) > 0 {
		h.uploadBatch(c, files)
		return
	}

	files := form.File["file"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "file is required",
		})
		return
	}

	job, err := h.upload(c, files[0])
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewJobDTO(job))
}

// uploadBatch creates one job per file. It answers 201 when at least one job was created and
// reports the rejected files alongside.
func (h *JobHandler) uploadBatch(c *gin.Context, files []*multipart.FileHeader) {
	resp := dto.UploadBatchResponse{Jobs: []dto.JobDTO{}}
	var firstErr error

	for _, fh := range files {
		job, err := h.upload(c, fh)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			resp.Errors = append(resp.Errors, dto.UploadErrorDTO{
				Filename: fh.Filename,
				Error:    h.clientMessage(c, err),
			})
			continue
		}
		resp.Jobs = append(resp.Jobs, dto.NewJobDTO(job))
	}

	if len(resp.Jobs) == 0 {
		c.JSON(StatusFor(firstErr), resp)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *JobHandler) upload(c *gin.Context, fh *multipart.FileHeader) (*domain.Job, error) {
	file, err := fh.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded file",
			slog.String("filename", fh.Filename),
			slog.String("error", err.Error()),
		)
		return nil, domain.NewValidationError("file", "failed to read uploaded file")
	}
	defer file.Close()

	return h.service.Upload(c.Request.Context(), service.UploadInput{
		Filename:     fh.Filename,
		Body:         file,
		SourceFormat: c.PostForm("source_format"),
		TargetFormat: c.PostForm("target_format"),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.service.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional status and category filters
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	page, err := h.service.ListJobs(c.Request.Context(), service.ListFilter{
		Status:   req.Status,
		Category: req.Category,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	jobs := make([]dto.JobDTO, len(page.Jobs))
	for i := range page.Jobs {
		jobs[i] = dto.NewJobDTO(&page.Jobs[i])
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		NextCursor: EncodeJobCursor(page.Next),
	})
}

// GetProgress handles GET /api/v1/jobs/:job_id/progress
func (h *JobHandler) GetProgress(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	progress, err := h.service.Progress(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, progress)
}

// DownloadFile handles GET /api/v1/jobs/:job_id/download
// Streams the converted artifact. The artifact is purged shortly after the first download.
func (h *JobHandler) DownloadFile(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	download, err := h.service.Download(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer download.Body.Close()

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")

	c.DataFromReader(http.StatusOK, -1, download.ContentType, download.Body, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, download.Filename),
		"X-Download-Count":    strconv.FormatInt(download.DownloadCount, 10),
	})
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Creates a new PENDING job from a FAILED one
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.service.Retry(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.NewJobDTO(job))
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Permanently deletes a job and its artifacts
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.service.Delete(c.Request.Context(), jobID); err != nil {
		h.respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// StartConversions handles POST /api/v1/conversions
func (h *JobHandler) StartConversions(c *gin.Context) {
	var req dto.StartConversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	result, err := h.service.StartConversion(c.Request.Context(), req.JobIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

// GetStats handles GET /api/v1/stats
func (h *JobHandler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewStatsDTO(stats))
}

// ListFormats handles GET /api/v1/formats
func (h *JobHandler) ListFormats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"formats": h.service.Formats(),
	})
}

// Health handles GET /health
func (h *JobHandler) Health(c *gin.Context) {
	if h.db != nil {
		if err := h.db.HealthCheck(c.Request.Context()); err != nil {
			h.logger.Error("Health check failed", slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "file-converter-api",
				"error":   err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "file-converter-api",
	})
}

// jobID validates the :job_id path parameter and writes a 400 when it is not a UUID
func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

// respondError maps a service error to its HTTP status
func (h *JobHandler) respondError(c *gin.Context, err error) {
	c.JSON(StatusFor(err), gin.H{
		"error": h.clientMessage(c, err),
	})
}

// clientMessage is the error text shown to clients. Internal errors are logged and hidden.
func (h *JobHandler) clientMessage(c *gin.Context, err error) string {
	if StatusFor(err) != http.StatusInternalServerError {
		return err.Error()
	}
	h.logger.Error("Request failed",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("error", err.Error()),
	)
	return "Internal server error"
}

// StatusFor returns the HTTP status code for err
func StatusFor(err error) int {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrArtifactMissing):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
