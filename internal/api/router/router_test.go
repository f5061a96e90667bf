package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/file-converter/internal/api/handler"
	"github.com/cuongbtq/file-converter/internal/domain"
	"github.com/cuongbtq/file-converter/internal/format"
	"github.com/cuongbtq/file-converter/internal/scheduler"
	"github.com/cuongbtq/file-converter/internal/service"
	"github.com/cuongbtq/file-converter/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	jobID      = "6f1c2d3e-4b5a-4c6d-8e9f-0a1b2c3d4e5f"
	adminToken = "s3cret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeService records calls and returns canned results
type fakeService struct {
	uploaded   service.UploadInput
	uploadBody string
	uploads    []string
	uploadErrs map[string]error
	started    []string
	listFilter service.ListFilter
	deleted    string

	job      *domain.Job
	page     service.Page
	download *service.Download
	stats    domain.Stats
	err      error
}

func (f *fakeService) Upload(_ context.Context, in service.UploadInput) (*domain.Job, error) {
	f.uploaded = in
	f.uploads = append(f.uploads, in.Filename)
	body, _ := io.ReadAll(in.Body)
	f.uploadBody = string(body)
	if err := f.uploadErrs[in.Filename]; err != nil {
		return nil, err
	}
	return f.job, f.err
}

func (f *fakeService) StartConversion(_ context.Context, ids []string) (scheduler.Result, error) {
	f.started = ids
	if f.err != nil {
		return scheduler.Result{}, f.err
	}
	return scheduler.Result{Accepted: ids}, nil
}

func (f *fakeService) Progress(_ context.Context, id string) (service.Progress, error) {
	if f.err != nil {
		return service.Progress{}, f.err
	}
	return service.Progress{JobID: id, Status: f.job.Status, Percent: f.job.Progress()}, nil
}

func (f *fakeService) GetJob(context.Context, string) (*domain.Job, error) {
	return f.job, f.err
}

func (f *fakeService) ListJobs(_ context.Context, filter service.ListFilter) (service.Page, error) {
	f.listFilter = filter
	return f.page, f.err
}

func (f *fakeService) Download(context.Context, string) (*service.Download, error) {
	return f.download, f.err
}

func (f *fakeService) Delete(_ context.Context, id string) error {
	f.deleted = id
	return f.err
}

func (f *fakeService) Retry(context.Context, string) (*domain.Job, error) {
	return f.job, f.err
}

func (f *fakeService) Stats(context.Context) (domain.Stats, error) {
	return f.stats, f.err
}

func (f *fakeService) Formats() map[format.Category][]format.Format {
	return format.All()
}

type fakeDB struct{ err error }

func (f fakeDB) HealthCheck(context.Context) error { return f.err }

func testJob() *domain.Job {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Job{
		ID:               jobID,
		OriginalFilename: "photo.png",
		SourceFormat:     format.PNG,
		TargetFormat:     format.JPG,
		Category:         format.CategoryImage,
		SizeBytes:        1536,
		Status:           domain.JobStatusPending,
		InputLocation:    "uploads/" + jobID + "/photo.png",
		CreatedAt:        created,
		UpdatedAt:        created,
	}
}

func newTestRouter(svc *fakeService, opts Options) *gin.Engine {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	if opts.AdminTokens == nil {
		opts.AdminTokens = []string{adminToken}
	}
	deps := &handler.Dependencies{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Service: svc,
		DB:      fakeDB{},
	}
	return SetupRouter(deps, opts)
}

func do(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func multipartRequest(t *testing.T, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func TestUpload(t *testing.T) {
	svc := &fakeService{job: testJob()}
	r := newTestRouter(svc, Options{})

	w := do(r, multipartRequest(t, "photo.png", "png-bytes", map[string]string{"target_format": "jpg"}))

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "photo.png", svc.uploaded.Filename)
	assert.Equal(t, "jpg", svc.uploaded.TargetFormat)
	assert.Empty(t, svc.uploaded.SourceFormat)
	assert.Equal(t, "png-bytes", svc.uploadBody)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, jobID, got["job_id"])
	assert.Equal(t, "PENDING", got["status"])
	assert.Equal(t, "1.5 kB", got["size_human"])
	assert.EqualValues(t, 0, got["progress"])
	assert.NotContains(t, got, "error_detail")
}

func TestUpload_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		r := newTestRouter(&fakeService{}, Options{})
		w := do(r, multipartRequest(t, "", "", map[string]string{"target_format": "jpg"}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "file is required", decodeError(t, w))
	})

	t.Run("validation", func(t *testing.T) {
		svc := &fakeService{err: domain.NewValidationError("target_format", "cannot convert PNG to MP3")}
		r := newTestRouter(svc, Options{})
		w := do(r, multipartRequest(t, "photo.png", "x", map[string]string{"target_format": "mp3"}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decodeError(t, w), "cannot convert PNG to MP3")
	})

	t.Run("body too large", func(t *testing.T) {
		r := newTestRouter(&fakeService{job: testJob()}, Options{MaxUploadBytes: 16})
		big := strings.Repeat("a", 2<<20)
		w := do(r, multipartRequest(t, "big.txt", big, map[string]string{"target_format": "pdf"}))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func batchRequest(t *testing.T, files map[string]string, target string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.WriteField("target_format", target))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUpload_Batch(t *testing.T) {
	tests := []struct {
		name       string
		uploadErrs map[string]error
		wantStatus int
		wantJobs   int
		wantErrors map[string]string
	}{
		{
			name:       "all accepted",
			wantStatus: http.StatusCreated,
			wantJobs:   2,
		},
		{
			name: "partial",
			uploadErrs: map[string]error{
				"b.gif": errors.New("disk full"),
			},
			wantStatus: http.StatusCreated,
			wantJobs:   1,
			wantErrors: map[string]string{"b.gif": "Internal server error"},
		},
		{
			name: "all rejected",
			uploadErrs: map[string]error{
				"a.png": domain.NewValidationError("file", "file is empty"),
				"b.gif": domain.NewValidationError("source_format", "unsupported format"),
			},
			wantStatus: http.StatusBadRequest,
			wantErrors: map[string]string{"a.png": "file is empty", "b.gif": "unsupported format"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{job: testJob(), uploadErrs: tt.uploadErrs}
			r := newTestRouter(svc, Options{})

			w := do(r, batchRequest(t, map[string]string{"a.png": "png", "b.gif": "gif"}, "jpg"))
			require.Equal(t, tt.wantStatus, w.Code)
			assert.ElementsMatch(t, []string{"a.png", "b.gif"}, svc.uploads)
			assert.Equal(t, "jpg", svc.uploaded.TargetFormat)

			var got struct {
				Jobs   []map[string]interface{} `json:"jobs"`
				Errors []struct {
					Filename string `json:"filename"`
					Error    string `json:"error"`
				} `json:"errors"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			assert.Len(t, got.Jobs, tt.wantJobs)
			require.Len(t, got.Errors, len(tt.wantErrors))
			for _, e := range got.Errors {
				assert.Contains(t, e.Error, tt.wantErrors[e.Filename])
			}
			assert.NotContains(t, w.Body.String(), "disk full")
		})
	}
}

func TestUpload_RateLimit(t *testing.T) {
	r := newTestRouter(&fakeService{job: testJob()}, Options{RateLimitRPS: 1})

	w := do(r, multipartRequest(t, "a.png", "x", map[string]string{"target_format": "jpg"}))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = do(r, multipartRequest(t, "a.png", "x", map[string]string{"target_format": "jpg"}))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// other routes are not limited
	w = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/formats", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUpload_RedisRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	svc := &fakeService{job: testJob()}
	a := newTestRouter(svc, Options{RateLimitRPS: 2, Redis: client})
	b := newTestRouter(svc, Options{RateLimitRPS: 2, Redis: client})

	// both replicas share one window
	assert.Equal(t, http.StatusCreated, do(a, multipartRequest(t, "a.png", "x", map[string]string{"target_format": "jpg"})).Code)
	assert.Equal(t, http.StatusCreated, do(b, multipartRequest(t, "a.png", "x", map[string]string{"target_format": "jpg"})).Code)

	w := do(a, multipartRequest(t, "a.png", "x", map[string]string{"target_format": "jpg"}))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	mr.FastForward(2 * time.Second)
	assert.Equal(t, http.StatusCreated, do(b, multipartRequest(t, "a.png", "x", map[string]string{"target_format": "jpg"})).Code)
}

func TestUpload_RedisRateLimitWindowExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	r := newTestRouter(&fakeService{job: testJob()}, Options{RateLimitRPS: 1, Redis: client})
	upload := func() int {
		return do(r, multipartRequest(t, "a.png", "x", map[string]string{"target_format": "jpg"})).Code
	}

	assert.Equal(t, http.StatusCreated, upload())
	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, time.Second, mr.TTL(keys[0]))

	// a counter that lost its expiry gets it back instead of blocking forever
	require.NoError(t, mr.Set(keys[0], "50"))
	assert.Equal(t, http.StatusTooManyRequests, upload())
	assert.Greater(t, mr.TTL(keys[0]), time.Duration(0))

	mr.FastForward(2 * time.Second)
	assert.Equal(t, http.StatusCreated, upload())
}

func TestGetJob(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
	}{
		{"found", "/api/v1/jobs/" + jobID, nil, http.StatusOK},
		{"invalid id", "/api/v1/jobs/not-a-uuid", nil, http.StatusBadRequest},
		{"not found", "/api/v1/jobs/" + jobID, domain.ErrJobNotFound, http.StatusNotFound},
		{"store failure", "/api/v1/jobs/" + jobID, errors.New("connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(&fakeService{job: testJob(), err: tt.err}, Options{})
			w := do(r, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusInternalServerError {
				assert.NotContains(t, w.Body.String(), "connection refused")
			}
		})
	}
}

func TestGetProgress(t *testing.T) {
	job := testJob()
	job.Status = domain.JobStatusProcessing
	r := newTestRouter(&fakeService{job: job}, Options{})

	w := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID+"/progress", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"job_id":"`+jobID+`","status":"PROCESSING","progress":50}`, w.Body.String())
}

func TestListJobs(t *testing.T) {
	next := &storage.JobCursor{CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), JobID: jobID}
	svc := &fakeService{page: service.Page{Jobs: []domain.Job{*testJob()}, Next: next}}
	r := newTestRouter(svc, Options{})

	w := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=PENDING&category=image&page_size=1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PENDING", svc.listFilter.Status)
	assert.Equal(t, "image", svc.listFilter.Category)
	assert.Equal(t, 1, svc.listFilter.PageSize)
	assert.Nil(t, svc.listFilter.Cursor)

	var resp struct {
		Jobs       []map[string]interface{} `json:"jobs"`
		NextCursor string                   `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	require.NotEmpty(t, resp.NextCursor)

	// the returned cursor is accepted on the next call
	w = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?cursor="+resp.NextCursor, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, svc.listFilter.Cursor)
	assert.Equal(t, jobID, svc.listFilter.Cursor.JobID)
	assert.True(t, next.CreatedAt.Equal(svc.listFilter.Cursor.CreatedAt))

	w = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?cursor=bm9wZQ", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?page_size=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDownload(t *testing.T) {
	job := testJob()
	job.Status = domain.JobStatusCompleted
	svc := &fakeService{download: &service.Download{
		Job:           job,
		Body:          io.NopCloser(strings.NewReader("jpeg-bytes")),
		Filename:      "converted.jpg",
		ContentType:   "image/jpeg",
		DownloadCount: 2,
	}}
	r := newTestRouter(svc, Options{})

	w := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID+"/download", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jpeg-bytes", w.Body.String())
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="converted.jpg"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", w.Header().Get("Pragma"))
	assert.Equal(t, "0", w.Header().Get("Expires"))
	assert.Equal(t, "2", w.Header().Get("X-Download-Count"))
}

func TestDownload_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "not completed",
			err:        &domain.ValidationError{Field: "job_id", Message: "job is PROCESSING, not COMPLETED", Err: domain.ErrJobNotReady},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "artifact purged",
			err:        &domain.StorageError{Op: "open", Key: jobID, Err: domain.ErrArtifactMissing},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "backend failure",
			err:        &domain.StorageError{Op: "open", Key: jobID, Err: errors.New("s3 timeout")},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(&fakeService{err: tt.err}, Options{})
			w := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID+"/download", nil))
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.NotEmpty(t, decodeError(t, w))
		})
	}
}

func TestRetryJob(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		job := testJob()
		retryOf := "0d7c1a2b-3c4d-4e5f-8a9b-1c2d3e4f5a6b"
		job.RetryOf = &retryOf
		r := newTestRouter(&fakeService{job: job}, Options{})

		w := do(r, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+jobID+"/retry", nil))
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), `"retry_of":"`+retryOf+`"`)
	})

	t.Run("not failed", func(t *testing.T) {
		err := fmt.Errorf("%w: only FAILED jobs can be retried, job is COMPLETED", domain.ErrInvalidTransition)
		r := newTestRouter(&fakeService{err: err}, Options{})

		w := do(r, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+jobID+"/retry", nil))
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestDeleteJob_AdminOnly(t *testing.T) {
	tests := []struct {
		name          string
		authorization string
		wantStatus    int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"not bearer", "Basic " + adminToken, http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusForbidden},
		{"admin", "Bearer " + adminToken, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			r := newTestRouter(svc, Options{})

			req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+jobID, nil)
			if tt.authorization != "" {
				req.Header.Set("Authorization", tt.authorization)
			}
			w := do(r, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusNoContent {
				assert.Equal(t, jobID, svc.deleted)
			} else {
				assert.Empty(t, svc.deleted)
			}
		})
	}
}

func TestDeleteJob_NoTokensConfigured(t *testing.T) {
	svc := &fakeService{}
	r := newTestRouter(svc, Options{AdminTokens: []string{}})

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+jobID, nil)
	req.Header.Set("Authorization", "Bearer ")
	w := do(r, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, svc.deleted)
}

func TestStartConversions(t *testing.T) {
	svc := &fakeService{}
	r := newTestRouter(svc, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversions", strings.NewReader(`{"job_ids":["`+jobID+`"]}`))
	req.Header.Set("Content-Type", "application/json")
	w := do(r, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{jobID}, svc.started)
	assert.Contains(t, w.Body.String(), `"accepted":["`+jobID+`"]`)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/conversions", strings.NewReader(`{"job_ids":`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, do(r, req).Code)
}

func TestGetStats(t *testing.T) {
	svc := &fakeService{stats: domain.Stats{Total: 3, Completed: 2, Failed: 1, TotalDownloads: 5, TotalBytes: 2048}}
	r := newTestRouter(svc, Options{})

	w := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.EqualValues(t, 3, got["total_jobs"])
	assert.EqualValues(t, 5, got["total_downloads"])
	assert.Equal(t, 66.67, got["success_rate"])
	assert.Equal(t, "2.0 kB", got["total_size_human"])
}

func TestListFormats(t *testing.T) {
	r := newTestRouter(&fakeService{}, Options{})

	w := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/formats", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Formats map[string][]string `json:"formats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Contains(t, got.Formats["image"], "PNG")
	assert.Contains(t, got.Formats["tabular"], "CSV")
}

func TestHealth(t *testing.T) {
	r := newTestRouter(&fakeService{}, Options{})
	assert.Equal(t, http.StatusOK, do(r, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)

	deps := &handler.Dependencies{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Service: &fakeService{},
		DB:      fakeDB{err: errors.New("database health check failed")},
	}
	r = SetupRouter(deps, Options{Gatherer: prometheus.NewRegistry()})
	assert.Equal(t, http.StatusServiceUnavailable, do(r, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_uploads_total", Help: "Uploads"})
	reg.MustRegister(counter)
	counter.Inc()

	r := newTestRouter(&fakeService{}, Options{Gatherer: reg})
	w := do(r, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_uploads_total 1")
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(&fakeService{}, Options{})

	w := do(r, httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiter_EvictsIdle(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(1)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	now = now.Add(limiterIdleTTL + time.Second)
	assert.True(t, rl.Allow("10.0.0.2"))
	rl.mu.Lock()
	_, kept := rl.ips["10.0.0.1"]
	rl.mu.Unlock()
	assert.False(t, kept)
}
