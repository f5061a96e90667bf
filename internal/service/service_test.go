package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/file-converter/internal/blob"
	"github.com/cuongbtq/file-converter/internal/converter"
	"github.com/cuongbtq/file-converter/internal/domain"
	"github.com/cuongbtq/file-converter/internal/metrics"
	"github.com/cuongbtq/file-converter/internal/reaper"
	"github.com/cuongbtq/file-converter/internal/scheduler"
	"github.com/cuongbtq/file-converter/internal/storage"
	"github.com/cuongbtq/file-converter/internal/worker"
	"github.com/cuongbtq/file-converter/shared/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noTools reports every external tool as missing
type noTools struct{}

func (noTools) LookPath(name string) (string, error) {
	return "", converter.ErrToolMissing
}

func (noTools) Run(context.Context, string, string, ...string) error {
	return errors.New("unexpected tool run")
}

type env struct {
	svc     *Service
	store   *storage.Storage
	blob    blob.Store
	reaper  *reaper.Reaper
	metrics *prometheus.Registry
}

func newEnv(t *testing.T, mutate func(cfg *Config)) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	client, err := database.NewClient(&database.Config{Driver: database.DriverSQLite, Path: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	store := storage.NewStorage(client, logger)
	require.NoError(t, store.Migrate(ctx))

	blobs, err := blob.NewLocal(t.TempDir(), logger)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)
	registry := converter.NewRegistry(converter.Options{Runner: noTools{}}, logger)

	w := worker.NewWorker(&worker.Config{
		Logger:      logger,
		Storage:     store,
		Blob:        blobs,
		Registry:    registry,
		Metrics:     m,
		Concurrency: 2,
		QueueSize:   16,
		JobTimeout:  10 * time.Second,
		ScratchDir:  t.TempDir(),
	})
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(workerCtx)
	}()
	t.Cleanup(func() {
		cancel()
		w.Stop()
		<-done
	})

	r := reaper.New(reaper.Config{
		Delay:   200 * time.Millisecond,
		Remover: blobs,
		Store:   store,
		Metrics: m,
		Logger:  logger,
	})
	t.Cleanup(r.Stop)

	cfg := Config{
		Store:     store,
		Blob:      blobs,
		Pairs:     registry,
		Scheduler: scheduler.New(store, w, logger),
		Reaper:    r,
		Canceler:  w,
		Metrics:   m,
		Logger:    logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &env{svc: New(cfg), store: store, blob: blobs, reaper: r, metrics: reg}
}

func (e *env) upload(t *testing.T, name string, data []byte, source, target string) *domain.Job {
	t.Helper()
	job, err := e.svc.Upload(context.Background(), UploadInput{
		Filename:     name,
		Body:         bytes.NewReader(data),
		SourceFormat: source,
		TargetFormat: target,
	})
	require.NoError(t, err)
	return job
}

func (e *env) convert(t *testing.T, job *domain.Job) *domain.Job {
	t.Helper()
	res, err := e.svc.StartConversion(context.Background(), []string{job.ID})
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, res.Accepted)

	var done *domain.Job
	require.Eventually(t, func() bool {
		var err error
		done, err = e.svc.GetJob(context.Background(), job.ID)
		return err == nil && done.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return done
}

func (e *env) download(t *testing.T, id string) []byte {
	t.Helper()
	d, err := e.svc.Download(context.Background(), id)
	require.NoError(t, err)
	defer d.Body.Close()
	data, err := io.ReadAll(d.Body)
	require.NoError(t, err)
	return data
}

func transparentPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.NRGBA{B: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestService_PNGToJPGDropsAlpha(t *testing.T) {
	e := newEnv(t, nil)

	job := e.upload(t, "logo.png", transparentPNG(t), "PNG", "JPG")
	assert.Equal(t, domain.JobStatusPending, job.Status)

	done := e.convert(t, job)
	require.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.False(t, done.Degraded)

	d, err := e.svc.Download(context.Background(), job.ID)
	require.NoError(t, err)
	defer d.Body.Close()
	assert.Equal(t, "converted.jpg", d.Filename)
	assert.Equal(t, "image/jpeg", d.ContentType)

	img, err := jpeg.Decode(d.Body)
	require.NoError(t, err)
	r, g, b, a := img.At(3, 3).RGBA()
	assert.Equal(t, uint32(0xffff), a)
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestService_CSVToJSON(t *testing.T) {
	e := newEnv(t, nil)

	job := e.upload(t, "people.csv", []byte("name,age\nAlice,30\nBob,25"), "CSV", "JSON")
	done := e.convert(t, job)
	require.Equal(t, domain.JobStatusCompleted, done.Status)

	assert.JSONEq(t, `[{"name":"Alice","age":"30"},{"name":"Bob","age":"25"}]`, string(e.download(t, job.ID)))
}

func TestService_MP4ToMP3WithoutTranscoderDegrades(t *testing.T) {
	e := newEnv(t, nil)

	job := e.upload(t, "clip.mp4", []byte("not really a video"), "MP4", "MP3")
	done := e.convert(t, job)

	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.True(t, done.Degraded)
	assert.Nil(t, done.ErrorDetail)
	assert.Equal(t, "not really a video", string(e.download(t, job.ID)))
}

func TestService_ConcurrentDownloadsCleanOnce(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	job := e.upload(t, "people.csv", []byte("name\nAlice"), "CSV", "JSON")
	done := e.convert(t, job)
	require.Equal(t, domain.JobStatusCompleted, done.Status)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := e.svc.Download(ctx, job.ID)
			if assert.NoError(t, err) {
				d.Body.Close()
			}
		}()
	}
	wg.Wait()

	got, err := e.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.DownloadCount)

	require.Eventually(t, func() bool {
		got, err := e.store.GetJob(ctx, job.ID)
		return err == nil && got.PurgedAt != nil
	}, 2*time.Second, 10*time.Millisecond)

	expected := `
# HELP test_reaper_purges_total Artifact cleanups by result
# TYPE test_reaper_purges_total counter
test_reaper_purges_total{result="ok"} 1
`
	assert.Eventually(t, func() bool {
		return testutil.GatherAndCompare(e.metrics, strings.NewReader(expected), "test_reaper_purges_total") == nil
	}, time.Second, 10*time.Millisecond)

	// the record survives with its locations, the artifacts do not
	_, err = e.blob.Open(ctx, *got.OutputLocation)
	assert.ErrorIs(t, err, blob.ErrObjectNotFound)
	_, err = e.blob.Open(ctx, got.InputLocation)
	assert.ErrorIs(t, err, blob.ErrObjectNotFound)

	_, err = e.svc.Download(ctx, job.ID)
	var storageErr *domain.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.ErrorIs(t, err, domain.ErrArtifactMissing)
}

func TestService_DownloadBeforeCompletion(t *testing.T) {
	e := newEnv(t, nil)

	job := e.upload(t, "a.csv", []byte("a\n1"), "CSV", "JSON")
	_, err := e.svc.Download(context.Background(), job.ID)
	assert.True(t, domain.IsValidation(err))
	assert.ErrorIs(t, err, domain.ErrJobNotReady)

	got, err := e.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.DownloadCount)
	assert.False(t, e.reaper.Pending(job.ID))
}

func TestService_Delete(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	job := e.upload(t, "a.csv", []byte("a\n1"), "CSV", "JSON")
	done := e.convert(t, job)
	require.Equal(t, domain.JobStatusCompleted, done.Status)

	// a download arms the reaper, delete must disarm it
	d, err := e.svc.Download(ctx, job.ID)
	require.NoError(t, err)
	d.Body.Close()
	require.True(t, e.reaper.Pending(job.ID))

	require.NoError(t, e.svc.Delete(ctx, job.ID))
	assert.False(t, e.reaper.Pending(job.ID))

	_, err = e.blob.Open(ctx, done.InputLocation)
	assert.ErrorIs(t, err, blob.ErrObjectNotFound)
	_, err = e.blob.Open(ctx, *done.OutputLocation)
	assert.ErrorIs(t, err, blob.ErrObjectNotFound)

	_, err = e.svc.Download(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.ErrorIs(t, e.svc.Delete(ctx, job.ID), domain.ErrJobNotFound)

	stats, err := e.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total)
}

// finishingWorker completes the conversion at the moment it is asked to cancel it
type finishingWorker struct {
	t     *testing.T
	store *storage.Storage
	blob  blob.Store
	job   *domain.Job
}

func (w *finishingWorker) Cancel(jobID string) bool {
	ctx := context.Background()
	key := blob.OutputKey(jobID, w.job.OriginalFilename, w.job.TargetFormat.Ext())
	_, err := w.blob.Put(ctx, key, strings.NewReader(`[{"a":"1"}]`))
	require.NoError(w.t, err)
	require.NoError(w.t, w.store.CompleteJob(ctx, jobID, storage.CompleteParams{
		OutputLocation: key,
		Strategy:       "csv-json",
	}))
	return false
}

func TestService_DeleteWhileOutputLands(t *testing.T) {
	finisher := &finishingWorker{t: t}
	e := newEnv(t, func(cfg *Config) { cfg.Canceler = finisher })
	ctx := context.Background()

	job := e.upload(t, "a.csv", []byte("a\n1"), "CSV", "JSON")
	_, err := e.store.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	finisher.store, finisher.blob, finisher.job = e.store, e.blob, job

	require.NoError(t, e.svc.Delete(ctx, job.ID))

	_, err = e.blob.Open(ctx, job.InputLocation)
	assert.ErrorIs(t, err, blob.ErrObjectNotFound)
	_, err = e.blob.Open(ctx, blob.OutputKey(job.ID, job.OriginalFilename, "json"))
	assert.ErrorIs(t, err, blob.ErrObjectNotFound)

	_, err = e.store.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestService_UploadValidation(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		body     string
		source   string
		target   string
		field    string
	}{
		{name: "missing name", filename: "", body: "x", target: "JSON", field: "file"},
		{name: "unknown source from extension", filename: "a.exe", body: "x", target: "PNG", field: "source_format"},
		{name: "unknown explicit source", filename: "a.png", body: "x", source: "HEIC", target: "PNG", field: "source_format"},
		{name: "missing target", filename: "a.png", body: "x", field: "target_format"},
		{name: "unknown target", filename: "a.png", body: "x", target: "PSD", field: "target_format"},
		{name: "unsupported pair", filename: "a.png", body: "x", target: "MP3", field: "target_format"},
		{name: "empty file", filename: "a.png", body: "", target: "JPG", field: "file"},
		{name: "too large", filename: "a.png", body: "0123456789", target: "JPG", field: "file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, func(cfg *Config) { cfg.MaxUploadBytes = 8 })

			_, err := e.svc.Upload(context.Background(), UploadInput{
				Filename:     tt.filename,
				Body:         strings.NewReader(tt.body),
				SourceFormat: tt.source,
				TargetFormat: tt.target,
			})
			var v *domain.ValidationError
			require.ErrorAs(t, err, &v)
			assert.Equal(t, tt.field, v.Field)

			stats, err := e.svc.Stats(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(0), stats.Total)
		})
	}
}

func TestService_UploadDerivesSourceAndSanitizes(t *testing.T) {
	e := newEnv(t, nil)

	job := e.upload(t, `C:\Users\me\My Report.final.CSV`, []byte("a\n1"), "", ".json")
	assert.Equal(t, "My_Report.final.CSV", job.OriginalFilename)
	assert.Equal(t, "CSV", string(job.SourceFormat))
	assert.Equal(t, "JSON", string(job.TargetFormat))
	assert.Equal(t, "tabular", string(job.Category))
	assert.Equal(t, int64(3), job.SizeBytes)
	assert.Equal(t, blob.InputKey(job.ID, "My_Report.final.CSV"), job.InputLocation)
}

func TestService_Progress(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	pending := e.upload(t, "a.csv", []byte("a\n1"), "CSV", "JSON")
	p, err := e.svc.Progress(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, Progress{JobID: pending.ID, Status: domain.JobStatusPending, Percent: 0}, p)

	processing := e.upload(t, "b.csv", []byte("a\n1"), "CSV", "JSON")
	_, err = e.store.ClaimJob(ctx, processing.ID)
	require.NoError(t, err)
	p, err = e.svc.Progress(ctx, processing.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, p.Percent)

	require.NoError(t, e.store.FailJob(ctx, processing.ID, "boom"))
	p, err = e.svc.Progress(ctx, processing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, p.Status)
	assert.Equal(t, 0, p.Percent)

	completed := e.convert(t, pending)
	p, err = e.svc.Progress(ctx, completed.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, p.Percent)

	_, err = e.svc.Progress(ctx, "3f0c8e9a-31a4-4d38-9a0e-2b8f7d6b5c4a")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestService_StartConversionIsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	job := e.upload(t, "a.csv", []byte("a\n1"), "CSV", "JSON")
	e.convert(t, job)

	res, err := e.svc.StartConversion(ctx, []string{job.ID})
	require.NoError(t, err)
	assert.Empty(t, res.Accepted)
	assert.Equal(t, []string{job.ID}, res.Skipped)

	_, err = e.svc.StartConversion(ctx, nil)
	assert.True(t, domain.IsValidation(err))
	_, err = e.svc.StartConversion(ctx, []string{"not-a-uuid"})
	assert.True(t, domain.IsValidation(err))
}

func TestService_Retry(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	failed := e.upload(t, "a.csv", []byte("a\n1"), "CSV", "JSON")
	_, err := e.store.ClaimJob(ctx, failed.ID)
	require.NoError(t, err)
	require.NoError(t, e.store.FailJob(ctx, failed.ID, "conversion interrupted"))

	retry, err := e.svc.Retry(ctx, failed.ID)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, retry.ID)
	assert.Equal(t, domain.JobStatusPending, retry.Status)
	require.NotNil(t, retry.RetryOf)
	assert.Equal(t, failed.ID, *retry.RetryOf)
	assert.Equal(t, blob.InputKey(retry.ID, "a.csv"), retry.InputLocation)

	// the failed job is frozen
	orig, err := e.store.GetJob(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, orig.Status)

	done := e.convert(t, retry)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)

	_, err = e.svc.Retry(ctx, retry.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestService_ListJobs(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	ids := make(map[string]bool)
	for _, name := range []string{"a.csv", "b.csv", "c.png"} {
		source := "CSV"
		target := "JSON"
		if strings.HasSuffix(name, ".png") {
			source, target = "PNG", "JPG"
		}
		ids[e.upload(t, name, []byte("x"), source, target).ID] = true
	}

	first, err := e.svc.ListJobs(ctx, ListFilter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Jobs, 2)
	require.NotNil(t, first.Next)

	second, err := e.svc.ListJobs(ctx, ListFilter{PageSize: 2, Cursor: first.Next})
	require.NoError(t, err)
	require.Len(t, second.Jobs, 1)
	assert.Nil(t, second.Next)

	seen := make(map[string]bool)
	for _, j := range append(first.Jobs, second.Jobs...) {
		seen[j.ID] = true
	}
	assert.Equal(t, ids, seen)

	tabular, err := e.svc.ListJobs(ctx, ListFilter{Category: "tabular"})
	require.NoError(t, err)
	assert.Len(t, tabular.Jobs, 2)

	_, err = e.svc.ListJobs(ctx, ListFilter{Status: "RUNNING"})
	assert.True(t, domain.IsValidation(err))
	_, err = e.svc.ListJobs(ctx, ListFilter{Category: "spreadsheet"})
	assert.True(t, domain.IsValidation(err))
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "report.pdf", want: "report.pdf"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: `C:\tmp\a b.png`, want: "a_b.png"},
		{in: "  .hidden  ", want: "hidden"},
		{in: "résumé.docx", want: "rsum.docx"},
		{in: "", want: ""},
		{in: "/", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}
