package router

import (
	"log/slog"
	"time"

	"github.com/cuongbtq/file-converter/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
)

// multipart framing on top of the file itself
const uploadBodySlack = 1 << 20

// Options tunes the HTTP surface
type Options struct {
	AdminTokens []string
	// RateLimitRPS limits uploads per client IP; 0 disables it
	RateLimitRPS float64
	// MaxUploadBytes caps the upload body; 0 disables it
	MaxUploadBytes int64
	// Redis shares the upload rate limit between replicas when set
	Redis *goredis.Client
	// Gatherer defaults to prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	jobHandler := handler.NewJobHandler(deps)

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r.GET("/health", jobHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	upload := []gin.HandlerFunc{uploadLimiter(deps, opts)}
	if opts.MaxUploadBytes > 0 {
		upload = append(upload, MaxBodyMiddleware(opts.MaxUploadBytes+uploadBodySlack))
	}
	upload = append(upload, jobHandler.UploadFile)

	v1 := r.Group("/api/v1")
	{
		// GET /api/v1/formats - Supported formats per category
		v1.GET("/formats", jobHandler.ListFormats)

		// GET /api/v1/stats - Aggregate job statistics
		v1.GET("/stats", jobHandler.GetStats)

		// POST /api/v1/conversions - Start conversions for PENDING jobs
		v1.POST("/conversions", jobHandler.StartConversions)

		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Upload a file
			jobs.POST("", upload...)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/progress - Job progress
			jobs.GET("/:job_id/progress", jobHandler.GetProgress)

			// GET /api/v1/jobs/:job_id/download - Download the converted file
			jobs.GET("/:job_id/download", jobHandler.DownloadFile)

			// POST /api/v1/jobs/:job_id/retry - Retry a failed job
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)

			// DELETE /api/v1/jobs/:job_id - Delete a job (admin)
			jobs.DELETE("/:job_id", AdminAuthMiddleware(opts.AdminTokens), jobHandler.DeleteJob)
		}
	}

	return r
}

func uploadLimiter(deps *handler.Dependencies, opts Options) gin.HandlerFunc {
	switch {
	case opts.RateLimitRPS <= 0:
		return func(c *gin.Context) { c.Next() }
	case opts.Redis != nil:
		limit := int(opts.RateLimitRPS)
		if limit < 1 {
			limit = 1
		}
		return RedisRateLimitMiddleware(RedisRateLimitConfig{
			Client: opts.Redis,
			Limit:  limit,
			Window: time.Second,
			Logger: deps.Logger,
		})
	default:
		return NewRateLimiter(opts.RateLimitRPS).Middleware()
	}
}
