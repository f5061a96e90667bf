package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/file-converter/internal/api/handler"
	"github.com/cuongbtq/file-converter/internal/api/router"
	"github.com/cuongbtq/file-converter/internal/blob"
	"github.com/cuongbtq/file-converter/internal/config"
	"github.com/cuongbtq/file-converter/internal/converter"
	"github.com/cuongbtq/file-converter/internal/metrics"
	"github.com/cuongbtq/file-converter/internal/reaper"
	"github.com/cuongbtq/file-converter/internal/scheduler"
	"github.com/cuongbtq/file-converter/internal/service"
	"github.com/cuongbtq/file-converter/internal/storage"
	"github.com/cuongbtq/file-converter/internal/worker"
	"github.com/cuongbtq/file-converter/shared/database"
	"github.com/cuongbtq/file-converter/shared/logger"
	"github.com/cuongbtq/file-converter/shared/rabbitmq"
	sharedredis "github.com/cuongbtq/file-converter/shared/redis"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
)

const metricsNamespace = "converter"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("dispatch_mode", cfg.Dispatch.Mode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := initDatabase(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store := storage.NewStorage(dbClient, appLogger.Logger)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	appLogger.Info("Database connection established")

	blobStore, err := initBlob(ctx, &cfg.Storage, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	redisClient, err := initRedis(ctx, &cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	appMetrics := metrics.New(metricsNamespace, prometheus.DefaultRegisterer)
	registry := converter.NewRegistry(converterOptions(&cfg.Conversion), appLogger.Logger)

	// Wire the dispatcher: an in-process worker pool or the RabbitMQ queue
	var (
		dispatcher    scheduler.Dispatcher
		canceler      service.Canceler
		localWorker   *worker.Worker
		rabbitClient  *rabbitmq.Client
		workerErrChan = make(chan error, 1)
	)
	switch cfg.Dispatch.Mode {
	case config.DispatchRabbitMQ:
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		dispatcher = scheduler.NewQueueDispatcher(rabbitClient)
		appLogger.Info("RabbitMQ connection established")
	default:
		localWorker = worker.NewWorker(&worker.Config{
			Logger:            appLogger.With("component", "worker").Logger,
			Storage:           store,
			Blob:              blobStore,
			Registry:          registry,
			Metrics:           appMetrics,
			Concurrency:       cfg.Worker.Concurrency,
			QueueSize:         cfg.Worker.QueueSize,
			JobTimeout:        cfg.Worker.JobTimeout,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			ScratchDir:        cfg.Storage.ScratchDir,
			StaleAfter:        cfg.Worker.StaleAfter,
			SweepInterval:     cfg.Worker.SweepInterval,
		})
		dispatcher = localWorker
		canceler = localWorker
		go func() {
			if err := localWorker.Start(ctx); err != nil {
				workerErrChan <- err
			}
		}()
	}

	var claimer reaper.Claimer
	if redisClient != nil {
		claimer = reaper.NewRedisClaimer(redisClient)
	}
	jobReaper := reaper.New(reaper.Config{
		Delay:   cfg.Reaper.Delay,
		Remover: blobStore,
		Store:   store,
		Claimer: claimer,
		Metrics: appMetrics,
		Logger:  appLogger.WithAttrs(slog.String("component", "reaper")).Logger,
	})
	defer jobReaper.Stop()

	svc := service.New(service.Config{
		Store:          store,
		Blob:           blobStore,
		Pairs:          registry,
		Scheduler:      scheduler.New(store, dispatcher, appLogger.With("component", "scheduler").Logger),
		Reaper:         jobReaper,
		Canceler:       canceler,
		Metrics:        appMetrics,
		Logger:         appLogger.Logger,
		MaxUploadBytes: cfg.Upload.MaxUploadBytes(),
	})

	r := initRouter(cfg, appLogger.Logger, svc, dbClient, redisClient)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErrChan:
		appLogger.Error("Server failed", slog.Any("error", err))
		runErr = err
	case err := <-workerErrChan:
		appLogger.Error("Worker error", slog.Any("error", err))
		runErr = err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		if runErr == nil {
			runErr = err
		}
	}

	// Stop the in-process pool after the server so no request dispatches into a stopped pool
	cancel()
	if localWorker != nil {
		stopWithTimeout(localWorker.Stop, cfg.Worker.ShutdownTimeout, appLogger.Logger)
	}

	appLogger.Info("Server shutdown complete")
	return runErr
}

// stopWithTimeout runs stop and gives up waiting after timeout
func stopWithTimeout(stop func(), timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker stopped gracefully")
	case <-time.After(timeout):
		logger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initDatabase initializes the job store database client
func initDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	dbConfig := &database.Config{
		Driver:          cfg.Driver,
		Path:            cfg.Path,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return database.NewClient(dbConfig, logger)
}

// initBlob initializes the artifact store
func initBlob(ctx context.Context, cfg *config.StorageConfig, logger *slog.Logger) (blob.Store, error) {
	return blob.New(ctx, blob.Config{
		Backend:   cfg.Backend,
		LocalRoot: cfg.LocalRoot,
		S3: blob.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		},
	}, logger)
}

// initRedis connects to Redis when it is enabled; it returns a nil client otherwise
func initRedis(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*goredis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return sharedredis.NewClient(ctx, &sharedredis.Config{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.DeadLetterExchange,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// converterOptions maps the conversion settings onto the strategy options
func converterOptions(cfg *config.ConversionConfig) converter.Options {
	return converter.Options{
		FFmpegPath:   cfg.FFmpegPath,
		PandocPath:   cfg.PandocPath,
		SevenZipPath: cfg.SevenZipPath,
		UnrarPath:    cfg.UnrarPath,
		RarPath:      cfg.RarPath,
		GotenbergURL: cfg.GotenbergURL,
		ImageQuality: cfg.ImageQuality,
		AudioBitrate: cfg.AudioBitrate,
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, svc *service.Service, db *database.Client, redisClient *goredis.Client) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:  logger,
		Service: svc,
		DB:      db,
	}

	return router.SetupRouter(handlerDeps, router.Options{
		AdminTokens:    cfg.Auth.AdminTokens,
		RateLimitRPS:   cfg.Upload.RateLimitRPS,
		MaxUploadBytes: cfg.Upload.MaxUploadBytes(),
		Redis:          redisClient,
	})
}
