package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Dispatch modes
const (
	DispatchLocal    = "local"
	DispatchRabbitMQ = "rabbitmq"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Redis      RedisConfig      `yaml:"redis"`
	Storage    StorageConfig    `yaml:"storage"`
	Conversion ConversionConfig `yaml:"conversion"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Worker     WorkerConfig     `yaml:"worker"`
	Reaper     ReaperConfig     `yaml:"reaper"`
	Upload     UploadConfig     `yaml:"upload"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the job store connection. Driver is postgres or sqlite; Path is only used
// by sqlite.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string         `yaml:"host"`
	Port       int            `yaml:"port"`
	User       string         `yaml:"user"`
	Password   string         `yaml:"password"`
	VHost      string         `yaml:"vhost"`
	Exchange   ExchangeConfig `yaml:"exchange"`
	Queue      QueueConfig    `yaml:"queue"`
	RoutingKey string         `yaml:"routing_key"`

	// DeadLetterExchange collects messages the workers reject
	DeadLetterExchange string `yaml:"dead_letter_exchange"`

	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds the optional Redis used for reaper claims and the shared upload rate limit
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig selects where artifacts live
type StorageConfig struct {
	Backend    string   `yaml:"backend"`
	LocalRoot  string   `yaml:"local_root"`
	ScratchDir string   `yaml:"scratch_dir"`
	S3         S3Config `yaml:"s3"`
}

// S3Config holds the S3 (or S3 compatible) bucket settings
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// ConversionConfig locates the external converters
type ConversionConfig struct {
	FFmpegPath   string `yaml:"ffmpeg_path"`
	PandocPath   string `yaml:"pandoc_path"`
	SevenZipPath string `yaml:"seven_zip_path"`
	UnrarPath    string `yaml:"unrar_path"`
	RarPath      string `yaml:"rar_path"`
	GotenbergURL string `yaml:"gotenberg_url"`
	ImageQuality int    `yaml:"image_quality"`
	AudioBitrate string `yaml:"audio_bitrate"`
}

// DispatchConfig chooses how started jobs reach a worker
type DispatchConfig struct {
	Mode string `yaml:"mode"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	QueueSize         int           `yaml:"queue_size"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ReaperConfig holds the post-download cleanup delay
type ReaperConfig struct {
	Delay time.Duration `yaml:"delay"`
}

// UploadConfig limits uploads
type UploadConfig struct {
	MaxSizeMB    int64   `yaml:"max_size_mb"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
}

// AuthConfig holds the bearer tokens accepted on admin routes
type AuthConfig struct {
	AdminTokens []string `yaml:"admin_tokens"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// MaxUploadBytes is the upload limit in bytes
func (u UploadConfig) MaxUploadBytes() int64 {
	return u.MaxSizeMB << 20
}

// Load reads the configuration file, expands ${VAR} references from the environment and applies
// defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Storage.Backend == "local" && c.Storage.LocalRoot == "" {
		c.Storage.LocalRoot = "data/storage"
	}
	if c.Dispatch.Mode == "" {
		c.Dispatch.Mode = DispatchLocal
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.QueueSize == 0 {
		c.Worker.QueueSize = 100
	}
	if c.Worker.JobTimeout == 0 {
		c.Worker.JobTimeout = 5 * time.Minute
	}
	if c.Worker.HeartbeatInterval == 0 {
		c.Worker.HeartbeatInterval = 30 * time.Second
	}
	if c.Worker.StaleAfter == 0 {
		c.Worker.StaleAfter = 30 * time.Minute
	}
	if c.Worker.SweepInterval == 0 {
		c.Worker.SweepInterval = time.Minute
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Reaper.Delay == 0 {
		c.Reaper.Delay = 20 * time.Second
	}
	if c.Upload.MaxSizeMB == 0 {
		c.Upload.MaxSizeMB = 100
	}
}

// ValidateAPIConfig checks the settings used by the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	switch c.Dispatch.Mode {
	case DispatchLocal:
		// conversions run in the API process
		if err := c.validateWorker(); err != nil {
			return err
		}
	case DispatchRabbitMQ:
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid dispatch mode: %q (must be %s or %s)", c.Dispatch.Mode, DispatchLocal, DispatchRabbitMQ)
	}

	if c.Upload.MaxSizeMB <= 0 {
		return fmt.Errorf("upload max_size_mb must be greater than 0")
	}

	if c.Upload.RateLimitRPS < 0 {
		return fmt.Errorf("upload rate_limit_rps must not be negative")
	}

	if c.Reaper.Delay <= 0 {
		return fmt.Errorf("reaper delay must be greater than 0")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}

	return nil
}

// ValidateWorkerConfig checks the settings used by the worker service
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	return c.validateWorker()
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}

		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}

		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalRoot == "" {
			return fmt.Errorf("storage local_root is required")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage s3 bucket is required")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %q", c.Storage.Backend)
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("worker queue_size must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	// a live conversion must never be swept as stale
	if c.Worker.StaleAfter <= c.Worker.JobTimeout {
		return fmt.Errorf("worker stale_after (%s) must be greater than job_timeout (%s)", c.Worker.StaleAfter, c.Worker.JobTimeout)
	}

	// a running conversion must refresh its heartbeat before the sweeper considers it stale
	if c.Worker.HeartbeatInterval <= 0 || c.Worker.HeartbeatInterval >= c.Worker.StaleAfter {
		return fmt.Errorf("worker heartbeat_interval (%s) must be between 0 and stale_after (%s)", c.Worker.HeartbeatInterval, c.Worker.StaleAfter)
	}

	if c.Worker.SweepInterval <= 0 {
		return fmt.Errorf("worker sweep_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}
