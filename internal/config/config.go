// ============================================================================
// Vitesse Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: typed configuration for every vitesse command.
//
// Sources, later wins:
//   1. Default()
//   2. YAML file (--config, VITESSE_CONFIG, or ./vitesse.yaml, ./configs/vitesse.yaml)
//   3. VITESSE_* environment variables, "." replaced by "_"
//      e.g. VITESSE_QUEUE_TRANSPORT=redis, VITESSE_WORKER_SLOTS=8
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ChuLiYu/vitesse/internal/queue"
)

const envPrefix = "VITESSE"

// Transport names accepted by queue.transport.
const (
	TransportMemory = "memory"
	TransportGRPC   = "grpc"
	TransportRedis  = "redis"
)

// Config is the root configuration.
type Config struct {
	Queue   QueueConfig   `mapstructure:"queue"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Server  ServerConfig  `mapstructure:"server"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Log     LogConfig     `mapstructure:"log"`
}

// QueueConfig is the client side of the queue.
type QueueConfig struct {
	Transport string `mapstructure:"transport" validate:"oneof=memory grpc redis"`
	// Servers 為 grpc 傳輸的伺服器位址，目前只使用第一個
	Servers    []string      `mapstructure:"servers" validate:"dive,hostname_port"`
	Context    string        `mapstructure:"context" validate:"required"`
	Function   string        `mapstructure:"function" validate:"required"`
	Codec      string        `mapstructure:"codec" validate:"oneof=json cbor"`
	JobTimeout time.Duration `mapstructure:"job_timeout" validate:"min=0"`
	RunTimeout time.Duration `mapstructure:"run_timeout" validate:"min=0"`
}

type WorkerConfig struct {
	Slots            int           `mapstructure:"slots" validate:"min=1,max=1024"`
	IdleBackoff      time.Duration `mapstructure:"idle_backoff" validate:"min=0"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff" validate:"min=0"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout" validate:"min=0"`
	BaseURL          string        `mapstructure:"base_url" validate:"omitempty,url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" validate:"min=0"`
}

type ServerConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr" validate:"required,hostname_port"`
	SnapshotPath     string        `mapstructure:"snapshot_path"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval" validate:"min=0"`
	// JournalPath 啟用 WAL，快照間隔內提交的任務在崩潰後仍可恢復
	JournalPath string `mapstructure:"journal_path"`
	JournalSync bool   `mapstructure:"journal_sync"` // 每筆紀錄都 fsync
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
	Prefix   string `mapstructure:"prefix" validate:"required"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name" validate:"required_if=Enabled true"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	// Format: console or json
	Format string `mapstructure:"format" validate:"oneof=console json"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs" validate:"min=1"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with defaults that run everything in
// one process.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			Transport:  TransportMemory,
			Servers:    []string{"127.0.0.1:4730"},
			Context:    queue.DefaultContext,
			Function:   queue.FunctionRequestAsync,
			Codec:      "json",
			JobTimeout: 0,
			RunTimeout: 5 * time.Minute,
		},
		Worker: WorkerConfig{
			Slots:            4,
			IdleBackoff:      100 * time.Millisecond,
			ReconnectBackoff: 2 * time.Second,
			PollTimeout:      5 * time.Second,
			RequestTimeout:   30 * time.Second,
		},
		Server: ServerConfig{
			ListenAddr:       "127.0.0.1:4730",
			SnapshotPath:     "",
			SnapshotInterval: 30 * time.Second,
			JournalPath:      "",
			JournalSync:      false,
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "vitesse",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "vitesse",
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/vitesse.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path when non-empty, otherwise from the
// first vitesse.yaml found. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("vitesse")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults seeds every key so env-only configs unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("queue.transport", d.Queue.Transport)
	v.SetDefault("queue.servers", d.Queue.Servers)
	v.SetDefault("queue.context", d.Queue.Context)
	v.SetDefault("queue.function", d.Queue.Function)
	v.SetDefault("queue.codec", d.Queue.Codec)
	v.SetDefault("queue.job_timeout", d.Queue.JobTimeout)
	v.SetDefault("queue.run_timeout", d.Queue.RunTimeout)

	v.SetDefault("worker.slots", d.Worker.Slots)
	v.SetDefault("worker.idle_backoff", d.Worker.IdleBackoff)
	v.SetDefault("worker.reconnect_backoff", d.Worker.ReconnectBackoff)
	v.SetDefault("worker.poll_timeout", d.Worker.PollTimeout)
	v.SetDefault("worker.base_url", d.Worker.BaseURL)
	v.SetDefault("worker.request_timeout", d.Worker.RequestTimeout)

	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.snapshot_path", d.Server.SnapshotPath)
	v.SetDefault("server.snapshot_interval", d.Server.SnapshotInterval)
	v.SetDefault("server.journal_path", d.Server.JournalPath)
	v.SetDefault("server.journal_sync", d.Server.JournalSync)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.prefix", d.Redis.Prefix)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.outputs", d.Log.Outputs)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("log.rotation.enable", d.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", d.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", d.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", d.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", d.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", d.Log.Rotation.Compress)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate normalizes case-insensitive fields and checks every section.
func (c *Config) Validate() error {
	c.Queue.Transport = strings.ToLower(strings.TrimSpace(c.Queue.Transport))
	c.Queue.Codec = strings.ToLower(strings.TrimSpace(c.Queue.Codec))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Queue.Transport == TransportGRPC && len(c.Queue.Servers) == 0 {
		return errors.New("invalid config: queue.servers is required for the grpc transport")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("invalid config: metrics.addr is required when metrics are enabled")
	}
	return nil
}

// Server returns the first configured queue server.
func (q QueueConfig) Server() string {
	if len(q.Servers) == 0 {
		return ""
	}
	return q.Servers[0]
}
