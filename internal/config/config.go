package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is built once at startup and passed to the components that need it.
type Config struct {
	HTTP     HTTP     `mapstructure:"http"`
	Identity Identity `mapstructure:"identity"`
	Matting  Matting  `mapstructure:"matting"`
	Database Database `mapstructure:"database"`
	Redis    Redis    `mapstructure:"redis"`
	Log      Log      `mapstructure:"log"`
}

type HTTP struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadSize   int64         `mapstructure:"max_upload_size"`
	MaxBatchSize    int64         `mapstructure:"max_batch_size"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// Identity points at the external identity service used to validate bearer tokens.
type Identity struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Matting selects and configures the background-removal backend.
type Matting struct {
	Backend        string        `mapstructure:"backend"`
	Binary         string        `mapstructure:"binary"`
	Model          string        `mapstructure:"model"`
	HTTPURL        string        `mapstructure:"http_url"`
	GRPCAddr       string        `mapstructure:"grpc_addr"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

type Database struct {
	DSN string `mapstructure:"dsn"`
}

type Redis struct {
	Addr   string        `mapstructure:"addr"`
	JobTTL time.Duration `mapstructure:"job_ttl"`
}

type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

const (
	BackendCLI  = "cli"
	BackendHTTP = "http"
	BackendGRPC = "grpc"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("http.max_upload_size", 10<<20)
	v.SetDefault("http.max_batch_size", 100<<20)
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("identity.base_url", "http://localhost:8090/api")
	v.SetDefault("identity.timeout", 5*time.Second)

	v.SetDefault("matting.backend", BackendCLI)
	v.SetDefault("matting.binary", "rembg")
	v.SetDefault("matting.model", "")
	v.SetDefault("matting.http_url", "http://localhost:7000/api/remove")
	v.SetDefault("matting.grpc_addr", "localhost:50051")
	v.SetDefault("matting.timeout", 2*time.Minute)
	v.SetDefault("matting.max_concurrency", 1)

	v.SetDefault("database.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.job_ttl", 10*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Load reads defaults, the optional file named by CONFIG_FILE and the environment.
// Environment keys are the upper-cased config keys with dots replaced by underscores,
// e.g. MATTING_BACKEND or HTTP_ADDR.
func Load() (*Config, error) {
	return load(viper.New(), os.Getenv("CONFIG_FILE"))
}

func load(v *viper.Viper, file string) (*Config, error) {
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the values that would otherwise fail late at request time.
func (c *Config) Validate() error {
	switch c.Matting.Backend {
	case BackendCLI:
		if c.Matting.Binary == "" {
			return errors.New("matting.binary is required for the cli backend")
		}
	case BackendHTTP:
		if c.Matting.HTTPURL == "" {
			return errors.New("matting.http_url is required for the http backend")
		}
	case BackendGRPC:
		if c.Matting.GRPCAddr == "" {
			return errors.New("matting.grpc_addr is required for the grpc backend")
		}
	default:
		return fmt.Errorf("unsupported matting.backend %q", c.Matting.Backend)
	}

	if c.Matting.MaxConcurrency < 1 {
		return fmt.Errorf("matting.max_concurrency must be positive, got %d", c.Matting.MaxConcurrency)
	}
	if c.HTTP.MaxUploadSize <= 0 {
		return fmt.Errorf("http.max_upload_size must be positive, got %d", c.HTTP.MaxUploadSize)
	}
	if c.HTTP.MaxBatchSize < c.HTTP.MaxUploadSize {
		return fmt.Errorf("http.max_batch_size (%d) must not be smaller than http.max_upload_size (%d)", c.HTTP.MaxBatchSize, c.HTTP.MaxUploadSize)
	}
	if c.Identity.BaseURL == "" {
		return errors.New("identity.base_url is required")
	}

	return nil
}
