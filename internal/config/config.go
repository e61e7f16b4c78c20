package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Inference  InferenceConfig  `mapstructure:"inference"`
	Background BackgroundConfig `mapstructure:"background"`
	History    HistoryConfig    `mapstructure:"history"`
	Preprocess PreprocessConfig `mapstructure:"preprocess"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	AllowOrigins    []string      `mapstructure:"allow_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// AuthConfig enables bearer token auth on /api routes when Secret is set.
type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	JWTAudience string `mapstructure:"jwt_audience"`
}

// StorageConfig selects the object store. Bucket wins over LocalDir.
type StorageConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	Region    string        `mapstructure:"region"`
	Bucket    string        `mapstructure:"bucket"`
	AccessKey string        `mapstructure:"access_key"`
	SecretKey string        `mapstructure:"secret_key"`
	UseSSL    bool          `mapstructure:"use_ssl"`
	LocalDir  string        `mapstructure:"local_dir"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// InferenceConfig selects the inference backend by credential or endpoint
// presence, in the order replicate, grpc, ollama, stand-in.
type InferenceConfig struct {
	Timeout   time.Duration   `mapstructure:"timeout"`
	Replicate ReplicateConfig `mapstructure:"replicate"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Ollama    OllamaConfig    `mapstructure:"ollama"`
	StandIn   StandInConfig   `mapstructure:"standin"`
}

type ReplicateConfig struct {
	APIToken string `mapstructure:"api_token"`
	Model    string `mapstructure:"model"`
}

type GRPCConfig struct {
	Addr  string `mapstructure:"addr"`
	Model string `mapstructure:"model"`
}

type OllamaConfig struct {
	URL   string `mapstructure:"url"`
	Model string `mapstructure:"model"`
}

type StandInConfig struct {
	Delay time.Duration `mapstructure:"delay"`
}

// BackgroundConfig selects the executor for detached writes.
type BackgroundConfig struct {
	Backend   string        `mapstructure:"backend"` // inprocess | asynq
	RedisAddr string        `mapstructure:"redis_addr"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// HistoryConfig enables outcome recording when DSN is set.
type HistoryConfig struct {
	Driver    string        `mapstructure:"driver"` // postgres | sqlite
	DSN       string        `mapstructure:"dsn"`
	RedisAddr string        `mapstructure:"redis_addr"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type PreprocessConfig struct {
	MaxDimension int     `mapstructure:"max_dimension"`
	Format       string  `mapstructure:"format"`
	Quality      float64 `mapstructure:"quality"`
}

const (
	BackgroundInProcess = "inprocess"
	BackgroundAsynq     = "asynq"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_audience", "")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.local_dir", "./data")
	v.SetDefault("storage.timeout", 30*time.Second)
	v.SetDefault("inference.timeout", 60*time.Second)
	v.SetDefault("inference.replicate.api_token", "")
	v.SetDefault("inference.replicate.model", "")
	v.SetDefault("inference.grpc.addr", "")
	v.SetDefault("inference.grpc.model", "deepfashion2-hrnet")
	v.SetDefault("inference.ollama.url", "")
	v.SetDefault("inference.ollama.model", "llava")
	v.SetDefault("inference.standin.delay", time.Duration(0))
	v.SetDefault("background.backend", BackgroundInProcess)
	v.SetDefault("background.redis_addr", "")
	v.SetDefault("background.timeout", 30*time.Second)
	v.SetDefault("history.driver", DriverPostgres)
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.redis_addr", "")
	v.SetDefault("history.cache_ttl", 10*time.Minute)
	v.SetDefault("preprocess.max_dimension", 1024)
	v.SetDefault("preprocess.format", "image/jpeg")
	v.SetDefault("preprocess.quality", 0.8)
}

// Load reads configuration from the optional file at path and from
// MEASURE_* environment variables (e.g. MEASURE_STORAGE_BUCKET).
// An empty path searches for config.yaml in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MEASURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("server.mode must be debug, release or test")
	}
	if c.Inference.Timeout <= 0 {
		return fmt.Errorf("inference.timeout must be positive")
	}
	if c.Storage.Timeout <= 0 {
		return fmt.Errorf("storage.timeout must be positive")
	}
	if c.Background.Timeout <= 0 {
		return fmt.Errorf("background.timeout must be positive")
	}
	if c.Storage.Bucket == "" && c.Storage.LocalDir == "" {
		return fmt.Errorf("either storage.bucket or storage.local_dir must be set")
	}
	if c.Storage.Bucket != "" && c.Storage.Endpoint == "" {
		return fmt.Errorf("storage.endpoint is required when storage.bucket is set")
	}
	switch c.Background.Backend {
	case BackgroundInProcess:
	case BackgroundAsynq:
		if c.Background.RedisAddr == "" {
			return fmt.Errorf("background.redis_addr is required for the asynq backend")
		}
	default:
		return fmt.Errorf("background.backend must be %q or %q", BackgroundInProcess, BackgroundAsynq)
	}
	if c.History.DSN != "" && c.History.Driver != DriverPostgres && c.History.Driver != DriverSQLite {
		return fmt.Errorf("history.driver must be %q or %q", DriverPostgres, DriverSQLite)
	}
	if c.Preprocess.MaxDimension < 1 {
		return fmt.Errorf("preprocess.max_dimension must be positive")
	}
	if c.Preprocess.Quality <= 0 || c.Preprocess.Quality > 1 {
		return fmt.Errorf("preprocess.quality must be in (0, 1]")
	}
	return nil
}
