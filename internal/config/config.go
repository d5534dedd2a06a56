package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. STONECHECK_SERVER_ADDR.
const EnvPrefix = "STONECHECK"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Model    ModelConfig    `mapstructure:"model"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadSize   int64         `mapstructure:"max_upload_size"`
}

// ModelConfig describes the optional ONNX artifact. An empty or missing Path
// puts the service in demo mode.
type ModelConfig struct {
	Path          string `mapstructure:"path"`
	LibraryPath   string `mapstructure:"library_path"`
	InputSize     int    `mapstructure:"input_size"`
	Layout        string `mapstructure:"layout"`
	InputName     string `mapstructure:"input_name"`
	OutputName    string `mapstructure:"output_name"`
	OcclusionGrid int    `mapstructure:"occlusion_grid"`
	MaxPixels     int    `mapstructure:"max_pixels"`
}

// DatabaseConfig enables scan history when DSN is non-empty.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig enables result caching when Addr is non-empty.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// AuthConfig protects history routes when JWTSecret is non-empty.
type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	JWTAudience string `mapstructure:"jwt_audience"`
}

// GRPCConfig starts the gRPC health endpoint when Addr is non-empty.
type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads configPath (if it exists) on top of defaults and environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("server.mode must be debug, release or test, got %q", c.Server.Mode)
	}
	if c.Server.MaxUploadSize <= 0 {
		return errors.New("server.max_upload_size must be positive")
	}
	if c.Model.InputSize <= 0 {
		return errors.New("model.input_size must be positive")
	}
	if c.Model.MaxPixels <= 0 {
		return errors.New("model.max_pixels must be positive")
	}
	switch c.Model.Layout {
	case "nhwc", "nchw":
	default:
		return fmt.Errorf("model.layout must be nhwc or nchw, got %q", c.Model.Layout)
	}
	if c.Model.OcclusionGrid <= 0 || c.Model.OcclusionGrid > c.Model.InputSize {
		return fmt.Errorf("model.occlusion_grid must be in [1, %d]", c.Model.InputSize)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_upload_size", 10<<20)

	v.SetDefault("model.path", "kidney_stone_model.onnx")
	v.SetDefault("model.library_path", "")
	v.SetDefault("model.input_size", 224)
	v.SetDefault("model.layout", "nhwc")
	v.SetDefault("model.input_name", "input")
	v.SetDefault("model.output_name", "output")
	v.SetDefault("model.occlusion_grid", 14)
	v.SetDefault("model.max_pixels", 40_000_000)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_audience", "")

	v.SetDefault("grpc.addr", "")
}
