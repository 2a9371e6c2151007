// Package config loads service configuration from defaults, an optional
// YAML file and ATTEND_* environment variables (highest precedence).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Rules     RulesConfig     `mapstructure:"rules"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// DatabaseConfig points at the SQLite file. ":memory:" is accepted.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig enables the cross-replica clock-in lock.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EngineConfig struct {
	Timezone            string        `mapstructure:"timezone"`
	IntegrityTimeout    time.Duration `mapstructure:"integrity_timeout"`
	SimilarityThreshold int           `mapstructure:"similarity_threshold"`
	ConfidenceThreshold int           `mapstructure:"confidence_threshold"`
	NightPatternRatio   float64       `mapstructure:"night_pattern_ratio"`
	PatternLookbackDays int           `mapstructure:"pattern_lookback_days"`
	MaxVelocityMPS      float64       `mapstructure:"max_velocity_mps"`
}

// Location resolves Timezone.
func (e EngineConfig) Location() (*time.Location, error) {
	return time.LoadLocation(e.Timezone)
}

type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	// EndOfDay is HH:MM local time.
	EndOfDay string `mapstructure:"end_of_day"`
}

type RulesConfig struct {
	SeedFile string `mapstructure:"seed_file"`
}

// Load reads configuration. Precedence: env > file > defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors.allow_origins", []string{"*"})

	v.SetDefault("db.path", "./data/attendance.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("engine.timezone", "UTC")
	v.SetDefault("engine.integrity_timeout", "3s")
	v.SetDefault("engine.similarity_threshold", 50)
	v.SetDefault("engine.confidence_threshold", 40)
	v.SetDefault("engine.night_pattern_ratio", 0.6)
	v.SetDefault("engine.pattern_lookback_days", 7)
	v.SetDefault("engine.max_velocity_mps", 83.0)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.end_of_day", "23:59")

	v.SetDefault("rules.seed_file", "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ATTEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
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

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port must be within 1-65535")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config: db.path is required")
	}
	if _, err := c.Engine.Location(); err != nil {
		return fmt.Errorf("config: engine.timezone %q: %w", c.Engine.Timezone, err)
	}
	if c.Engine.IntegrityTimeout <= 0 {
		return fmt.Errorf("config: engine.integrity_timeout must be positive")
	}
	if c.Engine.ConfidenceThreshold < 0 || c.Engine.ConfidenceThreshold > 100 {
		return fmt.Errorf("config: engine.confidence_threshold must be within 0-100")
	}
	if c.Engine.SimilarityThreshold < 0 || c.Engine.SimilarityThreshold > 100 {
		return fmt.Errorf("config: engine.similarity_threshold must be within 0-100")
	}
	if c.Engine.NightPatternRatio <= 0 || c.Engine.NightPatternRatio > 1 {
		return fmt.Errorf("config: engine.night_pattern_ratio must be within (0, 1]")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("config: scheduler.interval must be positive")
	}
	if _, err := time.Parse("15:04", c.Scheduler.EndOfDay); err != nil {
		return fmt.Errorf("config: scheduler.end_of_day %q must be HH:MM", c.Scheduler.EndOfDay)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required when redis is enabled")
	}
	return nil
}
