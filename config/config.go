package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the loreweaver backend.
type Config struct {
	General GeneralConfig `mapstructure:"general"`
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Workers WorkersConfig `mapstructure:"workers"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
	// WorkerToken authorizes the operational worker-trigger endpoints.
	WorkerToken string `mapstructure:"worker_token"`
}

// StorageConfig groups datastore settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings. URL wins when set.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a postgres connection string from the configured parts.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains Redis connection settings used for scheduler locks.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%s", r.Host, r.Port) }

// LLMConfig contains language model provider configuration.
type LLMConfig struct {
	APIKey      string           `mapstructure:"api_key"`
	BaseURL     string           `mapstructure:"base_url"`
	Timeout     time.Duration    `mapstructure:"timeout"`
	Models      map[string]Model `mapstructure:"models"`
	Routing     RoutingConfig    `mapstructure:"routing"`
	Temperature float64          `mapstructure:"temperature"`
}

// Model describes a single upstream model entry.
type Model struct {
	APIName     string  `mapstructure:"api_name"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// RoutingConfig selects which model handles each task kind.
type RoutingConfig struct {
	Roleplay string `mapstructure:"roleplay"` // live chat turns
	Patch    string `mapstructure:"patch"`    // PatchScribe structured deltas
	Summary  string `mapstructure:"summary"`  // memory rollups
	Fallback string `mapstructure:"fallback"`
}

// Pick returns the routed model for a task, falling back when unset.
func (r RoutingConfig) Pick(task string) string {
	var m string
	switch task {
	case "roleplay":
		m = r.Roleplay
	case "patch":
		m = r.Patch
	case "summary":
		m = r.Summary
	}
	if m == "" {
		m = r.Fallback
	}
	return m
}

// WorkersConfig bounds the background workers.
type WorkersConfig struct {
	PatchBatchSize    int           `mapstructure:"patch_batch_size"`
	PatchMaxAttempts  int           `mapstructure:"patch_max_attempts"`
	RollupMaxBuckets  int           `mapstructure:"rollup_max_buckets"`
	RollupMaxDays     int           `mapstructure:"rollup_max_days"`
	ScheduleCron      string        `mapstructure:"schedule_cron"`
	ScheduleInterval  time.Duration `mapstructure:"schedule_interval"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	RecentWindowHours int           `mapstructure:"recent_window_hours"`
}

// LoadConfig loads config from the given file, or searches the usual paths.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.timeout", 60*time.Second)
	viper.SetDefault("llm.temperature", 0.7)
	viper.SetDefault("workers.patch_batch_size", 16)
	viper.SetDefault("workers.patch_max_attempts", 5)
	viper.SetDefault("workers.rollup_max_buckets", 12)
	viper.SetDefault("workers.rollup_max_days", 3)
	viper.SetDefault("workers.schedule_cron", "*/10 * * * *")
	viper.SetDefault("workers.schedule_interval", time.Minute)
	viper.SetDefault("workers.lock_ttl", 2*time.Minute)
	viper.SetDefault("workers.recent_window_hours", 48)

	if path == "" {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("LOREWEAVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return &cfg
}
