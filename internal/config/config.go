package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Engine     EngineConfig     `yaml:"engine"`
	Providers  ProvidersConfig  `yaml:"providers"`
	JWT        JWTConfig        `yaml:"jwt"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Log        LogConfig        `yaml:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EngineConfig tunes the trigger/reaction engine.
type EngineConfig struct {
	CallbackBaseURL string               `yaml:"callback_base_url"` // public base for webhook callbacks
	FreshnessWindow time.Duration        `yaml:"freshness_window"`  // discard polled items older than this
	DedupRetention  time.Duration        `yaml:"dedup_retention"`   // how long processed event keys are kept
	DedupSweep      time.Duration        `yaml:"dedup_sweep"`       // sweep period for expired keys
	RenewalInterval time.Duration        `yaml:"renewal_interval"`  // channel renewal check period
	RenewalMargin   time.Duration        `yaml:"renewal_margin"`    // renew channels expiring within this margin
	HistoryLimit    int                  `yaml:"history_limit"`     // execution records kept per automation
	AllowUnsigned   bool                 `yaml:"allow_unsigned"`    // accept unsigned webhooks (development only)
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	MaxFailures     int           `yaml:"max_failures"`
	ResetTimeout    time.Duration `yaml:"reset_timeout"`
	HalfOpenMaxReqs int           `yaml:"half_open_max_reqs"`
}

type ProvidersConfig struct {
	GitHubBaseURL string `yaml:"github_base_url"`
	GoogleBaseURL string `yaml:"google_base_url"`
	GmailTopic    string `yaml:"gmail_topic"` // Pub/Sub topic for gmail watch
}

type JWTConfig struct {
	Secret    string        `yaml:"secret"`
	ExpiresIn time.Duration `yaml:"expires_in"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxAge     int    `yaml:"max_age"`  // days
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled bool          `yaml:"enabled"`
	Tracing TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

func Load() *Config {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}
	return &config
}

// GetDefaultConfig returns the full default configuration.
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "area",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Engine: EngineConfig{
			CallbackBaseURL: "http://localhost:8080",
			FreshnessWindow: 5 * time.Minute,
			DedupRetention:  10 * time.Minute,
			DedupSweep:      5 * time.Minute,
			RenewalInterval: time.Hour,
			RenewalMargin:   time.Hour,
			HistoryLimit:    200,
			AllowUnsigned:   false,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 3,
			},
		},
		Providers: ProvidersConfig{
			GitHubBaseURL: "https://api.github.com",
			GoogleBaseURL: "https://www.googleapis.com",
			GmailTopic:    "projects/area-app/topics/gmail",
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 300,
			Burst:             100,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "both",
			FilePath:   "./logs/area.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled: true,
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "area",
			},
		},
	}
}
