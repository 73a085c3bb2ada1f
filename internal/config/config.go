// Package config loads and validates the gateway's configuration from the
// environment, following the same caarlos0/env + godotenv pattern used
// throughout this codebase's other services.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Port string `env:"PORT" envDefault:"3000"`
	Host string `env:"HOST" envDefault:"0.0.0.0"`

	// Upstream generation backend
	OllamaAPIURL       string `env:"OLLAMA_API_URL" envDefault:"http://localhost:11434"`
	OllamaDefaultModel string `env:"OLLAMA_DEFAULT_MODEL" envDefault:"llama3"`

	// Persistence
	DataDir string `env:"DATA_DIR" envDefault:"./data"`

	// Authentication
	AuthTimeoutMS             int64  `env:"AUTH_TIMEOUT_MS" envDefault:"30000"`
	MaxAuthAttempts           int    `env:"MAX_AUTH_ATTEMPTS" envDefault:"5"`
	AuthWindowMS              int64  `env:"AUTH_WINDOW_MS" envDefault:"600000"`
	DefaultSignatureAlgorithm string `env:"DEFAULT_SIGNATURE_ALGORITHM" envDefault:"SHA256"`
	ChallengeTTLMS            int64  `env:"CHALLENGE_TTL_MS" envDefault:"600000"`
	RateLimitSweepIntervalMS  int64  `env:"RATE_LIMIT_SWEEP_INTERVAL_MS" envDefault:"3600000"`
	RateLimitReclaimAgeMS     int64  `env:"RATE_LIMIT_RECLAIM_AGE_MS" envDefault:"86400000"`

	// Backups
	BackupKeepN int `env:"BACKUP_KEEP_N" envDefault:"10"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Connection admission (ambient DoS protection, independent of the
	// identity-scoped auth rate limiter above)
	MaxConnections        int     `env:"MAX_CONNECTIONS" envDefault:"1000"`
	ConnRateIPBurst       int     `env:"CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPPerSec      float64 `env:"CONN_RATE_IP_PER_SEC" envDefault:"1.0"`
	ConnRateGlobalBurst   int     `env:"CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalPerSec  float64 `env:"CONN_RATE_GLOBAL_PER_SEC" envDefault:"50.0"`
	CPURejectThresholdPct float64 `env:"CPU_REJECT_THRESHOLD_PCT" envDefault:"90.0"`
	MaxGoroutines         int     `env:"MAX_GOROUTINES" envDefault:"20000"`
	MetricsInterval       time.Duration `env:"METRICS_INTERVAL_MS" envDefault:"15000ms"`
}

// LoadConfig reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
//
// Optional logger parameter for structured logging. If nil, nothing is logged.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Debug().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.OllamaAPIURL == "" {
		return fmt.Errorf("OLLAMA_API_URL is required")
	}

	if c.MaxAuthAttempts < 1 {
		return fmt.Errorf("MAX_AUTH_ATTEMPTS must be > 0, got %d", c.MaxAuthAttempts)
	}
	if c.AuthTimeoutMS < 1 {
		return fmt.Errorf("AUTH_TIMEOUT_MS must be > 0, got %d", c.AuthTimeoutMS)
	}
	if c.AuthWindowMS < 1 {
		return fmt.Errorf("AUTH_WINDOW_MS must be > 0, got %d", c.AuthWindowMS)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThresholdPct < 0 || c.CPURejectThresholdPct > 100 {
		return fmt.Errorf("CPU_REJECT_THRESHOLD_PCT must be 0-100, got %.1f", c.CPURejectThresholdPct)
	}
	if c.BackupKeepN < 1 {
		return fmt.Errorf("BACKUP_KEEP_N must be > 0, got %d", c.BackupKeepN)
	}

	validAlgorithms := map[string]bool{"SHA256": true, "SHA384": true, "SHA512": true}
	if !validAlgorithms[c.DefaultSignatureAlgorithm] {
		return fmt.Errorf("DEFAULT_SIGNATURE_ALGORITHM must be one of: SHA256, SHA384, SHA512 (got: %s)", c.DefaultSignatureAlgorithm)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Addr returns the combined host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutMS) * time.Millisecond
}

func (c *Config) AuthWindow() time.Duration {
	return time.Duration(c.AuthWindowMS) * time.Millisecond
}

func (c *Config) ChallengeTTL() time.Duration {
	return time.Duration(c.ChallengeTTLMS) * time.Millisecond
}

func (c *Config) RateLimitSweepInterval() time.Duration {
	return time.Duration(c.RateLimitSweepIntervalMS) * time.Millisecond
}

func (c *Config) RateLimitReclaimAge() time.Duration {
	return time.Duration(c.RateLimitReclaimAgeMS) * time.Millisecond
}

// Print logs configuration for debugging (human-readable format).
// For production, use LogConfig() with structured logging.
func (c *Config) Print() {
	fmt.Println("=== Gateway Configuration ===")
	fmt.Printf("Address:           %s\n", c.Addr())
	fmt.Printf("Ollama URL:        %s\n", c.OllamaAPIURL)
	fmt.Printf("Default Model:     %s\n", c.OllamaDefaultModel)
	fmt.Printf("Data Dir:          %s\n", c.DataDir)
	fmt.Println("\n=== Authentication ===")
	fmt.Printf("Auth Timeout:      %dms\n", c.AuthTimeoutMS)
	fmt.Printf("Max Auth Attempts: %d\n", c.MaxAuthAttempts)
	fmt.Printf("Auth Window:       %dms\n", c.AuthWindowMS)
	fmt.Printf("Signature Algo:    %s\n", c.DefaultSignatureAlgorithm)
	fmt.Println("\n=== Admission & Capacity ===")
	fmt.Printf("Max Connections:   %d\n", c.MaxConnections)
	fmt.Printf("CPU Reject:        %.1f%%\n", c.CPURejectThresholdPct)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:             %s\n", c.LogLevel)
	fmt.Printf("Format:            %s\n", c.LogFormat)
	fmt.Println("=============================")
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr()).
		Str("ollama_url", c.OllamaAPIURL).
		Str("default_model", c.OllamaDefaultModel).
		Str("data_dir", c.DataDir).
		Int64("auth_timeout_ms", c.AuthTimeoutMS).
		Int("max_auth_attempts", c.MaxAuthAttempts).
		Int64("auth_window_ms", c.AuthWindowMS).
		Str("signature_algorithm", c.DefaultSignatureAlgorithm).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThresholdPct).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("gateway configuration loaded")
}
