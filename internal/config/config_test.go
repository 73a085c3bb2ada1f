package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port: "3000", Host: "0.0.0.0",
		OllamaAPIURL: "http://localhost:11434", OllamaDefaultModel: "llama3",
		DataDir:                   "./data",
		AuthTimeoutMS:             30000,
		MaxAuthAttempts:           5,
		AuthWindowMS:              600000,
		DefaultSignatureAlgorithm: "SHA256",
		ChallengeTTLMS:            600000,
		RateLimitSweepIntervalMS:  3600000,
		RateLimitReclaimAgeMS:     86400000,
		BackupKeepN:               10,
		LogLevel:                  "info",
		LogFormat:                 "json",
		MaxConnections:            1000,
		CPURejectThresholdPct:     90.0,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	cases := map[string]func(*Config){
		"port":     func(c *Config) { c.Port = "" },
		"dataDir":  func(c *Config) { c.DataDir = "" },
		"ollama":   func(c *Config) { c.OllamaAPIURL = "" },
		"maxAuth":  func(c *Config) { c.MaxAuthAttempts = 0 },
		"authTout": func(c *Config) { c.AuthTimeoutMS = 0 },
		"authWin":  func(c *Config) { c.AuthWindowMS = 0 },
		"maxConns": func(c *Config) { c.MaxConnections = 0 },
		"backupN":  func(c *Config) { c.BackupKeepN = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidateRejectsCPUThresholdOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.CPURejectThresholdPct = 150
	require.Error(t, cfg.Validate())

	cfg.CPURejectThresholdPct = -1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownSignatureAlgorithm(t *testing.T) {
	cfg := validConfig()
	cfg.DefaultSignatureAlgorithm = "MD5"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevelAndFormat(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.LogFormat = "xml"
	require.Error(t, cfg.Validate())
}

func TestAddrCombinesHostAndPort(t *testing.T) {
	cfg := validConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = "8080"
	require.Equal(t, "127.0.0.1:8080", cfg.Addr())
}

func TestDurationHelpersConvertMillisecondFields(t *testing.T) {
	cfg := validConfig()
	cfg.AuthTimeoutMS = 5000
	cfg.AuthWindowMS = 600000
	cfg.ChallengeTTLMS = 120000
	cfg.RateLimitSweepIntervalMS = 60000
	cfg.RateLimitReclaimAgeMS = 86400000

	require.Equal(t, 5*time.Second, cfg.AuthTimeout())
	require.Equal(t, 10*time.Minute, cfg.AuthWindow())
	require.Equal(t, 2*time.Minute, cfg.ChallengeTTL())
	require.Equal(t, time.Minute, cfg.RateLimitSweepInterval())
	require.Equal(t, 24*time.Hour, cfg.RateLimitReclaimAge())
}

func TestLoadConfigAppliesEnvDefaultsAndOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, "http://localhost:11434", cfg.OllamaAPIURL)
	require.Equal(t, "SHA256", cfg.DefaultSignatureAlgorithm)
	require.Equal(t, 15*time.Second, cfg.MetricsInterval)
}

func TestLoadConfigFailsValidationOnBadOverride(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("DEFAULT_SIGNATURE_ALGORITHM", "MD5")

	_, err := LoadConfig(nil)
	require.Error(t, err)
}
