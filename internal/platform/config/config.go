package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the DVR bridge service.
type Config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// AuthSecret must be supplied as the "secret" request parameter on control
	// requests. An empty secret disables the check.
	AuthSecret string `yaml:"auth_secret"`
	ServerID   string `yaml:"server_id"`

	WebDir        string `yaml:"web_dir"`
	WebBaseURL    string `yaml:"web_base_url"`
	ChunksDir     string `yaml:"chunks_dir"`
	ChunksBaseURL string `yaml:"chunks_base_url"`
	ServeFiles    bool   `yaml:"serve_files"`

	PlaylistUpdateInterval  time.Duration `yaml:"playlist_update_interval"`
	StallGrace              time.Duration `yaml:"stall_grace"`
	DownloadWorkers         int           `yaml:"download_workers"`
	DownloadTimeout         time.Duration `yaml:"download_timeout"`
	SweepInterval           time.Duration `yaml:"sweep_interval"`
	InactivityTimeout       time.Duration `yaml:"inactivity_timeout"`
	InactivityCheckInterval time.Duration `yaml:"inactivity_check_interval"`
	ManifestFetchTimeout    time.Duration `yaml:"manifest_fetch_timeout"`
	ManifestRequestsPerSec  int           `yaml:"manifest_requests_per_second"`
	APIRateLimitPerMinute   int           `yaml:"api_rate_limit_per_minute"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Port:                    "8080",
		LogLevel:                "info",
		LogFormat:               "json",
		ServerID:                "1",
		WebDir:                  "./data/web",
		WebBaseURL:              "http://localhost:8080/web",
		ChunksDir:               "./data/chunks",
		ChunksBaseURL:           "http://localhost:8080/chunks",
		ServeFiles:              true,
		PlaylistUpdateInterval:  2 * time.Second,
		StallGrace:              5 * time.Second,
		DownloadWorkers:         8,
		DownloadTimeout:         30 * time.Second,
		SweepInterval:           10 * time.Second,
		InactivityTimeout:       2 * time.Minute,
		InactivityCheckInterval: 10 * time.Second,
		ManifestFetchTimeout:    10 * time.Second,
		ManifestRequestsPerSec:  20,
		APIRateLimitPerMinute:   600,
	}
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// FromEnv builds a Config from defaults, then the YAML file named by
// CONFIG_FILE (if set), then individual environment variables.
func FromEnv() (Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}

	cfg.Port = GetEnv("PORT", cfg.Port)
	cfg.LogLevel = GetEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = GetEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.AuthSecret = GetEnv("AUTH_SECRET", cfg.AuthSecret)
	cfg.ServerID = GetEnv("SERVER_ID", cfg.ServerID)
	cfg.WebDir = GetEnv("WEB_DIR", cfg.WebDir)
	cfg.WebBaseURL = GetEnv("WEB_BASE_URL", cfg.WebBaseURL)
	cfg.ChunksDir = GetEnv("CHUNKS_DIR", cfg.ChunksDir)
	cfg.ChunksBaseURL = GetEnv("CHUNKS_BASE_URL", cfg.ChunksBaseURL)
	cfg.ServeFiles = GetEnvBool("SERVE_FILES", cfg.ServeFiles)
	cfg.PlaylistUpdateInterval = GetEnvDuration("PLAYLIST_UPDATE_INTERVAL", cfg.PlaylistUpdateInterval)
	cfg.StallGrace = GetEnvDuration("STALL_GRACE", cfg.StallGrace)
	cfg.DownloadWorkers = GetEnvInt("DOWNLOAD_WORKERS", cfg.DownloadWorkers)
	cfg.DownloadTimeout = GetEnvDuration("DOWNLOAD_TIMEOUT", cfg.DownloadTimeout)
	cfg.SweepInterval = GetEnvDuration("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.InactivityTimeout = GetEnvDuration("INACTIVITY_TIMEOUT", cfg.InactivityTimeout)
	cfg.InactivityCheckInterval = GetEnvDuration("INACTIVITY_CHECK_INTERVAL", cfg.InactivityCheckInterval)
	cfg.ManifestFetchTimeout = GetEnvDuration("MANIFEST_FETCH_TIMEOUT", cfg.ManifestFetchTimeout)
	cfg.ManifestRequestsPerSec = GetEnvInt("MANIFEST_REQUESTS_PER_SECOND", cfg.ManifestRequestsPerSec)
	cfg.APIRateLimitPerMinute = GetEnvInt("API_RATE_LIMIT_PER_MINUTE", cfg.APIRateLimitPerMinute)

	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	for name, v := range map[string]string{
		"web_dir":         c.WebDir,
		"web_base_url":    c.WebBaseURL,
		"chunks_dir":      c.ChunksDir,
		"chunks_base_url": c.ChunksBaseURL,
	} {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", name))
		}
	}
	for name, d := range map[string]time.Duration{
		"playlist_update_interval":  c.PlaylistUpdateInterval,
		"download_timeout":          c.DownloadTimeout,
		"sweep_interval":            c.SweepInterval,
		"inactivity_timeout":        c.InactivityTimeout,
		"inactivity_check_interval": c.InactivityCheckInterval,
		"manifest_fetch_timeout":    c.ManifestFetchTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.StallGrace < 0 {
		errs = append(errs, errors.New("stall_grace must not be negative"))
	}
	if c.DownloadWorkers <= 0 {
		errs = append(errs, errors.New("download_workers must be positive"))
	}
	return errors.Join(errs...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool is GetEnvInt for booleans ("true", "1", "false", "0", ...).
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration accepts Go duration strings ("1500ms", "2s"). A bare integer
// is read as milliseconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return fallback
}
