package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents client configuration loaded from environment variables.
type Config struct {
	AppEnv          string
	APIBaseURL      string
	HTTPTimeout     time.Duration
	TransferTimeout time.Duration
	WatchDuration   time.Duration
	PollInterval    time.Duration
	UploadMaxFiles  int
	ExportDir       string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:          getEnv("APP_ENV", "development"),
		APIBaseURL:      strings.TrimRight(os.Getenv("API_BASE_URL"), "/"),
		HTTPTimeout:     time.Second * time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", 30)),
		TransferTimeout: time.Second * time.Duration(getEnvInt("TRANSFER_TIMEOUT_SECONDS", 120)),
		WatchDuration:   time.Second * time.Duration(getEnvInt("WATCH_DURATION_SECONDS", 20)),
		PollInterval:    time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 2)),
		UploadMaxFiles:  getEnvInt("UPLOAD_MAX_FILES", 10),
		ExportDir:       getEnv("EXPORT_DIR", "./exports"),
	}

	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("API_BASE_URL is required")
	}

	if cfg.PollInterval <= 0 || cfg.WatchDuration <= 0 {
		return nil, fmt.Errorf("watch duration and poll interval must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
