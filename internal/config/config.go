package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	DataDir string
	DBPath  string

	ImportConcurrency     int
	DownloadConcurrency   int
	ExportConcurrency     int
	ParallelItemDownloads int

	MaxCompatibilityLevel int
	DiskSafetyMargin      int64
	CatalogBaseURL        string
	ProgressInterval      time.Duration

	// WorkerMode is "process" (re-exec the binary) or "inprocess".
	WorkerMode string
	QueueSweep string

	LogLevel  string
	LogFormat string
}

// Load reads an optional .env file and then the environment. A missing env
// file is not an error.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	dataDir := getEnv("DATA_DIR", "data")
	cfg := Config{
		Port:                  getEnv("PORT", "9090"),
		DataDir:               dataDir,
		DBPath:                getEnv("DB_PATH", filepath.Join(dataDir, "ecar.db")),
		ImportConcurrency:     getEnvInt("IMPORT_CONCURRENCY", 1),
		DownloadConcurrency:   getEnvInt("DOWNLOAD_CONCURRENCY", 1),
		ExportConcurrency:     getEnvInt("EXPORT_CONCURRENCY", 1),
		ParallelItemDownloads: getEnvInt("PARALLEL_ITEM_DOWNLOADS", 3),
		MaxCompatibilityLevel: getEnvInt("MAX_COMPATIBILITY_LEVEL", 5),
		DiskSafetyMargin:      getEnvInt64("DISK_SAFETY_MARGIN", 300<<20),
		CatalogBaseURL:        getEnv("CATALOG_BASE_URL", "https://diksha.gov.in"),
		ProgressInterval:      getEnvDuration("PROGRESS_INTERVAL", 2500*time.Millisecond),
		WorkerMode:            getEnv("WORKER_MODE", "process"),
		QueueSweep:            getEnv("QUEUE_SWEEP", "@every 1m"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "text"),
	}
	if cfg.WorkerMode != "process" && cfg.WorkerMode != "inprocess" {
		return Config{}, fmt.Errorf("invalid WORKER_MODE %q", cfg.WorkerMode)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
