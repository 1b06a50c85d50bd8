package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reelscribe/reelscribe/internal/log"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence ENV > file > defaults.
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{}
	lookupEnvFn     envLookupFunc
}

// NewLoader creates a configuration loader backed by the process environment.
func NewLoader(configPath, version string) *Loader {
	return NewLoaderWithEnv(configPath, version, os.LookupEnv)
}

// NewLoaderWithEnv creates a loader with an injected environment lookup,
// letting tests exercise precedence rules without mutating process state.
func NewLoaderWithEnv(configPath, version string, lookup envLookupFunc) *Loader {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
		lookupEnvFn:     lookup,
	}
}

func (l *Loader) envLookup(key string) (string, bool) {
	l.ConsumedEnvKeys[key] = struct{}{}
	return l.lookupEnvFn(key)
}

func (l *Loader) envString(key, def string) string {
	return parseStringWithLookup(log.WithComponent("config"), l.envLookup, key, def)
}
func (l *Loader) envInt(key string, def int) int {
	return parseIntWithLookup(log.WithComponent("config"), l.envLookup, key, def)
}
func (l *Loader) envDuration(key string, def time.Duration) time.Duration {
	return parseDurationWithLookup(log.WithComponent("config"), l.envLookup, key, def)
}

// Load resolves AppConfig with precedence ENV > file > defaults, then
// validates the result.
func (l *Loader) Load() (AppConfig, error) {
	cfg := l.defaults()

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		l.mergeFile(&cfg, fileCfg)
	}

	l.mergeEnv(&cfg)
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (l *Loader) defaults() AppConfig {
	return AppConfig{
		ListenAddr:               ":8080",
		MetricsAddr:              ":9090",
		DataDir:                  "/var/lib/reelscribe",
		ShutdownTimeout:          15 * time.Second,
		QueueConcurrency:         5,
		QueueStartRateRPM:        10,
		JobTimeout:               3 * time.Minute,
		JobMaxAttempts:           3,
		PerSubscriberQuota:       10,
		PerSubscriberQuotaWindow: time.Hour,
		ActiveCapacity:           100,
		AnalysisMode:             "hybrid",
		DownloaderBin:            "yt-dlp",
		FFmpegBin:                "ffmpeg",
		FFprobeBin:               "ffprobe",
		MaxDownloadMB:            50,
		MaxDurationSec:           300,
		GeneratorTimeout:         60 * time.Second,
		ImageProvider:            "none",
		LogLevel:                 "info",
		EphemeralDB:              0,
	}
}

// loadFile loads configuration from a YAML file with strict parsing:
// unknown fields are a hard error so a typo never silently no-ops.
func (l *Loader) loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file path is provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fileCfg); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return &fileCfg, nil
}

func (l *Loader) mergeFile(cfg *AppConfig, file *FileConfig) {
	if file == nil {
		return
	}
	if file.ListenAddr != "" {
		cfg.ListenAddr = file.ListenAddr
	}
	if file.MetricsAddr != "" {
		cfg.MetricsAddr = file.MetricsAddr
	}
	if file.PublicBaseURL != "" {
		cfg.PublicBaseURL = file.PublicBaseURL
	}
	if file.AnalysisMode != "" {
		cfg.AnalysisMode = file.AnalysisMode
	}
	if file.QueueConcurrency > 0 {
		cfg.QueueConcurrency = file.QueueConcurrency
	}
	if file.ActiveCapacity > 0 {
		cfg.ActiveCapacity = file.ActiveCapacity
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
}

func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.ListenAddr = l.envString("REELSCRIBE_LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = l.envString("REELSCRIBE_METRICS_ADDR", cfg.MetricsAddr)
	cfg.PublicBaseURL = l.envString("REELSCRIBE_PUBLIC_BASE_URL", cfg.PublicBaseURL)
	cfg.ShutdownTimeout = l.envDuration("REELSCRIBE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.DataDir = l.envString("REELSCRIBE_DATA_DIR", cfg.DataDir)

	cfg.DurableDSN = l.envString("REELSCRIBE_DURABLE_DSN", cfg.DurableDSN)

	cfg.EphemeralURL = l.envString("REELSCRIBE_EPHEMERAL_URL", cfg.EphemeralURL)
	cfg.EphemeralPassword = l.envString("REELSCRIBE_EPHEMERAL_PASSWORD", cfg.EphemeralPassword)
	cfg.EphemeralDB = l.envInt("REELSCRIBE_EPHEMERAL_DB", cfg.EphemeralDB)

	cfg.QueueConcurrency = l.envInt("REELSCRIBE_QUEUE_CONCURRENCY", cfg.QueueConcurrency)
	cfg.QueueStartRateRPM = l.envInt("REELSCRIBE_QUEUE_START_RATE_RPM", cfg.QueueStartRateRPM)
	cfg.JobTimeout = l.envDuration("REELSCRIBE_JOB_TIMEOUT", cfg.JobTimeout)
	cfg.JobMaxAttempts = l.envInt("REELSCRIBE_JOB_MAX_ATTEMPTS", cfg.JobMaxAttempts)

	cfg.PerSubscriberQuota = l.envInt("REELSCRIBE_PER_SUBSCRIBER_QUOTA", cfg.PerSubscriberQuota)
	cfg.PerSubscriberQuotaWindow = l.envDuration("REELSCRIBE_PER_SUBSCRIBER_QUOTA_WINDOW", cfg.PerSubscriberQuotaWindow)
	cfg.ActiveCapacity = l.envInt("REELSCRIBE_ACTIVE_CAPACITY", cfg.ActiveCapacity)

	cfg.AnalysisMode = l.envString("REELSCRIBE_ANALYSIS_MODE", cfg.AnalysisMode)
	cfg.DownloaderBin = l.envString("REELSCRIBE_DOWNLOADER_BIN", cfg.DownloaderBin)
	cfg.CookiesPath = l.envString("REELSCRIBE_COOKIES_PATH", cfg.CookiesPath)
	cfg.FFmpegBin = l.envString("REELSCRIBE_FFMPEG_BIN", cfg.FFmpegBin)
	cfg.FFprobeBin = l.envString("REELSCRIBE_FFPROBE_BIN", cfg.FFprobeBin)
	cfg.MaxDownloadMB = l.envInt("REELSCRIBE_MAX_DOWNLOAD_MB", cfg.MaxDownloadMB)
	cfg.MaxDurationSec = l.envInt("REELSCRIBE_MAX_DURATION_SEC", cfg.MaxDurationSec)

	cfg.GeneratorAPIKey = l.envString("REELSCRIBE_GENERATOR_API_KEY", cfg.GeneratorAPIKey)
	cfg.GeneratorModel = l.envString("REELSCRIBE_GENERATOR_MODEL", cfg.GeneratorModel)
	cfg.GeneratorTimeout = l.envDuration("REELSCRIBE_GENERATOR_TIMEOUT", cfg.GeneratorTimeout)

	cfg.ImageProvider = l.envString("REELSCRIBE_IMAGE_PROVIDER", cfg.ImageProvider)
	cfg.UploaderEndpoint = l.envString("REELSCRIBE_UPLOADER_ENDPOINT", cfg.UploaderEndpoint)
	cfg.UploaderAPIKey = l.envString("REELSCRIBE_UPLOADER_API_KEY", cfg.UploaderAPIKey)

	cfg.MessagingBaseURL = l.envString("REELSCRIBE_MESSAGING_BASE_URL", cfg.MessagingBaseURL)
	cfg.MessagingAPIKey = l.envString("REELSCRIBE_MESSAGING_API_KEY", cfg.MessagingAPIKey)

	cfg.AdminAPIKey = l.envString("REELSCRIBE_ADMIN_API_KEY", cfg.AdminAPIKey)

	cfg.LogLevel = l.envString("REELSCRIBE_LOG_LEVEL", cfg.LogLevel)
}
