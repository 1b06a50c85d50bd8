package config

import "time"

// AppConfig is the fully resolved, validated runtime configuration for the
// reelscribe daemon. It is assembled once at startup (and again on every
// hot-reload) by Loader.Load, then wrapped in an immutable Snapshot.
type AppConfig struct {
	Version string

	// Listen addresses.
	ListenAddr      string
	MetricsAddr     string
	PublicBaseURL   string
	ShutdownTimeout time.Duration

	// DataDir holds per-job scratch directories (downloads, extracted
	// frames/audio) created and cleaned up by the pipeline worker (C11).
	DataDir string

	// Durable store (C4).
	DurableDSN string

	// Ephemeral store (C5).
	EphemeralURL      string
	EphemeralPassword string
	EphemeralDB       int

	// Queue (C10).
	QueueConcurrency int
	QueueStartRateRPM int
	JobTimeout        time.Duration
	JobMaxAttempts    int

	// Access gate (C8).
	PerSubscriberQuota      int
	PerSubscriberQuotaWindow time.Duration
	ActiveCapacity          int

	// Pipeline adapters (C12).
	AnalysisMode    string // audio|frames|hybrid
	DownloaderBin   string
	CookiesPath     string
	FFmpegBin       string
	FFprobeBin      string
	MaxDownloadMB   int
	MaxDurationSec  int

	GeneratorAPIKey    string
	GeneratorModel     string
	GeneratorTimeout   time.Duration

	ImageProvider      string
	UploaderEndpoint   string
	UploaderAPIKey     string

	MessagingBaseURL string
	MessagingAPIKey  string

	// Admin surface.
	AdminAPIKey string

	// Logging.
	LogLevel string
}

// ServerConfig holds the HTTP listener tuning consumed by the daemon
// manager, derived from AppConfig at startup.
type ServerConfig struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
}

// DeriveServerConfig builds the HTTP listener tuning from the resolved
// application config, applying sane fixed timeouts the spec does not
// expose as independently tunable knobs.
func DeriveServerConfig(cfg AppConfig) ServerConfig {
	return ServerConfig{
		ListenAddr:      cfg.ListenAddr,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}

// FileConfig mirrors AppConfig's YAML-overridable subset for the optional
// local-development config file overlay. Only fields operators plausibly
// want to pin in a committed file are exposed here; secrets stay ENV-only.
type FileConfig struct {
	ListenAddr       string `yaml:"listen_addr"`
	MetricsAddr      string `yaml:"metrics_addr"`
	PublicBaseURL    string `yaml:"public_base_url"`
	AnalysisMode     string `yaml:"analysis_mode"`
	QueueConcurrency int    `yaml:"queue_concurrency"`
	ActiveCapacity   int    `yaml:"active_capacity"`
	LogLevel         string `yaml:"log_level"`
}
