package daemon

import (
	"net/http"

	"github.com/reelscribe/reelscribe/internal/config"
	"github.com/rs/zerolog"
)

// Deps contains dependencies required by the daemon Manager, allowing for
// clean dependency injection and easier testing.
type Deps struct {
	// Logger is the structured logger for the daemon.
	Logger zerolog.Logger

	// Config is the resolved application configuration.
	Config config.AppConfig

	// APIHandler is the HTTP handler for the ingress server (C9/C13).
	APIHandler http.Handler

	// MetricsHandler is the HTTP handler for Prometheus metrics (if enabled).
	MetricsHandler http.Handler

	// MetricsAddr is the address the metrics server should listen on.
	// Empty disables the metrics server.
	MetricsAddr string
}

// Validate checks whether the dependencies are sufficient to start a Manager.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.APIHandler == nil {
		return ErrMissingAPIHandler
	}
	return nil
}
