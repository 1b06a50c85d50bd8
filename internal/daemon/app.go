// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reelscribe/reelscribe/internal/config"
	"github.com/rs/zerolog"
)

// App owns the long-lived runtime lifecycle (config watcher, reload wiring)
// and delegates server management to Manager.
type App struct {
	logger       zerolog.Logger
	manager      Manager
	configPath   string
	holder       *config.Holder
	version      string
	reloadSignal os.Signal
}

// NewApp creates a new App orchestrator. configPath may be empty, in which
// case the hot-reload watcher and SIGHUP handler are both no-ops.
func NewApp(logger zerolog.Logger, manager Manager, holder *config.Holder, configPath, version string) *App {
	return &App{
		logger:       logger,
		manager:      manager,
		holder:       holder,
		configPath:   configPath,
		version:      version,
		reloadSignal: syscall.SIGHUP,
	}
}

// Run starts all owned background subsystems and blocks until ctx is
// cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.configPath != "" && a.holder != nil {
		g.Go(func() error {
			err := config.WatchFile(ctx, a.configPath, func() error {
				return a.reload()
			})
			if err != nil {
				a.logger.Warn().Err(err).Str("event", "config.watcher_failed").Msg("config file watcher stopped")
			}
			return nil
		})

		g.Go(func() error {
			hupChan := make(chan os.Signal, 1)
			signal.Notify(hupChan, a.reloadSignal)
			defer signal.Stop(hupChan)

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hupChan:
					a.logger.Info().
						Str("event", "config.reload_signal").
						Str("signal", a.reloadSignal.String()).
						Msg("received reload signal, reloading config")
					if err := a.reload(); err != nil {
						a.logger.Warn().Err(err).Str("event", "config.reload_failed").Msg("config reload failed")
					}
				}
			}
		})
	}

	g.Go(func() error {
		err := a.manager.Start(ctx)
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			_ = a.manager.Shutdown(shutdownCtx)
			cancel()
		}
		return err
	})

	return g.Wait()
}

func (a *App) reload() error {
	loader := config.NewLoader(a.configPath, a.version)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	snap := a.holder.Swap(cfg)
	a.logger.Info().
		Uint64("epoch", snap.Epoch).
		Interface("config", config.MaskSecrets(cfg)).
		Msg("config reloaded")
	return nil
}
