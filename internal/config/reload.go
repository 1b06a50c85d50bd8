package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/reelscribe/reelscribe/internal/log"
)

// WatchFile watches configPath for writes and calls reload on each one,
// swallowing fsnotify's duplicate-event and rename-then-create noise by
// only reacting to Write and Create ops on the exact file name. It returns
// once ctx is canceled or the watcher fails to start.
func WatchFile(ctx context.Context, configPath string, reload func() error) error {
	if configPath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	logger := log.WithComponent("config-reload")
	target := filepath.Clean(configPath)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := reload(); err != nil {
				logger.Error().Err(err).Msg("config reload failed, keeping previous snapshot")
			} else {
				logger.Info().Msg("config reloaded")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
