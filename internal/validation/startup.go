package validation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/reelscribe/reelscribe/internal/config"
	"github.com/reelscribe/reelscribe/internal/log"
	sqlitestore "github.com/reelscribe/reelscribe/internal/store/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// PerformStartupChecks validates the environment and dependencies before
// accepting traffic: data directory writability, durable store
// connectivity, and ephemeral store connectivity.
func PerformStartupChecks(ctx context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkDataDir(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}

	if err := checkDurableStore(logger, cfg); err != nil {
		return fmt.Errorf("durable store check failed: %w", err)
	}

	if err := checkEphemeralStore(ctx, logger, cfg); err != nil {
		return fmt.Errorf("ephemeral store check failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	if path == "" {
		return fmt.Errorf("data directory is not configured")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("data directory is writable")
	return nil
}

// checkDurableStore opens a throwaway pool against the configured sqlite
// DSN; sqlitestore.Open pings as part of connection setup.
func checkDurableStore(logger zerolog.Logger, cfg config.AppConfig) error {
	if cfg.DurableDSN == "" {
		return fmt.Errorf("durable store DSN is not configured")
	}

	db, err := sqlitestore.Open(cfg.DurableDSN, sqlitestore.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to open durable store at %s: %w", cfg.DurableDSN, err)
	}
	defer db.Close()

	logger.Info().Str("dsn", cfg.DurableDSN).Msg("durable store reachable")
	return nil
}

func checkEphemeralStore(ctx context.Context, logger zerolog.Logger, cfg config.AppConfig) error {
	if cfg.EphemeralURL == "" {
		return fmt.Errorf("ephemeral store URL is not configured")
	}

	opts, err := redis.ParseURL(cfg.EphemeralURL)
	if err != nil {
		return fmt.Errorf("invalid ephemeral store URL: %w", err)
	}

	client := redis.NewClient(opts)
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to reach ephemeral store at %s: %w", opts.Addr, err)
	}

	logger.Info().Str("addr", opts.Addr).Msg("ephemeral store reachable")
	return nil
}
