// Package download implements the downloader adapter (C12): a
// yt-dlp-shaped CLI invocation, grounded in the pack's vidfriends
// AssetIngestor/YTDLPProvider shape — typed stderr-pattern
// classification into permanent vs transient upstream failures, bounded
// by the "download" circuit breaker.
package download

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/reelscribe/reelscribe/internal/domain"
	"github.com/reelscribe/reelscribe/internal/metrics"
	"github.com/reelscribe/reelscribe/internal/resilience"
)

// Config tunes the downloader's invocation limits.
type Config struct {
	BinaryPath string
	CookiesPath string
	MaxFilesize string // yt-dlp --max-filesize value, e.g. "50M"
	MaxDurationSec int
	Timeout time.Duration
}

// DefaultConfig matches the spec's 50MB/300s limits.
func DefaultConfig(binaryPath string) Config {
	return Config{
		BinaryPath:     binaryPath,
		MaxFilesize:    "50M",
		MaxDurationSec: 300,
		Timeout:        30 * time.Second,
	}
}

// Adapter invokes the configured binary to fetch a source video.
type Adapter struct {
	cfg     Config
	breaker *resilience.CircuitBreaker
}

// New constructs an Adapter using the "download" breaker from registry.
func New(cfg Config, registry *resilience.Registry) *Adapter {
	return &Adapter{cfg: cfg, breaker: registry.Get("download")}
}

var permanentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)login required`),
	regexp.MustCompile(`(?i)video (unavailable|not available)`),
	regexp.MustCompile(`(?i)private video`),
	regexp.MustCompile(`(?i)account required`),
}

// Download fetches sourceURL into destDir, returning the path to the
// downloaded file.
func (a *Adapter) Download(ctx context.Context, sourceURL, destDir string) (string, error) {
	var outPath string

	err := a.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		outputTemplate := filepath.Join(destDir, "source.%(ext)s")
		args := []string{
			"--max-filesize", a.cfg.MaxFilesize,
			"--match-filter", fmt.Sprintf("duration<=%d", a.cfg.MaxDurationSec),
			"--no-playlist",
			"-o", outputTemplate,
		}
		if a.cfg.CookiesPath != "" {
			args = append(args, "--cookies", a.cfg.CookiesPath)
		}
		args = append(args, sourceURL)

		cmd := exec.CommandContext(callCtx, a.cfg.BinaryPath, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			classified := classify(stderr.String(), err)
			metrics.RecordAdapterCall("download", "error")
			return classified
		}

		resolved, err := resolveDownloadedFile(destDir)
		if err != nil {
			return err
		}
		outPath = resolved
		metrics.RecordAdapterCall("download", "success")
		return nil
	})

	return outPath, err
}

func classify(stderr string, execErr error) error {
	for _, p := range permanentPatterns {
		if p.MatchString(stderr) {
			return fmt.Errorf("%w: %s", domain.ErrUpstreamPermanent, strings.TrimSpace(stderr))
		}
	}
	return fmt.Errorf("%w: %v: %s", domain.ErrUpstreamTransient, execErr, strings.TrimSpace(stderr))
}

func resolveDownloadedFile(destDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(destDir, "source.*"))
	if err != nil {
		return "", fmt.Errorf("download: glob output: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: no output file produced", domain.ErrUpstreamTransient)
	}
	return matches[0], nil
}
