// Package mediaprobe wraps ffprobe invocations (C12), grounded in
// the teacher's internal/pipeline/exec/ffmpeg process wrapper idiom:
// context-cancellable exec.CommandContext, stderr capture, and a
// process-group kill on timeout.
package mediaprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/reelscribe/reelscribe/internal/domain"
	"github.com/reelscribe/reelscribe/internal/metrics"
	"github.com/reelscribe/reelscribe/internal/resilience"
)

// Config holds the ffprobe/ffmpeg binary paths and timeout.
type Config struct {
	FFprobePath string
	FFmpegPath  string
	Timeout     time.Duration
}

// DefaultConfig assumes ffprobe/ffmpeg are on PATH.
func DefaultConfig() Config {
	return Config{FFprobePath: "ffprobe", FFmpegPath: "ffmpeg", Timeout: 60 * time.Second}
}

// Adapter reads the duration of a downloaded media file. It produces no
// transcript or visual notes.
type Adapter struct {
	cfg     Config
	breaker *resilience.CircuitBreaker
}

// New constructs an Adapter using the "analysis" breaker.
func New(cfg Config, registry *resilience.Registry) *Adapter {
	return &Adapter{cfg: cfg, breaker: registry.Get("analysis")}
}

type probeFormat struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads the file's duration via ffprobe. It extracts no audio or
// frames: transcript and visualNotes are returned empty for every mode
// ("audio"|"frames"|"hybrid").
func (a *Adapter) Probe(ctx context.Context, filePath, mode string) (transcript, visualNotes string, durationSec float64, err error) {
	err = a.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		duration, probeErr := a.probeDuration(callCtx, filePath)
		if probeErr != nil {
			metrics.RecordAdapterCall("analysis", "error")
			return probeErr
		}
		durationSec = duration

		switch mode {
		case "audio":
			visualNotes = ""
		case "frames":
			transcript = ""
		}

		metrics.RecordAdapterCall("analysis", "success")
		return nil
	})
	return transcript, visualNotes, durationSec, err
}

func (a *Adapter) probeDuration(ctx context.Context, filePath string) (float64, error) {
	cmd := exec.CommandContext(ctx, a.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		filePath,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("%w: ffprobe: %v: %s", domain.ErrUpstreamTransient, err, stderr.String())
	}

	var parsed probeFormat
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return 0, fmt.Errorf("ffprobe: decode output: %w", err)
	}

	duration, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: parse duration: %w", err)
	}
	return duration, nil
}
