// Package upload implements the object upload adapter (C12): an
// interface-typed Uploader with one concrete HTTP multipart PUT
// implementation, grounded in the teacher's internal/hls segment-upload
// shape.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/reelscribe/reelscribe/internal/domain"
	"github.com/reelscribe/reelscribe/internal/metrics"
	"github.com/reelscribe/reelscribe/internal/resilience"
)

// Config holds the image-provider endpoint and auth header.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// DefaultConfig applies a 30s timeout.
func DefaultConfig(endpoint, apiKey string) Config {
	return Config{Endpoint: endpoint, APIKey: apiKey, Timeout: 30 * time.Second}
}

// Adapter uploads a local file to the configured image-provider
// endpoint and returns its public URL.
type Adapter struct {
	cfg     Config
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

// New constructs an Adapter using the "upload" breaker.
func New(cfg Config, registry *resilience.Registry) *Adapter {
	return &Adapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: registry.Get("upload"),
	}
}

// Upload sends filePath as a multipart PUT and returns the hosted URL.
func (a *Adapter) Upload(ctx context.Context, filePath string) (string, error) {
	var hostedURL string

	err := a.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		body, contentType, err := buildMultipart(filePath)
		if err != nil {
			return fmt.Errorf("upload: build multipart body: %w", err)
		}

		req, err := http.NewRequestWithContext(callCtx, http.MethodPut, a.cfg.Endpoint, body)
		if err != nil {
			return fmt.Errorf("upload: build request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		if a.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
		}

		resp, err := a.client.Do(req)
		if err != nil {
			metrics.RecordAdapterCall("upload", "error")
			return fmt.Errorf("%w: upload: %v", domain.ErrUpstreamTransient, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			metrics.RecordAdapterCall("upload", "error")
			return fmt.Errorf("%w: upload returned %d", domain.ErrUpstreamTransient, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			metrics.RecordAdapterCall("upload", "error")
			return fmt.Errorf("%w: upload rejected with %d", domain.ErrUpstreamPermanent, resp.StatusCode)
		}

		location := resp.Header.Get("Location")
		if location == "" {
			data, _ := io.ReadAll(resp.Body)
			location = string(data)
		}
		hostedURL = location

		metrics.RecordAdapterCall("upload", "success")
		return nil
	})

	return hostedURL, err
}

// Render implements worker.Renderer: if the job's work directory
// contains a rendered thumbnail, it is uploaded and its hosted URL
// returned; analysis modes that produce no visual asset leave workDir
// without one, making this a no-op that returns an empty URL.
func (a *Adapter) Render(ctx context.Context, script domain.Script, workDir string) (string, error) {
	thumbPath := filepath.Join(workDir, "thumbnail.jpg")
	if _, err := os.Stat(thumbPath); err != nil {
		return "", nil
	}
	return a.Upload(ctx, thumbPath)
}

func buildMultipart(filePath string) (*bytes.Buffer, string, error) {
	file, err := os.Open(filePath) //nolint:gosec // path originates from the worker's own confined job work dir
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	part, err := writer.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return buf, writer.FormDataContentType(), nil
}
