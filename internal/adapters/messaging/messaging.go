// Package messaging implements the REST client for the conversational
// platform's subscriber/custom-field/content-message API (C12),
// grounded directly in the teacher's internal/openwebif client shape:
// a bounded-timeout http.Client, typed response decode, and
// bearer-token header injection — generalized from "OpenWebIF
// receiver" to "messaging platform", preserving the
// call-then-decode-then-typed-error shape.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/reelscribe/reelscribe/internal/domain"
	"github.com/reelscribe/reelscribe/internal/metrics"
	"github.com/reelscribe/reelscribe/internal/resilience"
)

const maxErrBody = 8 * 1024

// Config holds the messaging platform's base URL and API key.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DefaultConfig applies a 30s timeout.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{BaseURL: baseURL, APIKey: apiKey, Timeout: 30 * time.Second}
}

// Adapter sends content messages to subscribers through the
// conversational platform's REST API.
type Adapter struct {
	cfg     Config
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

// New constructs an Adapter using the "messaging" breaker.
func New(cfg Config, registry *resilience.Registry) *Adapter {
	return &Adapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: registry.Get("messaging"),
	}
}

type contentMessageRequest struct {
	Subscriber string `json:"subscriber"`
	Hook       string `json:"hook"`
	Body       string `json:"body"`
	CTA        string `json:"cta"`
	ViewURL    string `json:"view_url"`
}

type contentMessageResponse struct {
	MessageID string `json:"message_id"`
}

type textMessageRequest struct {
	Subscriber string `json:"subscriber"`
	Text       string `json:"text"`
}

type customFieldRequest struct {
	Subscriber string `json:"subscriber"`
	Field      string `json:"field"`
	Value      string `json:"value"`
}

// Deliver sends the finished script back to subscriber via a content
// message, linking to the public view URL for the full script.
func (a *Adapter) Deliver(ctx context.Context, subscriber string, script domain.Script) error {
	return a.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		payload := contentMessageRequest{
			Subscriber: subscriber,
			Hook:       script.Hook,
			Body:       script.Body,
			CTA:        script.CTA,
			ViewURL:    script.ViewURL,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("messaging: encode payload: %w", err)
		}

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.cfg.BaseURL+"/v1/messages", bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("messaging: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

		resp, err := a.client.Do(req)
		if err != nil {
			metrics.RecordAdapterCall("messaging", "error")
			return fmt.Errorf("%w: messaging: %v", domain.ErrUpstreamTransient, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
			metrics.RecordAdapterCall("messaging", "error")
			if resp.StatusCode >= 500 {
				return fmt.Errorf("%w: messaging returned %d: %s", domain.ErrUpstreamTransient, resp.StatusCode, body)
			}
			return fmt.Errorf("%w: messaging rejected with %d: %s", domain.ErrUpstreamPermanent, resp.StatusCode, body)
		}

		var decoded contentMessageResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("messaging: decode response: %w", err)
		}

		metrics.RecordAdapterCall("messaging", "success")
		return nil
	})
}

// SendText posts a plain conversational message to subscriber: the
// "awaiting idea" prompt after a bare URL, or the onboarding message for
// an unrecognized utterance.
func (a *Adapter) SendText(ctx context.Context, subscriber, text string) error {
	return a.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		data, err := json.Marshal(textMessageRequest{Subscriber: subscriber, Text: text})
		if err != nil {
			return fmt.Errorf("messaging: encode text payload: %w", err)
		}

		return a.postAndCheck(callCtx, "/v1/messages/text", data)
	})
}

// SetCopyURL updates the subscriber's copy-URL custom field to url. Per
// the messaging platform's automation contract, this call must land
// before the matching SetImageURL call for the same delivery.
func (a *Adapter) SetCopyURL(ctx context.Context, subscriber, url string) error {
	return a.setCustomField(ctx, subscriber, "copy_url", url)
}

// SetImageURL updates the subscriber's image-URL custom field to url.
// This is the trigger field the platform's automation watches, so it
// must be the last of the two custom-field calls for a delivery.
func (a *Adapter) SetImageURL(ctx context.Context, subscriber, url string) error {
	return a.setCustomField(ctx, subscriber, "image_url", url)
}

func (a *Adapter) setCustomField(ctx context.Context, subscriber, field, value string) error {
	return a.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		data, err := json.Marshal(customFieldRequest{Subscriber: subscriber, Field: field, Value: value})
		if err != nil {
			return fmt.Errorf("messaging: encode custom field payload: %w", err)
		}

		return a.postAndCheck(callCtx, "/v1/subscribers/custom-field", data)
	})
}

// postAndCheck POSTs data to the given path and classifies the response,
// shared by every call that doesn't need to decode a typed body back.
func (a *Adapter) postAndCheck(ctx context.Context, path string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("messaging: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		metrics.RecordAdapterCall("messaging", "error")
		return fmt.Errorf("%w: messaging: %v", domain.ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		metrics.RecordAdapterCall("messaging", "error")
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: messaging returned %d: %s", domain.ErrUpstreamTransient, resp.StatusCode, body)
		}
		return fmt.Errorf("%w: messaging rejected with %d: %s", domain.ErrUpstreamPermanent, resp.StatusCode, body)
	}

	metrics.RecordAdapterCall("messaging", "success")
	return nil
}
