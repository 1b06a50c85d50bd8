// Package generate wraps anthropic-sdk-go calls for the multimodal
// one-shot and text-only script generation modes (C12). Retried by the
// queue on domain.ErrUpstreamTransient; never retried internally —
// retries belong to C10.
package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/reelscribe/reelscribe/internal/domain"
	"github.com/reelscribe/reelscribe/internal/metrics"
	"github.com/reelscribe/reelscribe/internal/resilience"
)

// Config holds the generation model and credentials.
type Config struct {
	APIKey  string
	Model   anthropic.Model
	Timeout time.Duration
}

// DefaultConfig uses Claude's latest Sonnet tier for balance of cost and
// quality on short-form script generation.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:  apiKey,
		Model:   anthropic.ModelClaude3_5SonnetLatest,
		Timeout: 30 * time.Second,
	}
}

// Adapter generates hook/body/CTA scripts from a reel analysis plus the
// subscriber's idea, mode, memory and prior scripts.
type Adapter struct {
	client  anthropic.Client
	cfg     Config
	breaker *resilience.CircuitBreaker
}

// New constructs an Adapter using the "generation" breaker.
func New(cfg Config, registry *resilience.Registry) *Adapter {
	return &Adapter{
		client:  anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:     cfg,
		breaker: registry.Get("generation"),
	}
}

// Generate produces hook, body, and CTA text for one script variation.
// priorSummaries steer the model away from repeating a script already
// delivered for the same idea; priorFullBodies anchor style from scripts
// generated for the same source under a different idea.
func (a *Adapter) Generate(ctx context.Context, analysis domain.ReelAnalysis, idea, mode string, variationIndex int, memory domain.UserMemory, priorSummaries, priorFullBodies []string) (hook, body, cta string, err error) {
	err = a.breaker.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		prompt := buildPrompt(analysis, idea, mode, variationIndex, memory, priorSummaries, priorFullBodies)

		msg, genErr := a.client.Messages.New(callCtx, anthropic.MessageNewParams{
			Model:     a.cfg.Model,
			MaxTokens: 1024,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if genErr != nil {
			metrics.RecordAdapterCall("generation", "error")
			return fmt.Errorf("%w: anthropic: %v", domain.ErrUpstreamTransient, genErr)
		}

		text := extractText(msg)
		hook, body, cta = parseSections(text)
		if hook == "" || body == "" {
			metrics.RecordAdapterCall("generation", "error")
			return fmt.Errorf("%w: generation returned incomplete script", domain.ErrUpstreamTransient)
		}

		metrics.RecordAdapterCall("generation", "success")
		return nil
	})
	return hook, body, cta, err
}

func buildPrompt(analysis domain.ReelAnalysis, idea, mode string, variationIndex int, memory domain.UserMemory, priorSummaries, priorFullBodies []string) string {
	var sb strings.Builder
	sb.WriteString("Write a short-form video script with three labeled sections: HOOK, BODY, CTA.\n")
	fmt.Fprintf(&sb, "Idea: %s. Mode: %s. Variation: %d.\n", idea, mode, variationIndex)
	if memory.PreferredTone != "" {
		fmt.Fprintf(&sb, "Subscriber's preferred tone: %s.\n", memory.PreferredTone)
	}
	if memory.RecentIntent != "" {
		fmt.Fprintf(&sb, "Subscriber's recent intent for context: %s.\n", memory.RecentIntent)
	}
	for _, s := range priorSummaries {
		fmt.Fprintf(&sb, "Avoid repeating this prior script for the same idea: %s\n", s)
	}
	for _, b := range priorFullBodies {
		fmt.Fprintf(&sb, "Match the voice of this prior script for the same source: %s\n", b)
	}
	fmt.Fprintf(&sb, "Source transcript: %s\n", analysis.Transcript)
	fmt.Fprintf(&sb, "Visual notes: %s\n", analysis.VisualNotes)
	return sb.String()
}

func extractText(msg *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	return sb.String()
}

func parseSections(text string) (hook, body, cta string) {
	sections := map[string]*string{
		"HOOK:": &hook,
		"BODY:": &body,
		"CTA:":  &cta,
	}

	lines := strings.Split(text, "\n")
	var current *string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		matched := false
		for prefix, target := range sections {
			if strings.HasPrefix(strings.ToUpper(trimmed), prefix) {
				current = target
				*current = strings.TrimSpace(trimmed[len(prefix):])
				matched = true
				break
			}
		}
		if matched || current == nil {
			continue
		}
		if *current != "" {
			*current += " "
		}
		*current += trimmed
	}
	return hook, body, cta
}
