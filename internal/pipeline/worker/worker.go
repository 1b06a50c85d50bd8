// Package worker implements the pipeline worker (C11): the
// download -> analyze -> generate -> render -> deliver stage graph run
// for each claimed job. The stage orchestrator is modeled as the
// teacher's fsm.Machine over job stages (download -> analyze ->
// generate -> render -> deliver), generalized from the teacher's
// Orchestrator.handleStart shape (lease-guarded, deferred finalization,
// typed reason errors) from a tuner/transcoder pipeline to a
// download/analyze/generate/render/deliver pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/reelscribe/reelscribe/internal/domain"
	"github.com/reelscribe/reelscribe/internal/fsutil"
	"github.com/reelscribe/reelscribe/internal/metrics"
	"github.com/reelscribe/reelscribe/internal/pipeline/fsm"
	pipelinestore "github.com/reelscribe/reelscribe/internal/pipeline/store"
	"github.com/reelscribe/reelscribe/internal/session"
	sqlitestore "github.com/reelscribe/reelscribe/internal/store/sqlite"
	"github.com/reelscribe/reelscribe/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Downloader fetches the source video for job and returns the local
// file path, grounded in the pack's vidfriends AssetIngestor shape.
type Downloader interface {
	Download(ctx context.Context, sourceURL, destDir string) (filePath string, err error)
}

// MediaProber extracts transcript and visual notes from the downloaded
// file, grounded in the teacher's ffmpeg/ffprobe process wrapper idiom.
type MediaProber interface {
	Probe(ctx context.Context, filePath string, mode string) (transcript, visualNotes string, durationSec float64, err error)
}

// Generator produces a script (hook/body/CTA) from the analysis and
// idea, wrapping the multimodal generation adapter. priorSummaries and
// priorFullBodies carry the worker's prior-context retrieval: summaries
// steer the generator away from repeating a script already produced for
// the same idea, full bodies anchor style for a different idea on the
// same source.
type Generator interface {
	Generate(ctx context.Context, analysis domain.ReelAnalysis, idea, mode string, variationIndex int, memory domain.UserMemory, priorSummaries, priorFullBodies []string) (hook, body, cta string, err error)
}

// Renderer prepares any rendered asset (e.g. an uploaded thumbnail or
// caption card) for the generated script and returns its public URL. A
// no-op implementation returning an empty URL is valid when the analysis
// mode carries no visual output.
type Renderer interface {
	Render(ctx context.Context, script domain.Script, workDir string) (artifactURL string, err error)
}

// Deliverer sends the finished script back to the subscriber through
// the messaging platform as a direct message.
type Deliverer interface {
	Deliver(ctx context.Context, subscriber string, script domain.Script) error
}

// FieldUpdater sets the two subscriber custom fields the messaging
// platform's outbound automation watches. SetCopyURL must be called
// before SetImageURL for the same delivery: the platform reads both
// fields atomically on the image-URL change event, so image-URL is the
// trigger and must land last.
type FieldUpdater interface {
	SetCopyURL(ctx context.Context, subscriber, url string) error
	SetImageURL(ctx context.Context, subscriber, url string) error
}

// Adapters bundles the external-facing dependencies the worker drives
// per stage.
type Adapters struct {
	Download Downloader
	Probe    MediaProber
	Generate Generator
	Render   Renderer
	Fields   FieldUpdater
	Deliver  Deliverer
}

// Config tunes per-job limits.
type Config struct {
	TempRoot              string
	StageTimeout          time.Duration
	PublicBaseURL         string
	MaxAttempts           int
	DirectMessageDelivery bool
}

// DefaultConfig returns sane per-stage limits.
func DefaultConfig(tempRoot string) Config {
	return Config{
		TempRoot:              tempRoot,
		StageTimeout:          2 * time.Minute,
		MaxAttempts:           3,
		DirectMessageDelivery: true,
	}
}

// Orchestrator drives one job through the stage graph.
type Orchestrator struct {
	cfg      Config
	adapters Adapters
	jobs     *pipelinestore.JobStore
	repo     *sqlitestore.Repository
	sessions *session.Manager
	logger   zerolog.Logger
}

// New constructs an Orchestrator.
func New(cfg Config, adapters Adapters, jobs *pipelinestore.JobStore, repo *sqlitestore.Repository, sessions *session.Manager, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, adapters: adapters, jobs: jobs, repo: repo, sessions: sessions, logger: logger.With().Str("component", "worker").Logger()}
}

type jobEvent string

const (
	eventDownloaded jobEvent = "downloaded"
	eventAnalyzed   jobEvent = "analyzed"
	eventGenerated  jobEvent = "generated"
	eventRendered   jobEvent = "rendered"
	eventDelivered  jobEvent = "delivered"
	eventFailed     jobEvent = "failed"
)

var stageTransitions = []fsm.Transition[domain.Stage, jobEvent]{
	{From: domain.StageDownload, Event: eventDownloaded, To: domain.StageAnalyze},
	{From: domain.StageAnalyze, Event: eventAnalyzed, To: domain.StageGenerate},
	{From: domain.StageGenerate, Event: eventGenerated, To: domain.StageRender},
	{From: domain.StageRender, Event: eventRendered, To: domain.StageDeliver},
}

var safeJobID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Run drives job through every stage, persisting stage transitions and
// finalizing the job as completed or failed. ctx is passed to every
// stage call (download, probe, generate, render, deliver); Run applies
// no per-stage or per-job timeout of its own.
func (o *Orchestrator) Run(ctx context.Context, job domain.Job) error {
	start := time.Now()

	ctx, span := telemetry.Tracer("pipeline.worker").Start(ctx, "worker.Run",
		trace.WithAttributes(attribute.String("job.id", job.ID), attribute.String(telemetry.JobTypeKey, job.Intent)))
	defer span.End()

	workDir, err := o.jobWorkDir(job.ID)
	if err != nil {
		return o.fail(ctx, job, fmt.Errorf("work dir setup: %w", err), start)
	}
	defer os.RemoveAll(workDir) //nolint:errcheck

	machine, err := fsm.New(domain.StageDownload, stageTransitions)
	if err != nil {
		return o.fail(ctx, job, fmt.Errorf("build stage machine: %w", err), start)
	}

	analysis, err := o.runDownloadAnalyze(ctx, job, workDir, machine)
	if err != nil {
		return o.fail(ctx, job, err, start)
	}

	memory, err := o.repo.GetUserMemory(ctx, job.Subscriber)
	if err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("load user memory failed, continuing without it")
	}

	var hook, body, cta string
	if job.IsCopyMode {
		hook, body, cta = formatCopyScript(analysis)
	} else {
		summaries, fullBodies := o.priorContext(ctx, job)
		hook, body, cta, err = o.adapters.Generate.Generate(ctx, analysis, job.Idea, job.Mode, job.VariationIndex, memory, summaries, fullBodies)
		if err != nil {
			return o.fail(ctx, job, fmt.Errorf("generate: %w", err), start)
		}
	}
	if _, err := machine.Fire(ctx, eventGenerated); err != nil {
		return o.fail(ctx, job, err, start)
	}
	if err := o.jobs.UpdateStage(ctx, job, domain.StageRender); err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("persist stage transition failed")
	}

	script := domain.Script{
		ID:           job.ID,
		PublicID:     uuid.NewString(),
		VariationKey: job.VariationKey,
		Subscriber:   job.Subscriber,
		RequestHash:  job.RequestHash,
		Idea:         job.Idea,
		Intent:       job.Intent,
		Mode:         job.Mode,
		IsCopyMode:   job.IsCopyMode,
		Hook:         hook,
		Body:         body,
		CTA:          cta,
		CreatedAt:    time.Now(),
	}

	artifactURL, err := o.adapters.Render.Render(ctx, script, workDir)
	if err != nil {
		return o.fail(ctx, job, fmt.Errorf("render: %w", err), start)
	}
	if _, err := machine.Fire(ctx, eventRendered); err != nil {
		return o.fail(ctx, job, err, start)
	}
	if err := o.jobs.UpdateStage(ctx, job, domain.StageDeliver); err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("persist stage transition failed")
	}

	script.ArtifactURL = artifactURL
	script.ViewURL = fmt.Sprintf("%s/s/%s", o.cfg.PublicBaseURL, script.PublicID)

	if err := o.repo.PutScript(ctx, script); err != nil {
		return o.fail(ctx, job, fmt.Errorf("persist script: %w", err), start)
	}

	if err := o.repo.PutDatasetRecord(ctx, domain.DatasetRecord{
		ID:         uuid.NewString(),
		ScriptID:   script.ID,
		Subscriber: job.Subscriber,
		CreatedAt:  time.Now(),
	}); err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("baseline dataset record write failed")
	}

	// copy-URL must land before image-URL: the messaging platform's
	// outbound automation reads both fields atomically on the image-URL
	// change, so image-URL is the trigger and is always set last.
	if err := o.adapters.Fields.SetCopyURL(ctx, job.Subscriber, script.ViewURL); err != nil {
		return o.fail(ctx, job, fmt.Errorf("set copy url: %w", err), start)
	}
	if artifactURL != "" {
		if err := o.adapters.Fields.SetImageURL(ctx, job.Subscriber, artifactURL); err != nil {
			return o.fail(ctx, job, fmt.Errorf("set image url: %w", err), start)
		}
	}

	if o.cfg.DirectMessageDelivery {
		if err := o.adapters.Deliver.Deliver(ctx, job.Subscriber, script); err != nil {
			return o.fail(ctx, job, fmt.Errorf("deliver: %w", err), start)
		}
	}
	if _, err := o.sessions.Fire(ctx, job.Subscriber, domain.EventJobDelivered, func(sc *domain.SessionContext) {
		sc.LastIdea = job.Idea
		sc.LastIntent = job.Intent
	}); err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("session transition on delivery failed")
	}

	if err := o.jobs.MarkCompleted(ctx, job, script.ID); err != nil {
		o.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark job completed failed")
	}

	span.SetAttributes(telemetry.JobAttributes("pipeline", "completed", time.Since(start).Milliseconds())...)
	metrics.RecordJobCompleted("completed", time.Since(start).Seconds())
	return nil
}

// runDownloadAnalyze drives the first two stages and returns the
// analysis, reusing a cached tier-1 ReelAnalysis when present so repeat
// requests for the same source skip re-download and re-analysis.
func (o *Orchestrator) runDownloadAnalyze(ctx context.Context, job domain.Job, workDir string, machine *fsm.Machine[domain.Stage, jobEvent]) (domain.ReelAnalysis, error) {
	if cached, err := o.repo.GetReelAnalysis(ctx, job.RequestHash); err == nil {
		metrics.RecordCacheResult("tier1", "hit")
		if _, err := machine.Fire(ctx, eventDownloaded); err != nil {
			return domain.ReelAnalysis{}, err
		}
		if _, err := machine.Fire(ctx, eventAnalyzed); err != nil {
			return domain.ReelAnalysis{}, err
		}
		return cached, nil
	}
	metrics.RecordCacheResult("tier1", "miss")

	filePath, err := o.adapters.Download.Download(ctx, job.SourceURL, workDir)
	if err != nil {
		return domain.ReelAnalysis{}, fmt.Errorf("download: %w", err)
	}
	if _, err := machine.Fire(ctx, eventDownloaded); err != nil {
		return domain.ReelAnalysis{}, err
	}
	if err := o.jobs.UpdateStage(ctx, job, domain.StageAnalyze); err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("persist stage transition failed")
	}

	transcript, visualNotes, duration, err := o.adapters.Probe.Probe(ctx, filePath, job.Mode)
	if err != nil {
		return domain.ReelAnalysis{}, fmt.Errorf("analyze: %w", err)
	}
	if _, err := machine.Fire(ctx, eventAnalyzed); err != nil {
		return domain.ReelAnalysis{}, err
	}
	if err := o.jobs.UpdateStage(ctx, job, domain.StageGenerate); err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("persist stage transition failed")
	}

	analysis := domain.ReelAnalysis{
		RequestHash: job.RequestHash,
		SourceURL:   job.SourceURL,
		Transcript:  transcript,
		VisualNotes: visualNotes,
		DurationSec: duration,
		Mode:        job.Mode,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(7 * 24 * time.Hour),
	}
	if err := o.repo.PutReelAnalysis(ctx, analysis); err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("cache reel analysis failed")
	}
	return analysis, nil
}

// priorContext queries up to 5 prior scripts generated for job's
// canonical source URL and partitions them: scripts sharing job's exact
// idea contribute a short summary (steering the generator away from
// repeating itself); scripts for a different idea contribute their full
// body as style context. Lookup failure is logged, not propagated — this
// is a best-effort enrichment, not a pipeline dependency.
func (o *Orchestrator) priorContext(ctx context.Context, job domain.Job) (summaries, fullBodies []string) {
	prior, err := o.repo.ListScriptsByRequestHash(ctx, job.RequestHash, 5)
	if err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("prior script lookup failed, continuing without it")
		return nil, nil
	}
	for _, p := range prior {
		if p.Idea == job.Idea {
			summaries = append(summaries, summarizeScript(p))
		} else {
			fullBodies = append(fullBodies, p.Body)
		}
	}
	return summaries, fullBodies
}

const summaryLineMax = 80

func summarizeScript(sc domain.Script) string {
	return strings.TrimSpace(firstLine(sc.Hook, summaryLineMax) + " " + firstLine(sc.Body, summaryLineMax))
}

func firstLine(s string, max int) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > max {
		s = s[:max]
	}
	return s
}

var sentenceBoundary = regexp.MustCompile(`[.!?]+\s+|[.!?]+$`)

// formatCopyScript lays an analysis transcript out as hook/body/CTA
// without invoking the generator, per copy mode's deterministic
// allocation rule: at most 3 sentences splits first/last/middle 1:1:1;
// otherwise the first and last 20% of sentences become hook and CTA and
// the remainder becomes body.
func formatCopyScript(analysis domain.ReelAnalysis) (hook, body, cta string) {
	sentences := splitSentences(analysis.Transcript)
	n := len(sentences)
	switch {
	case n == 0:
		return "", analysis.Transcript, ""
	case n == 1:
		return sentences[0], "", sentences[0]
	case n == 2:
		return sentences[0], "", sentences[1]
	case n == 3:
		return sentences[0], sentences[1], sentences[2]
	default:
		edge := int(math.Ceil(float64(n) * 0.2))
		if edge < 1 {
			edge = 1
		}
		hook = strings.Join(sentences[:edge], " ")
		cta = strings.Join(sentences[n-edge:], " ")
		body = strings.Join(sentences[edge:n-edge], " ")
		return hook, body, cta
	}
}

func splitSentences(text string) []string {
	var out []string
	for _, s := range sentenceBoundary.Split(text, -1) {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// fail marks job failed, attempts a best-effort deterministic fallback
// delivery when this was the job's final allowed attempt, and returns
// cause wrapped with the job id so the dispatcher's retry classification
// (domain.ErrUpstreamPermanent, domain.ErrValidation) still matches
// through errors.Is.
func (o *Orchestrator) fail(ctx context.Context, job domain.Job, cause error, start time.Time) error {
	reason := cause.Error()
	o.logger.Error().Str("job_id", job.ID).Str("reason", reason).Msg("job failed")
	if err := o.jobs.MarkFailed(ctx, job, reason); err != nil {
		o.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark job failed failed")
	}

	// Mirrors the dispatcher's own retry predicate (job.Attempts <
	// MaxAttempts && !isPermanent) so the fallback fires exactly when no
	// further retry of this job will happen.
	permanent := errors.Is(cause, domain.ErrUpstreamPermanent) || errors.Is(cause, domain.ErrValidation)
	if permanent || job.Attempts >= o.cfg.MaxAttempts {
		o.deliverFallback(ctx, job)
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(telemetry.JobAttributes("pipeline", "failed", time.Since(start).Milliseconds())...)
	metrics.RecordJobCompleted("failed", time.Since(start).Seconds())
	return fmt.Errorf("job %s: %w", job.ID, cause)
}

// deliverFallback sends a deterministic, template-based script so the
// subscriber never sees a silent failure after every retry is exhausted.
// It embeds the subscriber's own idea and is best-effort: a delivery
// failure here is logged, not escalated, since the job is already being
// marked failed regardless.
func (o *Orchestrator) deliverFallback(ctx context.Context, job domain.Job) {
	idea := job.Idea
	if idea == "" {
		idea = "your reel"
	}

	fallback := domain.Script{
		ID:         job.ID,
		PublicID:   job.ID,
		Subscriber: job.Subscriber,
		Idea:       job.Idea,
		Hook:       fmt.Sprintf("We couldn't finish your script for %q this time.", idea),
		Body:       fmt.Sprintf("Something went wrong generating a script for %q. Reply \"redo\" and we'll try again with the same idea.", idea),
		CTA:        "Reply \"redo\" to try again.",
		CreatedAt:  time.Now(),
	}
	if err := o.adapters.Deliver.Deliver(ctx, job.Subscriber, fallback); err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("fallback script delivery failed")
	}
}

func (o *Orchestrator) jobWorkDir(jobID string) (string, error) {
	if !safeJobID.MatchString(jobID) {
		return "", fmt.Errorf("unsafe job id %q", jobID)
	}
	if err := os.MkdirAll(o.cfg.TempRoot, 0o750); err != nil {
		return "", fmt.Errorf("create temp root: %w", err)
	}
	dir, err := fsutil.ConfineRelPath(o.cfg.TempRoot, jobID)
	if err != nil {
		return "", fmt.Errorf("job work dir escapes temp root: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create job work dir: %w", err)
	}
	return dir, nil
}
