package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/reelscribe/reelscribe/internal/audit"
	"github.com/reelscribe/reelscribe/internal/auth"
	"github.com/reelscribe/reelscribe/internal/canon"
	"github.com/reelscribe/reelscribe/internal/domain"
	"github.com/reelscribe/reelscribe/internal/intent"
	"github.com/reelscribe/reelscribe/internal/metrics"
)

// generateResponse is the union of the success-path response shapes for
// POST /api/v1/script/generate; json tags with omitempty keep each
// branch's payload concise.
type generateResponse struct {
	Status     string  `json:"status"`
	Cached     bool    `json:"cached,omitempty"`
	Script     *script `json:"script,omitempty"`
	ImageURL   string  `json:"imageUrl,omitempty"`
	ScriptURL  string  `json:"scriptUrl,omitempty"`
	JobID      string  `json:"jobId,omitempty"`
	Position   int     `json:"position,omitempty"`
	Message    string  `json:"message,omitempty"`
	Error      string  `json:"error,omitempty"`
	RetryAfter int     `json:"retryAfterSeconds,omitempty"`
}

type script struct {
	Hook string `json:"hook"`
	Body string `json:"body"`
	CTA  string `json:"cta"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, reason string) {
	metrics.RecordRequest("script.generate", "error")
	s.writeJSON(w, status, generateResponse{Status: "error", Error: reason})
}

// awaitingIdeaPrompt is sent after a bare URL with no recognized trigger
// so the subscriber knows what to send next.
const awaitingIdeaPrompt = "Got your link. Reply with an idea for the script, or say \"generate\" for a default one."

// onboardingMessage is sent when neither a URL nor a recognized trigger
// nor a stored awaiting-idea URL is present.
const onboardingMessage = "Send a reel link to get started, or say \"redo\" to vary your last script."

// handleCreateReel implements POST /api/v1/script/generate (C9): decode,
// validate, gate, classify intent, and branch across the redo/copy/
// instant/guided/url-only/no-url/otherwise decision tree before
// resolving the tier-1/tier-2 cache keys and enqueueing.
func (s *Server) handleCreateReel(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req.coercePlaceholders()

	if err := req.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.fastgate.Allow(req.SubscriberID) {
		s.audit.RateLimitExceeded(r.RemoteAddr, r.URL.Path)
		metrics.RecordRequest("script.generate", "rate_limited")
		s.writeJSON(w, http.StatusTooManyRequests, generateResponse{
			Status:     "error",
			Error:      "too many requests",
			RetryAfter: 1,
		})
		return
	}

	ctx := r.Context()

	decision, err := s.deps.Gate.Check(ctx, req.SubscriberID)
	switch {
	case errors.Is(err, domain.ErrBlocked):
		s.audit.Log(audit.Event{Type: audit.EventAPIForbidden, Actor: req.SubscriberID, Action: "POST /api/v1/script/generate", Resource: "script.generate", Result: "denied", RemoteAddr: r.RemoteAddr})
		s.writeError(w, http.StatusForbidden, "subscriber blocked")
		return
	case errors.Is(err, domain.ErrWaitlisted):
		position, posErr := s.deps.Repo.WaitlistPosition(ctx, req.SubscriberID)
		if posErr != nil {
			position = 0
		}
		metrics.RecordRequest("script.generate", "waitlisted")
		s.writeJSON(w, http.StatusAccepted, generateResponse{Status: "waitlist", Position: position})
		return
	case errors.Is(err, domain.ErrQuotaExceeded):
		metrics.RecordRequest("script.generate", "quota_exceeded")
		s.writeJSON(w, http.StatusTooManyRequests, generateResponse{
			Status:     "error",
			Error:      "quota exceeded",
			RetryAfter: int(time.Hour.Seconds()),
		})
		return
	case errors.Is(err, domain.ErrEphemeralUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "gate store unavailable")
		return
	case err != nil:
		s.writeError(w, http.StatusServiceUnavailable, "gate check failed")
		return
	case !decision.Allowed:
		s.writeError(w, http.StatusForbidden, "request denied")
		return
	}

	parsed, extractedURL := intent.ParseMessage(req.UserIdea)
	effectiveURL := req.ReelURL
	if effectiveURL == "" {
		effectiveURL = extractedURL
	}

	mode := req.Mode
	if mode == "" {
		mode = "full"
	}
	if parsed.IsHookOnly {
		mode = "hook_only"
	}

	resultAny, err, _ := s.sf.Do(req.SubscriberID+"|"+effectiveURL+"|"+parsed.CleanedMessage, func() (any, error) {
		return s.routeIntent(ctx, req, parsed, effectiveURL, mode)
	})
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "request could not be processed")
		return
	}

	resp := resultAny.(generateResponse)
	status := http.StatusAccepted
	switch resp.Status {
	case "success":
		status = http.StatusOK
	case "info":
		status = http.StatusOK
	}
	metrics.RecordRequest("script.generate", resp.Status)
	s.writeJSON(w, status, resp)
}

// routeIntent implements the C9 branch set: redo + prior session, copy +
// url, instant + url, guided url + idea, url-only with no trigger,
// no-url while awaiting an idea, and the onboarding fallback. It runs
// inside the singleflight collapse.
func (s *Server) routeIntent(ctx context.Context, req generateRequest, parsed intent.Result, effectiveURL, mode string) (generateResponse, error) {
	sessCtx, err := s.deps.Sessions.Get(ctx, req.SubscriberID)
	if err != nil {
		return generateResponse{}, err
	}

	switch {
	case parsed.IsRedo && sessCtx.SourceURL != "" && sessCtx.LastIdea != "":
		return s.enqueueGenerate(ctx, req.SubscriberID, sessCtx.SourceURL, sessCtx.LastIdea, mode, string(parsed.Type), false)

	case parsed.IsCopyFlow && effectiveURL != "":
		idea := parsed.CleanedMessage
		if idea == "" {
			idea = defaultIdea(parsed, mode)
		}
		return s.enqueueGenerate(ctx, req.SubscriberID, effectiveURL, idea, mode, string(parsed.Type), true)

	case parsed.IsInstantFlow && effectiveURL != "":
		idea := defaultIdea(parsed, mode)
		return s.enqueueGenerate(ctx, req.SubscriberID, effectiveURL, idea, mode, string(parsed.Type), false)

	case effectiveURL != "" && parsed.Type == intent.TypeIdea:
		return s.enqueueGenerate(ctx, req.SubscriberID, effectiveURL, parsed.CleanedMessage, mode, string(parsed.Type), false)

	case effectiveURL != "":
		if err := s.storeURLAwaitingIdea(ctx, req.SubscriberID, effectiveURL); err != nil {
			return generateResponse{}, err
		}
		if sendErr := s.deps.Messenger.SendText(ctx, req.SubscriberID, awaitingIdeaPrompt); sendErr != nil {
			s.deps.Logger.Warn().Err(sendErr).Str("subscriber", req.SubscriberID).Msg("awaiting-idea prompt delivery failed")
		}
		return generateResponse{Status: "info", Message: awaitingIdeaPrompt}, nil

	case sessCtx.State == domain.SessionAwaitingIdea && sessCtx.SourceURL != "":
		idea := parsed.CleanedMessage
		if idea == "" {
			idea = strings.TrimSpace(req.UserIdea)
		}
		return s.enqueueGenerate(ctx, req.SubscriberID, sessCtx.SourceURL, idea, mode, string(parsed.Type), false)

	default:
		if sendErr := s.deps.Messenger.SendText(ctx, req.SubscriberID, onboardingMessage); sendErr != nil {
			s.deps.Logger.Warn().Err(sendErr).Str("subscriber", req.SubscriberID).Msg("onboarding message delivery failed")
		}
		return generateResponse{Status: "info", Message: onboardingMessage}, nil
	}
}

// defaultIdea picks a fallback idea for the instant/copy flows, which
// enqueue without the subscriber stating one. Priority: an explicit
// niche/tone hint the parser detected > the detected hook type (hook-only
// request) > a content-type fallback derived from mode > a generic idea.
func defaultIdea(parsed intent.Result, mode string) string {
	switch {
	case parsed.DetectedTone != "":
		return "a " + parsed.DetectedTone + " take on this clip"
	case parsed.IsHookOnly:
		return "just the strongest hook from this clip"
	case mode == "hook_only":
		return "the single most attention-grabbing moment"
	default:
		return "the most compelling takeaway from this clip"
	}
}

// enqueueGenerate resolves the tier-1/tier-2 cache keys for (subscriber,
// sourceURL, idea, mode), advances the subscriber's session to
// processing, and either returns a cached script, persists and enqueues a
// new job, or, when a job for the same key is already queued or
// processing, returns a "queued" status without that job's id.
func (s *Server) enqueueGenerate(ctx context.Context, subscriber, sourceURL, idea, mode, intentType string, isCopyMode bool) (generateResponse, error) {
	requestHash := canon.RequestHash(sourceURL)
	foldedIdea := canon.FoldIntent(idea)
	baseKey := requestHash + "|" + foldedIdea + "|" + mode

	variationIndex, err := s.deps.Sessions.NextVariationIndex(ctx, subscriber, baseKey)
	if err != nil {
		return generateResponse{}, err
	}

	variationKey := canon.VariationKey(subscriber, sourceURL, foldedIdea, variationIndex, mode)

	if variationIndex == 0 {
		if sc, err := s.deps.Repo.GetScriptByVariationKey(ctx, variationKey); err == nil {
			return generateResponse{
				Status:    "success",
				Cached:    true,
				Script:    &script{Hook: sc.Hook, Body: sc.Body, CTA: sc.CTA},
				ImageURL:  sc.ArtifactURL,
				ScriptURL: sc.ViewURL,
			}, nil
		}
	}

	active, err := s.deps.Jobs.ExistsActive(ctx, variationKey)
	if err != nil {
		return generateResponse{}, err
	}
	if active {
		return generateResponse{Status: "queued"}, nil
	}

	job := domain.Job{
		ID:             uuid.NewString(),
		Subscriber:     subscriber,
		SourceURL:      sourceURL,
		Idea:           idea,
		RequestHash:    requestHash,
		VariationKey:   variationKey,
		Intent:         intentType,
		Mode:           mode,
		IsCopyMode:     isCopyMode,
		VariationIndex: variationIndex,
	}
	if err := s.deps.Jobs.Enqueue(ctx, job); err != nil {
		return generateResponse{}, err
	}

	if _, err := s.advanceToProcessing(ctx, subscriber, sourceURL, requestHash, idea, intentType, mode); err != nil {
		s.deps.Logger.Warn().Err(err).Str("subscriber", subscriber).Msg("session transition failed after enqueue")
	}

	metrics.RecordJobEnqueued(mode)
	return generateResponse{Status: "queued", JobID: job.ID}, nil
}

// advanceToProcessing walks the subscriber's session through whatever
// legal transitions separate its current state from processing, so an
// enqueue is always reflected as a processing session regardless of
// which C9 branch triggered it.
func (s *Server) advanceToProcessing(ctx context.Context, subscriber, sourceURL, requestHash, idea, intentType, mode string) (domain.SessionContext, error) {
	sc, err := s.deps.Sessions.Get(ctx, subscriber)
	if err != nil {
		return sc, err
	}

	if sc.State == domain.SessionIdle {
		sc, err = s.deps.Sessions.Fire(ctx, subscriber, domain.EventReceiveLink, func(c *domain.SessionContext) {
			c.SourceURL = sourceURL
			c.RequestHash = requestHash
		})
		if err != nil {
			return sc, err
		}
	}
	if sc.State == domain.SessionAwaitingIdea {
		sc, err = s.deps.Sessions.Fire(ctx, subscriber, domain.EventReceiveIntent, func(c *domain.SessionContext) {
			c.PendingIdea = idea
			c.Mode = mode
		})
		if err != nil {
			return sc, err
		}
	}
	if sc.State == domain.SessionAwaitingConfirm {
		sc, err = s.deps.Sessions.Fire(ctx, subscriber, domain.EventConfirm, nil)
		if err != nil {
			return sc, err
		}
	}
	return s.deps.Sessions.Fire(ctx, subscriber, domain.EventJobEnqueued, func(c *domain.SessionContext) {
		c.SourceURL = sourceURL
		c.RequestHash = requestHash
		c.LastIdea = idea
		c.LastIntent = intentType
		c.Mode = mode
	})
}

// storeURLAwaitingIdea records sourceURL and moves the subscriber's
// session to awaiting_idea, resetting first if a stale prior state is on
// record so the transition is always legal.
func (s *Server) storeURLAwaitingIdea(ctx context.Context, subscriber, sourceURL string) error {
	sc, err := s.deps.Sessions.Get(ctx, subscriber)
	if err != nil {
		return err
	}
	if sc.State != domain.SessionIdle {
		if err := s.deps.Sessions.Reset(ctx, subscriber); err != nil {
			return err
		}
	}
	_, err = s.deps.Sessions.Fire(ctx, subscriber, domain.EventReceiveLink, func(c *domain.SessionContext) {
		c.SourceURL = sourceURL
	})
	return err
}

// feedbackRequest is the decoded POST /api/v1/feedback body.
type feedbackRequest struct {
	SubscriberID  string `json:"subscriber_id"`
	RequestHash   string `json:"request_hash"`
	OverallRating int    `json:"overall_rating"`
	FeedbackText  string `json:"feedback_text"`
}

// handleFeedback implements POST /api/v1/feedback: persists a dataset
// record and, when the subscriber already has a memory record, bumps its
// UpdatedAt timestamp. RecentIntent and PreferredTone are not changed.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.SubscriberID == "" || req.RequestHash == "" {
		s.writeError(w, http.StatusBadRequest, "subscriber_id and request_hash are required")
		return
	}
	if len(req.FeedbackText) > 1000 {
		s.writeError(w, http.StatusBadRequest, "feedback_text must be at most 1000 characters")
		return
	}
	if req.OverallRating != 0 && (req.OverallRating < 1 || req.OverallRating > 5) {
		s.writeError(w, http.StatusBadRequest, "overall_rating must be between 1 and 5")
		return
	}

	ctx := r.Context()
	record := domain.DatasetRecord{
		ID:         uuid.NewString(),
		ScriptID:   req.RequestHash,
		Subscriber: req.SubscriberID,
		Rating:     req.OverallRating,
		Comment:    req.FeedbackText,
		CreatedAt:  time.Now(),
	}
	if err := s.deps.Repo.PutDatasetRecord(ctx, record); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to record feedback")
		return
	}

	memory, err := s.deps.Repo.GetUserMemory(ctx, req.SubscriberID)
	if err == nil {
		memory.Subscriber = req.SubscriberID
		memory.UpdatedAt = time.Now()
		_ = s.deps.Repo.PutUserMemory(ctx, memory)
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleDatasetExport implements GET /api/v1/dataset/export, admin-only.
func (s *Server) handleDatasetExport(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.deps.Repo.ListDatasetRecords(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load dataset")
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"id", "script_id", "subscriber", "rating", "comment", "created_at"})
		for _, rec := range records {
			_ = cw.Write([]string{rec.ID, rec.ScriptID, rec.Subscriber, strconv.Itoa(rec.Rating), rec.Comment, rec.CreatedAt.Format(time.RFC3339)})
		}
		cw.Flush()
		return
	}

	s.writeJSON(w, http.StatusOK, records)
}

// handleFeedbackStats implements GET /api/v1/feedback/stats, admin-only.
func (s *Server) handleFeedbackStats(w http.ResponseWriter, r *http.Request) {
	count, err := s.deps.Repo.CountDatasetRecords(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load feedback stats")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"total": count})
}

var publicViewTemplate = template.Must(template.New("public_view").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Script</title></head>
<body>
<h1>Hook</h1><p>{{.Hook}}</p>
<h1>Body</h1><p>{{.Body}}</p>
<h1>Call to action</h1><p>{{.CTA}}</p>
</body>
</html>`))

// handlePublicView implements GET /s/{publicId} (C13): a read-only HTML
// rendering of a delivered script, cacheable and deliberately
// unindexable, with a generic 404 on miss to avoid disclosing whether a
// publicId ever existed.
func (s *Server) handlePublicView(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "publicId")

	sc, err := s.deps.Repo.GetScriptByPublicID(r.Context(), publicID)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("not found"))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("X-Robots-Tag", "noindex, nofollow")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_ = publicViewTemplate.Execute(w, sc)
}

// handleMetricsJSON implements GET /metrics/json: a small JSON document
// pointing at the Prometheus text endpoint. It does not include any
// counter or gauge values.
func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"metrics": "/metrics"})
}

// requireAdminKey gates the admin-only routes behind the fixed admin API
// key header, reusing the teacher's constant-time token comparison.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.AuthorizeRequest(r, s.deps.Config.AdminAPIKey, false) {
			s.audit.AuthFailure(r.RemoteAddr, r.URL.Path, "invalid or missing admin key")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		principal := auth.NewPrincipal(auth.ExtractToken(r, false), "admin", []string{"admin"})
		s.audit.Log(audit.Event{
			Type:       audit.EventAuthSuccess,
			Actor:      principal.ID,
			Action:     "authenticated successfully",
			Resource:   r.URL.Path,
			Result:     "success",
			RemoteAddr: r.RemoteAddr,
		})
		next.ServeHTTP(w, r)
	})
}
