package domain

import "errors"

// Sentinel errors classifying failures across the ingress, queue, worker,
// and adapter boundaries. Callers compare with errors.Is/errors.As rather
// than matching on error text.
var (
	// ErrValidation marks a request rejected at the ingress boundary due to
	// malformed input (bad URL shape, intent length, disallowed characters).
	ErrValidation = errors.New("validation failed")

	// ErrQuotaExceeded marks a request rejected by the per-subscriber quota
	// window in the access gate.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrWaitlisted marks a subscriber who is not yet admitted because the
	// active-capacity ceiling is currently full.
	ErrWaitlisted = errors.New("subscriber waitlisted")

	// ErrBlocked marks a subscriber explicitly denied access.
	ErrBlocked = errors.New("subscriber blocked")

	// ErrNotFound marks a missing durable-store record.
	ErrNotFound = errors.New("record not found")

	// ErrConflict marks an optimistic-concurrency write collision.
	ErrConflict = errors.New("write conflict")

	// ErrCircuitOpen marks a call rejected by an open circuit breaker
	// before the adapter was even invoked.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrEphemeralUnavailable marks an ephemeral-store operation that
	// could not complete because the backing store is unreachable.
	ErrEphemeralUnavailable = errors.New("ephemeral store unavailable")

	// ErrUpstreamTransient marks an adapter failure that the queue should
	// retry (network blip, rate limit from the upstream service).
	ErrUpstreamTransient = errors.New("upstream transient failure")

	// ErrUpstreamPermanent marks an adapter failure the queue must not
	// retry (content unavailable, account required, permanently rejected).
	ErrUpstreamPermanent = errors.New("upstream permanent failure")

	// ErrJobCanceled marks a job whose context was canceled mid-stage,
	// typically by a stop request or shutdown.
	ErrJobCanceled = errors.New("job canceled")
)
