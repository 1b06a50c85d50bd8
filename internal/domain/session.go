package domain

import "time"

// SessionState is the conversational state of a subscriber's in-flight
// interaction with the intent-gathering flow.
type SessionState string

const (
	SessionIdle            SessionState = "idle"
	SessionAwaitingIdea    SessionState = "awaiting_idea"
	SessionAwaitingConfirm SessionState = "awaiting_confirm"
	SessionProcessing      SessionState = "processing"
)

// SessionEvent drives SessionContext transitions through the fsm.
type SessionEvent string

const (
	EventReceiveLink    SessionEvent = "receive_link"
	EventReceiveIntent  SessionEvent = "receive_intent"
	EventConfirm        SessionEvent = "confirm"
	EventRevise         SessionEvent = "revise"
	EventJobEnqueued    SessionEvent = "job_enqueued"
	EventJobDelivered   SessionEvent = "job_delivered"
	EventReset          SessionEvent = "reset"
)

// SessionContext is the ephemeral, per-subscriber conversation record held
// in the ephemeral store between an inbound share and the confirmed
// generate request. LastIdea and LastIntent survive a job's enqueue (they
// are not cleared on reset to idle) so a later "redo" can reuse the prior
// (url, idea) pair without the subscriber restating either.
type SessionContext struct {
	Subscriber  string
	State       SessionState
	SourceURL   string
	RequestHash string
	PendingIdea string
	LastIdea    string
	LastIntent  string
	Mode        string
	UpdatedAt   time.Time
}

// VariationCounter tracks how many scripts have been generated for a given
// tier-2 base (subscriber+requestHash+intent+mode), used to pick the next
// VariationIndex and to apply the soft variation-count guidance.
type VariationCounter struct {
	Subscriber string
	BaseKey    string
	Count      int
	UpdatedAt  time.Time
}
