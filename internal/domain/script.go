// Package domain holds the core record types exchanged between the
// ingress handler, the job queue, the pipeline worker, and the durable
// store. None of these types carry behavior beyond small invariant
// helpers; transitions live in the fsm-driven packages that consume them.
package domain

import "time"

// JobStatus is the lifecycle state of a Job, tracked end to end from
// enqueue through delivery.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status will never transition further.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Stage identifies a step of the pipeline worker's stage graph.
type Stage string

const (
	StageDownload Stage = "download"
	StageAnalyze  Stage = "analyze"
	StageGenerate Stage = "generate"
	StageRender   Stage = "render"
	StageDeliver  Stage = "deliver"
)

// Job is the unit of work the durable queue dispatches to the pipeline
// worker. RequestHash is the tier-1 key (subscriber-independent, used for
// analysis reuse); VariationKey is the tier-2 key (subscriber+intent+index
// scoped, used for idempotent enqueue dedup).
type Job struct {
	ID             string
	Subscriber     string
	SourceURL      string
	Idea           string
	RequestHash    string
	VariationKey   string
	Intent         string
	Mode           string
	IsCopyMode     bool
	VariationIndex int
	Status         JobStatus
	Stage          Stage
	FailureReason  string
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	HeartbeatAt    time.Time
	ScriptID       string
}

// ReelAnalysis is the tier-1 cached output of the download+analyze stages,
// keyed by RequestHash so repeat requests for the same source video across
// different subscribers and intents skip re-downloading and re-analyzing.
type ReelAnalysis struct {
	RequestHash string
	SourceURL   string
	Transcript  string
	VisualNotes string
	DurationSec float64
	Mode        string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Script is the tier-2 generated artifact: one per subscriber/intent/
// variation combination, delivered back through the messaging adapter and
// servable at its PublicID via the public view responder.
type Script struct {
	ID           string
	PublicID     string
	VariationKey string
	Subscriber   string
	RequestHash  string
	Idea         string
	Intent       string
	Mode         string
	IsCopyMode   bool
	Hook         string
	Body         string
	CTA          string
	ArtifactURL  string
	ViewURL      string
	CreatedAt    time.Time
}

// User tracks quota and access-gate state for a subscriber. Ordinal is
// the strictly monotonic registration number assigned when the
// subscriber is first admitted to Active status; it is zero for a
// subscriber never admitted, and blocking keeps any ordinal already set.
type User struct {
	Subscriber  string
	Status      UserStatus
	Ordinal     int
	JoinedAt    time.Time
	BlockedAt   time.Time
	BlockReason string
}

// UserStatus is the access-gate classification for a subscriber.
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusWaitlist  UserStatus = "waitlisted"
	UserStatusBlocked   UserStatus = "blocked"
)

// DatasetRecord captures one feedback/training sample submitted through
// the feedback endpoint, linking a delivered Script back to its inputs.
type DatasetRecord struct {
	ID         string
	ScriptID   string
	Subscriber string
	Rating     int
	Comment    string
	CreatedAt  time.Time
}

// UserMemory is the small amount of per-subscriber durable context (prior
// intents, preferred tone) the pipeline worker consults when generating
// variations, per the "prior-context retrieval" requirement.
type UserMemory struct {
	Subscriber   string
	RecentIntent string
	PreferredTone string
	UpdatedAt    time.Time
}
