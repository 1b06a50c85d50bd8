// Package session implements the conversational session and variation
// counter manager (C7): idle -> awaiting_idea -> awaiting_confirm ->
// processing, modeled with the teacher's generic fsm.Machine generalized
// from its v3-build-tagged session lifecycle to an always-built package.
// SessionContext and VariationCounter are the only two record types this
// package writes, both through the ephemeral store.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reelscribe/reelscribe/internal/domain"
	"github.com/reelscribe/reelscribe/internal/ephemeral"
	"github.com/reelscribe/reelscribe/internal/pipeline/fsm"
)

const (
	sessionTTL  = 15 * time.Minute
	variationTTL = 24 * time.Hour
)

func sessionKey(subscriber string) string { return "session:" + subscriber }
func variationKey(baseKey string) string  { return "variation:" + baseKey }

// Manager reads and writes SessionContext and VariationCounter records in
// the ephemeral store, enforcing the state machine's legal transitions.
type Manager struct {
	store *ephemeral.Store
}

// NewManager constructs a Manager backed by store.
func NewManager(store *ephemeral.Store) *Manager {
	return &Manager{store: store}
}

var transitions = []fsm.Transition[domain.SessionState, domain.SessionEvent]{
	{From: domain.SessionIdle, Event: domain.EventReceiveLink, To: domain.SessionAwaitingIdea},
	{From: domain.SessionAwaitingIdea, Event: domain.EventReceiveIntent, To: domain.SessionAwaitingConfirm},
	{From: domain.SessionAwaitingConfirm, Event: domain.EventRevise, To: domain.SessionAwaitingIdea},
	{From: domain.SessionAwaitingConfirm, Event: domain.EventConfirm, To: domain.SessionProcessing},
	{From: domain.SessionProcessing, Event: domain.EventJobEnqueued, To: domain.SessionProcessing},
	{From: domain.SessionProcessing, Event: domain.EventJobDelivered, To: domain.SessionIdle},
	{From: domain.SessionIdle, Event: domain.EventReset, To: domain.SessionIdle},
	{From: domain.SessionAwaitingIdea, Event: domain.EventReset, To: domain.SessionIdle},
	{From: domain.SessionAwaitingConfirm, Event: domain.EventReset, To: domain.SessionIdle},
	{From: domain.SessionProcessing, Event: domain.EventReset, To: domain.SessionIdle},
}

// Get loads the subscriber's SessionContext, defaulting to an idle
// session if none is on record.
func (m *Manager) Get(ctx context.Context, subscriber string) (domain.SessionContext, error) {
	raw, found, err := m.store.Get(ctx, sessionKey(subscriber))
	if err != nil {
		return domain.SessionContext{}, err
	}
	if !found {
		return domain.SessionContext{Subscriber: subscriber, State: domain.SessionIdle}, nil
	}

	var sc domain.SessionContext
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		return domain.SessionContext{}, fmt.Errorf("decode session context: %w", err)
	}
	return sc, nil
}

// Fire applies event to the subscriber's current session state, persists
// the result, and returns the updated SessionContext. mutate, if
// non-nil, is applied to the in-memory context before it is saved (e.g.
// to set SourceURL on EventReceiveLink).
func (m *Manager) Fire(ctx context.Context, subscriber string, event domain.SessionEvent, mutate func(*domain.SessionContext)) (domain.SessionContext, error) {
	current, err := m.Get(ctx, subscriber)
	if err != nil {
		return domain.SessionContext{}, err
	}

	machine, err := fsm.New(current.State, transitions)
	if err != nil {
		return domain.SessionContext{}, fmt.Errorf("build session machine: %w", err)
	}

	next, err := machine.Fire(ctx, event)
	if err != nil {
		return domain.SessionContext{}, fmt.Errorf("invalid session transition: %w", err)
	}

	current.State = next
	current.Subscriber = subscriber
	current.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(&current)
	}

	if err := m.save(ctx, current); err != nil {
		return domain.SessionContext{}, err
	}
	return current, nil
}

// Reset moves the subscriber's session back to idle from any state,
// keeping its other fields; the ingress handler uses it to clear a stale
// session before recording a new source URL.
func (m *Manager) Reset(ctx context.Context, subscriber string) error {
	_, err := m.Fire(ctx, subscriber, domain.EventReset, nil)
	return err
}

func (m *Manager) save(ctx context.Context, sc domain.SessionContext) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encode session context: %w", err)
	}
	return m.store.SetWithTTL(ctx, sessionKey(sc.Subscriber), string(data), sessionTTL)
}

// NextVariationIndex atomically advances and returns the next variation
// index for baseKey (subscriber+requestHash+intent+mode), used to pick
// VariationIndex for a new generation request.
func (m *Manager) NextVariationIndex(ctx context.Context, subscriber, baseKey string) (int, error) {
	count, err := m.store.IncrWithTTL(ctx, variationKey(baseKey), variationTTL)
	if err != nil {
		return 0, err
	}
	return int(count) - 1, nil
}

// VariationCount returns the current variation count for baseKey without
// advancing it, or zero if none has been recorded yet.
func (m *Manager) VariationCount(ctx context.Context, baseKey string) (int, error) {
	raw, found, err := m.store.Get(ctx, variationKey(baseKey))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, fmt.Errorf("decode variation counter: %w", err)
	}
	return n, nil
}
