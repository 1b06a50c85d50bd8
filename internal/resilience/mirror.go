package resilience

import (
	"time"

	"github.com/reelscribe/reelscribe/internal/cache"
	"github.com/reelscribe/reelscribe/internal/log"
)

const mirrorKeyPrefix = "circuit:"
const mirrorTTL = 2 * time.Minute

// DistributedMirror best-effort publishes local breaker transitions into a
// shared store (typically the Redis-backed ephemeral cache) so other
// process instances can surface the same service's state on their own
// detailed-health endpoint. It never blocks or fails the caller: writes go
// through a buffered channel drained by a background goroutine, and a
// failed write is logged, not propagated. Reads always come from the
// local breaker, never from the mirror — on mirror-store outage the local
// view wins.
type DistributedMirror struct {
	store   cache.Cache
	updates chan mirrorUpdate
	done    chan struct{}
}

type mirrorUpdate struct {
	service string
	state   string
}

// NewDistributedMirror starts the background drain goroutine writing into
// store. Call Stop to shut it down cleanly.
func NewDistributedMirror(store cache.Cache) *DistributedMirror {
	m := &DistributedMirror{
		store:   store,
		updates: make(chan mirrorUpdate, 256),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// Observe records a breaker's new state for best-effort propagation. It
// never blocks: a full buffer drops the update rather than stalling the
// breaker transition that triggered it.
func (m *DistributedMirror) Observe(service, state string) {
	select {
	case m.updates <- mirrorUpdate{service: service, state: state}:
	default:
		log.WithComponent("resilience").Warn().
			Str("service", service).
			Msg("circuit breaker mirror buffer full, dropping update")
	}
}

func (m *DistributedMirror) run() {
	for {
		select {
		case u := <-m.updates:
			m.store.Set(mirrorKeyPrefix+u.service, u.state, mirrorTTL)
		case <-m.done:
			return
		}
	}
}

// Stop drains no further updates and releases the background goroutine.
func (m *DistributedMirror) Stop() { close(m.done) }

// PeerState returns the last state another instance mirrored for service,
// if any. Callers should treat a miss as "unknown" and fall back to their
// own local breaker, never as evidence the breaker is closed.
func (m *DistributedMirror) PeerState(service string) (string, bool) {
	v, ok := m.store.Get(mirrorKeyPrefix + service)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
