// Package gate implements the access and quota gate (C8): a four-stage
// chain run before any request is enqueued. Per-subscriber quota uses a
// sliding-window counter backed by the ephemeral store's IncrWithTTL
// (a token bucket proper doesn't survive process restarts, so the
// window-counter approach matches the durable-TTL semantics this gate
// needs). The outer per-IP limiter is mounted separately as chi
// middleware (go-chi/httprate); this package only covers the
// subscriber-scoped stages.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reelscribe/reelscribe/internal/domain"
	"github.com/reelscribe/reelscribe/internal/ephemeral"
	"github.com/reelscribe/reelscribe/internal/metrics"
	sqlitestore "github.com/reelscribe/reelscribe/internal/store/sqlite"
)

// Config tunes the gate's quota and capacity thresholds.
type Config struct {
	QuotaPerHour   int
	QuotaWindow    time.Duration
	ActiveCapacity int
}

// DefaultConfig matches the spec defaults: 10 requests/hour,
// N_active=100.
func DefaultConfig() Config {
	return Config{
		QuotaPerHour:   10,
		QuotaWindow:    time.Hour,
		ActiveCapacity: 100,
	}
}

// Gate runs the four-stage access chain: blocked -> waitlist admission
// -> quota -> allow.
type Gate struct {
	cfg   Config
	repo  *sqlitestore.Repository
	store *ephemeral.Store
}

// New constructs a Gate.
func New(cfg Config, repo *sqlitestore.Repository, store *ephemeral.Store) *Gate {
	return &Gate{cfg: cfg, repo: repo, store: store}
}

func quotaKey(subscriber string) string { return "quota:" + subscriber }
func blockKey(subscriber string) string { return "block:" + subscriber }

// Decision is the gate's verdict plus the reason recorded in metrics.
type Decision struct {
	Allowed bool
	Reason  string
}

// Check runs the four-stage chain for subscriber, admitting new
// subscribers onto the waitlist or into active status as capacity
// allows. The returned error is non-nil exactly when Allowed is false,
// classified via domain.ErrBlocked / domain.ErrWaitlisted /
// domain.ErrQuotaExceeded so callers can render the right response.
func (g *Gate) Check(ctx context.Context, subscriber string) (Decision, error) {
	if blocked, err := g.isBlocked(ctx, subscriber); err != nil {
		return Decision{}, err
	} else if blocked {
		metrics.RecordGateDecision("blocked")
		return Decision{Reason: "blocked"}, domain.ErrBlocked
	}

	user, err := g.admit(ctx, subscriber)
	if err != nil {
		return Decision{}, err
	}

	switch user.Status {
	case domain.UserStatusBlocked:
		metrics.RecordGateDecision("blocked")
		return Decision{Reason: "blocked"}, domain.ErrBlocked
	case domain.UserStatusWaitlist:
		metrics.RecordGateDecision("waitlisted")
		return Decision{Reason: "waitlisted"}, domain.ErrWaitlisted
	}

	if err := g.checkQuota(ctx, subscriber); err != nil {
		if errors.Is(err, domain.ErrEphemeralUnavailable) {
			metrics.RecordGateDecision("store_unavailable")
			return Decision{Reason: "store_unavailable"}, err
		}
		metrics.RecordGateDecision("quota_exceeded")
		return Decision{Reason: "quota_exceeded"}, err
	}

	metrics.RecordGateDecision("allowed")
	return Decision{Allowed: true, Reason: "allowed"}, nil
}

func (g *Gate) isBlocked(ctx context.Context, subscriber string) (bool, error) {
	_, found, err := g.store.Get(ctx, blockKey(subscriber))
	if err != nil {
		// Fail open on ephemeral outage: a transient block-flag miss is
		// preferable to denying every request store-wide.
		return false, nil
	}
	return found, nil
}

// admit loads the user record, creating it (active or waitlisted
// depending on current capacity) on first contact.
func (g *Gate) admit(ctx context.Context, subscriber string) (domain.User, error) {
	user, err := g.repo.GetUser(ctx, subscriber)
	if err == nil {
		return user, nil
	}
	if err != domain.ErrNotFound {
		return domain.User{}, fmt.Errorf("gate: load user: %w", err)
	}

	activeCount, err := g.repo.CountUsersByStatus(ctx, domain.UserStatusActive)
	if err != nil {
		return domain.User{}, fmt.Errorf("gate: count active users: %w", err)
	}

	status := domain.UserStatusWaitlist
	ordinal := 0
	if activeCount < g.cfg.ActiveCapacity {
		status = domain.UserStatusActive
		ordinal, err = g.repo.NextUserOrdinal(ctx)
		if err != nil {
			return domain.User{}, fmt.Errorf("gate: assign ordinal: %w", err)
		}
	}

	user = domain.User{Subscriber: subscriber, Status: status, Ordinal: ordinal, JoinedAt: time.Now()}
	if err := g.repo.PutUser(ctx, user); err != nil {
		return domain.User{}, fmt.Errorf("gate: create user: %w", err)
	}
	return user, nil
}

func (g *Gate) checkQuota(ctx context.Context, subscriber string) error {
	count, err := g.store.IncrWithTTL(ctx, quotaKey(subscriber), g.cfg.QuotaWindow)
	if err != nil {
		// Fail closed: the quota is the abuse control, so an unreachable
		// ephemeral store must deny rather than silently let every request
		// through uncounted.
		return fmt.Errorf("gate: quota check: %w", domain.ErrEphemeralUnavailable)
	}
	if int(count) > g.cfg.QuotaPerHour {
		return domain.ErrQuotaExceeded
	}
	return nil
}

// Block marks subscriber as denied, both in the durable user record and
// as a fast-path ephemeral flag.
func (g *Gate) Block(ctx context.Context, subscriber, reason string) error {
	user, err := g.repo.GetUser(ctx, subscriber)
	if err != nil && err != domain.ErrNotFound {
		return fmt.Errorf("gate: load user for block: %w", err)
	}
	user.Subscriber = subscriber
	user.Status = domain.UserStatusBlocked
	user.BlockedAt = time.Now()
	user.BlockReason = reason
	if err := g.repo.PutUser(ctx, user); err != nil {
		return fmt.Errorf("gate: persist block: %w", err)
	}
	return g.store.SetWithTTL(ctx, blockKey(subscriber), reason, 24*time.Hour)
}

// PromoteWaitlist recomputes active capacity headroom and promotes the
// oldest waitlisted subscribers to active, up to the available slots.
// Grounded in the "supplemented features" requirement for a periodic
// sweep rather than purely opportunistic promotion during Check.
func (g *Gate) PromoteWaitlist(ctx context.Context) (int, error) {
	activeCount, err := g.repo.CountUsersByStatus(ctx, domain.UserStatusActive)
	if err != nil {
		return 0, fmt.Errorf("gate: count active users: %w", err)
	}
	headroom := g.cfg.ActiveCapacity - activeCount
	if headroom <= 0 {
		return 0, nil
	}

	candidates, err := g.repo.OldestWaitlisted(ctx, headroom)
	if err != nil {
		return 0, fmt.Errorf("gate: load waitlisted users: %w", err)
	}

	promoted := 0
	for _, u := range candidates {
		ordinal, err := g.repo.NextUserOrdinal(ctx)
		if err != nil {
			return promoted, fmt.Errorf("gate: assign ordinal for %s: %w", u.Subscriber, err)
		}
		u.Status = domain.UserStatusActive
		u.Ordinal = ordinal
		if err := g.repo.PutUser(ctx, u); err != nil {
			return promoted, fmt.Errorf("gate: promote user %s: %w", u.Subscriber, err)
		}
		promoted++
	}
	return promoted, nil
}
