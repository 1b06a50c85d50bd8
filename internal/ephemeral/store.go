// Package ephemeral wraps the Redis-backed ephemeral store used for
// session context, variation counters, rate-limit buckets, block flags,
// and the circuit breaker distributed mirror. Grounded in the teacher's
// internal/cache/redis.go adapter shape (bounded-context client
// construction, per-call timeouts, structured logging) but exposing the
// specific operation set this rewrite's callers need rather than a
// generic Get/Set cache.
package ephemeral

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/reelscribe/reelscribe/internal/domain"
)

const callTimeout = 2 * time.Second

// Store is the operation set C7 (session/variation manager), C8 (access
// gate), and C3 (circuit breaker mirror) depend on. Every method carries
// its own short context timeout and returns domain.ErrEphemeralUnavailable
// rather than panicking when the backing store is unreachable; callers
// decide fail-open vs fail-closed per their own semantics.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
}

// New constructs a Store from a parsed redis.Options, typically produced
// by redis.ParseURL(cfg.EphemeralURL) in the composition root.
func New(opts *redis.Options, logger zerolog.Logger) *Store {
	return &Store{
		client: redis.NewClient(opts),
		logger: logger.With().Str("component", "ephemeral").Logger(),
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.client.Close() }

// Ping verifies connectivity, used by startup checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Get returns the raw string value for key, or ("", false, nil) on miss.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("ephemeral get failed")
		return "", false, domain.ErrEphemeralUnavailable
	}
	return val, true, nil
}

// SetWithTTL stores value under key, expiring after ttl.
func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("ephemeral set failed")
		return domain.ErrEphemeralUnavailable
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("ephemeral delete failed")
		return domain.ErrEphemeralUnavailable
	}
	return nil
}

// IncrWithTTL atomically increments the counter at key and, only on the
// first increment (the counter was just created), applies ttl — so a
// sliding window counter resets ttl seconds after its first hit rather
// than being refreshed on every call.
func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("ephemeral incr failed")
		return 0, domain.ErrEphemeralUnavailable
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("ephemeral expire failed")
		}
	}
	return count, nil
}

// ScanPrefix returns all keys matching prefix+"*", used by admin and
// detailed-health endpoints that need to enumerate a bounded key space
// (e.g. circuit:*). Not intended for hot-path use.
func (s *Store) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn().Err(err).Str("prefix", prefix).Msg("ephemeral scan failed")
		return nil, domain.ErrEphemeralUnavailable
	}
	return keys, nil
}
