package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/pkg/circuitbreaker"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD SNAPSHOT CACHE
// ══════════════════════════════════════════════════════════════════════════════

// DefaultSnapshotTTL bounds how stale a cached leaderboard can be.
const DefaultSnapshotTTL = 60 * time.Second

// generationKey is bumped on every invalidation.
const generationKey = PrefixLeaderboard + "generation"

// LeaderboardCache stores leaderboard snapshots in Redis.
// Every call goes through a circuit breaker so an unhealthy Redis is
// skipped quickly instead of slowing down reads.
type LeaderboardCache struct {
	cache   *Cache
	breaker *circuitbreaker.CircuitBreaker
	ttl     time.Duration
}

// NewLeaderboardCache creates a snapshot cache. A nil breaker gets the cache defaults.
func NewLeaderboardCache(cache *Cache, ttl time.Duration, breaker *circuitbreaker.CircuitBreaker) *LeaderboardCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	if breaker == nil {
		breaker = circuitbreaker.CacheBreaker(nil)
	}
	return &LeaderboardCache{cache: cache, breaker: breaker, ttl: ttl}
}

// Breaker exposes the breaker for health reporting.
func (lc *LeaderboardCache) Breaker() *circuitbreaker.CircuitBreaker {
	return lc.breaker
}

// Get returns the cached snapshot for the window; found is false on a miss.
// Returns circuitbreaker.ErrCircuitOpen while Redis is being skipped.
func (lc *LeaderboardCache) Get(ctx context.Context, w progression.Window) (*progression.LeaderboardSnapshot, bool, error) {
	var (
		snap progression.LeaderboardSnapshot
		miss bool
	)
	err := lc.breaker.Execute(ctx, func(ctx context.Context) error {
		gen, err := lc.cache.Generation(ctx, generationKey)
		if err != nil {
			return err
		}
		err = lc.cache.Get(ctx, snapshotKey(gen, w), &snap)
		if errors.Is(err, ErrCacheMiss) {
			// A miss must not trip the breaker.
			miss = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if miss {
		return nil, false, nil
	}
	return &snap, true, nil
}

// Version returns the current generation.
func (lc *LeaderboardCache) Version(ctx context.Context) (int64, error) {
	var gen int64
	err := lc.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		gen, err = lc.cache.Generation(ctx, generationKey)
		return err
	})
	return gen, err
}

// Put stores a snapshot under the generation it was computed for. After an
// invalidation that key is never read again, so a late write is harmless.
func (lc *LeaderboardCache) Put(ctx context.Context, w progression.Window, version int64, snap *progression.LeaderboardSnapshot) error {
	return lc.breaker.Execute(ctx, func(ctx context.Context) error {
		return lc.cache.Set(ctx, snapshotKey(version, w), snap, lc.ttl)
	})
}

// Invalidate makes every stored snapshot unreachable. Old entries expire on their own.
func (lc *LeaderboardCache) Invalidate(ctx context.Context) error {
	return lc.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := lc.cache.Bump(ctx, generationKey)
		return err
	})
}

func snapshotKey(gen int64, w progression.Window) string {
	return PrefixLeaderboard + "v" + strconv.FormatInt(gen, 10) + ":" + w.SnapshotKey()
}

// ══════════════════════════════════════════════════════════════════════════════
// RECALCULATION LOG
// ══════════════════════════════════════════════════════════════════════════════

const lastRecalcKey = PrefixRecalc + "last"

// RecalcResultStore keeps the last recalculation summary so the API can
// report what the worker process did.
type RecalcResultStore struct {
	cache *Cache
}

// NewRecalcResultStore creates the store.
func NewRecalcResultStore(cache *Cache) *RecalcResultStore {
	return &RecalcResultStore{cache: cache}
}

var _ progression.RecalculationLog = (*RecalcResultStore)(nil)

// SaveLastRecalculation implements progression.RecalculationLog.
func (s *RecalcResultStore) SaveLastRecalculation(ctx context.Context, r progression.RecalculationResult) error {
	return s.cache.Set(ctx, lastRecalcKey, r, 0)
}

// LastRecalculation implements progression.RecalculationLog.
func (s *RecalcResultStore) LastRecalculation(ctx context.Context) (*progression.RecalculationResult, bool, error) {
	var r progression.RecalculationResult
	if err := s.cache.Get(ctx, lastRecalcKey, &r); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &r, true, nil
}
