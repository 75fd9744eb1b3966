package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// LeaderboardCache keeps leaderboard snapshots in process memory for
// deployments without Redis. Entries expire after the TTL.
type LeaderboardCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   timeutil.Clock
	gen     int64
	entries map[string]cachedSnapshot
}

type cachedSnapshot struct {
	snap    progression.LeaderboardSnapshot
	expires time.Time
}

// NewLeaderboardCache creates an in-process snapshot cache.
func NewLeaderboardCache(ttl time.Duration, clock timeutil.Clock) *LeaderboardCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if clock == nil {
		clock = timeutil.SystemClock()
	}
	return &LeaderboardCache{ttl: ttl, clock: clock, entries: make(map[string]cachedSnapshot)}
}

// Get returns the cached snapshot; found is false when absent or expired.
func (c *LeaderboardCache) Get(_ context.Context, w progression.Window) (*progression.LeaderboardSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := w.SnapshotKey()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.clock.Now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	snap := e.snap
	return &snap, true, nil
}

// Version returns the current generation.
func (c *LeaderboardCache) Version(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen, nil
}

// Put stores a snapshot computed under version. It is dropped when the
// cache was invalidated since.
func (c *LeaderboardCache) Put(_ context.Context, w progression.Window, version int64, snap *progression.LeaderboardSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version != c.gen {
		return nil
	}
	c.entries[w.SnapshotKey()] = cachedSnapshot{snap: *snap, expires: c.clock.Now().Add(c.ttl)}
	return nil
}

// Invalidate drops every snapshot and starts a new generation.
func (c *LeaderboardCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	clear(c.entries)
	return nil
}

// RecalculationLog keeps the last recalculation result in memory.
type RecalculationLog struct {
	mu   sync.Mutex
	last *progression.RecalculationResult
}

var _ progression.RecalculationLog = (*RecalculationLog)(nil)

// SaveLastRecalculation implements progression.RecalculationLog.
func (l *RecalculationLog) SaveLastRecalculation(_ context.Context, r progression.RecalculationResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = &r
	return nil
}

// LastRecalculation implements progression.RecalculationLog.
func (l *RecalculationLog) LastRecalculation(context.Context) (*progression.RecalculationResult, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return nil, false, nil
	}
	r := *l.last
	return &r, true, nil
}
