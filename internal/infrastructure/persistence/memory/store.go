// Package memory provides a thread-safe in-memory progression store
// for tests and single-process development runs.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/lock"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("memory: store is closed")

// Options configures the store.
type Options struct {
	LockTimeout     time.Duration
	DefaultTimezone string
	Clock           timeutil.Clock
}

// Store implements progression.Store in memory.
// Each learner's state is copied on lock and swapped in on success,
// so a failing callback leaves no partial writes behind.
type Store struct {
	mu       sync.RWMutex
	learners map[progression.LearnerID]*learnerState
	badges   map[string]progression.BadgeDefinition
	closed   bool

	locks     *lock.Keyed
	clock     timeutil.Clock
	defaultTZ string
}

type learnerState struct {
	profile progression.Profile
	txs     []progression.Transaction
	awards  []progression.BadgeAward
	goals   map[timeutil.Date]progression.DailyGoal
}

func (s *learnerState) clone() *learnerState {
	c := &learnerState{
		profile: copyProfile(s.profile),
		txs:     make([]progression.Transaction, len(s.txs)),
		awards:  make([]progression.BadgeAward, len(s.awards)),
		goals:   make(map[timeutil.Date]progression.DailyGoal, len(s.goals)),
	}
	copy(c.txs, s.txs)
	copy(c.awards, s.awards)
	for k, v := range s.goals {
		c.goals[k] = v
	}
	return c
}

// copyProfile detaches the pointer and slice fields.
func copyProfile(p progression.Profile) progression.Profile {
	if p.LastActivityDate != nil {
		d := *p.LastActivityDate
		p.LastActivityDate = &d
	}
	if p.FrozenDates != nil {
		p.FrozenDates = append([]timeutil.Date(nil), p.FrozenDates...)
	}
	return p
}

// New creates an empty store.
func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = timeutil.SystemClock()
	}
	if opts.DefaultTimezone == "" {
		opts.DefaultTimezone = "UTC"
	}
	return &Store{
		learners:  make(map[progression.LearnerID]*learnerState),
		badges:    make(map[string]progression.BadgeDefinition),
		locks:     lock.NewKeyed(opts.LockTimeout),
		clock:     opts.Clock,
		defaultTZ: opts.DefaultTimezone,
	}
}

var _ progression.Store = (*Store)(nil)

// Ping implements progression.Store.
func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close implements progression.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// WithLearnerLock implements progression.UnitOfWork.
func (s *Store) WithLearnerLock(ctx context.Context, id progression.LearnerID, fn func(ctx context.Context, tx progression.LearnerTx) error) error {
	if err := id.Validate(); err != nil {
		return err
	}

	release, err := s.locks.Acquire(ctx, id.Int64())
	if err != nil {
		return err
	}
	defer release()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	current, ok := s.learners[id]
	var work *learnerState
	if ok {
		work = current.clone()
	} else {
		work = &learnerState{
			profile: *progression.NewProfile(id, s.defaultTZ, s.clock.Now()),
			goals:   make(map[timeutil.Date]progression.DailyGoal),
		}
	}
	s.mu.RUnlock()

	tx := &memTx{store: s, id: id, state: work}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.learners[id] = work
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// LearnerTx
// ─────────────────────────────────────────────────────────────────────────────

type memTx struct {
	store *Store
	id    progression.LearnerID
	state *learnerState
}

func (t *memTx) LearnerID() progression.LearnerID { return t.id }

func (t *memTx) LoadProfile(context.Context) (*progression.Profile, error) {
	p := copyProfile(t.state.profile)
	return &p, nil
}

func (t *memTx) SaveProfile(_ context.Context, p *progression.Profile) error {
	if p.TotalXP < 0 {
		return shared.ErrNegativeTotal
	}
	t.state.profile = copyProfile(*p)
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, x *progression.Transaction) error {
	for _, existing := range t.state.txs {
		if existing.ID == x.ID {
			return shared.WrapError("memory", "AppendTransaction", shared.ErrAlreadyExists, "duplicate transaction id", nil)
		}
	}
	t.state.txs = append(t.state.txs, *x)
	return nil
}

func (t *memTx) LedgerTotal(context.Context) (int64, error) {
	return progression.SumAmounts(t.state.txs), nil
}

func (t *memTx) ActivityDates(_ context.Context, loc *time.Location) ([]timeutil.Date, error) {
	return activityDates(t.state.txs, loc), nil
}

func (t *memTx) SourceCounts(context.Context) (map[progression.Source]int64, error) {
	return sourceCounts(t.state.txs), nil
}

func (t *memTx) Awards(context.Context) ([]progression.BadgeAward, error) {
	return sortedAwards(t.state.awards), nil
}

func (t *memTx) InsertAward(_ context.Context, a progression.BadgeAward) (bool, error) {
	if !t.store.badgeKnown(a.BadgeType) {
		return false, shared.ErrBadgeNotFound
	}
	for _, existing := range t.state.awards {
		if existing.BadgeType == a.BadgeType {
			return false, nil
		}
	}
	t.state.awards = append(t.state.awards, a)
	return true, nil
}

func (t *memTx) AcknowledgeAward(_ context.Context, badgeType string) error {
	for i := range t.state.awards {
		if t.state.awards[i].BadgeType == badgeType {
			t.state.awards[i].Acknowledged = true
			return nil
		}
	}
	return shared.ErrBadgeNotAwarded
}

func (t *memTx) DailyGoal(_ context.Context, date timeutil.Date) (*progression.DailyGoal, bool, error) {
	g, ok := t.state.goals[date]
	if !ok {
		return nil, false, nil
	}
	return &g, true, nil
}

func (t *memTx) SaveDailyGoal(_ context.Context, g *progression.DailyGoal) error {
	t.state.goals[g.Date] = *g
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Reader
// ─────────────────────────────────────────────────────────────────────────────

func (s *Store) learner(id progression.LearnerID) (*learnerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	st, ok := s.learners[id]
	if !ok {
		return nil, shared.ErrLearnerNotFound
	}
	return st, nil
}

// Profile implements progression.Reader.
func (s *Store) Profile(_ context.Context, id progression.LearnerID) (*progression.Profile, error) {
	st, err := s.learner(id)
	if err != nil {
		return nil, err
	}
	p := st.clone().profile
	return &p, nil
}

// Awards implements progression.Reader.
func (s *Store) Awards(_ context.Context, id progression.LearnerID) ([]progression.BadgeAward, error) {
	st, err := s.learner(id)
	if err != nil {
		if errors.Is(err, shared.ErrLearnerNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return sortedAwards(st.awards), nil
}

// SourceCounts implements progression.Reader.
func (s *Store) SourceCounts(_ context.Context, id progression.LearnerID) (map[progression.Source]int64, error) {
	st, err := s.learner(id)
	if err != nil {
		if errors.Is(err, shared.ErrLearnerNotFound) {
			return map[progression.Source]int64{}, nil
		}
		return nil, err
	}
	return sourceCounts(st.txs), nil
}

// DailyGoal implements progression.Reader.
func (s *Store) DailyGoal(_ context.Context, id progression.LearnerID, date timeutil.Date) (*progression.DailyGoal, bool, error) {
	st, err := s.learner(id)
	if err != nil {
		if errors.Is(err, shared.ErrLearnerNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	g, ok := st.goals[date]
	if !ok {
		return nil, false, nil
	}
	return &g, true, nil
}

// Transactions implements progression.Reader.
func (s *Store) Transactions(_ context.Context, id progression.LearnerID, limit, offset int) ([]progression.Transaction, error) {
	st, err := s.learner(id)
	if err != nil {
		if errors.Is(err, shared.ErrLearnerNotFound) {
			return nil, nil
		}
		return nil, err
	}

	// Newest first.
	out := make([]progression.Transaction, 0, len(st.txs))
	for i := len(st.txs) - 1; i >= 0; i-- {
		out = append(out, st.txs[i])
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// WindowTotals implements progression.Reader.
func (s *Store) WindowTotals(_ context.Context, w progression.Window, limit int) ([]progression.WindowTotal, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	var rows []progression.WindowTotal
	for id, st := range s.learners {
		if !st.profile.ShowOnLeaderboard {
			continue
		}
		var (
			xp     int64
			active bool
		)
		for _, x := range st.txs {
			if w.Contains(x.OccurredAt) {
				xp += x.Amount
				active = true
			}
		}
		if !active {
			continue
		}
		row := progression.WindowTotal{LearnerID: id, XP: xp, TotalXP: st.profile.TotalXP}
		if st.profile.LastActivityDate != nil {
			d := *st.profile.LastActivityDate
			row.LastActivityDate = &d
		}
		rows = append(rows, row)
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		return progression.RankedBefore(rows[i], rows[j])
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// LearnerWindowXP implements progression.Reader.
func (s *Store) LearnerWindowXP(_ context.Context, id progression.LearnerID, w progression.Window) (int64, error) {
	st, err := s.learner(id)
	if err != nil {
		return 0, err
	}
	var xp int64
	for _, x := range st.txs {
		if w.Contains(x.OccurredAt) {
			xp += x.Amount
		}
	}
	return xp, nil
}

// LearnerIDs implements progression.Reader.
func (s *Store) LearnerIDs(_ context.Context, afterID progression.LearnerID, limit int) ([]progression.LearnerID, error) {
	s.mu.RLock()
	ids := make([]progression.LearnerID, 0, len(s.learners))
	for id := range s.learners {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// SyncBadgeDefinitions implements progression.BadgeRegistry.
func (s *Store) SyncBadgeDefinitions(_ context.Context, defs []progression.BadgeDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range defs {
		s.badges[d.Type] = d
	}
	return nil
}

// badgeKnown reports whether the type was registered. An empty registry accepts anything.
func (s *Store) badgeKnown(badgeType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.badges) == 0 {
		return true
	}
	_, ok := s.badges[badgeType]
	return ok
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func activityDates(txs []progression.Transaction, loc *time.Location) []timeutil.Date {
	dates := make([]timeutil.Date, 0, len(txs))
	for _, x := range txs {
		if x.Source.Qualifies() {
			dates = append(dates, timeutil.DateOf(x.OccurredAt, loc))
		}
	}
	return progression.NormalizeDates(dates)
}

func sourceCounts(txs []progression.Transaction) map[progression.Source]int64 {
	out := make(map[progression.Source]int64)
	for _, x := range txs {
		out[x.Source]++
	}
	return out
}

func sortedAwards(in []progression.BadgeAward) []progression.BadgeAward {
	out := make([]progression.BadgeAward, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EarnedAt.Equal(out[j].EarnedAt) {
			return out[i].EarnedAt.After(out[j].EarnedAt)
		}
		return out[i].BadgeType < out[j].BadgeType
	})
	return out
}
