package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LEADERBOARD QUERY
// Рейтинг за неделю, месяц или всё время. Сначала проверяется кеш снимков;
// при промахе или ошибке кеша рейтинг считается по журналу.
// ══════════════════════════════════════════════════════════════════════════════

// GetLeaderboardQuery содержит параметры запроса рейтинга.
type GetLeaderboardQuery struct {
	// Range - weekly, monthly или all_time; пустая строка - weekly.
	Range string

	// Limit - количество записей (по умолчанию 20, максимум 100).
	Limit int
}

// GetLeaderboardResult - рейтинг за окно.
type GetLeaderboardResult struct {
	Range       progression.TimeRange          `json:"range"`
	WindowFrom  *time.Time                     `json:"windowFrom,omitempty"`
	WindowTo    time.Time                      `json:"windowTo"`
	Entries     []progression.LeaderboardEntry `json:"entries"`
	GeneratedAt time.Time                      `json:"generatedAt"`

	// Cached - ответ взят из кеша снимков.
	Cached bool `json:"cached"`
}

// GetLeaderboardHandler обрабатывает GetLeaderboardQuery.
type GetLeaderboardHandler struct {
	reader       progression.Reader
	cache        LeaderboardCache
	features     FeatureGate
	clock        timeutil.Clock
	loc          *time.Location
	snapshotSize int
	log          *logger.Logger
}

// GetLeaderboardHandlerConfig содержит настройки рейтинга.
type GetLeaderboardHandlerConfig struct {
	// Location - пояс, в котором считаются границы недели и месяца.
	Location *time.Location

	// SnapshotSize - сколько строк хранится в снимке.
	SnapshotSize int
}

// NewGetLeaderboardHandler создаёт обработчик. cache может быть nil.
func NewGetLeaderboardHandler(
	reader progression.Reader,
	cache LeaderboardCache,
	features FeatureGate,
	clock timeutil.Clock,
	log *logger.Logger,
	config GetLeaderboardHandlerConfig,
) *GetLeaderboardHandler {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.SnapshotSize < progression.MaxLeaderboardLimit {
		config.SnapshotSize = progression.MaxLeaderboardLimit
	}
	if features == nil {
		features = allFeatures{}
	}
	if clock == nil {
		clock = timeutil.SystemClock()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &GetLeaderboardHandler{
		reader:       reader,
		cache:        cache,
		features:     features,
		clock:        clock,
		loc:          config.Location,
		snapshotSize: config.SnapshotSize,
		log:          log.Named("leaderboard"),
	}
}

// Handle выполняет запрос.
func (h *GetLeaderboardHandler) Handle(ctx context.Context, q GetLeaderboardQuery) (result *GetLeaderboardResult, err error) {
	ctx, span := tracer.Start(ctx, "query.GetLeaderboard", trace.WithAttributes(
		attribute.String("leaderboard.range", q.Range),
		attribute.Int("leaderboard.limit", q.Limit),
	))
	defer func() { endSpan(span, err) }()

	r, err := progression.ParseTimeRange(q.Range)
	if err != nil {
		return nil, err
	}
	limit := progression.ClampLimit(q.Limit)
	w := progression.WindowFor(r, h.clock.Now(), h.loc)

	useCache := h.cache != nil && h.features.IsEnabled(featureSnapshotCache, 0)
	var version int64
	if useCache {
		snap, found, err := h.cache.Get(ctx, w)
		switch {
		case err != nil:
			h.log.Warn("leaderboard cache read failed, computing", logger.String("range", string(r)), logger.Err(err))
		case found:
			span.SetAttributes(attribute.Bool("leaderboard.cached", true))
			return toLeaderboardResult(snap, limit, true), nil
		}
	}
	if useCache {
		// Поколение читается до подсчёта: инвалидация во время подсчёта
		// не даст сохранить устаревший снимок.
		v, err := h.cache.Version(ctx)
		if err != nil {
			h.log.Warn("leaderboard cache version read failed", logger.String("range", string(r)), logger.Err(err))
			useCache = false
		}
		version = v
	}

	snap, err := h.compute(ctx, w)
	if err != nil {
		return nil, err
	}

	if useCache {
		if err := h.cache.Put(ctx, w, version, snap); err != nil {
			h.log.Warn("leaderboard cache write failed", logger.String("range", string(r)), logger.Err(err))
		}
	}

	return toLeaderboardResult(snap, limit, false), nil
}

// RefreshSnapshots пересчитывает и кладёт в кеш снимки всех окон.
// Старые снимки сбрасываются до записи новых.
func (h *GetLeaderboardHandler) RefreshSnapshots(ctx context.Context) error {
	if h.cache == nil {
		return nil
	}
	if err := h.cache.Invalidate(ctx); err != nil {
		return fmt.Errorf("invalidate snapshots: %w", err)
	}
	version, err := h.cache.Version(ctx)
	if err != nil {
		return fmt.Errorf("snapshot version: %w", err)
	}

	now := h.clock.Now()
	ranges := progression.AllTimeRanges()
	errs := make([]error, len(ranges))

	var g errgroup.Group
	for i, r := range ranges {
		g.Go(func() error {
			w := progression.WindowFor(r, now, h.loc)
			snap, err := h.compute(ctx, w)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", r, err)
				return nil
			}
			if err := h.cache.Put(ctx, w, version, snap); err != nil {
				errs[i] = fmt.Errorf("%s: %w", r, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func (h *GetLeaderboardHandler) compute(ctx context.Context, w progression.Window) (*progression.LeaderboardSnapshot, error) {
	rows, err := h.reader.WindowTotals(ctx, w, h.snapshotSize)
	if err != nil {
		return nil, fmt.Errorf("window totals: %w", err)
	}
	return &progression.LeaderboardSnapshot{
		Range:       w.Range,
		WindowFrom:  w.From,
		WindowTo:    w.To,
		GeneratedAt: h.clock.Now().UTC(),
		Entries:     progression.Rank(rows, h.snapshotSize),
	}, nil
}

func toLeaderboardResult(snap *progression.LeaderboardSnapshot, limit int, cached bool) *GetLeaderboardResult {
	entries := snap.Top(limit)
	if entries == nil {
		entries = []progression.LeaderboardEntry{}
	}
	return &GetLeaderboardResult{
		Range:       snap.Range,
		WindowFrom:  snap.WindowFrom,
		WindowTo:    snap.WindowTo,
		Entries:     entries,
		GeneratedAt: snap.GeneratedAt,
		Cached:      cached,
	}
}
