package query

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET BADGES QUERY
// ══════════════════════════════════════════════════════════════════════════════

// GetBadgesQuery - запрос выданных бейджей.
type GetBadgesQuery struct {
	LearnerID progression.LearnerID
}

// GetBadgesResult - бейджи ученика, новые первыми.
type GetBadgesResult struct {
	LearnerID      progression.LearnerID `json:"learnerId"`
	Badges         []BadgeDTO            `json:"badges"`
	Unacknowledged int                   `json:"unacknowledged"`
}

// GetBadgesHandler обрабатывает GetBadgesQuery.
type GetBadgesHandler struct {
	reader    progression.Reader
	catalogue *progression.Catalogue
}

// NewGetBadgesHandler создаёт обработчик.
func NewGetBadgesHandler(reader progression.Reader, catalogue *progression.Catalogue) *GetBadgesHandler {
	return &GetBadgesHandler{reader: reader, catalogue: catalogue}
}

// Handle выполняет запрос.
func (h *GetBadgesHandler) Handle(ctx context.Context, q GetBadgesQuery) (result *GetBadgesResult, err error) {
	ctx, span := tracer.Start(ctx, "query.GetBadges", trace.WithAttributes(
		attribute.Int64("learner.id", q.LearnerID.Int64()),
	))
	defer func() { endSpan(span, err) }()

	if err := q.LearnerID.Validate(); err != nil {
		return nil, err
	}
	if _, err := h.reader.Profile(ctx, q.LearnerID); err != nil {
		return nil, err
	}

	awards, err := h.reader.Awards(ctx, q.LearnerID)
	if err != nil {
		return nil, fmt.Errorf("awards: %w", err)
	}

	result = &GetBadgesResult{LearnerID: q.LearnerID, Badges: make([]BadgeDTO, 0, len(awards))}
	for _, a := range awards {
		result.Badges = append(result.Badges, badgeDTO(h.catalogue, a))
		if a.IsNew() {
			result.Unacknowledged++
		}
	}
	return result, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// GET BADGE PROGRESS QUERY
// ══════════════════════════════════════════════════════════════════════════════

// GetBadgeProgressQuery - запрос прогресса к бейджам.
type GetBadgeProgressQuery struct {
	LearnerID progression.LearnerID
}

// BadgeProgressDTO - прогресс к одному бейджу.
type BadgeProgressDTO struct {
	Badge   BadgeDTO `json:"badge"`
	Earned  bool     `json:"earned"`
	Percent int      `json:"percent"`

	// Current и Target заполнены только для простых условий вида metric >= min.
	Metric  progression.Metric `json:"metric,omitempty"`
	Current *int64             `json:"current,omitempty"`
	Target  *int64             `json:"target,omitempty"`
}

// GetBadgeProgressResult - прогресс по всем автоматическим бейджам каталога.
type GetBadgeProgressResult struct {
	LearnerID progression.LearnerID     `json:"learnerId"`
	Stats     progression.StatsSnapshot `json:"stats"`
	Progress  []BadgeProgressDTO        `json:"progress"`
}

// ErrBadgeProgressDisabled возвращается, когда функция выключена флагом.
var ErrBadgeProgressDisabled = shared.NewDomainError("badge", "Progress", shared.ErrNotFound, "badge progress is disabled")

// GetBadgeProgressHandler обрабатывает GetBadgeProgressQuery.
type GetBadgeProgressHandler struct {
	reader    progression.Reader
	catalogue *progression.Catalogue
	features  FeatureGate
	clock     timeutil.Clock
	policy    progression.StreakPolicy
}

// NewGetBadgeProgressHandler создаёт обработчик.
func NewGetBadgeProgressHandler(
	reader progression.Reader,
	catalogue *progression.Catalogue,
	features FeatureGate,
	clock timeutil.Clock,
	policy progression.StreakPolicy,
) *GetBadgeProgressHandler {
	if features == nil {
		features = allFeatures{}
	}
	if clock == nil {
		clock = timeutil.SystemClock()
	}
	if policy.GraceWindow <= 0 {
		policy = progression.DefaultStreakPolicy()
	}
	return &GetBadgeProgressHandler{reader: reader, catalogue: catalogue, features: features, clock: clock, policy: policy}
}

// Handle выполняет запрос.
func (h *GetBadgeProgressHandler) Handle(ctx context.Context, q GetBadgeProgressQuery) (result *GetBadgeProgressResult, err error) {
	ctx, span := tracer.Start(ctx, "query.GetBadgeProgress", trace.WithAttributes(
		attribute.Int64("learner.id", q.LearnerID.Int64()),
	))
	defer func() { endSpan(span, err) }()

	if err := q.LearnerID.Validate(); err != nil {
		return nil, err
	}
	if !h.features.IsEnabled(featureBadgeProgress, q.LearnerID.Int64()) {
		return nil, ErrBadgeProgressDisabled
	}

	p, err := h.reader.Profile(ctx, q.LearnerID)
	if err != nil {
		return nil, err
	}
	today, err := p.Today(h.clock.Now())
	if err != nil {
		return nil, err
	}
	counts, err := h.reader.SourceCounts(ctx, q.LearnerID)
	if err != nil {
		return nil, fmt.Errorf("source counts: %w", err)
	}
	awards, err := h.reader.Awards(ctx, q.LearnerID)
	if err != nil {
		return nil, fmt.Errorf("awards: %w", err)
	}

	// Прогресс показывается по серии на сегодня, а не по кешу.
	live := *p
	live.CurrentStreak = p.EffectiveStreak(today, h.policy)
	stats := progression.BuildStats(&live, counts)

	byType := make(map[string]progression.BadgeAward, len(awards))
	for _, a := range awards {
		byType[a.BadgeType] = a
	}

	result = &GetBadgeProgressResult{LearnerID: q.LearnerID, Stats: stats, Progress: []BadgeProgressDTO{}}
	if h.catalogue == nil {
		return result, nil
	}

	for _, bp := range h.catalogue.Progress(stats, awards) {
		dto := BadgeProgressDTO{
			Badge:   catalogueDTO(bp.Badge),
			Earned:  bp.Earned,
			Percent: bp.Percent,
		}
		if a, ok := byType[bp.Badge.Type]; ok {
			dto.Badge = badgeDTO(h.catalogue, a)
		}
		if c := bp.Badge.Condition; c.Metric != "" {
			current, target := stats.Value(c.Metric), c.Min
			dto.Metric = c.Metric
			dto.Current = &current
			dto.Target = &target
		}
		result.Progress = append(result.Progress, dto)
	}
	return result, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// GET BADGE CATALOG QUERY
// ══════════════════════════════════════════════════════════════════════════════

// GetBadgeCatalogResult - каталог бейджей и справочные таблицы прогрессии.
type GetBadgeCatalogResult struct {
	Badges      []BadgeDTO                   `json:"badges"`
	Levels      []progression.LevelThreshold `json:"levels"`
	Multipliers []progression.MultiplierTier `json:"multipliers"`
}

// GetBadgeCatalogHandler возвращает каталог.
type GetBadgeCatalogHandler struct {
	catalogue *progression.Catalogue
}

// NewGetBadgeCatalogHandler создаёт обработчик.
func NewGetBadgeCatalogHandler(catalogue *progression.Catalogue) *GetBadgeCatalogHandler {
	return &GetBadgeCatalogHandler{catalogue: catalogue}
}

// Handle выполняет запрос.
func (h *GetBadgeCatalogHandler) Handle(context.Context) *GetBadgeCatalogResult {
	result := &GetBadgeCatalogResult{
		Badges:      []BadgeDTO{},
		Levels:      progression.LevelThresholds(),
		Multipliers: progression.MultiplierTiers(),
	}
	if h.catalogue == nil {
		return result
	}
	for _, d := range h.catalogue.All() {
		result.Badges = append(result.Badges, catalogueDTO(d))
	}
	return result
}

func catalogueDTO(d progression.BadgeDefinition) BadgeDTO {
	return BadgeDTO{
		Type:        d.Type,
		Name:        d.Name,
		Description: d.Description,
		Category:    d.Category,
		Tier:        d.Tier,
		XPBonus:     d.XPBonus,
	}
}
