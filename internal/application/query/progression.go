// Package query contains read operations following CQRS pattern.
// Queries never modify state - they only read and return data.
// Each query is a self-contained use case with its own request/response types.
package query

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
)

var tracer = otel.Tracer("github.com/alem-hub/progression-engine/internal/application/query")

// FeatureGate сообщает, включена ли функция для ученика (0 - глобально).
type FeatureGate interface {
	IsEnabled(feature string, learnerID int64) bool
}

type allFeatures struct{}

func (allFeatures) IsEnabled(string, int64) bool { return true }

// Имена функций, проверяемых запросами.
const (
	featureSnapshotCache = "leaderboard.snapshot_cache"
	featureBadgeProgress = "badges.progress"
)

// LeaderboardCache хранит посчитанные рейтинги.
//
// Version возвращает текущее поколение кеша; Invalidate его меняет.
// Put сохраняет снимок только если поколение с момента чтения version
// не изменилось, иначе молча ничего не делает.
type LeaderboardCache interface {
	Get(ctx context.Context, w progression.Window) (*progression.LeaderboardSnapshot, bool, error)
	Version(ctx context.Context) (int64, error)
	Put(ctx context.Context, w progression.Window, version int64, snap *progression.LeaderboardSnapshot) error
	Invalidate(ctx context.Context) error
}

// BadgeDTO - бейдж каталога вместе с состоянием выдачи.
type BadgeDTO struct {
	Type        string           `json:"type"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Category    string           `json:"category"`
	Tier        progression.Tier `json:"tier"`
	XPBonus     int64            `json:"xpBonus"`

	EarnedAt     *time.Time `json:"earnedAt,omitempty"`
	Acknowledged bool       `json:"acknowledged"`
	IsNew        bool       `json:"isNew"`
}

// badgeDTO собирает DTO выданного бейджа. Бейдж, которого уже нет в каталоге,
// показывается только с типом.
func badgeDTO(catalogue *progression.Catalogue, a progression.BadgeAward) BadgeDTO {
	earned := a.EarnedAt
	dto := BadgeDTO{
		Type:         a.BadgeType,
		Name:         a.BadgeType,
		EarnedAt:     &earned,
		Acknowledged: a.Acknowledged,
		IsNew:        a.IsNew(),
	}
	if catalogue == nil {
		return dto
	}
	if def, ok := catalogue.Get(a.BadgeType); ok {
		dto.Name = def.Name
		dto.Description = def.Description
		dto.Category = def.Category
		dto.Tier = def.Tier
		dto.XPBonus = def.XPBonus
	}
	return dto
}

func percent(done, target int64) int {
	if target <= 0 {
		return 100
	}
	if done <= 0 {
		return 0
	}
	p := done * 100 / target
	if p > 100 {
		p = 100
	}
	return int(p)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
