package progression

import (
	"fmt"
	"strings"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// BADGE TIER
// ══════════════════════════════════════════════════════════════════════════════

// Tier - редкость бейджа.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
	TierDiamond  Tier = "diamond"
)

// IsValid проверяет, что редкость известна.
func (t Tier) IsValid() bool {
	switch t {
	case TierBronze, TierSilver, TierGold, TierPlatinum, TierDiamond:
		return true
	default:
		return false
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CONDITION
// ══════════════════════════════════════════════════════════════════════════════

// Condition - декларативное условие получения бейджа.
// Либо простое сравнение метрики с порогом (Metric + Min),
// либо композиция: All (все дочерние) или Any (хотя бы одно).
type Condition struct {
	Metric Metric      `json:"metric,omitempty"`
	Min    int64       `json:"min,omitempty"`
	All    []Condition `json:"all,omitempty"`
	Any    []Condition `json:"any,omitempty"`
}

// MetricAtLeast - короткая запись простого условия.
func MetricAtLeast(m Metric, min int64) Condition {
	return Condition{Metric: m, Min: min}
}

// Validate проверяет, что условие имеет ровно одну форму и корректные метрики.
func (c Condition) Validate() error {
	forms := 0
	if c.Metric != "" {
		forms++
	}
	if len(c.All) > 0 {
		forms++
	}
	if len(c.Any) > 0 {
		forms++
	}
	if forms != 1 {
		return fmt.Errorf("condition must have exactly one of metric, all, any")
	}

	if c.Metric != "" {
		if !c.Metric.IsValid() {
			return fmt.Errorf("unknown metric %q", c.Metric)
		}
		if c.Min <= 0 {
			return fmt.Errorf("metric %q: min must be positive", c.Metric)
		}
		return nil
	}

	for _, child := range append(append([]Condition{}, c.All...), c.Any...) {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Satisfied оценивает условие над снимком статистики.
func (c Condition) Satisfied(s StatsSnapshot) bool {
	switch {
	case c.Metric != "":
		return s.Value(c.Metric) >= c.Min
	case len(c.All) > 0:
		for _, child := range c.All {
			if !child.Satisfied(s) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for _, child := range c.Any {
			if child.Satisfied(s) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Percent возвращает прогресс к выполнению условия в процентах [0, 100].
// Для All берётся минимум дочерних, для Any - максимум.
func (c Condition) Percent(s StatsSnapshot) int {
	switch {
	case c.Metric != "":
		if c.Min <= 0 {
			return 100
		}
		v := s.Value(c.Metric)
		if v >= c.Min {
			return 100
		}
		if v <= 0 {
			return 0
		}
		return int(v * 100 / c.Min)
	case len(c.All) > 0:
		pct := 100
		for _, child := range c.All {
			if p := child.Percent(s); p < pct {
				pct = p
			}
		}
		return pct
	case len(c.Any) > 0:
		pct := 0
		for _, child := range c.Any {
			if p := child.Percent(s); p > pct {
				pct = p
			}
		}
		return pct
	default:
		return 0
	}
}

// String возвращает читаемое описание условия.
func (c Condition) String() string {
	switch {
	case c.Metric != "":
		return fmt.Sprintf("%s>=%d", c.Metric, c.Min)
	case len(c.All) > 0:
		return "all(" + joinConditions(c.All) + ")"
	case len(c.Any) > 0:
		return "any(" + joinConditions(c.Any) + ")"
	default:
		return "<empty>"
	}
}

func joinConditions(cs []Condition) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// ══════════════════════════════════════════════════════════════════════════════
// BADGE DEFINITION & CATALOGUE
// ══════════════════════════════════════════════════════════════════════════════

// BadgeDefinition - статическое описание бейджа из каталога.
type BadgeDefinition struct {
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Tier        Tier      `json:"tier"`
	Condition   Condition `json:"condition"`

	// XPBonus начисляется записью badge_bonus при выдаче. Ноль - без бонуса.
	XPBonus int64 `json:"xpBonus"`

	// Manual - бейдж выдаётся только вручную, движок правил его пропускает.
	Manual bool `json:"manual"`
}

// Validate проверяет определение.
func (d BadgeDefinition) Validate() error {
	if strings.TrimSpace(d.Type) == "" {
		return fmt.Errorf("badge type is empty")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("badge %q: name is empty", d.Type)
	}
	if !d.Tier.IsValid() {
		return fmt.Errorf("badge %q: unknown tier %q", d.Type, d.Tier)
	}
	if d.XPBonus < 0 {
		return fmt.Errorf("badge %q: xp bonus must not be negative", d.Type)
	}
	if d.Manual {
		return nil
	}
	if err := d.Condition.Validate(); err != nil {
		return fmt.Errorf("badge %q: %w", d.Type, err)
	}
	return nil
}

// Catalogue - неизменяемый каталог бейджей, загружаемый при старте.
type Catalogue struct {
	defs   []BadgeDefinition
	byType map[string]int
}

// NewCatalogue проверяет определения и строит каталог.
// Порядок определений сохраняется и задаёт порядок оценки.
func NewCatalogue(defs []BadgeDefinition) (*Catalogue, error) {
	c := &Catalogue{
		defs:   make([]BadgeDefinition, 0, len(defs)),
		byType: make(map[string]int, len(defs)),
	}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, shared.WrapError("badge", "NewCatalogue", shared.ErrValidation, "invalid badge catalogue", err)
		}
		if _, dup := c.byType[d.Type]; dup {
			return nil, shared.WrapError("badge", "NewCatalogue", shared.ErrValidation, "invalid badge catalogue",
				fmt.Errorf("duplicate badge type %q", d.Type))
		}
		c.byType[d.Type] = len(c.defs)
		c.defs = append(c.defs, d)
	}
	return c, nil
}

// All возвращает копию всех определений в порядке каталога.
func (c *Catalogue) All() []BadgeDefinition {
	out := make([]BadgeDefinition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Get ищет определение по типу.
func (c *Catalogue) Get(badgeType string) (BadgeDefinition, bool) {
	idx, ok := c.byType[badgeType]
	if !ok {
		return BadgeDefinition{}, false
	}
	return c.defs[idx], true
}

// Len возвращает число определений.
func (c *Catalogue) Len() int {
	return len(c.defs)
}

// Pending возвращает бейджи, условия которых выполнены, но которые ещё не выданы.
// Ручные бейджи не возвращаются никогда.
func (c *Catalogue) Pending(s StatsSnapshot, owned map[string]bool) []BadgeDefinition {
	var out []BadgeDefinition
	for _, d := range c.defs {
		if d.Manual || owned[d.Type] {
			continue
		}
		if d.Condition.Satisfied(s) {
			out = append(out, d)
		}
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// BADGE AWARD
// ══════════════════════════════════════════════════════════════════════════════

// BadgeAward - выданный бейдж. Не более одного на пару (ученик, тип).
type BadgeAward struct {
	LearnerID    LearnerID `json:"learnerId"`
	BadgeType    string    `json:"badgeType"`
	EarnedAt     time.Time `json:"earnedAt"`
	Acknowledged bool      `json:"acknowledged"`
}

// IsNew сообщает, что ученик ещё не видел бейдж.
func (a BadgeAward) IsNew() bool {
	return !a.Acknowledged
}

// OwnedSet строит множество выданных типов.
func OwnedSet(awards []BadgeAward) map[string]bool {
	owned := make(map[string]bool, len(awards))
	for _, a := range awards {
		owned[a.BadgeType] = true
	}
	return owned
}

// BadgeProgress - прогресс ученика к бейджу.
type BadgeProgress struct {
	Badge   BadgeDefinition `json:"badge"`
	Earned  bool            `json:"earned"`
	Percent int             `json:"percent"`
}

// Progress возвращает прогресс по всем автоматическим бейджам каталога.
func (c *Catalogue) Progress(s StatsSnapshot, awards []BadgeAward) []BadgeProgress {
	owned := OwnedSet(awards)
	out := make([]BadgeProgress, 0, len(c.defs))
	for _, d := range c.defs {
		if d.Manual && !owned[d.Type] {
			continue
		}
		p := BadgeProgress{Badge: d, Earned: owned[d.Type]}
		if p.Earned {
			p.Percent = 100
		} else {
			p.Percent = d.Condition.Percent(s)
		}
		out = append(out, p)
	}
	return out
}
