package progression

import (
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// XP LEDGER
// ══════════════════════════════════════════════════════════════════════════════

// Transaction - неизменяемая запись журнала XP.
// После записи не изменяется и не удаляется; исправления - новые записи
// с источником manual_adjustment.
type Transaction struct {
	// ID - уникальный идентификатор записи (UUID).
	ID string `json:"id"`

	// LearnerID - ученик.
	LearnerID LearnerID `json:"learnerId"`

	// Amount - начисленная сумма с учётом множителя.
	Amount int64 `json:"amount"`

	// BaseAmount - сумма до применения множителя.
	BaseAmount int64 `json:"baseAmount"`

	// MultiplierPct - применённый множитель в процентах (100 = без бонуса).
	MultiplierPct int `json:"multiplierPct"`

	// Source - источник начисления.
	Source Source `json:"source"`

	// ReferenceID - необязательная ссылка на объект (урок, тест, бейдж).
	ReferenceID string `json:"referenceId,omitempty"`

	// OccurredAt - когда произошло событие.
	OccurredAt time.Time `json:"occurredAt"`

	// RecordedAt - когда запись попала в журнал.
	RecordedAt time.Time `json:"recordedAt"`
}

// NewTransactionParams - параметры создания записи журнала.
type NewTransactionParams struct {
	ID            string
	LearnerID     LearnerID
	BaseAmount    int64
	MultiplierPct int
	Source        Source
	ReferenceID   string
	OccurredAt    time.Time
	RecordedAt    time.Time
}

// NewTransaction создаёт запись журнала, применяя множитель к базовой сумме.
func NewTransaction(p NewTransactionParams) (*Transaction, error) {
	if err := p.LearnerID.Validate(); err != nil {
		return nil, err
	}
	if !p.Source.IsValid() {
		return nil, shared.ErrUnknownSource
	}
	if err := p.Source.ValidateAmount(p.BaseAmount); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, shared.NewDomainError("progression", "NewTransaction", shared.ErrInvalidID, "transaction id is empty")
	}

	pct := p.MultiplierPct
	if pct <= 0 || !p.Source.Qualifies() {
		pct = 100
	}

	return &Transaction{
		ID:            p.ID,
		LearnerID:     p.LearnerID,
		Amount:        ApplyMultiplier(p.BaseAmount, pct),
		BaseAmount:    p.BaseAmount,
		MultiplierPct: pct,
		Source:        p.Source,
		ReferenceID:   p.ReferenceID,
		OccurredAt:    p.OccurredAt.UTC(),
		RecordedAt:    p.RecordedAt.UTC(),
	}, nil
}

// SumAmounts возвращает сумму записей.
func SumAmounts(txs []Transaction) int64 {
	var total int64
	for _, t := range txs {
		total += t.Amount
	}
	return total
}
