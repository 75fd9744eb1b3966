package query

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET TRANSACTIONS QUERY
// История начислений XP, новые записи первыми.
// ══════════════════════════════════════════════════════════════════════════════

// Лимиты страницы истории.
const (
	DefaultTransactionsLimit = 20
	MaxTransactionsLimit     = 100
)

// GetTransactionsQuery - запрос страницы журнала.
type GetTransactionsQuery struct {
	LearnerID progression.LearnerID
	Limit     int
	Offset    int
}

// Validate проверяет и нормализует параметры.
func (q *GetTransactionsQuery) Validate() error {
	if err := q.LearnerID.Validate(); err != nil {
		return err
	}
	if q.Offset < 0 {
		return shared.NewDomainError("progression", "Transactions", shared.ErrInvalidInput, "offset cannot be negative")
	}
	if q.Limit <= 0 {
		q.Limit = DefaultTransactionsLimit
	}
	if q.Limit > MaxTransactionsLimit {
		q.Limit = MaxTransactionsLimit
	}
	return nil
}

// GetTransactionsResult - страница журнала.
type GetTransactionsResult struct {
	LearnerID    progression.LearnerID     `json:"learnerId"`
	Transactions []progression.Transaction `json:"transactions"`
	Limit        int                       `json:"limit"`
	Offset       int                       `json:"offset"`
	HasMore      bool                      `json:"hasMore"`
}

// GetTransactionsHandler обрабатывает GetTransactionsQuery.
type GetTransactionsHandler struct {
	reader progression.Reader
}

// NewGetTransactionsHandler создаёт обработчик.
func NewGetTransactionsHandler(reader progression.Reader) *GetTransactionsHandler {
	return &GetTransactionsHandler{reader: reader}
}

// Handle выполняет запрос.
func (h *GetTransactionsHandler) Handle(ctx context.Context, q GetTransactionsQuery) (result *GetTransactionsResult, err error) {
	ctx, span := tracer.Start(ctx, "query.GetTransactions", trace.WithAttributes(
		attribute.Int64("learner.id", q.LearnerID.Int64()),
	))
	defer func() { endSpan(span, err) }()

	if err := q.Validate(); err != nil {
		return nil, err
	}
	if _, err := h.reader.Profile(ctx, q.LearnerID); err != nil {
		return nil, err
	}

	// Одна лишняя запись показывает, есть ли следующая страница.
	txs, err := h.reader.Transactions(ctx, q.LearnerID, q.Limit+1, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("transactions: %w", err)
	}

	hasMore := len(txs) > q.Limit
	if hasMore {
		txs = txs[:q.Limit]
	}
	if txs == nil {
		txs = []progression.Transaction{}
	}

	return &GetTransactionsResult{
		LearnerID:    q.LearnerID,
		Transactions: txs,
		Limit:        q.Limit,
		Offset:       q.Offset,
		HasMore:      hasMore,
	}, nil
}
