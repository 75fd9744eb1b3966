package progression

import (
	"context"
	"time"

	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Интерфейсы определены в доменном слое, реализации - в infrastructure.
// ══════════════════════════════════════════════════════════════════════════════

// LearnerTx - операции над состоянием одного ученика внутри транзакции
// с удерживаемой блокировкой. Все изменения фиксируются атомарно при
// успешном завершении функции, переданной в WithLearnerLock.
type LearnerTx interface {
	// LearnerID возвращает ученика, для которого открыта транзакция.
	LearnerID() LearnerID

	// LoadProfile возвращает профиль. Если профиля нет, он создаётся с нулевыми значениями.
	LoadProfile(ctx context.Context) (*Profile, error)

	// SaveProfile сохраняет кешированные поля профиля.
	SaveProfile(ctx context.Context, p *Profile) error

	// AppendTransaction добавляет запись в журнал. Записи не изменяются.
	AppendTransaction(ctx context.Context, t *Transaction) error

	// LedgerTotal возвращает сумму всех записей журнала ученика.
	LedgerTotal(ctx context.Context) (int64, error)

	// ActivityDates возвращает различные даты учебной активности в поясе loc.
	// Бонусы и корректировки активностью не считаются.
	ActivityDates(ctx context.Context, loc *time.Location) ([]timeutil.Date, error)

	// SourceCounts возвращает число записей журнала по источникам.
	SourceCounts(ctx context.Context) (map[Source]int64, error)

	// Awards возвращает выданные бейджи.
	Awards(ctx context.Context) ([]BadgeAward, error)

	// InsertAward выдаёт бейдж. Возвращает false, если пара (ученик, тип) уже существует.
	InsertAward(ctx context.Context, a BadgeAward) (bool, error)

	// AcknowledgeAward отмечает бейдж просмотренным.
	// Возвращает ErrBadgeNotAwarded, если бейдж не выдан.
	AcknowledgeAward(ctx context.Context, badgeType string) error

	// DailyGoal возвращает цель на дату; found=false, если записи нет.
	DailyGoal(ctx context.Context, date timeutil.Date) (goal *DailyGoal, found bool, err error)

	// SaveDailyGoal создаёт или обновляет цель.
	SaveDailyGoal(ctx context.Context, g *DailyGoal) error
}

// UnitOfWork сериализует изменения по ученику.
type UnitOfWork interface {
	// WithLearnerLock захватывает блокировку ученика с ограниченным ожиданием
	// и выполняет fn в одной транзакции. Если блокировку не удалось получить
	// вовремя, возвращает ошибку, для которой shared.IsRetryable == true.
	// Ошибка fn откатывает все изменения.
	WithLearnerLock(ctx context.Context, id LearnerID, fn func(ctx context.Context, tx LearnerTx) error) error
}

// Reader - операции чтения без блокировок.
type Reader interface {
	// Profile возвращает профиль. Возвращает ErrLearnerNotFound, если профиля нет.
	Profile(ctx context.Context, id LearnerID) (*Profile, error)

	// Awards возвращает выданные бейджи ученика, новые первыми.
	Awards(ctx context.Context, id LearnerID) ([]BadgeAward, error)

	// SourceCounts возвращает число записей журнала по источникам.
	SourceCounts(ctx context.Context, id LearnerID) (map[Source]int64, error)

	// DailyGoal возвращает цель на дату; found=false, если записи нет.
	DailyGoal(ctx context.Context, id LearnerID, date timeutil.Date) (goal *DailyGoal, found bool, err error)

	// Transactions возвращает страницу журнала, новые записи первыми.
	Transactions(ctx context.Context, id LearnerID, limit, offset int) ([]Transaction, error)

	// WindowTotals возвращает суммы XP за окно для учеников, которые видимы
	// в рейтинге и имеют хотя бы одну запись в окне.
	// Результат упорядочен по RankedBefore и ограничен limit (limit <= 0 - без ограничения).
	WindowTotals(ctx context.Context, w Window, limit int) ([]WindowTotal, error)

	// LearnerWindowXP возвращает сумму XP ученика за окно независимо от видимости в рейтинге.
	LearnerWindowXP(ctx context.Context, id LearnerID, w Window) (int64, error)

	// LearnerIDs возвращает страницу идентификаторов больше afterID по возрастанию.
	LearnerIDs(ctx context.Context, afterID LearnerID, limit int) ([]LearnerID, error)
}

// BadgeRegistry хранит определения бейджей для ссылочной целостности.
type BadgeRegistry interface {
	// SyncBadgeDefinitions вставляет или обновляет определения каталога.
	SyncBadgeDefinitions(ctx context.Context, defs []BadgeDefinition) error
}

// Store объединяет все операции хранилища.
type Store interface {
	UnitOfWork
	Reader
	BadgeRegistry

	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error

	// Close освобождает ресурсы.
	Close() error
}
