// Package progression содержит доменную модель прогрессии ученика.
//
// Пакет описывает, как сырые учебные события превращаются в опыт (XP),
// уровни, серии дней, бейджи и рейтинги:
//
//   - Журнал XP (Transaction) - неизменяемые записи, единственный источник истины для суммы XP
//   - Кривая уровней (LevelOf) - чистая функция от суммы XP
//   - Серии (StreakPolicy) - подсчёт последовательных дней по датам активности
//   - Бейджи (Catalogue, Condition) - декларативные условия над снимком статистики
//   - Дневные цели (DailyGoal) - прогресс за календарный день ученика
//   - Рейтинг (Rank) - упорядочивание по XP за окно с детерминированным разрешением ничьих
//
// # Архитектурные принципы
//
//  1. Нет внешних зависимостей - только стандартная библиотека и pkg/timeutil
//  2. Интерфейсы хранилища (Store, LearnerTx) определены здесь, реализации в infrastructure
//  3. Все функции расчёта детерминированы и не имеют побочных эффектов
//
// # Сериализация по ученику
//
// Любое изменение состояния ученика выполняется внутри Store.WithLearnerLock,
// который гарантирует ограниченное ожидание блокировки и атомарность записи.
package progression
