package progression

// ══════════════════════════════════════════════════════════════════════════════
// LEVEL CURVE
// ══════════════════════════════════════════════════════════════════════════════

// LevelThreshold - минимальный XP для уровня.
type LevelThreshold struct {
	Level int    `json:"level"`
	MinXP int64  `json:"minXp"`
	Title string `json:"title"`
}

// Пороги строго возрастают; первый уровень начинается с нуля.
var levelThresholds = []LevelThreshold{
	{Level: 1, MinXP: 0, Title: "Beginner"},
	{Level: 2, MinXP: 100, Title: "Novice"},
	{Level: 3, MinXP: 300, Title: "Apprentice"},
	{Level: 4, MinXP: 600, Title: "Intermediate"},
	{Level: 5, MinXP: 1000, Title: "Proficient"},
	{Level: 6, MinXP: 1500, Title: "Advanced"},
	{Level: 7, MinXP: 2200, Title: "Expert"},
	{Level: 8, MinXP: 3000, Title: "Master"},
	{Level: 9, MinXP: 4000, Title: "Champion"},
	{Level: 10, MinXP: 5500, Title: "Legend"},
}

// LevelThresholds возвращает копию таблицы уровней.
func LevelThresholds() []LevelThreshold {
	out := make([]LevelThreshold, len(levelThresholds))
	copy(out, levelThresholds)
	return out
}

// MaxLevel возвращает номер последнего уровня.
func MaxLevel() int {
	return levelThresholds[len(levelThresholds)-1].Level
}

// LevelInfo - уровень и прогресс до следующего.
type LevelInfo struct {
	// Level - номер уровня (с 1).
	Level int `json:"level"`

	// Title - название уровня.
	Title string `json:"title"`

	// MinXP - порог текущего уровня.
	MinXP int64 `json:"minXp"`

	// XPIntoLevel - XP сверх порога текущего уровня.
	XPIntoLevel int64 `json:"xpIntoLevel"`

	// XPToNextLevel - сколько осталось до следующего уровня (0 на последнем).
	XPToNextLevel int64 `json:"xpToNextLevel"`

	// ProgressPercent - процент пути до следующего уровня (100 на последнем).
	ProgressPercent int `json:"progressPercent"`

	// Next - следующий уровень, nil на последнем.
	Next *LevelThreshold `json:"nextLevel,omitempty"`
}

// IsMax сообщает, достигнут ли последний уровень.
func (i LevelInfo) IsMax() bool {
	return i.Next == nil
}

// LevelOf вычисляет уровень по сумме XP.
// Чистая функция: монотонна по totalXP и идемпотентна.
// Отрицательная сумма трактуется как ноль.
func LevelOf(totalXP int64) LevelInfo {
	if totalXP < 0 {
		totalXP = 0
	}

	idx := 0
	for i, t := range levelThresholds {
		if totalXP >= t.MinXP {
			idx = i
		} else {
			break
		}
	}

	current := levelThresholds[idx]
	info := LevelInfo{
		Level:       current.Level,
		Title:       current.Title,
		MinXP:       current.MinXP,
		XPIntoLevel: totalXP - current.MinXP,
	}

	if idx == len(levelThresholds)-1 {
		info.ProgressPercent = 100
		return info
	}

	next := levelThresholds[idx+1]
	span := next.MinXP - current.MinXP
	info.Next = &next
	info.XPToNextLevel = next.MinXP - totalXP
	info.ProgressPercent = int(info.XPIntoLevel * 100 / span)
	return info
}
