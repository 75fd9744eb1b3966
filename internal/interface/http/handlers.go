package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/application/query"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST PARSING
// ══════════════════════════════════════════════════════════════════════════════

func learnerIDParam(c *gin.Context) (progression.LearnerID, error) {
	id, err := strconv.ParseInt(c.Param("learnerID"), 10, 64)
	if err != nil {
		return 0, shared.ErrInvalidLearnerID
	}
	return progression.LearnerID(id), nil
}

// intQuery returns def for a missing parameter and an error for a malformed one.
func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, shared.WrapError("http", "Parse", shared.ErrInvalidInput, key+" must be an integer", err)
	}
	return v, nil
}

// bindJSON decodes the body; failures become 400 or 413 without decoder detail.
func (s *Server) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(c, http.StatusRequestEntityTooLarge, CodeTooLarge, "request body too large")
			return false
		}
		writeJSONError(c, http.StatusBadRequest, CodeBadRequest, "malformed request body")
		return false
	}
	return true
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleHealth(c *gin.Context) {
	status := s.deps.Health.Check(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// ══════════════════════════════════════════════════════════════════════════════
// COMMANDS
// ══════════════════════════════════════════════════════════════════════════════

type recordEventRequest struct {
	Source      string     `json:"source" binding:"required"`
	Amount      int64      `json:"amount"`
	ReferenceID string     `json:"referenceId"`
	OccurredAt  *time.Time `json:"occurredAt"`
	Minutes     int        `json:"minutes"`
	Timezone    string     `json:"timezone"`
}

// handleRecordEvent handles POST /api/v1/learners/:learnerID/events
func (s *Server) handleRecordEvent(c *gin.Context) {
	id, err := learnerIDParam(c)
	if err != nil {
		s.respondError(c, "RecordEvent", err)
		return
	}
	var req recordEventRequest
	if !s.bindJSON(c, &req) {
		return
	}

	cmd := command.RecordEventCommand{
		LearnerID:   id,
		Source:      progression.Source(req.Source),
		Amount:      req.Amount,
		ReferenceID: req.ReferenceID,
		Minutes:     req.Minutes,
		Timezone:    req.Timezone,
	}
	if req.OccurredAt != nil {
		cmd.OccurredAt = *req.OccurredAt
	}

	res, err := s.deps.RecordEvent.Handle(c.Request.Context(), cmd)
	if err != nil {
		s.respondError(c, "RecordEvent", err)
		return
	}
	writeJSON(c, http.StatusCreated, res)
}

// handleEvaluateBadges handles POST /api/v1/learners/:learnerID/badges/evaluate
func (s *Server) handleEvaluateBadges(c *gin.Context) {
	id, err := learnerIDParam(c)
	if err != nil {
		s.respondError(c, "EvaluateBadges", err)
		return
	}
	res, err := s.deps.EvaluateBadges.Handle(c.Request.Context(), command.EvaluateBadgesCommand{LearnerID: id})
	if err != nil {
		s.respondError(c, "EvaluateBadges", err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// handleAcknowledgeBadge handles POST /api/v1/learners/:learnerID/badges/:badgeType/ack
func (s *Server) handleAcknowledgeBadge(c *gin.Context) {
	id, err := learnerIDParam(c)
	if err != nil {
		s.respondError(c, "AcknowledgeBadge", err)
		return
	}
	badgeType := c.Param("badgeType")
	err = s.deps.AcknowledgeBadge.Handle(c.Request.Context(), command.AcknowledgeBadgeCommand{
		LearnerID: id,
		BadgeType: badgeType,
	})
	if err != nil {
		s.respondError(c, "AcknowledgeBadge", err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"learnerId": id, "badgeType": badgeType, "acknowledged": true})
}

type visibilityRequest struct {
	Visible *bool `json:"visible" binding:"required"`
}

// handleSetVisibility handles PUT /api/v1/learners/:learnerID/leaderboard-visibility
func (s *Server) handleSetVisibility(c *gin.Context) {
	id, err := learnerIDParam(c)
	if err != nil {
		s.respondError(c, "SetVisibility", err)
		return
	}
	var req visibilityRequest
	if !s.bindJSON(c, &req) {
		return
	}
	res, err := s.deps.SetVisibility.Handle(c.Request.Context(), command.SetVisibilityCommand{
		LearnerID: id,
		Visible:   *req.Visible,
	})
	if err != nil {
		s.respondError(c, "SetVisibility", err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// handleUseStreakFreeze handles POST /api/v1/learners/:learnerID/streak/freeze
func (s *Server) handleUseStreakFreeze(c *gin.Context) {
	id, err := learnerIDParam(c)
	if err != nil {
		s.respondError(c, "UseStreakFreeze", err)
		return
	}
	res, err := s.deps.UseStreakFreeze.Handle(c.Request.Context(), command.UseStreakFreezeCommand{LearnerID: id})
	if err != nil {
		s.respondError(c, "UseStreakFreeze", err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// ══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ══════════════════════════════════════════════════════════════════════════════

// handleGetStats handles GET /api/v1/learners/:learnerID/stats
func (s *Server) handleGetStats(c *gin.Context) {
	id, err := learnerIDParam(c)
	if err != nil {
		s.respondError(c, "GetStats", err)
		return
	}
	res, err := s.deps.GetStats.Handle(c.Request.Context(), query.GetStatsQuery{LearnerID: id})
	if err != nil {
		s.respondError(c, "GetStats", err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// handleGetBadges handles GET /api/v1/learners/:learnerID/badges
func (s *Server) handleGetBadges(c *gin.Context) {
	id, err := learnerIDParam(c)
	if err != nil {
		s.respondError(c, "GetBadges", err)
		return
	}
	res, err := s.deps.GetBadges.Handle(c.Request.Context(), query.GetBadgesQuery{LearnerID: id})
	if err != nil {
		s.respondError(c, "GetBadges", err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// handleBadgeProgress handles GET /api/v1/learners/:learnerID/badges/progress
func (s *Server) handleBadgeProgress(c *gin.Context) {
	id, err := learnerIDParam(c)
	if err != nil {
		s.respondError(c, "GetBadgeProgress", err)
		return
	}
	res, err := s.deps.GetBadgeProgress.Handle(c.Request.Context(), query.GetBadgeProgressQuery{LearnerID: id})
	if err != nil {
		s.respondError(c, "GetBadgeProgress", err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// handleBadgeCatalog handles GET /api/v1/badges
func (s *Server) handleBadgeCatalog(c *gin.Context) {
	writeJSON(c, http.StatusOK, s.deps.GetBadgeCatalog.Handle(c.Request.Context()))
}

// handleDailyGoal handles GET /api/v1/learners/:learnerID/daily-goal?date=YYYY-MM-DD
func (s *Server) handleDailyGoal(c *gin.Context) {
	id, err := learnerIDParam(c)
	if err != nil {
		s.respondError(c, "GetDailyGoal", err)
		return
	}
	res, err := s.deps.GetDailyGoal.Handle(c.Request.Context(), query.GetDailyGoalQuery{
		LearnerID: id,
		Date:      c.Query("date"),
	})
	if err != nil {
		s.respondError(c, "GetDailyGoal", err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// handleTransactions handles GET /api/v1/learners/:learnerID/transactions?limit&offset
func (s *Server) handleTransactions(c *gin.Context) {
	id, err := learnerIDParam(c)
	if err != nil {
		s.respondError(c, "GetTransactions", err)
		return
	}
	limit, err := intQuery(c, "limit", query.DefaultTransactionsLimit)
	if err != nil {
		s.respondError(c, "GetTransactions", err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		s.respondError(c, "GetTransactions", err)
		return
	}

	res, err := s.deps.GetTransactions.Handle(c.Request.Context(), query.GetTransactionsQuery{
		LearnerID: id,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.respondError(c, "GetTransactions", err)
		return
	}
	writeJSONWithMeta(c, http.StatusOK, res, &ResponseMeta{
		Limit:   res.Limit,
		Offset:  res.Offset,
		HasMore: res.HasMore,
	})
}

// handleLeaderboard handles GET /api/v1/leaderboard?range=weekly&limit=20
func (s *Server) handleLeaderboard(c *gin.Context) {
	limit, err := intQuery(c, "limit", progression.DefaultLeaderboardLimit)
	if err != nil {
		s.respondError(c, "GetLeaderboard", err)
		return
	}
	res, err := s.deps.GetLeaderboard.Handle(c.Request.Context(), query.GetLeaderboardQuery{
		Range: c.Query("range"),
		Limit: limit,
	})
	if err != nil {
		s.respondError(c, "GetLeaderboard", err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN
// ══════════════════════════════════════════════════════════════════════════════

// handleRunRecalculation handles POST /api/v1/admin/recalculation
func (s *Server) handleRunRecalculation(c *gin.Context) {
	res, err := s.deps.Recalculation.Handle(c.Request.Context(), command.RunRecalculationCommand{Trigger: "manual"})
	if err != nil {
		s.respondError(c, "RunRecalculation", err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// handleLastRecalculation handles GET /api/v1/admin/recalculation/last
func (s *Server) handleLastRecalculation(c *gin.Context) {
	res, ok, err := s.deps.Recalculation.Last(c.Request.Context())
	if err != nil {
		s.respondError(c, "LastRecalculation", err)
		return
	}
	if !ok {
		writeJSONError(c, http.StatusNotFound, CodeNotFound, "no recalculation has run yet")
		return
	}
	writeJSON(c, http.StatusOK, res)
}
