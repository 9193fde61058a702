package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"botfleet/internal/database"
	"botfleet/internal/signals"
)

// ============================================================================
// HEALTH
// ============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.repo.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "degraded",
			"database": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"database": "healthy",
	})
}

// ============================================================================
// BOT CRUD
// ============================================================================

func (s *Server) handleListBots(c *gin.Context) {
	bots, err := s.repo.ListBots(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("listing bots")
		errorResponse(c, http.StatusInternalServerError, "failed to list bots")
		return
	}
	successResponse(c, bots)
}

func (s *Server) handleCreateBot(c *gin.Context) {
	var bot database.Bot
	if err := c.ShouldBindJSON(&bot); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	bot.SignalConfig = normalizeSignalConfig(bot.SignalConfig)

	if err := validateBot(&bot); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.repo.CreateBot(c.Request.Context(), &bot); err != nil {
		s.logger.Error().Err(err).Msg("creating bot")
		errorResponse(c, http.StatusInternalServerError, "failed to create bot")
		return
	}

	s.logger.Info().Int64("bot_id", bot.ID).Str("name", bot.Name).Str("pair", bot.Pair).Msg("bot created")
	successResponse(c, bot)
}

func (s *Server) handleGetBot(c *gin.Context) {
	bot, ok := s.loadBot(c)
	if !ok {
		return
	}
	successResponse(c, bot)
}

func (s *Server) handleUpdateBot(c *gin.Context) {
	bot, ok := s.loadBot(c)
	if !ok {
		return
	}

	if err := c.ShouldBindJSON(bot); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := validateBot(bot); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.repo.UpdateBot(c.Request.Context(), bot); err != nil {
		s.logger.Error().Int64("bot_id", bot.ID).Err(err).Msg("updating bot")
		errorResponse(c, http.StatusInternalServerError, "failed to update bot")
		return
	}
	successResponse(c, bot)
}

func (s *Server) handleDeleteBot(c *gin.Context) {
	bot, ok := s.loadBot(c)
	if !ok {
		return
	}
	if bot.Status == database.BotStatusRunning {
		errorResponse(c, http.StatusBadRequest, "stop the bot before deleting it")
		return
	}

	if err := s.repo.DeleteBot(c.Request.Context(), bot.ID); err != nil {
		s.logger.Error().Int64("bot_id", bot.ID).Err(err).Msg("deleting bot")
		errorResponse(c, http.StatusInternalServerError, "failed to delete bot")
		return
	}
	successResponse(c, gin.H{"deleted": bot.ID})
}

// ============================================================================
// BOT LIFECYCLE
// ============================================================================

func (s *Server) handleStartBot(c *gin.Context) {
	bot, ok := s.loadBot(c)
	if !ok {
		return
	}
	if err := bot.SignalConfig.Validate(); err != nil {
		errorResponse(c, http.StatusBadRequest, "signal config invalid: "+err.Error())
		return
	}

	if err := s.repo.SetBotStatus(c.Request.Context(), bot.ID, database.BotStatusRunning); err != nil {
		s.logger.Error().Int64("bot_id", bot.ID).Err(err).Msg("starting bot")
		errorResponse(c, http.StatusInternalServerError, "failed to start bot")
		return
	}
	bot.Status = database.BotStatusRunning
	s.logger.Info().Int64("bot_id", bot.ID).Msg("bot started")
	successResponse(c, bot)
}

func (s *Server) handleStopBot(c *gin.Context) {
	bot, ok := s.loadBot(c)
	if !ok {
		return
	}

	if err := s.repo.SetBotStatus(c.Request.Context(), bot.ID, database.BotStatusStopped); err != nil {
		s.logger.Error().Int64("bot_id", bot.ID).Err(err).Msg("stopping bot")
		errorResponse(c, http.StatusInternalServerError, "failed to stop bot")
		return
	}
	bot.Status = database.BotStatusStopped
	s.logger.Info().Int64("bot_id", bot.ID).Msg("bot stopped")
	successResponse(c, bot)
}

// handleEmergencyStop liquidates the bot's whole position and stops it.
func (s *Server) handleEmergencyStop(c *gin.Context) {
	bot, ok := s.loadBot(c)
	if !ok {
		return
	}

	if err := s.trader.EmergencyStop(c.Request.Context(), bot); err != nil {
		s.logger.Error().Int64("bot_id", bot.ID).Err(err).Msg("emergency stop")
		errorResponse(c, http.StatusInternalServerError, "emergency stop failed: "+err.Error())
		return
	}
	successResponse(c, bot)
}

// ============================================================================
// HISTORY
// ============================================================================

func (s *Server) handleBotDecisions(c *gin.Context) {
	bot, ok := s.loadBot(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)

	decisions, err := s.repo.GetDecisions(c.Request.Context(), bot.ID, limit, offset)
	if err != nil {
		s.logger.Error().Int64("bot_id", bot.ID).Err(err).Msg("listing decisions")
		errorResponse(c, http.StatusInternalServerError, "failed to fetch decisions")
		return
	}
	successResponse(c, decisions)
}

func (s *Server) handleBotTrades(c *gin.Context) {
	bot, ok := s.loadBot(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)

	trades, err := s.repo.TradesForBot(c.Request.Context(), bot.ID, limit, offset)
	if err != nil {
		s.logger.Error().Int64("bot_id", bot.ID).Err(err).Msg("listing trades")
		errorResponse(c, http.StatusInternalServerError, "failed to fetch trades")
		return
	}
	successResponse(c, trades)
}

func (s *Server) handleAllTrades(c *gin.Context) {
	limit, offset := pagination(c)

	trades, err := s.repo.ListTrades(c.Request.Context(), limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("listing trades")
		errorResponse(c, http.StatusInternalServerError, "failed to fetch trades")
		return
	}
	successResponse(c, trades)
}

// ============================================================================
// ENGINE STATS
// ============================================================================

func (s *Server) handleCacheStats(c *gin.Context) {
	successResponse(c, s.coord.CacheStats())
}

func (s *Server) handleGateStats(c *gin.Context) {
	successResponse(c, s.rateGate.Stats())
}

// ============================================================================
// HELPERS
// ============================================================================

// loadBot resolves the :id parameter. On failure it writes the response and
// returns ok=false.
func (s *Server) loadBot(c *gin.Context) (*database.Bot, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid bot id")
		return nil, false
	}

	bot, err := s.repo.GetBotByID(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "bot not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error().Int64("bot_id", id).Err(err).Msg("loading bot")
		errorResponse(c, http.StatusInternalServerError, "failed to load bot")
		return nil, false
	}
	return bot, true
}

// normalizeSignalConfig fills in what the caller left out. A wholly omitted
// config gets the balanced defaults; a partial config keeps every field the
// caller set and only has a missing granularity filled.
func normalizeSignalConfig(cfg signals.Config) signals.Config {
	if cfg == (signals.Config{}) {
		return signals.DefaultConfig()
	}
	if cfg.GranularitySec == 0 {
		cfg.GranularitySec = signals.DefaultConfig().GranularitySec
	}
	return cfg
}

func validateBot(bot *database.Bot) error {
	switch {
	case bot.Name == "":
		return errors.New("name is required")
	case bot.Pair == "":
		return errors.New("pair is required")
	case bot.PositionSizeUSD <= 0:
		return errors.New("position_size_usd must be positive")
	case bot.MaxPositions <= 0:
		return errors.New("max_positions must be positive")
	case bot.StopLossPct <= 0 || bot.TakeProfitPct <= 0:
		return errors.New("stop_loss_pct and take_profit_pct must be positive")
	case bot.CooldownMinutes < 0:
		return errors.New("cooldown_minutes must be non-negative")
	}
	return bot.SignalConfig.Validate()
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
