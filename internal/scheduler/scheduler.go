// Package scheduler drives the evaluation loops. The fast tick batches one
// coordinated market data fetch for the whole fleet, then fans bots out to a
// bounded worker pool; the slow tick keeps long-TTL keys warm and prunes
// history.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/database"
	"botfleet/internal/evaluator"
	"botfleet/internal/gate"
	"botfleet/internal/marketdata"
	"botfleet/internal/safety"
	"botfleet/internal/trade"
)

// Forced-exit decision reasons
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
)

// Config holds the loop cadences and worker bounds.
type Config struct {
	FastTick          time.Duration
	SlowTick          time.Duration
	Parallelism       int
	DecisionRetention time.Duration
}

// Store is the persistence surface the scheduler needs. *database.Repository
// satisfies it.
type Store interface {
	ListRunningBots(ctx context.Context) ([]*database.Bot, error)
	UpdateBotLiveFields(ctx context.Context, bot *database.Bot) error
	SetBotStatus(ctx context.Context, botID int64, status string) error
	InsertDecision(ctx context.Context, d *database.Decision) error
	PruneDecisions(ctx context.Context, olderThan time.Time) (int64, error)
	OpenTranches(ctx context.Context, botID int64) ([]*database.Tranche, error)
	LastFilledTrade(ctx context.Context, botID int64) (*database.Trade, error)
	FleetDailyStats(ctx context.Context, since time.Time) (*database.DailyStats, error)
	CountBotsWithOpenPositions(ctx context.Context) (int, error)
}

// Trader executes accepted intents. *trade.Service satisfies it.
type Trader interface {
	ExecuteBuy(ctx context.Context, bot *database.Bot, composite float64, temperature string) (*database.Trade, error)
	ExecuteSell(ctx context.Context, bot *database.Bot, composite float64, closeAll bool) (*database.Trade, error)
	SizeFor(bot *database.Bot, temperature string) float64
	CloseOrder() string
}

// Scheduler owns the fast and slow loops.
type Scheduler struct {
	store  Store
	coord  *marketdata.Coordinator
	eval   *evaluator.Evaluator
	gate   *safety.Gate
	trader Trader
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	botLocks map[int64]*sync.Mutex

	onDecision func(*database.Decision)
	now        func() time.Time
}

// New wires a scheduler.
func New(store Store, coord *marketdata.Coordinator, eval *evaluator.Evaluator, sg *safety.Gate, trader Trader, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Scheduler{
		store:    store,
		coord:    coord,
		eval:     eval,
		gate:     sg,
		trader:   trader,
		cfg:      cfg,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		botLocks: make(map[int64]*sync.Mutex),
		now:      time.Now,
	}
}

// OnDecision registers a listener invoked for every recorded decision.
func (s *Scheduler) OnDecision(fn func(*database.Decision)) {
	s.onDecision = fn
}

// Run blocks until ctx is cancelled, driving both loops.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info().
		Dur("fast_tick", s.cfg.FastTick).
		Dur("slow_tick", s.cfg.SlowTick).
		Int("parallelism", s.cfg.Parallelism).
		Msg("scheduler starting")

	fast := time.NewTicker(s.cfg.FastTick)
	slow := time.NewTicker(s.cfg.SlowTick)
	defer fast.Stop()
	defer slow.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-fast.C:
			s.FastTick(ctx)
		case <-slow.C:
			s.SlowTick(ctx)
		}
	}
}

// FastTick runs one evaluation pass over all running bots. One coordinated
// batch fetch covers the union of every bot's keys, then a bounded pool
// evaluates bots against the shared snapshot.
func (s *Scheduler) FastTick(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.FastTick)
	defer cancel()

	bots, err := s.store.ListRunningBots(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("listing running bots")
		return
	}
	if len(bots) == 0 {
		return
	}

	keys := s.tickKeys(bots)
	snap := s.coord.Batch(ctx, keys, gate.PriorityEvaluation)

	jobs := make(chan *database.Bot)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for bot := range jobs {
				s.evaluateBot(ctx, bot, snap)
			}
		}()
	}
	for _, bot := range bots {
		jobs <- bot
	}
	close(jobs)
	wg.Wait()
}

// tickKeys is the deduplicated union of keys across the fleet. Accounts ride
// along so the safety gate's balance checks read from the same snapshot.
func (s *Scheduler) tickKeys(bots []*database.Bot) []marketdata.Key {
	keys := []marketdata.Key{marketdata.AccountsKey()}
	for _, bot := range bots {
		keys = append(keys, evaluator.KeysFor(bot)...)
	}
	return keys
}

// evaluateBot runs one bot against the tick's snapshot. The per-bot lock
// guarantees two ticks never overlap for the same bot; a bot still busy from
// the previous tick is skipped, not queued.
func (s *Scheduler) evaluateBot(ctx context.Context, bot *database.Bot, snap *marketdata.Snapshot) {
	lock := s.lockFor(bot.ID)
	if !lock.TryLock() {
		s.logger.Debug().Int64("bot_id", bot.ID).Msg("previous tick still running, skipping")
		return
	}
	defer lock.Unlock()

	if err := bot.SignalConfig.Validate(); err != nil {
		s.logger.Error().
			Int64("bot_id", bot.ID).
			Str("bot", bot.Name).
			Err(err).
			Msg("invariant violation, stopping bot")
		if err := s.store.SetBotStatus(ctx, bot.ID, database.BotStatusStopped); err != nil {
			s.logger.Error().Int64("bot_id", bot.ID).Err(err).Msg("stopping bot")
		}
		return
	}

	now := s.now()

	// Forced exits check first: stop-loss and take-profit bypass the
	// confirmation window entirely.
	if exited := s.checkForcedExit(ctx, bot, snap, now); exited {
		return
	}

	res := s.eval.Evaluate(bot, snap, now)
	s.recordDecision(ctx, res.Decision)

	if !res.Stale {
		if err := s.store.UpdateBotLiveFields(ctx, bot); err != nil {
			s.logger.Error().Int64("bot_id", bot.ID).Err(err).Msg("persisting live fields")
		}
	}

	if !res.Promoted {
		return
	}
	s.executePromoted(ctx, bot, snap, res.Decision, now)
}

// checkForcedExit sells the whole position when the mark price breaches the
// bot's stop-loss or take-profit. Returns true when an exit was attempted.
func (s *Scheduler) checkForcedExit(ctx context.Context, bot *database.Bot, snap *marketdata.Snapshot, now time.Time) bool {
	ticker, ok := snap.Ticker(bot.Pair)
	if !ok {
		return false
	}
	open, err := s.store.OpenTranches(ctx, bot.ID)
	if err != nil || len(open) == 0 {
		return false
	}

	avgEntry := trade.AverageEntryPrice(open)
	if avgEntry <= 0 {
		return false
	}
	movePct := (ticker.Price - avgEntry) / avgEntry * 100

	reason := ""
	switch {
	case bot.StopLossPct > 0 && movePct <= -bot.StopLossPct:
		reason = ReasonStopLoss
	case bot.TakeProfitPct > 0 && movePct >= bot.TakeProfitPct:
		reason = ReasonTakeProfit
	default:
		return false
	}

	s.logger.Warn().
		Int64("bot_id", bot.ID).
		Str("reason", reason).
		Float64("avg_entry", avgEntry).
		Float64("price", ticker.Price).
		Float64("move_pct", movePct).
		Msg("forced exit triggered")

	decision := &database.Decision{
		BotID:       bot.ID,
		Action:      evaluator.ActionSell,
		Composite:   bot.CurrentScore,
		Temperature: bot.Temperature,
		Reason:      reason,
		SnapshotTS:  snap.TakenAt,
	}
	s.recordDecision(ctx, decision)

	// The forced sell still answers to the balance and daily caps, just not
	// the confirmation window, cooldown or temperature floor.
	in, err := s.safetyInput(ctx, bot, snap, evaluator.ActionSell, bot.Temperature, now)
	if err != nil {
		s.logger.Error().Int64("bot_id", bot.ID).Err(err).Msg("gathering safety input")
		return true
	}
	in.SellBaseSize = trade.OpenBaseSize(open)
	in.IntendedSizeUSD = trade.OpenSizeUSD(open)
	if reject := s.gate.CheckForcedExit(in); reject != nil {
		s.logger.Warn().
			Int64("bot_id", bot.ID).
			Str("code", reject.Code).
			Str("detail", reject.Detail).
			Msg("forced exit rejected")
		return true
	}

	if _, err := s.trader.ExecuteSell(ctx, bot, bot.CurrentScore, true); err != nil {
		s.logger.Error().Int64("bot_id", bot.ID).Err(err).Msg("forced exit failed")
	}
	return true
}

// executePromoted runs a confirmed action through the safety gate and, when
// accepted, the trade service.
func (s *Scheduler) executePromoted(ctx context.Context, bot *database.Bot, snap *marketdata.Snapshot, decision *database.Decision, now time.Time) {
	in, err := s.safetyInput(ctx, bot, snap, decision.Action, decision.Temperature, now)
	if err != nil {
		s.logger.Error().Int64("bot_id", bot.ID).Err(err).Msg("gathering safety input")
		return
	}

	if reject := s.gate.Check(in); reject != nil {
		s.logger.Info().
			Int64("bot_id", bot.ID).
			Str("action", decision.Action).
			Str("code", reject.Code).
			Str("detail", reject.Detail).
			Msg("trade rejected")
		return
	}

	switch decision.Action {
	case evaluator.ActionBuy:
		_, err = s.trader.ExecuteBuy(ctx, bot, decision.Composite, decision.Temperature)
	case evaluator.ActionSell:
		_, err = s.trader.ExecuteSell(ctx, bot, decision.Composite, false)
	}
	if err != nil {
		s.logger.Error().
			Int64("bot_id", bot.ID).
			Str("action", decision.Action).
			Err(err).
			Msg("trade execution failed")
		return
	}

	if err := s.store.UpdateBotLiveFields(ctx, bot); err != nil {
		s.logger.Error().Int64("bot_id", bot.ID).Err(err).Msg("persisting live fields")
	}
}

// safetyInput assembles the state the gate's checks read.
func (s *Scheduler) safetyInput(ctx context.Context, bot *database.Bot, snap *marketdata.Snapshot, action, temperature string, now time.Time) (safety.Input, error) {
	open, err := s.store.OpenTranches(ctx, bot.ID)
	if err != nil {
		return safety.Input{}, err
	}

	last, err := s.store.LastFilledTrade(ctx, bot.ID)
	if err != nil && err != database.ErrNotFound {
		return safety.Input{}, err
	}

	daily, err := s.store.FleetDailyStats(ctx, startOfDay(now))
	if err != nil {
		return safety.Input{}, err
	}

	globalOpen, err := s.store.CountBotsWithOpenPositions(ctx)
	if err != nil {
		return safety.Input{}, err
	}

	in := safety.Input{
		Bot:                 bot,
		Action:              action,
		Temperature:         temperature,
		OpenTranches:        open,
		LastTrade:           last,
		Daily:               daily,
		GlobalOpenPositions: globalOpen,
		Now:                 now,
	}

	if ticker, ok := snap.Ticker(bot.Pair); ok {
		in.CurrentPrice = ticker.Price
	}
	if action == evaluator.ActionBuy {
		in.IntendedSizeUSD = s.trader.SizeFor(bot, temperature)
	} else {
		selected := trade.SelectForClose(open, s.trader.CloseOrder(), false)
		in.IntendedSizeUSD = trade.OpenSizeUSD(selected)
		in.SellBaseSize = trade.OpenBaseSize(selected)
	}

	if accounts, ok := snap.Accounts(); ok {
		base, quote := splitPair(bot.Pair)
		for _, acct := range accounts {
			switch acct.Currency {
			case quote:
				in.QuoteAvailable = acct.Available
			case base:
				in.BaseAvailable = acct.Available
			}
		}
	} else {
		// No balance view this tick; let the exchange be the arbiter rather
		// than rejecting on missing data.
		in.QuoteAvailable = in.IntendedSizeUSD
		in.BaseAvailable = in.SellBaseSize
	}

	return in, nil
}

// SlowTick warms long-TTL keys at background priority and prunes old
// decision history.
func (s *Scheduler) SlowTick(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.SlowTick)
	defer cancel()

	bots, err := s.store.ListRunningBots(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("listing running bots")
		return
	}

	keys := []marketdata.Key{marketdata.AccountsKey()}
	for _, bot := range bots {
		cfg := bot.SignalConfig
		keys = append(keys,
			marketdata.CandlesKey(bot.Pair, cfg.GranularitySec, cfg.RequiredPeriods()),
			marketdata.BalanceKey(quoteOf(bot.Pair)),
		)
	}
	snap := s.coord.Batch(ctx, keys, gate.PriorityBackground)
	if snap.Degraded() {
		s.logger.Debug().Msg("cache warming partially degraded")
	}

	if s.cfg.DecisionRetention > 0 {
		pruned, err := s.store.PruneDecisions(ctx, s.now().Add(-s.cfg.DecisionRetention))
		if err != nil {
			s.logger.Error().Err(err).Msg("pruning decision history")
		} else if pruned > 0 {
			s.logger.Info().Int64("rows", pruned).Msg("pruned decision history")
		}
	}

	if daily, err := s.store.FleetDailyStats(ctx, startOfDay(s.now())); err == nil {
		s.logger.Info().
			Int("bots", len(bots)).
			Int("trades_today", daily.Trades).
			Float64("realized_pnl_today", daily.RealizedPnL).
			Msg("slow tick complete")
	}
}

func (s *Scheduler) lockFor(botID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.botLocks[botID]
	if !ok {
		lock = &sync.Mutex{}
		s.botLocks[botID] = lock
	}
	return lock
}

func (s *Scheduler) recordDecision(ctx context.Context, d *database.Decision) {
	if err := s.store.InsertDecision(ctx, d); err != nil {
		s.logger.Error().Int64("bot_id", d.BotID).Err(err).Msg("recording decision")
	}
	if s.onDecision != nil {
		s.onDecision(d)
	}
}

func splitPair(pair string) (base, quote string) {
	parts := strings.SplitN(pair, "-", 2)
	if len(parts) != 2 {
		return pair, ""
	}
	return parts[0], parts[1]
}

func quoteOf(pair string) string {
	_, quote := splitPair(pair)
	return quote
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
