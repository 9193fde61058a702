package marketdata

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"botfleet/internal/exchange"
	"botfleet/internal/gate"
)

// Degraded-data outcomes. Evaluators treat both as "skip this tick" signals
// rather than failures.
var (
	// ErrDegraded - upstream was rate-limited or transient across all attempts
	ErrDegraded = errors.New("market data degraded")
	// ErrStaleData - the tick deadline elapsed before the fetch completed
	ErrStaleData = errors.New("market data stale under deadline")
)

// TTLConfig holds the per-kind cache TTLs.
type TTLConfig struct {
	Ticker   time.Duration
	Candles  time.Duration
	Accounts time.Duration
	Balance  time.Duration
}

// TTLFor resolves the TTL for a key kind.
func (t TTLConfig) TTLFor(kind Kind) time.Duration {
	switch kind {
	case KindTicker:
		return t.Ticker
	case KindCandles:
		return t.Candles
	case KindAccounts:
		return t.Accounts
	case KindBalance:
		return t.Balance
	default:
		return t.Ticker
	}
}

// Coordinator is the single entry point for market data and the only
// authorized caller of the MarketClient's read methods. Cache-first, then
// single-flight through the cache, then a rate-gated upstream call.
type Coordinator struct {
	client      exchange.MarketClient
	cache       *Cache
	gate        *gate.RateGate
	remote      *RedisStore // optional mirror, may be nil
	ttls        TTLConfig
	maxAttempts int
	logger      zerolog.Logger
}

// NewCoordinator wires the data plane. remote may be nil.
func NewCoordinator(client exchange.MarketClient, cache *Cache, rg *gate.RateGate, remote *RedisStore, ttls TTLConfig, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		client:      client,
		cache:       cache,
		gate:        rg,
		remote:      remote,
		ttls:        ttls,
		maxAttempts: 3,
		logger:      logger.With().Str("component", "coordinator").Logger(),
	}
}

// Snapshot is the result of one Batch: per-key payloads and per-key errors.
// It is owned by the tick that requested it and discarded afterwards.
type Snapshot struct {
	TakenAt time.Time
	values  map[string]interface{}
	errs    map[string]error
}

// Ticker returns the snapshot's ticker for pair, if fetched successfully.
func (s *Snapshot) Ticker(pair string) (*exchange.Ticker, bool) {
	v, ok := s.values[TickerKey(pair).String()]
	if !ok {
		return nil, false
	}
	t, ok := v.(*exchange.Ticker)
	return t, ok
}

// Candles returns the snapshot's candle series for the given key parameters.
func (s *Snapshot) Candles(pair string, granularitySec, limit int) ([]exchange.Candle, bool) {
	v, ok := s.values[CandlesKey(pair, granularitySec, limit).String()]
	if !ok {
		return nil, false
	}
	c, ok := v.([]exchange.Candle)
	return c, ok
}

// Accounts returns the snapshot's account list.
func (s *Snapshot) Accounts() ([]exchange.Account, bool) {
	v, ok := s.values[AccountsKey().String()]
	if !ok {
		return nil, false
	}
	a, ok := v.([]exchange.Account)
	return a, ok
}

// NewSnapshot returns an empty snapshot stamped at takenAt.
func NewSnapshot(takenAt time.Time) *Snapshot {
	return &Snapshot{
		TakenAt: takenAt,
		values:  make(map[string]interface{}),
		errs:    make(map[string]error),
	}
}

// SetValue stores a fetched payload under its key.
func (s *Snapshot) SetValue(key Key, val interface{}) {
	s.values[key.String()] = val
}

// SetErr records a key's fetch failure.
func (s *Snapshot) SetErr(key Key, err error) {
	s.errs[key.String()] = err
}

// Err returns the fetch error for a key, if any.
func (s *Snapshot) Err(key Key) error {
	return s.errs[key.String()]
}

// Degraded reports whether any key in the snapshot failed.
func (s *Snapshot) Degraded() bool {
	return len(s.errs) > 0
}

// Fetch resolves a single key: fresh cache hit, or a deduplicated,
// rate-gated upstream call.
func (c *Coordinator) Fetch(ctx context.Context, key Key, priority gate.Priority) (interface{}, error) {
	cacheKey := key.String()
	if val, ok := c.cache.Get(cacheKey); ok {
		return val, nil
	}

	ttl := c.ttls.TTLFor(key.Kind)
	val, err := c.cache.GetOrFetch(ctx, cacheKey, ttl, func(fctx context.Context) (interface{}, error) {
		return c.fetchUpstream(fctx, key, priority, ttl)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, ErrStaleData
		}
		return nil, err
	}
	return val, nil
}

// fetchUpstream is the single-flight fetcher body: optional remote mirror
// first, then gate-paced upstream attempts with outcome classification.
func (c *Coordinator) fetchUpstream(ctx context.Context, key Key, priority gate.Priority, ttl time.Duration) (interface{}, error) {
	if val, ok := c.remoteGet(ctx, key); ok {
		return val, nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.gate.Acquire(ctx, priority); err != nil {
			return nil, err
		}

		val, err := c.callClient(ctx, key)
		if err == nil {
			c.gate.ReportSuccess()
			if c.remote != nil {
				c.remote.Set(ctx, key.String(), val, ttl)
			}
			return val, nil
		}
		lastErr = err

		switch {
		case exchange.IsRateLimited(err):
			c.gate.ReportRateLimited()
			c.logger.Warn().Str("key", key.String()).Int("attempt", attempt).Msg("upstream rate-limited, backing off")
		case exchange.IsTransient(err):
			c.logger.Warn().Err(err).Str("key", key.String()).Int("attempt", attempt).Msg("transient upstream error")
		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
	}

	c.logger.Error().Err(lastErr).Str("key", key.String()).Msg("upstream degraded after retries")
	return nil, ErrDegraded
}

func (c *Coordinator) callClient(ctx context.Context, key Key) (interface{}, error) {
	switch key.Kind {
	case KindTicker:
		return c.client.GetTicker(ctx, key.Pair)
	case KindCandles:
		return c.client.GetCandles(ctx, key.Pair, key.Granularity, key.Limit)
	case KindAccounts:
		return c.client.GetAccounts(ctx)
	case KindBalance:
		return c.client.GetBalance(ctx, key.Currency)
	default:
		return nil, &exchange.APIError{Kind: exchange.KindFatal, Message: "unknown key kind: " + string(key.Kind)}
	}
}

// remoteGet consults the Redis mirror, decoding into the kind's type.
func (c *Coordinator) remoteGet(ctx context.Context, key Key) (interface{}, bool) {
	if c.remote == nil {
		return nil, false
	}

	switch key.Kind {
	case KindTicker:
		var t exchange.Ticker
		if c.remote.Get(ctx, key.String(), &t) {
			return &t, true
		}
	case KindCandles:
		var candles []exchange.Candle
		if c.remote.Get(ctx, key.String(), &candles) {
			return candles, true
		}
	case KindAccounts:
		var accounts []exchange.Account
		if c.remote.Get(ctx, key.String(), &accounts) {
			return accounts, true
		}
	case KindBalance:
		var b exchange.Balance
		if c.remote.Get(ctx, key.String(), &b) {
			return &b, true
		}
	}
	return nil, false
}

// Batch resolves unique keys in parallel, one single-flight fetch per key,
// and returns the per-tick snapshot. Individual key failures land in the
// snapshot's error map; the batch itself always returns.
func (c *Coordinator) Batch(ctx context.Context, keys []Key, priority gate.Priority) *Snapshot {
	snap := NewSnapshot(time.Now())

	seen := make(map[string]bool, len(keys))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, key := range keys {
		ks := key.String()
		if seen[ks] {
			continue
		}
		seen[ks] = true

		wg.Add(1)
		go func(k Key) {
			defer wg.Done()
			val, err := c.Fetch(ctx, k, priority)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				snap.errs[k.String()] = err
				return
			}
			snap.values[k.String()] = val
		}(key)
	}

	wg.Wait()
	return snap
}

// CacheStats exposes the cache counters for the control API.
func (c *Coordinator) CacheStats() map[string]interface{} {
	stats := c.cache.Stats()
	if c.remote != nil {
		stats["redis_healthy"] = c.remote.Healthy()
	}
	return stats
}
