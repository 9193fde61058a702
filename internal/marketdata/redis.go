package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisKeyPrefix = "botfleet:md:"

// RedisStore is an optional external mirror of the market-data cache for
// multi-process deployments. Reads fall through to the upstream on any
// Redis trouble; after maxFailures consecutive errors the store marks
// itself unhealthy and skips Redis until a background ping succeeds.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
}

// NewRedisStore connects to Redis. A failed initial ping returns the store
// in degraded mode rather than an error; the engine runs on the in-process
// cache alone until Redis recovers.
func NewRedisStore(addr, password string, db, poolSize int, logger zerolog.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	s := &RedisStore{
		client:        client,
		logger:        logger.With().Str("component", "redis-store").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("initial redis connection failed, running degraded")
		return s
	}

	s.healthy = true
	s.lastCheck = time.Now()
	s.logger.Info().Str("addr", addr).Msg("redis cache mirror connected")
	return s
}

// Healthy reports whether Redis is currently usable.
func (s *RedisStore) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *RedisStore) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures && s.healthy {
		s.logger.Warn().Int("failures", s.failureCount).Msg("redis marked unhealthy")
		s.healthy = false
	}
}

func (s *RedisStore) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		s.logger.Info().Msg("redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

// maybeRecover pings Redis in the background once per check interval while
// unhealthy.
func (s *RedisStore) maybeRecover() {
	s.mu.Lock()
	due := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	if due {
		s.lastCheck = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.client.Ping(ctx).Err(); err == nil {
			s.recordSuccess()
		}
	}()
}

// Get loads key into dest. Returns false on miss or any Redis trouble.
func (s *RedisStore) Get(ctx context.Context, key string, dest interface{}) bool {
	if !s.Healthy() {
		s.maybeRecover()
		return false
	}

	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		s.recordFailure()
		return false
	}
	s.recordSuccess()

	if err := json.Unmarshal(data, dest); err != nil {
		// A corrupt mirror entry is dropped, not surfaced
		s.client.Del(ctx, redisKeyPrefix+key)
		return false
	}
	return true
}

// Set mirrors a cache write. Errors only affect health tracking.
func (s *RedisStore) Set(ctx context.Context, key string, val interface{}, ttl time.Duration) {
	if !s.Healthy() {
		s.maybeRecover()
		return
	}

	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		s.recordFailure()
		return
	}
	s.recordSuccess()
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
