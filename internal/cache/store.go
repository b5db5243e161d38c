package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"token-aggregator/internal/logging"
	"token-aggregator/internal/telemetry"
)

const (
	tierDurable = "redis"
	tierMemory  = "memory"
)

type Options struct {
	// URL takes precedence over Addr/Password/DB when set.
	URL             string
	Addr            string
	Password        string
	DB              int
	ConnectAttempts int
	MaxBackoff      time.Duration
	DefaultTTL      time.Duration
	OpTimeout       time.Duration
}

// Store is a two-tier key/value cache: Redis when reachable, an in-process
// map otherwise. No method surfaces a backing-store error.
type Store struct {
	client    *redis.Client
	memory    *memoryTier
	available atomic.Bool
	opts      Options
	logger    *zap.Logger
	metrics   *telemetry.Metrics
}

func New(opts Options, logger *zap.Logger, metrics *telemetry.Metrics) *Store {
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 3
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 30 * time.Second
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 2 * time.Second
	}

	s := &Store{
		memory:  newMemoryTier(),
		opts:    opts,
		logger:  logging.Component(logger, "cache"),
		metrics: metrics,
	}

	redisOpts, err := redisOptions(opts)
	if err != nil {
		s.logger.Warn("invalid redis configuration, using in-process cache only", zap.Error(err))
		return s
	}
	if redisOpts != nil {
		s.client = redis.NewClient(redisOpts)
	}
	return s
}

func redisOptions(opts Options) (*redis.Options, error) {
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return parsed, nil
	}
	if opts.Addr == "" {
		return nil, nil
	}
	return &redis.Options{
		Addr:       opts.Addr,
		Password:   opts.Password,
		DB:         opts.DB,
		MaxRetries: 1,
	}, nil
}

// Connect pings the durable tier up to ConnectAttempts times with capped
// backoff. On persistent failure the store stays degraded.
func (s *Store) Connect(ctx context.Context) bool {
	if s.client == nil {
		s.setAvailable(false)
		return false
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.ConnectAttempts; attempt++ {
		if lastErr = s.ping(ctx); lastErr == nil {
			s.setAvailable(true)
			s.logger.Info("redis connected", zap.Int("attempt", attempt))
			return true
		}
		if attempt == s.opts.ConnectAttempts {
			break
		}

		backoff := time.Duration(attempt) * 100 * time.Millisecond
		if backoff > s.opts.MaxBackoff {
			backoff = s.opts.MaxBackoff
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setAvailable(false)
			return false
		case <-timer.C:
		}
	}

	s.setAvailable(false)
	s.logger.Warn("redis unavailable, continuing with in-process cache",
		zap.Int("attempts", s.opts.ConnectAttempts), zap.Error(lastErr))
	return false
}

// Probe re-checks the durable tier and updates availability.
func (s *Store) Probe(ctx context.Context) bool {
	if s.client == nil {
		return false
	}
	err := s.ping(ctx)
	was := s.available.Load()
	s.setAvailable(err == nil)
	if err == nil && !was {
		s.logger.Info("redis reachable again")
	}
	return err == nil
}

// KeepAlive sweeps expired in-process entries and, when a durable tier is
// configured, probes it every interval until ctx ends.
func (s *Store) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.client != nil {
				s.Probe(ctx)
			}
			s.memory.sweep()
		}
	}
}

func (s *Store) ping(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	return s.client.Ping(opCtx).Err()
}

// IsAvailable reports whether the durable tier is currently reachable.
func (s *Store) IsAvailable() bool {
	return s.client != nil && s.available.Load()
}

// MarkUnavailable forces the store onto the in-process tier until the next
// successful Connect or Probe.
func (s *Store) MarkUnavailable() {
	s.setAvailable(false)
}

func (s *Store) setAvailable(ok bool) {
	s.available.Store(ok)
	s.metrics.CacheAvailable(ok)
}

func (s *Store) degrade(op, key string, err error) {
	if s.available.CompareAndSwap(true, false) {
		s.metrics.CacheAvailable(false)
	}
	s.logger.Warn("redis operation failed, falling back to in-process cache",
		zap.String("op", op), zap.String("key", key), zap.Error(err))
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	if s.IsAvailable() {
		opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
		value, err := s.client.Get(opCtx, key).Bytes()
		cancel()
		switch {
		case err == nil:
			s.metrics.CacheHit(tierDurable)
			return value, true
		case errors.Is(err, redis.Nil):
		default:
			s.degrade("get", key, err)
		}
	}

	if value, ok := s.memory.get(key); ok {
		s.metrics.CacheHit(tierMemory)
		return value, true
	}
	s.metrics.CacheMiss()
	return nil, false
}

// Set stores value under key in both tiers. ttl <= 0 uses DefaultTTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	s.memory.set(key, value, ttl)

	if !s.IsAvailable() {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	if err := s.client.Set(opCtx, key, value, ttl).Err(); err != nil {
		s.degrade("set", key, err)
	}
}

func (s *Store) Del(ctx context.Context, key string) {
	s.memory.del(key)

	if !s.IsAvailable() {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	if err := s.client.Del(opCtx, key).Err(); err != nil {
		s.degrade("del", key, err)
	}
}

func (s *Store) Exists(ctx context.Context, key string) bool {
	if s.IsAvailable() {
		opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
		n, err := s.client.Exists(opCtx, key).Result()
		cancel()
		if err == nil && n > 0 {
			return true
		}
		if err != nil {
			s.degrade("exists", key, err)
		}
	}
	return s.memory.exists(key)
}

// Flush clears both tiers.
func (s *Store) Flush(ctx context.Context) {
	s.memory.flush()

	if !s.IsAvailable() {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	if err := s.client.FlushDB(opCtx).Err(); err != nil {
		s.degrade("flush", "*", err)
		return
	}
	s.logger.Info("cache flushed")
}

// GetJSON decodes the cached value for key into dst. A value that does not
// decode is treated as a miss.
func (s *Store) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, ok := s.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("cache value is not serializable", zap.String("key", key), zap.Error(err))
		return
	}
	s.Set(ctx, key, raw, ttl)
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	s.setAvailable(false)
	return s.client.Close()
}
