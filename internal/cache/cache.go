// Package cache is a Redis-backed read-through cache in front of the
// dashboard API's status and chart reads. It degrades gracefully: when
// Redis is unreachable, Get/Set return errors and callers fall straight
// through to the in-process controller/marketdata reads spec.md already
// requires — Redis is an optimization, never a dependency for correctness.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"contrarian-pullback-bot/config"
)

const (
	maxFailures   = 3
	checkInterval = 30 * time.Second

	// StatusTTL is how long a status snapshot stays cached.
	StatusTTL = 3 * time.Second
	// ChartTTL is how long a symbol's chart payload stays cached.
	ChartTTL = 10 * time.Second
)

// Service wraps a Redis client with a small failure-counting circuit
// breaker so a degraded Redis never blocks dashboard reads.
type Service struct {
	client *redis.Client
	log    zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time
}

// New connects to Redis per cfg. Returns (nil, nil) when caching is
// disabled, since an absent cache is a valid and common configuration.
func New(cfg config.RedisConfig, log zerolog.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		DB:           cfg.DB,
		MinIdleConns: 1,
		MaxRetries:   2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	s := &Service{client: client, log: log.With().Str("component", "cache").Logger()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.log.Warn().Err(err).Msg("initial redis connection failed, starting degraded")
		return s, nil
	}
	s.healthy = true
	s.lastCheck = time.Now()
	s.log.Info().Str("address", cfg.Address).Msg("connected to redis")
	return s, nil
}

// IsHealthy reports whether Redis is currently reachable.
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.failureCount >= maxFailures && s.healthy {
		s.healthy = false
		s.log.Warn().Int("failures", s.failureCount).Msg("circuit breaker open: redis marked unhealthy")
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		s.log.Info().Msg("circuit breaker closed: redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

func (s *Service) checkHealth() {
	s.mu.RLock()
	shouldCheck := !s.healthy && time.Since(s.lastCheck) >= checkInterval
	s.mu.RUnlock()
	if !shouldCheck {
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

// GetJSON reads key and unmarshals it into dest. Returns redis.Nil on a
// cache miss, any other error on failure (including "redis unavailable").
func (s *Service) GetJSON(ctx context.Context, key string, dest interface{}) error {
	s.checkHealth()
	if !s.IsHealthy() {
		return fmt.Errorf("cache: redis unavailable (circuit breaker open)")
	}
	data, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return err
		}
		s.recordFailure()
		return fmt.Errorf("cache: get failed: %w", err)
	}
	s.recordSuccess()
	return json.Unmarshal([]byte(data), dest)
}

// SetJSON marshals value and stores it at key with the given TTL.
func (s *Service) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	s.checkHealth()
	if !s.IsHealthy() {
		return fmt.Errorf("cache: redis unavailable (circuit breaker open)")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("cache: set failed: %w", err)
	}
	s.recordSuccess()
	return nil
}

// Close closes the underlying Redis client.
func (s *Service) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// StatusKey is the cache key for the dashboard status snapshot.
const StatusKey = "dashboard:status"

// ChartKey is the cache key for a symbol's chart payload.
func ChartKey(symbol string) string {
	return fmt.Sprintf("dashboard:chart:%s", symbol)
}
