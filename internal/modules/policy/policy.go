// Package policy exposes runtime-tunable limits stored in a redis hash.
// Operators flip values with HSET and every instance picks them up within
// one cache window, no restart needed.
package policy

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/streamgate/core/internal/pkg/redis"
	"go.uber.org/zap"
)

const (
	hashKey  = "gate:policy"
	cacheTTL = 30 * time.Second
)

// Store reads policy values from redis, caching the whole hash briefly so a
// heartbeat storm doesn't turn into an HGETALL storm.
type Store struct {
	rc     *redis.Client
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	values    map[string]string
	fetchedAt time.Time
}

func NewStore(rc *redis.Client, logger *zap.Logger) *Store {
	return &Store{rc: rc, logger: logger, now: time.Now}
}

func (s *Store) snapshot(ctx context.Context) map[string]string {
	s.mu.RLock()
	if s.values != nil && s.now().Sub(s.fetchedAt) < cacheTTL {
		v := s.values
		s.mu.RUnlock()
		return v
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values != nil && s.now().Sub(s.fetchedAt) < cacheTTL {
		return s.values
	}
	vals, err := s.rc.HGetAll(ctx, hashKey)
	if err != nil {
		// Redis down: serve the stale snapshot if we have one, fall back
		// to caller defaults otherwise.
		s.logger.Warn("policy fetch failed", zap.Error(err))
		if s.values != nil {
			return s.values
		}
		return map[string]string{}
	}
	s.values = vals
	s.fetchedAt = s.now()
	return vals
}

// Int returns the named policy value, or def when unset or malformed.
func (s *Store) Int(ctx context.Context, name string, def int) int {
	raw, ok := s.snapshot(ctx)[name]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		s.logger.Warn("malformed policy value",
			zap.String("name", name), zap.String("value", raw))
		return def
	}
	return n
}

// Set writes one policy value and drops the local cache so the writer
// observes its own change immediately.
func (s *Store) Set(ctx context.Context, name string, value int) error {
	if err := s.rc.Raw().HSet(ctx, hashKey, name, strconv.Itoa(value)).Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.values = nil
	s.mu.Unlock()
	return nil
}

// All returns the current policy hash, bypassing the cache. Used by the
// admin settings endpoint.
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	vals, err := s.rc.HGetAll(ctx, hashKey)
	if err != nil {
		return nil, err
	}
	return vals, nil
}
