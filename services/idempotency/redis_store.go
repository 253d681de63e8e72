package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares cached responses across replicas. Redis expires the
// keys, so no cleanup worker is needed.
type RedisStore struct {
	Client  redis.UniversalClient
	Prefix  string
	Timeout time.Duration
	now     func() time.Time
}

// NewRedisStore creates a store with the "idem:" prefix
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		Client:  client,
		Prefix:  "idem:",
		Timeout: 2 * time.Second,
		now:     time.Now,
	}
}

// Get loads a record
func (s *RedisStore) Get(ctx context.Context, key Key) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	raw, err := s.Client.Get(ctx, s.Prefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	if rec.Expired(s.now()) {
		return nil, nil
	}
	return &rec, nil
}

// Put writes a record with PX set to its remaining lifetime
func (s *RedisStore) Put(ctx context.Context, key Key, rec *Record) error {
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	if err := s.Client.Set(ctx, s.Prefix+key.String(), payload, ttl).Err(); err != nil {
		return fmt.Errorf("store idempotency record: %w", err)
	}
	return nil
}

// PutIfAbsent writes rec with SET NX so only one replica can hold the key
func (s *RedisStore) PutIfAbsent(ctx context.Context, key Key, rec *Record) (bool, error) {
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return false, nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode idempotency record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	ok, err := s.Client.SetNX(ctx, s.Prefix+key.String(), payload, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return ok, nil
}

// Delete removes the record for key
func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	if err := s.Client.Del(ctx, s.Prefix+key.String()).Err(); err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}
