package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares kill switch state between replicas. Each entry is a JSON
// value under prefix+"global", prefix+"tenant:<id>" or prefix+"capability:<name>".
type RedisStore struct {
	Client  redis.UniversalClient
	Prefix  string
	Timeout time.Duration
}

// NewRedisStore creates a store with the default "ks:" prefix
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		Client:  client,
		Prefix:  "ks:",
		Timeout: 2 * time.Second,
	}
}

func (s *RedisStore) key(scope Scope, targetID string) string {
	if scope == ScopeGlobal {
		return s.Prefix + string(ScopeGlobal)
	}
	return s.Prefix + string(scope) + ":" + targetID
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.Timeout)
}

// Put writes the entry without expiry
func (s *RedisStore) Put(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal kill switch entry: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.Client.Set(ctx, s.key(entry.Scope, entry.TargetID), payload, 0).Err(); err != nil {
		return fmt.Errorf("store kill switch entry: %w", err)
	}
	return nil
}

// Delete removes the entry key
func (s *RedisStore) Delete(ctx context.Context, scope Scope, targetID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.Client.Del(ctx, s.key(scope, targetID)).Result()
	if err != nil {
		return false, fmt.Errorf("delete kill switch entry: %w", err)
	}
	return n > 0, nil
}

// Get loads one entry
func (s *RedisStore) Get(ctx context.Context, scope Scope, targetID string) (*Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raw, err := s.Client.Get(ctx, s.key(scope, targetID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load kill switch entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode kill switch entry: %w", err)
	}
	return &e, nil
}

// List scans every key under the prefix
func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var keys []string
	iter := s.Client.Scan(ctx, 0, s.Prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan kill switch entries: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load kill switch entries: %w", err)
	}
	out := make([]Entry, 0, len(vals))
	for _, v := range vals {
		e, err := decodeValue(v)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return scopeRank(out[i].Scope) < scopeRank(out[j].Scope)
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out, nil
}

// Check fetches the three candidate keys in one round trip
func (s *RedisStore) Check(ctx context.Context, tenantID, capability string) (CheckResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys := []string{s.key(ScopeGlobal, "")}
	if tenantID != "" {
		keys = append(keys, s.key(ScopeTenant, tenantID))
	}
	if capability != "" {
		keys = append(keys, s.key(ScopeCapability, capability))
	}

	vals, err := s.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return CheckResult{}, fmt.Errorf("check kill switch: %w", err)
	}
	for _, v := range vals {
		e, err := decodeValue(v)
		if err != nil {
			return CheckResult{}, err
		}
		if e != nil {
			return blockedBy(e), nil
		}
	}
	return CheckResult{}, nil
}

func decodeValue(v interface{}) (*Entry, error) {
	if v == nil {
		return nil, nil
	}
	str, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected kill switch value type %T", v)
	}
	var e Entry
	if err := json.Unmarshal([]byte(str), &e); err != nil {
		return nil, fmt.Errorf("decode kill switch entry: %w", err)
	}
	return &e, nil
}

func scopeRank(s Scope) int {
	switch s {
	case ScopeGlobal:
		return 0
	case ScopeTenant:
		return 1
	default:
		return 2
	}
}
