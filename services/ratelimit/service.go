package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RateLimitWindow represents the time window for rate limiting
type RateLimitWindow string

const (
	WindowMinute RateLimitWindow = "minute"
	WindowDay    RateLimitWindow = "day"
)

// Config holds per-tenant request ceilings. Zero disables a window.
type Config struct {
	RequestsPerMinute int
	RequestsPerDay    int
}

// RateLimitResult represents the result of a rate limit check
type RateLimitResult struct {
	Allowed            bool
	RequestsLastMinute int64
	RequestsToday      int64
	Limit              int
	Remaining          int64
	ResetAt            time.Time
	RetryAfter         time.Duration
	ViolatedWindow     RateLimitWindow
	ViolationReason    string
}

// Counter increments fixed-window counters
type Counter interface {
	// Incr adds one to key and returns the new count. ttl is applied when
	// the key is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RateLimitService enforces per-tenant fixed windows on AI requests
type RateLimitService struct {
	counter Counter
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewRateLimitService creates a new RateLimitService instance
func NewRateLimitService(counter Counter, cfg Config, logger *zap.Logger) *RateLimitService {
	return &RateLimitService{
		counter: counter,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CheckLimit counts one request for tenantID and reports whether it fits in
// every configured window. Windows are checked minute first; a rejected
// request is not counted against later windows.
func (s *RateLimitService) CheckLimit(ctx context.Context, tenantID string) (*RateLimitResult, error) {
	now := s.now()
	result := &RateLimitResult{Allowed: true}

	if s.cfg.RequestsPerMinute > 0 {
		count, resetAt, err := s.checkWindow(ctx, tenantID, WindowMinute, now)
		if err != nil {
			return nil, fmt.Errorf("failed to check minute window: %w", err)
		}
		result.RequestsLastMinute = count
		if count > int64(s.cfg.RequestsPerMinute) {
			return s.violation(result, WindowMinute, s.cfg.RequestsPerMinute, resetAt, now), nil
		}
		result.Limit = s.cfg.RequestsPerMinute
		result.Remaining = int64(s.cfg.RequestsPerMinute) - count
		result.ResetAt = resetAt
	}

	if s.cfg.RequestsPerDay > 0 {
		count, resetAt, err := s.checkWindow(ctx, tenantID, WindowDay, now)
		if err != nil {
			return nil, fmt.Errorf("failed to check day window: %w", err)
		}
		result.RequestsToday = count
		if count > int64(s.cfg.RequestsPerDay) {
			return s.violation(result, WindowDay, s.cfg.RequestsPerDay, resetAt, now), nil
		}
		if result.Limit == 0 {
			result.Limit = s.cfg.RequestsPerDay
			result.Remaining = int64(s.cfg.RequestsPerDay) - count
			result.ResetAt = resetAt
		}
	}

	return result, nil
}

func (s *RateLimitService) violation(result *RateLimitResult, window RateLimitWindow, limit int, resetAt, now time.Time) *RateLimitResult {
	retryAfter := resetAt.Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	result.Allowed = false
	result.Limit = limit
	result.Remaining = 0
	result.ResetAt = resetAt
	result.RetryAfter = retryAfter
	result.ViolatedWindow = window
	result.ViolationReason = fmt.Sprintf("exceeded %d requests per %s", limit, window)
	return result
}

// checkWindow increments the counter of the window containing now
func (s *RateLimitService) checkWindow(ctx context.Context, tenantID string, window RateLimitWindow, now time.Time) (int64, time.Time, error) {
	start, resetAt := s.getWindowBounds(now, window)
	key := s.buildScopeKey(tenantID, window, start)

	count, err := s.counter.Incr(ctx, key, resetAt.Sub(now))
	if err != nil {
		return 0, resetAt, err
	}
	return count, resetAt, nil
}

// getWindowBounds returns the start and reset time of the fixed window
// containing now
func (s *RateLimitService) getWindowBounds(now time.Time, window RateLimitWindow) (start time.Time, reset time.Time) {
	switch window {
	case WindowMinute:
		start = now.Truncate(time.Minute)
		reset = start.Add(time.Minute)
	case WindowDay:
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		reset = start.AddDate(0, 0, 1)
	}
	return start, reset
}

// buildScopeKey builds a unique key for the tenant and window
func (s *RateLimitService) buildScopeKey(tenantID string, window RateLimitWindow, start time.Time) string {
	return fmt.Sprintf("tenant:%s:%s:%d", tenantID, window, start.Unix())
}
