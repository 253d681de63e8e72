package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Outcome is the result of a lookup
type Outcome int

const (
	// Miss means the handler must run
	Miss Outcome = iota
	// Replay means the cached response must be returned as is
	Replay
	// Conflict means the key was reused with a different body
	Conflict
	// InFlight means another request holding the key has not finished
	InFlight
)

func (o Outcome) String() string {
	switch o {
	case Replay:
		return "replay"
	case Conflict:
		return "conflict"
	case InFlight:
		return "in_flight"
	default:
		return "miss"
	}
}

// ReplayHeader marks a replayed response
const ReplayHeader = "Idempotent-Replayed"

// DefaultPendingTTL bounds how long a reservation survives a request that
// never reports back
const DefaultPendingTTL = 2 * time.Minute

// Guard de-duplicates write requests by idempotency key
type Guard struct {
	store      Store
	ttl        time.Duration
	pendingTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewGuard creates a guard that keeps successful responses for ttl
func NewGuard(store Store, ttl time.Duration, logger *zap.Logger) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	pendingTTL := DefaultPendingTTL
	if ttl < pendingTTL {
		pendingTTL = ttl
	}
	return &Guard{
		store:      store,
		ttl:        ttl,
		pendingTTL: pendingTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// HashBody returns the hex sha256 of a request body
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Begin reserves key for the caller or classifies the request against the
// record already holding it. Only a Miss owns the key; the owner must call
// Save or Release when the handler is done.
func (g *Guard) Begin(ctx context.Context, key Key, bodyHash string) (Outcome, *Record, error) {
	now := g.now()
	claimed, err := g.store.PutIfAbsent(ctx, key, &Record{
		BodyHash:  bodyHash,
		Pending:   true,
		CreatedAt: now,
		ExpiresAt: now.Add(g.pendingTTL),
	})
	if err != nil {
		return Miss, nil, err
	}
	if claimed {
		return Miss, nil, nil
	}

	rec, err := g.store.Get(ctx, key)
	if err != nil {
		return Miss, nil, err
	}
	if rec == nil {
		// the holder finished with an error response between the two calls
		return InFlight, nil, nil
	}
	if rec.BodyHash != bodyHash {
		g.logger.Warn("Idempotency key reused with a different body",
			zap.String("method", key.Method),
			zap.String("path", key.Path),
			zap.String("tenant_id", key.TenantID))
		return Conflict, rec, nil
	}
	if rec.Pending {
		return InFlight, rec, nil
	}
	return Replay, rec, nil
}

// Save completes the reservation for key. A 2xx response replaces it and is
// replayed until the TTL passes; any other status frees the key so the
// client can retry.
func (g *Guard) Save(ctx context.Context, key Key, bodyHash string, status int, header http.Header, body []byte) error {
	if status < 200 || status > 299 {
		return g.Release(ctx, key)
	}
	now := g.now()
	return g.store.Put(ctx, key, &Record{
		BodyHash:   bodyHash,
		StatusCode: status,
		Header:     header.Clone(),
		Body:       body,
		CreatedAt:  now,
		ExpiresAt:  now.Add(g.ttl),
	})
}

// Release drops the reservation for key without caching a response
func (g *Guard) Release(ctx context.Context, key Key) error {
	return g.store.Delete(ctx, key)
}
