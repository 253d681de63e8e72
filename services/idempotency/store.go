package idempotency

import (
	"context"
	"net/http"
	"time"
)

// Key identifies a client retry scope. The body hash is kept in the
// Record so a different payload under the same Key is detected as a
// conflict rather than a miss.
type Key struct {
	Method         string
	Path           string
	IdempotencyKey string
	TenantID       string
}

// String returns the storage key
func (k Key) String() string {
	return k.TenantID + "|" + k.Method + "|" + k.Path + "|" + k.IdempotencyKey
}

// Record is a cached successful response, or a reservation held while the
// first request with the key is still running
type Record struct {
	BodyHash   string      `json:"body_hash"`
	Pending    bool        `json:"pending,omitempty"`
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// Expired reports whether the record is past its TTL at now
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store persists records. Get returns nil for a missing or expired key.
// PutIfAbsent stores rec only when no live record exists and reports
// whether it did.
type Store interface {
	Get(ctx context.Context, key Key) (*Record, error)
	Put(ctx context.Context, key Key, rec *Record) error
	PutIfAbsent(ctx context.Context, key Key, rec *Record) (bool, error)
	Delete(ctx context.Context, key Key) error
}
