// Package tenant holds the tenant binding for a unit of work.
//
// A Holder is a small stack of bindings owned by one request or one task.
// Bind returns a Token and only that Token can undo the binding, which
// restores whatever was bound before. Work that leaves the current
// goroutine (worker pools, queues) must carry the tenant id explicitly; see
// Dispatcher.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrMissingTenant is returned when a tenant id is required but empty.
	ErrMissingTenant = errors.New("tenant id is required")
	// ErrInvalidToken is returned for a zero or unknown token.
	ErrInvalidToken = errors.New("invalid tenant token")
	// ErrReleaseOrder is returned when a token is released while a newer
	// binding is still active.
	ErrReleaseOrder = errors.New("tenant bindings must be released in reverse order")
)

// ContextError reports misuse of tenant scoping. It signals a caller bug and
// is never translated into a user-facing error by this package.
type ContextError struct {
	Op  string
	Err error
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("tenant context: %s: %v", e.Op, e.Err)
}

func (e *ContextError) Unwrap() error {
	return e.Err
}

// Token is the handle returned by Bind. The zero Token is never valid.
type Token struct {
	holder *Holder
	seq    uint64
}

// IsZero reports whether t is the zero Token.
func (t Token) IsZero() bool {
	return t.seq == 0
}

type frame struct {
	seq      uint64
	tenantID string
}

// Holder is the tenant binding stack for a single unit of work.
type Holder struct {
	mu     sync.Mutex
	seq    uint64
	frames []frame
}

// NewHolder returns an empty Holder.
func NewHolder() *Holder {
	return &Holder{}
}

// Bind makes tenantID current and returns the Token that undoes it.
func (h *Holder) Bind(tenantID string) (Token, error) {
	if tenantID == "" {
		return Token{}, &ContextError{Op: "bind", Err: ErrMissingTenant}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	h.frames = append(h.frames, frame{seq: h.seq, tenantID: tenantID})
	return Token{holder: h, seq: h.seq}, nil
}

// Release undoes the binding created with tok and restores the previous one.
func (h *Holder) Release(tok Token) error {
	if tok.IsZero() || tok.holder != h {
		return &ContextError{Op: "release", Err: ErrInvalidToken}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.frames)
	if n == 0 {
		return &ContextError{Op: "release", Err: ErrInvalidToken}
	}
	if h.frames[n-1].seq != tok.seq {
		for _, f := range h.frames[:n-1] {
			if f.seq == tok.seq {
				return &ContextError{Op: "release", Err: ErrReleaseOrder}
			}
		}
		return &ContextError{Op: "release", Err: ErrInvalidToken}
	}

	h.frames = h.frames[:n-1]
	return nil
}

// Current returns the bound tenant id, if any.
func (h *Holder) Current() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.frames) == 0 {
		return "", false
	}
	return h.frames[len(h.frames)-1].tenantID, true
}

// Reset drops every binding. Tests only.
func (h *Holder) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = nil
}

// RunInScope binds tenantID on h, runs fn and releases the binding even if
// fn panics.
func RunInScope(h *Holder, tenantID string, fn func() error) error {
	tok, err := h.Bind(tenantID)
	if err != nil {
		return err
	}
	defer func() {
		_ = h.Release(tok)
	}()

	return fn()
}

type holderKey struct{}

type tenantKey struct{}

// WithHolder attaches h to ctx.
func WithHolder(ctx context.Context, h *Holder) context.Context {
	return context.WithValue(ctx, holderKey{}, h)
}

// HolderFromContext returns the Holder attached to ctx.
func HolderFromContext(ctx context.Context) (*Holder, bool) {
	h, ok := ctx.Value(holderKey{}).(*Holder)
	return h, ok && h != nil
}

// WithTenant stores a verified tenant id on ctx.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// FromContext returns the tenant for ctx. A Holder binding takes precedence
// over the value stored by WithTenant.
func FromContext(ctx context.Context) (string, bool) {
	if h, ok := HolderFromContext(ctx); ok {
		if id, ok := h.Current(); ok {
			return id, true
		}
	}
	id, ok := ctx.Value(tenantKey{}).(string)
	return id, ok && id != ""
}

// Require is FromContext for call sites that cannot proceed without a tenant.
func Require(ctx context.Context, op string) (string, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return "", &ContextError{Op: op, Err: ErrMissingTenant}
	}
	return id, nil
}
