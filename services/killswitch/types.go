package killswitch

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Scope is the reach of a kill switch entry
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeTenant     Scope = "tenant"
	ScopeCapability Scope = "capability"
)

// ParseScope validates a scope string
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeGlobal:
		return ScopeGlobal, nil
	case ScopeTenant:
		return ScopeTenant, nil
	case ScopeCapability:
		return ScopeCapability, nil
	}
	return "", fmt.Errorf("invalid kill switch scope %q", s)
}

// Entry is one active kill switch. TargetID is empty for the global scope.
type Entry struct {
	Scope       Scope     `json:"scope"`
	TargetID    string    `json:"target_id,omitempty"`
	ActivatedBy string    `json:"activated_by"`
	Reason      string    `json:"reason"`
	ActivatedAt time.Time `json:"activated_at"`
}

// CheckResult is the outcome of a kill switch check. When Blocked it
// describes the first matching entry in global, tenant, capability order.
type CheckResult struct {
	Blocked     bool      `json:"blocked"`
	Scope       Scope     `json:"scope,omitempty"`
	TargetID    string    `json:"target_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedBy string    `json:"activated_by,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

func blockedBy(e *Entry) CheckResult {
	return CheckResult{
		Blocked:     true,
		Scope:       e.Scope,
		TargetID:    e.TargetID,
		Reason:      e.Reason,
		ActivatedBy: e.ActivatedBy,
		ActivatedAt: e.ActivatedAt,
	}
}

// Store holds active entries. Implementations must make a Put or Delete
// visible to every later Check.
type Store interface {
	Put(ctx context.Context, entry Entry) error
	// Delete removes an entry and reports whether one was active
	Delete(ctx context.Context, scope Scope, targetID string) (bool, error)
	Get(ctx context.Context, scope Scope, targetID string) (*Entry, error)
	List(ctx context.Context) ([]Entry, error)
	Check(ctx context.Context, tenantID, capability string) (CheckResult, error)
}
