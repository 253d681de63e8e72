package killswitch

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps entries in three maps guarded by one RWMutex. Checks are
// map lookups under a read lock.
type MemoryStore struct {
	mu           sync.RWMutex
	global       *Entry
	tenants      map[string]Entry
	capabilities map[string]Entry
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:      make(map[string]Entry),
		capabilities: make(map[string]Entry),
	}
}

// Put activates or replaces an entry
func (s *MemoryStore) Put(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch entry.Scope {
	case ScopeGlobal:
		e := entry
		s.global = &e
	case ScopeTenant:
		s.tenants[entry.TargetID] = entry
	case ScopeCapability:
		s.capabilities[entry.TargetID] = entry
	}
	return nil
}

// Delete clears an entry
func (s *MemoryStore) Delete(ctx context.Context, scope Scope, targetID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch scope {
	case ScopeGlobal:
		existed := s.global != nil
		s.global = nil
		return existed, nil
	case ScopeTenant:
		_, existed := s.tenants[targetID]
		delete(s.tenants, targetID)
		return existed, nil
	case ScopeCapability:
		_, existed := s.capabilities[targetID]
		delete(s.capabilities, targetID)
		return existed, nil
	}
	return false, nil
}

// Get returns the entry for scope and target, or nil
func (s *MemoryStore) Get(ctx context.Context, scope Scope, targetID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		e  Entry
		ok bool
	)
	switch scope {
	case ScopeGlobal:
		if s.global != nil {
			e, ok = *s.global, true
		}
	case ScopeTenant:
		e, ok = s.tenants[targetID]
	case ScopeCapability:
		e, ok = s.capabilities[targetID]
	}
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// List returns every active entry in check order
func (s *MemoryStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	if s.global != nil {
		out = append(out, *s.global)
	}
	out = append(out, sortedEntries(s.tenants)...)
	out = append(out, sortedEntries(s.capabilities)...)
	return out, nil
}

// Check evaluates global, then tenant, then capability
func (s *MemoryStore) Check(ctx context.Context, tenantID, capability string) (CheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.global != nil {
		return blockedBy(s.global), nil
	}
	if tenantID != "" {
		if e, ok := s.tenants[tenantID]; ok {
			return blockedBy(&e), nil
		}
	}
	if capability != "" {
		if e, ok := s.capabilities[capability]; ok {
			return blockedBy(&e), nil
		}
	}
	return CheckResult{}, nil
}

func sortedEntries(m map[string]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}
