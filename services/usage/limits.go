package usage

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/upb/ai-control-plane/models"
)

// Limits resolves the daily request quota of a tenant. A usage type with no
// configured limit is unlimited.
type Limits struct {
	mu        sync.RWMutex
	defaults  map[models.UsageType]int64
	overrides map[string]map[models.UsageType]int64
}

// NewLimits creates a resolver from per-type defaults
func NewLimits(defaults map[models.UsageType]int64) *Limits {
	d := make(map[models.UsageType]int64, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &Limits{
		defaults:  d,
		overrides: make(map[string]map[models.UsageType]int64),
	}
}

// ParseQuotaDefaults parses "chat:1000,ocr:200". Empty input means no
// limits.
func ParseQuotaDefaults(s string) (map[models.UsageType]int64, error) {
	out := make(map[models.UsageType]int64)
	for _, part := range splitQuotaList(s) {
		usageType, limit, err := parseQuotaEntry(part)
		if err != nil {
			return nil, err
		}
		out[usageType] = limit
	}
	return out, nil
}

// QuotaOverride is a tenant-specific daily limit
type QuotaOverride struct {
	TenantID  string
	UsageType models.UsageType
	Limit     int64
}

// ParseQuotaOverrides parses "vip/chat:5000,clinic-9/ocr:20".
func ParseQuotaOverrides(s string) ([]QuotaOverride, error) {
	var out []QuotaOverride
	for _, part := range splitQuotaList(s) {
		tenantID, entry, ok := strings.Cut(part, "/")
		tenantID = strings.TrimSpace(tenantID)
		if !ok || tenantID == "" {
			return nil, fmt.Errorf("invalid quota override %q (expected tenant/type:limit)", part)
		}
		usageType, limit, err := parseQuotaEntry(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, QuotaOverride{TenantID: tenantID, UsageType: usageType, Limit: limit})
	}
	return out, nil
}

func splitQuotaList(s string) []string {
	var parts []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func parseQuotaEntry(part string) (models.UsageType, int64, error) {
	name, value, ok := strings.Cut(part, ":")
	if !ok {
		return "", 0, fmt.Errorf("invalid quota %q (expected type:limit)", part)
	}
	usageType, err := models.ParseUsageType(strings.TrimSpace(name))
	if err != nil {
		return "", 0, err
	}
	limit, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || limit <= 0 {
		return "", 0, fmt.Errorf("invalid quota limit %q for %s", value, usageType)
	}
	return usageType, limit, nil
}

// SetOverride sets a tenant-specific limit
func (l *Limits) SetOverride(tenantID string, usageType models.UsageType, limit int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.overrides[tenantID]
	if !ok {
		m = make(map[models.UsageType]int64)
		l.overrides[tenantID] = m
	}
	m[usageType] = limit
}

// Limit returns the quota for (tenant, type) or nil when unlimited
func (l *Limits) Limit(tenantID string, usageType models.UsageType) *int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if m, ok := l.overrides[tenantID]; ok {
		if v, ok := m[usageType]; ok {
			return &v
		}
	}
	if v, ok := l.defaults[usageType]; ok {
		return &v
	}
	return nil
}
