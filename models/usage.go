package models

import (
	"fmt"
	"time"
)

// UsageType identifies what an AI call consumed
type UsageType string

const (
	UsageTypeChat   UsageType = "chat"
	UsageTypeOCR    UsageType = "ocr"
	UsageTypeAction UsageType = "action"
)

// ParseUsageType validates a usage type string
func ParseUsageType(s string) (UsageType, error) {
	switch UsageType(s) {
	case UsageTypeChat, UsageTypeOCR, UsageTypeAction:
		return UsageType(s), nil
	}
	return "", fmt.Errorf("unknown usage type %q", s)
}

// UsageRecord holds the counters for one (tenant, date, usage type).
type UsageRecord struct {
	TenantID        string     `json:"tenant_id" db:"tenant_id"`
	UsageDate       time.Time  `json:"usage_date" db:"usage_date"`
	UsageType       UsageType  `json:"usage_type" db:"usage_type"`
	RequestCount    int64      `json:"request_count" db:"request_count"`
	TokensIn        int64      `json:"tokens_in" db:"tokens_in"`
	TokensOut       int64      `json:"tokens_out" db:"tokens_out"`
	QuotaLimit      *int64     `json:"quota_limit,omitempty" db:"quota_limit"`
	QuotaExceededAt *time.Time `json:"quota_exceeded_at,omitempty" db:"quota_exceeded_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the UsageRecord model
func (UsageRecord) TableName() string {
	return "usage_records"
}

// UsageDelta is the input to an atomic increment
type UsageDelta struct {
	TenantID   string
	UsageType  UsageType
	UsageDate  time.Time
	Requests   int64
	TokensIn   int64
	TokensOut  int64
	QuotaLimit *int64
}

// UsageDay truncates t to its UTC calendar day.
func UsageDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// UsageFilter selects usage records
type UsageFilter struct {
	TenantID  string
	UsageType UsageType
	From      *time.Time
	To        *time.Time
}
