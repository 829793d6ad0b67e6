// Package billing records per-call token usage for tenants.
package billing

import (
	"context"
	"time"
)

// Status values stored with each usage row.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// UsageLog is one chat call as seen by the ledger. Token counts the
// provider did not report are stored as NULL.
type UsageLog struct {
	ID            string
	TenantID      string
	RequestID     string
	CallID        string
	OperationType string
	SubjectType   string
	SubjectID     string
	Provider      string
	Model         string
	InputTokens   *int
	OutputTokens  *int
	TotalTokens   int
	CachedTokens  *int
	Streaming     bool
	Status        string
	LatencyMs     int64
	CreatedAt     time.Time
}

// TokenTotals sums the usage of a tenant over a time range.
type TokenTotals struct {
	Calls        int64
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error)
	GetTokenTotalsByTenant(ctx context.Context, tenantID string, from, to time.Time) (*TokenTotals, error)
}
