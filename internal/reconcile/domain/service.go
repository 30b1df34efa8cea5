package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// RecomputeResult describes one reconciliation run.
type RecomputeResult struct {
	Month         string `json:"month"`
	Events        int    `json:"events"`
	Subscriptions int    `json:"subscriptions"`
}

// Service rebuilds monthly rollups from the event log and renders the
// reconciliation report billing reads at month close.
type Service interface {
	RecomputeMonth(ctx context.Context, tenantID snowflake.ID, month string) (*RecomputeResult, error)
	Report(ctx context.Context, tenantID snowflake.ID, month string) (*MonthlyReport, error)
}
