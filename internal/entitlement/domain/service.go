package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Service answers plan-cap questions before features run and records
// consumption after they do.
type Service interface {
	// CheckCallEligibility reports whether the tenant may spend the
	// requested call minutes this calendar month. Callers checking a single
	// prospective call pass 1.
	CheckCallEligibility(ctx context.Context, tenantID snowflake.ID, minutes int64) (Decision, error)
	// CheckAction reports whether the tenant may use a gated feature.
	CheckAction(ctx context.Context, tenantID snowflake.ID, action ActionType) (Decision, error)
	// RecordAction consumes one unit of a gated feature. The increment and
	// the cap check run in one transaction so concurrent calls cannot
	// overshoot the limit.
	RecordAction(ctx context.Context, tenantID snowflake.ID, action ActionType) (Decision, error)
}
