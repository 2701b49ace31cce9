package sheets

import (
	"context"
	"time"

	"rimborsi/internal/core"
)

// Ports for outbound adapters.
type (
	// ReportWriter replaces the outstanding-reimbursement report with rows.
	ReportWriter interface {
		WriteOutstandingReport(ctx context.Context, rows []OutstandingRow, generatedAt time.Time) (ref string, err error)
	}

	// CategoryFinder resolves category names for report rows.
	// storage.CachedCategoryReader satisfies it.
	CategoryFinder interface {
		FindCategory(ctx context.Context, id string) (*core.Category, error)
	}
)
