package sheets

import (
	"context"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
)

// ReportHeader is the first row of the outstanding report.
var ReportHeader = []string{
	"Date", "Description", "Category", "Currency", "Amount",
	"Recoverable", "Recovered", "Written off", "Outstanding", "Status",
}

// OutstandingRow is one reimbursable outflow, amounts already formatted in
// major units.
type OutstandingRow struct {
	ExpenseID   string
	Date        string
	Description string
	Category    string
	Currency    string
	Amount      string
	Recoverable string
	Recovered   string
	WrittenOff  string
	Outstanding string
	Status      string
}

// Values returns the row in ReportHeader order.
func (r OutstandingRow) Values() []interface{} {
	return []interface{}{
		r.Date, r.Description, r.Category, r.Currency, r.Amount,
		r.Recoverable, r.Recovered, r.WrittenOff, r.Outstanding, r.Status,
	}
}

// BuildOutstandingRows formats summaries for export. Category lookups that
// fail fall back to the raw id.
func BuildOutstandingRows(ctx context.Context, summaries []core.ReimbursementSummary, categories CategoryFinder) []OutstandingRow {
	names := make(map[string]string)
	name := func(id string) string {
		if id == "" {
			return ""
		}
		if n, ok := names[id]; ok {
			return n
		}
		n := id
		if categories != nil {
			c, err := categories.FindCategory(ctx, id)
			switch {
			case err != nil:
				log.FromContext(ctx).WithComponent(log.ComponentSheets).WarnContext(ctx, "Failed to resolve category name",
					log.FieldCategoryID, id,
					log.FieldError, err)
			case c != nil:
				n = c.Name
			}
		}
		names[id] = n
		return n
	}

	rows := make([]OutstandingRow, 0, len(summaries))
	for _, s := range summaries {
		e, b := s.Expense, s.Balance
		cur := e.Money.Currency
		rows = append(rows, OutstandingRow{
			ExpenseID:   e.ID,
			Date:        e.OccurredAt.UTC().Format("2006-01-02"),
			Description: e.Description,
			Category:    name(e.CategoryID),
			Currency:    cur,
			Amount:      core.FormatMinor(e.Money.AmountMinor, cur),
			Recoverable: core.FormatMinor(b.RecoverableMinor, cur),
			Recovered:   core.FormatMinor(b.RecoveredMinor, cur),
			WrittenOff:  core.FormatMinor(b.WrittenOffMinor, cur),
			Outstanding: core.FormatMinor(b.OutstandingMinor, cur),
			Status:      string(b.Status),
		})
	}
	return rows
}
