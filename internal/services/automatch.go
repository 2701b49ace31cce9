package services

import (
	"context"
	"fmt"
	"time"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
	"rimborsi/internal/storage"
)

// matchPlan is the output of planAutoMatch: the allocations to insert and the
// outflows that received at least one of them.
type matchPlan struct {
	allocations []allocation
	matched     []string
}

type allocation struct {
	outID       string
	inID        string
	amountMinor int64
}

// planAutoMatch allocates inflows to outflows greedily, oldest outflow first.
// Both slices must already be sorted by OccurredAt. recovered and allocated
// hold the existing link totals and are not modified.
func planAutoMatch(
	outflows, inflows []core.Expense,
	allowed map[string]map[string]bool,
	windowDays map[string]int,
	recovered, allocated map[string]int64,
) matchPlan {
	recoveredNow := make(map[string]int64, len(recovered))
	for id, v := range recovered {
		recoveredNow[id] = v
	}
	allocatedNow := make(map[string]int64, len(allocated))
	for id, v := range allocated {
		allocatedNow[id] = v
	}

	var plan matchPlan
	for _, out := range outflows {
		inbound := allowed[out.CategoryID]
		if len(inbound) == 0 {
			continue
		}
		remaining := core.OutstandingMinor(out, recoveredNow[out.ID])
		if remaining <= 0 {
			continue
		}

		days := windowDays[out.CategoryID]
		if days <= 0 {
			days = core.DefaultRecoveryWindowDays
		}
		windowEnd := out.OccurredAt.Add(time.Duration(days) * 24 * time.Hour)

		matched := false
		for _, in := range inflows {
			if remaining == 0 {
				break
			}
			if !inbound[in.CategoryID] || in.Money.Currency != out.Money.Currency {
				continue
			}
			if in.OccurredAt.Before(out.OccurredAt) || in.OccurredAt.After(windowEnd) {
				continue
			}
			amount := min(remaining, core.AvailableMinor(in, allocatedNow[in.ID]))
			if amount <= 0 {
				continue
			}

			plan.allocations = append(plan.allocations, allocation{outID: out.ID, inID: in.ID, amountMinor: amount})
			recoveredNow[out.ID] += amount
			allocatedNow[in.ID] += amount
			remaining -= amount
			matched = true
		}
		if matched {
			plan.matched = append(plan.matched, out.ID)
		}
	}
	return plan
}

// AutoMatch links inflows to outstanding reimbursable outflows occurring in
// [from, to] using the enabled category rules. The whole pass is one transaction.
func (s *ReimbursementService) AutoMatch(ctx context.Context, from, to *time.Time) (*core.AutoMatchSummary, error) {
	if from != nil && to != nil && from.After(*to) {
		return nil, core.NewValidationError("from must not be after to")
	}

	summary := &core.AutoMatchSummary{From: from, To: to}
	var created []core.ReimbursementLink

	err := s.store.WithinTx(ctx, func(repo storage.Repository) error {
		rows, err := repo.ListOpenOutflows(ctx, from, to)
		if err != nil {
			return fmt.Errorf("list outflows: %w", err)
		}

		var (
			outflows    []core.Expense
			outIDs      []string
			categoryIDs []string
			seen        = make(map[string]bool)
		)
		for _, e := range rows {
			if !e.IsReimbursable() {
				continue
			}
			outflows = append(outflows, e)
			outIDs = append(outIDs, e.ID)
			if e.CategoryID != "" && !seen[e.CategoryID] {
				seen[e.CategoryID] = true
				categoryIDs = append(categoryIDs, e.CategoryID)
			}
		}

		windows := make(map[string]int, len(categoryIDs))
		maxWindow := 0
		for _, id := range categoryIDs {
			days := s.defaultWindowDays
			c, err := repo.FindCategory(ctx, id)
			if err != nil {
				return fmt.Errorf("find category: %w", err)
			}
			if c != nil && c.DefaultRecoveryWindowDays != nil && *c.DefaultRecoveryWindowDays > 0 {
				days = *c.DefaultRecoveryWindowDays
			}
			windows[id] = days
			maxWindow = max(maxWindow, days)
		}

		rules, err := repo.ListEnabledRulesForCategories(ctx, categoryIDs)
		if err != nil {
			return fmt.Errorf("list rules: %w", err)
		}
		allowed := make(map[string]map[string]bool)
		for _, r := range rules {
			if allowed[r.ExpenseCategoryID] == nil {
				allowed[r.ExpenseCategoryID] = make(map[string]bool)
			}
			allowed[r.ExpenseCategoryID][r.InboundCategoryID] = true
		}

		inflowsTo := to
		if to != nil && maxWindow > 0 {
			extended := to.Add(time.Duration(maxWindow) * 24 * time.Hour)
			inflowsTo = &extended
		}
		inflows, err := repo.ListInflows(ctx, from, inflowsTo)
		if err != nil {
			return fmt.Errorf("list inflows: %w", err)
		}
		inIDs := make([]string, 0, len(inflows))
		for _, e := range inflows {
			inIDs = append(inIDs, e.ID)
		}
		summary.ScannedOutflows = len(outflows)
		summary.ScannedInflows = len(inflows)

		recovered, err := repo.SumLinksByExpenseOut(ctx, outIDs)
		if err != nil {
			return fmt.Errorf("sum recovered: %w", err)
		}
		allocated, err := repo.SumLinksByExpenseIn(ctx, inIDs)
		if err != nil {
			return fmt.Errorf("sum allocated: %w", err)
		}

		plan := planAutoMatch(outflows, inflows, allowed, windows, recovered, allocated)

		now := s.now().UTC()
		for _, a := range plan.allocations {
			link := core.ReimbursementLink{
				ID:           s.newID(),
				ExpenseOutID: a.outID,
				ExpenseInID:  a.inID,
				AmountMinor:  a.amountMinor,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := repo.InsertLink(ctx, link); err != nil {
				return err
			}
			created = append(created, link)
		}
		for _, id := range plan.matched {
			if _, _, err := syncStatus(ctx, repo, id); err != nil {
				return err
			}
		}
		summary.Matched = len(plan.matched)
		summary.LinksCreated = len(plan.allocations)
		return nil
	})
	if err != nil {
		return nil, storageError(err)
	}

	if summary.LinksCreated > 0 {
		links := make([]map[string]any, 0, len(created))
		for _, l := range created {
			links = append(links, map[string]any{
				"linkId":       l.ID,
				"expenseOutId": l.ExpenseOutID,
				"expenseInId":  l.ExpenseInID,
				"amountMinor":  l.AmountMinor,
			})
		}
		s.writeAudit(ctx, ActionAutoMatch, map[string]any{
			"from":         from,
			"to":           to,
			"matched":      summary.Matched,
			"linksCreated": summary.LinksCreated,
			"links":        links,
		})
	}
	s.logger.InfoContext(ctx, "Auto-match completed",
		log.FieldOperation, log.OpAutoMatch,
		"matched", summary.Matched,
		"links_created", summary.LinksCreated,
		"scanned_outflows", summary.ScannedOutflows,
		"scanned_inflows", summary.ScannedInflows)
	return summary, nil
}
