package services

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rimborsi/internal/audit"
	"rimborsi/internal/core"
	"rimborsi/internal/log"
	"rimborsi/internal/storage"
	"rimborsi/internal/storage/memory"
)

func day(d int) time.Time {
	return baseTime.AddDate(0, 0, d)
}

func (f *fixture) enableRule(t *testing.T, expenseCategoryID, inboundCategoryID string) {
	t.Helper()
	_, err := f.service.CreateCategoryRule(f.ctx, CategoryRuleInput{
		ExpenseCategoryID: expenseCategoryID,
		InboundCategoryID: inboundCategoryID,
	})
	require.NoError(t, err)
}

func TestAutoMatch_WithinRecoveryWindow(t *testing.T) {
	f := newFixture(t)
	f.enableRule(t, "cat-dinner", "cat-income")
	f.outflow(t, "E", 2000, nil, day(0))
	f.inflow(t, "IN", core.KindIncome, 5000, "EUR", day(9))
	f.inflow(t, "LATE", core.KindIncome, 5000, "EUR", day(19))

	summary, err := f.service.AutoMatch(f.ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Matched)
	assert.Equal(t, 1, summary.LinksCreated)
	assert.Equal(t, 1, summary.ScannedOutflows)
	assert.Equal(t, 2, summary.ScannedInflows)

	links, err := f.store.ListLinksByExpense(f.ctx, "E")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "IN", links[0].ExpenseInID)
	assert.Equal(t, int64(2000), links[0].AmountMinor)
	assert.Empty(t, links[0].IdempotencyKey)
	assert.Equal(t, core.StatusSettled, f.status(t, "E"))

	late, err := f.store.ListLinksByExpense(f.ctx, "LATE")
	require.NoError(t, err)
	assert.Empty(t, late)

	again, err := f.service.AutoMatch(f.ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, again.LinksCreated)
	assert.Equal(t, 0, again.Matched)

	assert.Equal(t, []string{ActionRuleUpsert, ActionAutoMatch}, f.auditActions())
	f.assertConservation(t)
}

func TestAutoMatch_SkipsIneligible(t *testing.T) {
	f := newFixture(t)
	f.category(t, core.Category{ID: "cat-travel", Name: "Viaggi", Kind: core.CategoryKindExpense})
	f.enableRule(t, "cat-dinner", "cat-income")

	f.outflow(t, "E", 2000, nil, day(5))
	require.NoError(t, f.store.CreateExpense(f.ctx, core.Expense{
		ID: "NORULE", Kind: core.KindExpense, OccurredAt: day(5), Description: "Treno",
		CategoryID: "cat-travel", Money: core.Money{AmountMinor: 1000, Currency: "EUR"},
		ReimbursementStatus: core.StatusExpected,
	}))
	f.inflow(t, "BEFORE", core.KindIncome, 5000, "EUR", day(4))
	f.inflow(t, "USD", core.KindIncome, 5000, "USD", day(6))
	f.inflow(t, "INTERNAL", core.KindTransferInternal, 5000, "EUR", day(6))
	require.NoError(t, f.store.CreateExpense(f.ctx, core.Expense{
		ID: "OTHERCAT", Kind: core.KindTransferExternal, OccurredAt: day(6), Description: "Bonifico",
		CategoryID: "cat-transfer", Money: core.Money{AmountMinor: 5000, Currency: "EUR"},
		ReimbursementStatus: core.StatusNone,
	}))

	summary, err := f.service.AutoMatch(f.ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.LinksCreated)
	assert.Equal(t, 2, summary.ScannedOutflows)
	assert.Equal(t, 3, summary.ScannedInflows)
	assert.Equal(t, core.StatusExpected, f.status(t, "E"))
	assert.Equal(t, []string{ActionRuleUpsert}, f.auditActions())
}

func TestAutoMatch_GreedyAcrossInflows(t *testing.T) {
	f := newFixture(t)
	f.enableRule(t, "cat-dinner", "cat-income")
	f.outflow(t, "A", 3000, nil, day(0))
	f.outflow(t, "B", 2000, nil, day(1))
	f.inflow(t, "I1", core.KindIncome, 1000, "EUR", day(2))
	f.inflow(t, "I2", core.KindIncome, 2500, "EUR", day(3))
	f.inflow(t, "I3", core.KindIncome, 4000, "EUR", day(4))

	summary, err := f.service.AutoMatch(f.ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Matched)
	assert.Equal(t, 4, summary.LinksCreated)

	byIn := func(id string) map[string]int64 {
		links, err := f.store.ListLinksByExpense(f.ctx, id)
		require.NoError(t, err)
		out := make(map[string]int64)
		for _, l := range links {
			out[l.ExpenseInID+"->"+l.ExpenseOutID] = l.AmountMinor
		}
		return out
	}
	assert.Equal(t, map[string]int64{"I1->A": 1000, "I2->A": 2000}, byIn("A"))
	assert.Equal(t, map[string]int64{"I2->B": 500, "I3->B": 1500}, byIn("B"))
	assert.Equal(t, core.StatusSettled, f.status(t, "A"))
	assert.Equal(t, core.StatusSettled, f.status(t, "B"))
	f.assertConservation(t)
}

func TestAutoMatch_RespectsExistingAllocations(t *testing.T) {
	f := newFixture(t)
	f.enableRule(t, "cat-dinner", "cat-income")
	f.outflow(t, "A", 3000, core.Int64Ptr(1000), day(0))
	f.inflow(t, "I", core.KindIncome, 1500, "EUR", day(1))
	f.inflow(t, "J", core.KindIncome, 1500, "EUR", day(2))

	_, err := f.service.Link(f.ctx, LinkInput{ExpenseOutID: "A", ExpenseInID: "I", AmountMinor: 1200})
	require.NoError(t, err)

	summary, err := f.service.AutoMatch(f.ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.LinksCreated)

	in, err := f.service.GetReimbursement(f.ctx, "I")
	require.NoError(t, err)
	assert.Equal(t, int64(0), in.AvailableMinor)
	j, err := f.service.GetReimbursement(f.ctx, "J")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), j.AvailableMinor)
	assert.Equal(t, core.StatusSettled, f.status(t, "A"))
	f.assertConservation(t)
}

func TestAutoMatch_CategoryWindowAndRange(t *testing.T) {
	f := newFixture(t)
	window := 3
	f.category(t, core.Category{ID: "cat-taxi", Name: "Taxi", Kind: core.CategoryKindExpense, DefaultRecoveryWindowDays: &window})
	f.enableRule(t, "cat-taxi", "cat-income")
	f.enableRule(t, "cat-dinner", "cat-income")

	require.NoError(t, f.store.CreateExpense(f.ctx, core.Expense{
		ID: "TAXI", Kind: core.KindExpense, OccurredAt: day(0), Description: "Taxi",
		CategoryID: "cat-taxi", Money: core.Money{AmountMinor: 800, Currency: "EUR"},
		ReimbursementStatus: core.StatusExpected,
	}))
	f.inflow(t, "TOO-LATE", core.KindIncome, 800, "EUR", day(4))
	f.outflow(t, "DINNER", 1000, nil, day(10))
	f.inflow(t, "AFTER-TO", core.KindIncome, 1000, "EUR", day(12))

	from, to := day(0), day(10)
	summary, err := f.service.AutoMatch(f.ctx, &from, &to)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.LinksCreated)
	assert.Equal(t, core.StatusExpected, f.status(t, "TAXI"))
	assert.Equal(t, core.StatusSettled, f.status(t, "DINNER"))
	require.NotNil(t, summary.From)
	assert.Equal(t, from, *summary.From)
}

func TestAutoMatch_InvalidRange(t *testing.T) {
	f := newFixture(t)
	from, to := day(5), day(1)
	_, err := f.service.AutoMatch(f.ctx, &from, &to)
	assert.True(t, core.IsCode(err, core.CodeValidation))
}

func TestPlanAutoMatch(t *testing.T) {
	eur := func(id string, kind core.ExpenseKind, cat string, amount int64, at time.Time) core.Expense {
		status := core.StatusNone
		if kind == core.KindExpense {
			status = core.StatusExpected
		}
		return core.Expense{ID: id, Kind: kind, CategoryID: cat, OccurredAt: at,
			Money: core.Money{AmountMinor: amount, Currency: "EUR"}, ReimbursementStatus: status}
	}
	outflows := []core.Expense{
		eur("o1", core.KindExpense, "food", 1000, day(0)),
		eur("o2", core.KindExpense, "food", 1000, day(0)),
	}
	inflows := []core.Expense{
		eur("i1", core.KindIncome, "refund", 1500, day(0)),
	}
	allowed := map[string]map[string]bool{"food": {"refund": true}}
	recovered := map[string]int64{"o1": 200}

	plan := planAutoMatch(outflows, inflows, allowed, map[string]int{"food": 1}, recovered, map[string]int64{})

	assert.Equal(t, []allocation{
		{outID: "o1", inID: "i1", amountMinor: 800},
		{outID: "o2", inID: "i1", amountMinor: 700},
	}, plan.allocations)
	assert.Equal(t, []string{"o1", "o2"}, plan.matched)
	assert.Equal(t, int64(200), recovered["o1"], "inputs are not mutated")

	// Same-instant inflow is inside the window; a window end is inclusive.
	edge := []core.Expense{eur("i2", core.KindIncome, "refund", 5000, day(1))}
	plan = planAutoMatch(outflows[1:], edge, allowed, map[string]int{"food": 1}, nil, nil)
	assert.Len(t, plan.allocations, 1)
}

// A long settled history must not hide newer outflows from auto-match or
// from the outstanding list.
func TestAutoMatch_LargeSettledHistory(t *testing.T) {
	stores := map[string]func(t *testing.T) storage.Store{
		"memory": func(*testing.T) storage.Store { return memory.New() },
		"sqlite": func(t *testing.T) storage.Store {
			repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "rimborsi.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = repo.Close() })
			return repo
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			now := baseTime.AddDate(0, 2, 0)
			service := NewReimbursementService(store, nil, audit.NewService(audit.NewMemoryStore(), nil, log.Discard()),
				WithClock(func() time.Time { return now }))

			for _, c := range []core.Category{
				{ID: "cat-dinner", Name: "Cene", Kind: core.CategoryKindExpense, ReimbursementMode: core.ModeOptional, CreatedAt: baseTime},
				{ID: "cat-income", Name: "Rimborsi", Kind: core.CategoryKindIncome, CreatedAt: baseTime},
			} {
				require.NoError(t, store.CreateCategory(ctx, c))
			}
			_, err := service.CreateCategoryRule(ctx, CategoryRuleInput{ExpenseCategoryID: "cat-dinner", InboundCategoryID: "cat-income"})
			require.NoError(t, err)

			addOutflow := func(id string, at time.Time) {
				require.NoError(t, store.CreateExpense(ctx, core.Expense{
					ID: id, Kind: core.KindExpense, OccurredAt: at, Description: "Cena " + id, CategoryID: "cat-dinner",
					Money: core.Money{AmountMinor: 1000, Currency: "EUR"}, ReimbursementStatus: core.StatusExpected,
					CreatedAt: at, UpdatedAt: at,
				}))
			}
			addInflow := func(id string, at time.Time) {
				require.NoError(t, store.CreateExpense(ctx, core.Expense{
					ID: id, Kind: core.KindIncome, OccurredAt: at, Description: "Bonifico " + id, CategoryID: "cat-income",
					Money: core.Money{AmountMinor: 1000, Currency: "EUR"}, ReimbursementStatus: core.StatusNone,
					CreatedAt: at, UpdatedAt: at,
				}))
			}

			const history = 60
			for i := 0; i < history; i++ {
				at := baseTime.Add(time.Duration(i) * time.Hour)
				addOutflow(fmt.Sprintf("OLD-%02d", i), at)
				addInflow(fmt.Sprintf("OLDIN-%02d", i), at.Add(24*time.Hour))
			}
			first, err := service.AutoMatch(ctx, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, history, first.LinksCreated)

			outstanding, err := service.ListOutstanding(ctx, nil, nil)
			require.NoError(t, err)
			assert.Empty(t, outstanding)

			addOutflow("NEW", baseTime.AddDate(0, 0, 20))
			addInflow("NEWIN", baseTime.AddDate(0, 0, 22))

			outstanding, err = service.ListOutstanding(ctx, nil, nil)
			require.NoError(t, err)
			require.Len(t, outstanding, 1)
			assert.Equal(t, "NEW", outstanding[0].Expense.ID)
			assert.Equal(t, int64(1000), outstanding[0].Balance.OutstandingMinor)

			second, err := service.AutoMatch(ctx, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, 1, second.LinksCreated)
			assert.Equal(t, 1, second.ScannedOutflows)

			e, err := store.FindExpense(ctx, "NEW")
			require.NoError(t, err)
			require.NotNil(t, e)
			assert.Equal(t, core.StatusSettled, e.ReimbursementStatus)

			links, err := store.ListLinksByExpense(ctx, "NEW")
			require.NoError(t, err)
			require.Len(t, links, 1)
			assert.Equal(t, "NEWIN", links[0].ExpenseInID)

			outstanding, err = service.ListOutstanding(ctx, nil, nil)
			require.NoError(t, err)
			assert.Empty(t, outstanding)
		})
	}
}
