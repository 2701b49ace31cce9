package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rimborsi/internal/core"
	"rimborsi/internal/storage"
)

func day(d int) time.Time {
	return time.Date(2026, 2, d, 0, 0, 0, 0, time.UTC)
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateCategory(ctx, core.Category{ID: "food", Name: "Food", Kind: core.CategoryKindExpense}))
	for _, e := range []core.Expense{
		{ID: "b", Kind: core.KindIncome, OccurredAt: day(3), Description: "b", Money: core.Money{AmountMinor: 10, Currency: "EUR"}},
		{ID: "a", Kind: core.KindExpense, OccurredAt: day(1), Description: "a", CategoryID: "food", Money: core.Money{AmountMinor: 10, Currency: "EUR"}},
		{ID: "c", Kind: core.KindIncome, OccurredAt: day(3), Description: "c", Money: core.Money{AmountMinor: 10, Currency: "EUR"}},
		{ID: "d", Kind: core.KindIncome, OccurredAt: day(9), Description: "d", Money: core.Money{AmountMinor: 10, Currency: "EUR"}},
	} {
		require.NoError(t, s.CreateExpense(ctx, e))
	}
}

func ids(es []core.Expense) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}

func TestListExpensesInRange_OrderAndBounds(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	all, err := s.ListExpensesInRange(ctx, nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(all))

	from, to := day(2), day(3)
	ranged, err := s.ListExpensesInRange(ctx, &from, &to, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(ranged))

	limited, err := s.ListExpensesInRange(ctx, nil, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(limited))
}

func TestListOpenOutflowsAndInflows(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	for _, e := range []core.Expense{
		{ID: "settled", Kind: core.KindExpense, OccurredAt: day(2), Description: "s", CategoryID: "food",
			Money: core.Money{AmountMinor: 10, Currency: "EUR"}, ReimbursementStatus: core.StatusSettled},
		{ID: "partial", Kind: core.KindExpense, OccurredAt: day(4), Description: "p", CategoryID: "food",
			Money: core.Money{AmountMinor: 10, Currency: "EUR"}, ReimbursementStatus: core.StatusPartial},
		{ID: "open", Kind: core.KindExpense, OccurredAt: day(2), Description: "o", CategoryID: "food",
			Money: core.Money{AmountMinor: 10, Currency: "EUR"}, ReimbursementStatus: core.StatusExpected},
		{ID: "closed", Kind: core.KindExpense, OccurredAt: day(5), Description: "w", CategoryID: "food",
			Money: core.Money{AmountMinor: 10, Currency: "EUR"}, ReimbursementStatus: core.StatusWrittenOff},
		{ID: "internal", Kind: core.KindTransferInternal, OccurredAt: day(3), Description: "t",
			Money: core.Money{AmountMinor: 10, Currency: "EUR"}},
		{ID: "external", Kind: core.KindTransferExternal, OccurredAt: day(4), Description: "x",
			Money: core.Money{AmountMinor: 10, Currency: "EUR"}},
	} {
		require.NoError(t, s.CreateExpense(ctx, e))
	}

	open, err := s.ListOpenOutflows(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"open", "partial", "closed"}, ids(open))

	from, to := day(3), day(4)
	open, err = s.ListOpenOutflows(ctx, &from, &to)
	require.NoError(t, err)
	assert.Equal(t, []string{"partial"}, ids(open))

	inflows, err := s.ListInflows(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "external", "d"}, ids(inflows))

	inflows, err = s.ListInflows(ctx, &from, &to)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "external"}, ids(inflows))
}

func TestWithinTx_RollbackOnError(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(repo storage.Repository) error {
		require.NoError(t, repo.InsertLink(ctx, core.ReimbursementLink{ID: "l1", ExpenseOutID: "a", ExpenseInID: "b", AmountMinor: 5}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	l, err := s.FindLink(ctx, "l1")
	require.NoError(t, err)
	assert.Nil(t, l)

	require.NoError(t, s.WithinTx(ctx, func(repo storage.Repository) error {
		return repo.InsertLink(ctx, core.ReimbursementLink{ID: "l1", ExpenseOutID: "a", ExpenseInID: "b", AmountMinor: 5})
	}))
	l, err = s.FindLink(ctx, "l1")
	require.NoError(t, err)
	require.NotNil(t, l)
}

func TestLinks_ConstraintsAndSums(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.InsertLink(ctx, core.ReimbursementLink{ID: "l1", ExpenseOutID: "a", ExpenseInID: "b", AmountMinor: 3, IdempotencyKey: "k"}))
	require.NoError(t, s.InsertLink(ctx, core.ReimbursementLink{ID: "l2", ExpenseOutID: "a", ExpenseInID: "c", AmountMinor: 4}))

	err := s.InsertLink(ctx, core.ReimbursementLink{ID: "l3", ExpenseOutID: "a", ExpenseInID: "c", AmountMinor: 1, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, storage.ErrConstraint)
	err = s.InsertLink(ctx, core.ReimbursementLink{ID: "l4", ExpenseOutID: "a", ExpenseInID: "missing", AmountMinor: 1})
	assert.ErrorIs(t, err, storage.ErrConstraint)

	out, err := s.SumLinksByExpenseOut(ctx, []string{"a", "d"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 7}, out)

	in, err := s.SumLinksByExpenseIn(ctx, []string{"b", "c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"b": 3, "c": 4}, in)

	byKey, err := s.FindLinkByIdempotencyKey(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, "l1", byKey.ID)

	deleted, err := s.DeleteLink(ctx, "l1")
	require.NoError(t, err)
	assert.True(t, deleted)
	byKey, err = s.FindLinkByIdempotencyKey(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, byKey)

	links, err := s.ListLinksByExpense(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestRules_PairUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := day(1)

	require.NoError(t, s.InsertRule(ctx, core.CategoryRule{ID: "r1", ExpenseCategoryID: "food", InboundCategoryID: "refunds", Enabled: true, CreatedAt: now, UpdatedAt: now}))
	err := s.InsertRule(ctx, core.CategoryRule{ID: "r2", ExpenseCategoryID: "food", InboundCategoryID: "refunds"})
	assert.ErrorIs(t, err, storage.ErrConstraint)

	require.NoError(t, s.UpdateRuleEnabled(ctx, "r1", false, now))
	enabled, err := s.ListEnabledRulesForCategories(ctx, []string{"food"})
	require.NoError(t, err)
	assert.Empty(t, enabled)

	all, err := s.ListRules(ctx, storage.RuleFilter{ExpenseCategoryID: "food"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Enabled)

	deleted, err := s.DeleteRule(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, deleted)
	r, err := s.FindRuleByPair(ctx, "food", "refunds")
	require.NoError(t, err)
	assert.Nil(t, r)
}
