package storage

import (
	"context"
	"errors"
	"time"

	"rimborsi/internal/core"
)

// ErrConstraint wraps storage-level uniqueness and foreign-key violations.
var ErrConstraint = errors.New("storage constraint violation")

// Ports used by the reconciliation engine. Finders return (nil, nil) when
// the row does not exist.
type (
	ExpenseLedger interface {
		FindExpense(ctx context.Context, id string) (*core.Expense, error)
		// ListExpensesInRange returns rows with occurred_at in [from, to], ordered by
		// occurred_at then insertion order. Nil bounds are open; limit <= 0 means no limit.
		ListExpensesInRange(ctx context.Context, from, to *time.Time, limit int) ([]core.Expense, error)
		// ListOpenOutflows returns kind=expense rows in [from, to] whose stored status
		// is expected, partial or written_off, in the same order. Never truncated.
		ListOpenOutflows(ctx context.Context, from, to *time.Time) ([]core.Expense, error)
		// ListInflows returns income and transfer_external rows in [from, to], in the
		// same order. Never truncated.
		ListInflows(ctx context.Context, from, to *time.Time) ([]core.Expense, error)
		UpdateReimbursementFields(ctx context.Context, id string, f core.ReimbursementFields) (*core.Expense, error)
		CreateExpense(ctx context.Context, e core.Expense) error
	}

	CategoryStore interface {
		FindCategory(ctx context.Context, id string) (*core.Category, error)
		ListCategories(ctx context.Context) ([]core.Category, error)
		CreateCategory(ctx context.Context, c core.Category) error
	}

	LinkStore interface {
		InsertLink(ctx context.Context, l core.ReimbursementLink) error
		FindLink(ctx context.Context, id string) (*core.ReimbursementLink, error)
		FindLinkByIdempotencyKey(ctx context.Context, key string) (*core.ReimbursementLink, error)
		DeleteLink(ctx context.Context, id string) (bool, error)
		// ListLinksByExpense returns links where the expense is either side.
		ListLinksByExpense(ctx context.Context, expenseID string) ([]core.ReimbursementLink, error)
		SumLinksByExpenseOut(ctx context.Context, expenseIDs []string) (map[string]int64, error)
		SumLinksByExpenseIn(ctx context.Context, expenseIDs []string) (map[string]int64, error)
	}

	RuleStore interface {
		InsertRule(ctx context.Context, r core.CategoryRule) error
		FindRule(ctx context.Context, id string) (*core.CategoryRule, error)
		FindRuleByPair(ctx context.Context, expenseCategoryID, inboundCategoryID string) (*core.CategoryRule, error)
		UpdateRuleEnabled(ctx context.Context, id string, enabled bool, updatedAt time.Time) error
		DeleteRule(ctx context.Context, id string) (bool, error)
		ListRules(ctx context.Context, filter RuleFilter) ([]core.CategoryRule, error)
		ListEnabledRulesForCategories(ctx context.Context, expenseCategoryIDs []string) ([]core.CategoryRule, error)
	}

	// Repository groups every port the engine reads and writes.
	Repository interface {
		ExpenseLedger
		CategoryStore
		LinkStore
		RuleStore
	}

	// Store adds atomic transactions on top of Repository. The function passed to
	// WithinTx sees a Repository bound to the transaction; returning an error rolls back.
	Store interface {
		Repository
		WithinTx(ctx context.Context, fn func(repo Repository) error) error
	}
)

// RuleFilter narrows ListRules. Empty fields do not filter.
type RuleFilter struct {
	ExpenseCategoryID string
	EnabledOnly       bool
}
