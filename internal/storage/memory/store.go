// Package memory provides an in-process storage.Store. Transactions work on a
// private copy of the data that replaces the live copy on commit.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"rimborsi/internal/core"
	"rimborsi/internal/storage"
)

type state struct {
	expenses      map[string]core.Expense
	expenseOrder  []string
	categories    map[string]core.Category
	categoryOrder []string
	links         map[string]core.ReimbursementLink
	linkOrder     []string
	linkKeys      map[string]string
	rules         map[string]core.CategoryRule
	ruleOrder     []string
	rulePairs     map[string]string
}

func newState() *state {
	return &state{
		expenses:   make(map[string]core.Expense),
		categories: make(map[string]core.Category),
		links:      make(map[string]core.ReimbursementLink),
		linkKeys:   make(map[string]string),
		rules:      make(map[string]core.CategoryRule),
		rulePairs:  make(map[string]string),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		expenses:      cloneMap(s.expenses),
		expenseOrder:  slices.Clone(s.expenseOrder),
		categories:    cloneMap(s.categories),
		categoryOrder: slices.Clone(s.categoryOrder),
		links:         cloneMap(s.links),
		linkOrder:     slices.Clone(s.linkOrder),
		linkKeys:      cloneMap(s.linkKeys),
		rules:         cloneMap(s.rules),
		ruleOrder:     slices.Clone(s.ruleOrder),
		rulePairs:     cloneMap(s.rulePairs),
	}
}

func pairKey(expenseCategoryID, inboundCategoryID string) string {
	return expenseCategoryID + "\x00" + inboundCategoryID
}

func constraint(format string, args ...any) error {
	return fmt.Errorf("%w: %s", storage.ErrConstraint, fmt.Sprintf(format, args...))
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// repo implements storage.Repository over one state.
type repo struct {
	mu sync.Locker
	st *state
}

// Store is safe for concurrent use. Transactions are serialized.
type Store struct {
	repo
	mu   sync.Mutex
	txMu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	s := &Store{}
	s.repo = repo{mu: &s.mu, st: newState()}
	return s
}

func (s *Store) WithinTx(ctx context.Context, fn func(repo storage.Repository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	working := s.st.clone()
	s.mu.Unlock()

	if err := fn(&repo{mu: noopLocker{}, st: working}); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = working
	s.mu.Unlock()
	return nil
}

// ---- expenses ----

func (r *repo) FindExpense(_ context.Context, id string) (*core.Expense, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.st.expenses[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (r *repo) ListExpensesInRange(_ context.Context, from, to *time.Time, limit int) ([]core.Expense, error) {
	return r.listExpenses(from, to, limit, func(core.Expense) bool { return true }), nil
}

func (r *repo) ListOpenOutflows(_ context.Context, from, to *time.Time) ([]core.Expense, error) {
	return r.listExpenses(from, to, 0, func(e core.Expense) bool {
		if e.Kind != core.KindExpense {
			return false
		}
		switch e.ReimbursementStatus {
		case core.StatusExpected, core.StatusPartial, core.StatusWrittenOff:
			return true
		}
		return false
	}), nil
}

func (r *repo) ListInflows(_ context.Context, from, to *time.Time) ([]core.Expense, error) {
	return r.listExpenses(from, to, 0, func(e core.Expense) bool { return e.Kind.IsInbound() }), nil
}

// listExpenses filters in insertion order, then sorts stably by occurred_at.
func (r *repo) listExpenses(from, to *time.Time, limit int, keep func(core.Expense) bool) []core.Expense {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []core.Expense
	for _, id := range r.st.expenseOrder {
		e := r.st.expenses[id]
		if from != nil && e.OccurredAt.Before(*from) {
			continue
		}
		if to != nil && e.OccurredAt.After(*to) {
			continue
		}
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *repo) UpdateReimbursementFields(_ context.Context, id string, f core.ReimbursementFields) (*core.Expense, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.st.expenses[id]
	if !ok {
		return nil, nil
	}
	if e.Kind != core.KindExpense && f.Status != core.StatusNone {
		return nil, constraint("expense %s of kind %s cannot carry status %s", id, e.Kind, f.Status)
	}
	e.ReimbursementStatus = f.Status
	e.MyShareMinor = f.MyShareMinor
	e.ClosedOutstandingMinor = f.ClosedOutstandingMinor
	e.ReimbursementClosedAt = f.ClosedAt
	e.ReimbursementClosedReason = f.ClosedReason
	e.UpdatedAt = time.Now().UTC()
	r.st.expenses[id] = e
	return &e, nil
}

func (r *repo) CreateExpense(_ context.Context, e core.Expense) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.st.expenses[e.ID]; exists {
		return constraint("expense %s already exists", e.ID)
	}
	if e.CategoryID != "" {
		if _, ok := r.st.categories[e.CategoryID]; !ok {
			return constraint("category %s does not exist", e.CategoryID)
		}
	}
	if e.ReimbursementStatus == "" {
		e.ReimbursementStatus = core.StatusNone
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	r.st.expenses[e.ID] = e
	r.st.expenseOrder = append(r.st.expenseOrder, e.ID)
	return nil
}

// ---- categories ----

func (r *repo) FindCategory(_ context.Context, id string) (*core.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.st.categories[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *repo) ListCategories(_ context.Context) ([]core.Category, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Category, 0, len(r.st.categoryOrder))
	for _, id := range r.st.categoryOrder {
		out = append(out, r.st.categories[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *repo) CreateCategory(_ context.Context, c core.Category) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.st.categories[c.ID]; exists {
		return constraint("category %s already exists", c.ID)
	}
	if c.ReimbursementMode == "" {
		c.ReimbursementMode = core.ModeNone
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	r.st.categories[c.ID] = c
	r.st.categoryOrder = append(r.st.categoryOrder, c.ID)
	return nil
}

// ---- links ----

func (r *repo) InsertLink(_ context.Context, l core.ReimbursementLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.st.links[l.ID]; exists {
		return constraint("link %s already exists", l.ID)
	}
	if l.ExpenseOutID == l.ExpenseInID {
		return constraint("link %s references the same expense twice", l.ID)
	}
	if _, ok := r.st.expenses[l.ExpenseOutID]; !ok {
		return constraint("expense %s does not exist", l.ExpenseOutID)
	}
	if _, ok := r.st.expenses[l.ExpenseInID]; !ok {
		return constraint("expense %s does not exist", l.ExpenseInID)
	}
	if l.AmountMinor <= 0 {
		return constraint("link amount must be positive")
	}
	if l.IdempotencyKey != "" {
		if _, taken := r.st.linkKeys[l.IdempotencyKey]; taken {
			return constraint("idempotency key %q already used", l.IdempotencyKey)
		}
		r.st.linkKeys[l.IdempotencyKey] = l.ID
	}
	r.st.links[l.ID] = l
	r.st.linkOrder = append(r.st.linkOrder, l.ID)
	return nil
}

func (r *repo) FindLink(_ context.Context, id string) (*core.ReimbursementLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.st.links[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (r *repo) FindLinkByIdempotencyKey(_ context.Context, key string) (*core.ReimbursementLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.st.linkKeys[key]
	if !ok {
		return nil, nil
	}
	l := r.st.links[id]
	return &l, nil
}

func (r *repo) DeleteLink(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.st.links[id]
	if !ok {
		return false, nil
	}
	delete(r.st.links, id)
	if l.IdempotencyKey != "" {
		delete(r.st.linkKeys, l.IdempotencyKey)
	}
	r.st.linkOrder = slices.DeleteFunc(r.st.linkOrder, func(v string) bool { return v == id })
	return true, nil
}

func (r *repo) ListLinksByExpense(_ context.Context, expenseID string) ([]core.ReimbursementLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.ReimbursementLink
	for _, id := range r.st.linkOrder {
		l := r.st.links[id]
		if l.ExpenseOutID == expenseID || l.ExpenseInID == expenseID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *repo) sumLinks(ids []string, side func(core.ReimbursementLink) string) map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	sums := make(map[string]int64, len(ids))
	for _, l := range r.st.links {
		if key := side(l); want[key] {
			sums[key] += l.AmountMinor
		}
	}
	return sums
}

func (r *repo) SumLinksByExpenseOut(_ context.Context, expenseIDs []string) (map[string]int64, error) {
	return r.sumLinks(expenseIDs, func(l core.ReimbursementLink) string { return l.ExpenseOutID }), nil
}

func (r *repo) SumLinksByExpenseIn(_ context.Context, expenseIDs []string) (map[string]int64, error) {
	return r.sumLinks(expenseIDs, func(l core.ReimbursementLink) string { return l.ExpenseInID }), nil
}

// ---- category rules ----

func (r *repo) InsertRule(_ context.Context, rule core.CategoryRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.st.rules[rule.ID]; exists {
		return constraint("rule %s already exists", rule.ID)
	}
	key := pairKey(rule.ExpenseCategoryID, rule.InboundCategoryID)
	if _, taken := r.st.rulePairs[key]; taken {
		return constraint("rule pair %s -> %s already exists", rule.ExpenseCategoryID, rule.InboundCategoryID)
	}
	r.st.rules[rule.ID] = rule
	r.st.rulePairs[key] = rule.ID
	r.st.ruleOrder = append(r.st.ruleOrder, rule.ID)
	return nil
}

func (r *repo) FindRule(_ context.Context, id string) (*core.CategoryRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.st.rules[id]
	if !ok {
		return nil, nil
	}
	return &rule, nil
}

func (r *repo) FindRuleByPair(_ context.Context, expenseCategoryID, inboundCategoryID string) (*core.CategoryRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.st.rulePairs[pairKey(expenseCategoryID, inboundCategoryID)]
	if !ok {
		return nil, nil
	}
	rule := r.st.rules[id]
	return &rule, nil
}

func (r *repo) UpdateRuleEnabled(_ context.Context, id string, enabled bool, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.st.rules[id]
	if !ok {
		return nil
	}
	rule.Enabled = enabled
	rule.UpdatedAt = updatedAt
	r.st.rules[id] = rule
	return nil
}

func (r *repo) DeleteRule(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.st.rules[id]
	if !ok {
		return false, nil
	}
	delete(r.st.rules, id)
	delete(r.st.rulePairs, pairKey(rule.ExpenseCategoryID, rule.InboundCategoryID))
	r.st.ruleOrder = slices.DeleteFunc(r.st.ruleOrder, func(v string) bool { return v == id })
	return true, nil
}

func (r *repo) ListRules(_ context.Context, filter storage.RuleFilter) ([]core.CategoryRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.CategoryRule
	for _, id := range r.st.ruleOrder {
		rule := r.st.rules[id]
		if filter.ExpenseCategoryID != "" && rule.ExpenseCategoryID != filter.ExpenseCategoryID {
			continue
		}
		if filter.EnabledOnly && !rule.Enabled {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

func (r *repo) ListEnabledRulesForCategories(_ context.Context, expenseCategoryIDs []string) ([]core.CategoryRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[string]bool, len(expenseCategoryIDs))
	for _, id := range expenseCategoryIDs {
		want[id] = true
	}
	var out []core.CategoryRule
	for _, id := range r.st.ruleOrder {
		rule := r.st.rules[id]
		if rule.Enabled && want[rule.ExpenseCategoryID] {
			out = append(out, rule)
		}
	}
	return out, nil
}
