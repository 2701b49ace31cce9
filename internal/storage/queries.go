package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"rimborsi/internal/core"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries implements Repository on top of a DBTX.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// Times are stored as fixed-width UTC text so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64FromNull(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// mapConstraint marks SQLite constraint failures with ErrConstraint.
func mapConstraint(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "constraint failed") {
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ---- expenses ----

const expenseColumns = `id, kind, occurred_at, description, category_id, amount_minor, currency,
	fx_original_amount_minor, fx_original_currency, fx_rate,
	reimbursement_status, my_share_minor, closed_outstanding_minor,
	reimbursement_closed_at, reimbursement_closed_reason, created_at, updated_at`

func scanExpense(row rowScanner) (core.Expense, error) {
	var (
		e                                    core.Expense
		occurredAt, createdAt, updatedAt     string
		categoryID, fxCurrency, fxRate       sql.NullString
		closedAt, closedReason               sql.NullString
		fxAmount, myShare, closedOutstanding sql.NullInt64
		kind, status                         string
	)
	err := row.Scan(&e.ID, &kind, &occurredAt, &e.Description, &categoryID, &e.Money.AmountMinor, &e.Money.Currency,
		&fxAmount, &fxCurrency, &fxRate,
		&status, &myShare, &closedOutstanding,
		&closedAt, &closedReason, &createdAt, &updatedAt)
	if err != nil {
		return e, err
	}

	e.Kind = core.ExpenseKind(kind)
	e.ReimbursementStatus = core.ReimbursementStatus(status)
	e.CategoryID = categoryID.String
	e.MyShareMinor = int64FromNull(myShare)
	e.ClosedOutstandingMinor = int64FromNull(closedOutstanding)
	e.ReimbursementClosedReason = closedReason.String
	if fxAmount.Valid {
		e.FX = &core.ForeignExchange{
			OriginalAmountMinor: fxAmount.Int64,
			OriginalCurrency:    fxCurrency.String,
			Rate:                fxRate.String,
		}
	}
	if e.OccurredAt, err = parseTime(occurredAt); err != nil {
		return e, fmt.Errorf("parse occurred_at: %w", err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, fmt.Errorf("parse created_at: %w", err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return e, fmt.Errorf("parse updated_at: %w", err)
	}
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return e, fmt.Errorf("parse reimbursement_closed_at: %w", err)
		}
		e.ReimbursementClosedAt = &t
	}
	return e, nil
}

func (q *Queries) FindExpense(ctx context.Context, id string) (*core.Expense, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id = ?`, id)
	e, err := scanExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find expense %s: %w", id, err)
	}
	return &e, nil
}

func (q *Queries) ListExpensesInRange(ctx context.Context, from, to *time.Time, limit int) ([]core.Expense, error) {
	return q.listExpenses(ctx, nil, nil, from, to, limit)
}

// openStatuses are the stored statuses that still admit an outstanding balance.
var openStatuses = []any{string(core.StatusExpected), string(core.StatusPartial), string(core.StatusWrittenOff)}

var inboundKinds = []any{string(core.KindIncome), string(core.KindTransferExternal)}

func (q *Queries) ListOpenOutflows(ctx context.Context, from, to *time.Time) ([]core.Expense, error) {
	where := []string{"kind = ?", "reimbursement_status IN (" + placeholders(len(openStatuses)) + ")"}
	args := append([]any{string(core.KindExpense)}, openStatuses...)
	return q.listExpenses(ctx, where, args, from, to, 0)
}

func (q *Queries) ListInflows(ctx context.Context, from, to *time.Time) ([]core.Expense, error) {
	where := []string{"kind IN (" + placeholders(len(inboundKinds)) + ")"}
	return q.listExpenses(ctx, where, append([]any(nil), inboundKinds...), from, to, 0)
}

func (q *Queries) listExpenses(ctx context.Context, where []string, args []any, from, to *time.Time, limit int) ([]core.Expense, error) {
	if from != nil {
		where = append(where, "occurred_at >= ?")
		args = append(args, formatTime(*from))
	}
	if to != nil {
		where = append(where, "occurred_at <= ?")
		args = append(args, formatTime(*to))
	}

	query := `SELECT ` + expenseColumns + ` FROM expenses`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at, rowid"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	var out []core.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *Queries) UpdateReimbursementFields(ctx context.Context, id string, f core.ReimbursementFields) (*core.Expense, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE expenses SET
			reimbursement_status = ?,
			my_share_minor = ?,
			closed_outstanding_minor = ?,
			reimbursement_closed_at = ?,
			reimbursement_closed_reason = ?,
			updated_at = ?
		WHERE id = ?`,
		string(f.Status), nullInt64(f.MyShareMinor), nullInt64(f.ClosedOutstandingMinor),
		nullTime(f.ClosedAt), nullString(f.ClosedReason), formatTime(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("update reimbursement fields: %w", mapConstraint(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return q.FindExpense(ctx, id)
}

func (q *Queries) CreateExpense(ctx context.Context, e core.Expense) error {
	var (
		fxAmount            sql.NullInt64
		fxCurrency, fxRate  sql.NullString
		createdAt, updateAt = e.CreatedAt, e.UpdatedAt
	)
	if e.FX != nil {
		fxAmount = sql.NullInt64{Int64: e.FX.OriginalAmountMinor, Valid: true}
		fxCurrency = nullString(e.FX.OriginalCurrency)
		fxRate = nullString(e.FX.Rate)
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if updateAt.IsZero() {
		updateAt = createdAt
	}
	status := e.ReimbursementStatus
	if status == "" {
		status = core.StatusNone
	}

	_, err := q.db.ExecContext(ctx, `INSERT INTO expenses (`+expenseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), formatTime(e.OccurredAt), e.Description, nullString(e.CategoryID),
		e.Money.AmountMinor, e.Money.Currency,
		fxAmount, fxCurrency, fxRate,
		string(status), nullInt64(e.MyShareMinor), nullInt64(e.ClosedOutstandingMinor),
		nullTime(e.ReimbursementClosedAt), nullString(e.ReimbursementClosedReason),
		formatTime(createdAt), formatTime(updateAt))
	if err != nil {
		return fmt.Errorf("insert expense: %w", mapConstraint(err))
	}
	return nil
}

// ---- categories ----

func scanCategory(row rowScanner) (core.Category, error) {
	var (
		c               core.Category
		kind, mode      string
		window          sql.NullInt64
		createdAtString string
	)
	if err := row.Scan(&c.ID, &c.Name, &kind, &mode, &window, &createdAtString); err != nil {
		return c, err
	}
	c.Kind = core.CategoryKind(kind)
	c.ReimbursementMode = core.ReimbursementMode(mode)
	if window.Valid {
		days := int(window.Int64)
		c.DefaultRecoveryWindowDays = &days
	}
	t, err := parseTime(createdAtString)
	if err != nil {
		return c, fmt.Errorf("parse created_at: %w", err)
	}
	c.CreatedAt = t
	return c, nil
}

const categoryColumns = `id, name, kind, reimbursement_mode, default_recovery_window_days, created_at`

func (q *Queries) FindCategory(ctx context.Context, id string) (*core.Category, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM categories WHERE id = ?`, id)
	c, err := scanCategory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find category %s: %w", id, err)
	}
	return &c, nil
}

func (q *Queries) ListCategories(ctx context.Context) ([]core.Category, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+categoryColumns+` FROM categories ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []core.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *Queries) CreateCategory(ctx context.Context, c core.Category) error {
	var window sql.NullInt64
	if c.DefaultRecoveryWindowDays != nil {
		window = sql.NullInt64{Int64: int64(*c.DefaultRecoveryWindowDays), Valid: true}
	}
	mode := c.ReimbursementMode
	if mode == "" {
		mode = core.ModeNone
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx, `INSERT INTO categories (`+categoryColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, string(c.Kind), string(mode), window, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("insert category: %w", mapConstraint(err))
	}
	return nil
}

// ---- links ----

const linkColumns = `id, expense_out_id, expense_in_id, amount_minor, idempotency_key, created_at, updated_at`

func scanLink(row rowScanner) (core.ReimbursementLink, error) {
	var (
		l                    core.ReimbursementLink
		key                  sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&l.ID, &l.ExpenseOutID, &l.ExpenseInID, &l.AmountMinor, &key, &createdAt, &updatedAt); err != nil {
		return l, err
	}
	l.IdempotencyKey = key.String
	var err error
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return l, fmt.Errorf("parse created_at: %w", err)
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return l, fmt.Errorf("parse updated_at: %w", err)
	}
	return l, nil
}

func (q *Queries) InsertLink(ctx context.Context, l core.ReimbursementLink) error {
	_, err := q.db.ExecContext(ctx, `INSERT INTO reimbursement_links (`+linkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ExpenseOutID, l.ExpenseInID, l.AmountMinor, nullString(l.IdempotencyKey),
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert link: %w", mapConstraint(err))
	}
	return nil
}

func (q *Queries) findLinkWhere(ctx context.Context, where string, arg any) (*core.ReimbursementLink, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM reimbursement_links WHERE `+where, arg)
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find link: %w", err)
	}
	return &l, nil
}

func (q *Queries) FindLink(ctx context.Context, id string) (*core.ReimbursementLink, error) {
	return q.findLinkWhere(ctx, "id = ?", id)
}

func (q *Queries) FindLinkByIdempotencyKey(ctx context.Context, key string) (*core.ReimbursementLink, error) {
	return q.findLinkWhere(ctx, "idempotency_key = ?", key)
}

func (q *Queries) DeleteLink(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM reimbursement_links WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete link: %w", mapConstraint(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete link rows affected: %w", err)
	}
	return n > 0, nil
}

func (q *Queries) ListLinksByExpense(ctx context.Context, expenseID string) ([]core.ReimbursementLink, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+linkColumns+` FROM reimbursement_links
		WHERE expense_out_id = ? OR expense_in_id = ?
		ORDER BY created_at, rowid`, expenseID, expenseID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var out []core.ReimbursementLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (q *Queries) sumLinksBy(ctx context.Context, column string, ids []string) (map[string]int64, error) {
	sums := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return sums, nil
	}
	rows, err := q.db.QueryContext(ctx, `SELECT `+column+`, SUM(amount_minor) FROM reimbursement_links
		WHERE `+column+` IN (`+placeholders(len(ids))+`) GROUP BY `+column, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("sum links by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  string
			sum int64
		)
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, fmt.Errorf("scan link sum: %w", err)
		}
		sums[id] = sum
	}
	return sums, rows.Err()
}

func (q *Queries) SumLinksByExpenseOut(ctx context.Context, expenseIDs []string) (map[string]int64, error) {
	return q.sumLinksBy(ctx, "expense_out_id", expenseIDs)
}

func (q *Queries) SumLinksByExpenseIn(ctx context.Context, expenseIDs []string) (map[string]int64, error) {
	return q.sumLinksBy(ctx, "expense_in_id", expenseIDs)
}

// ---- category rules ----

const ruleColumns = `id, expense_category_id, inbound_category_id, enabled, created_at, updated_at`

func scanRule(row rowScanner) (core.CategoryRule, error) {
	var (
		r                    core.CategoryRule
		createdAt, updatedAt string
	)
	if err := row.Scan(&r.ID, &r.ExpenseCategoryID, &r.InboundCategoryID, &r.Enabled, &createdAt, &updatedAt); err != nil {
		return r, err
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return r, fmt.Errorf("parse updated_at: %w", err)
	}
	return r, nil
}

func (q *Queries) listRules(ctx context.Context, query string, args ...any) ([]core.CategoryRule, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []core.CategoryRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *Queries) InsertRule(ctx context.Context, r core.CategoryRule) error {
	_, err := q.db.ExecContext(ctx, `INSERT INTO reimbursement_category_rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.ExpenseCategoryID, r.InboundCategoryID, r.Enabled, formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert rule: %w", mapConstraint(err))
	}
	return nil
}

func (q *Queries) FindRule(ctx context.Context, id string) (*core.CategoryRule, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM reimbursement_category_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find rule %s: %w", id, err)
	}
	return &r, nil
}

func (q *Queries) FindRuleByPair(ctx context.Context, expenseCategoryID, inboundCategoryID string) (*core.CategoryRule, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM reimbursement_category_rules
		WHERE expense_category_id = ? AND inbound_category_id = ?`, expenseCategoryID, inboundCategoryID)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find rule by pair: %w", err)
	}
	return &r, nil
}

func (q *Queries) UpdateRuleEnabled(ctx context.Context, id string, enabled bool, updatedAt time.Time) error {
	_, err := q.db.ExecContext(ctx, `UPDATE reimbursement_category_rules SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, formatTime(updatedAt), id)
	if err != nil {
		return fmt.Errorf("update rule: %w", mapConstraint(err))
	}
	return nil
}

func (q *Queries) DeleteRule(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM reimbursement_category_rules WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete rule: %w", mapConstraint(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete rule rows affected: %w", err)
	}
	return n > 0, nil
}

func (q *Queries) ListRules(ctx context.Context, filter RuleFilter) ([]core.CategoryRule, error) {
	var (
		where []string
		args  []any
	)
	if filter.ExpenseCategoryID != "" {
		where = append(where, "expense_category_id = ?")
		args = append(args, filter.ExpenseCategoryID)
	}
	if filter.EnabledOnly {
		where = append(where, "enabled = 1")
	}
	query := `SELECT ` + ruleColumns + ` FROM reimbursement_category_rules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, rowid"
	return q.listRules(ctx, query, args...)
}

func (q *Queries) ListEnabledRulesForCategories(ctx context.Context, expenseCategoryIDs []string) ([]core.CategoryRule, error) {
	if len(expenseCategoryIDs) == 0 {
		return nil, nil
	}
	return q.listRules(ctx, `SELECT `+ruleColumns+` FROM reimbursement_category_rules
		WHERE enabled = 1 AND expense_category_id IN (`+placeholders(len(expenseCategoryIDs))+`)
		ORDER BY created_at, rowid`, stringArgs(expenseCategoryIDs)...)
}
