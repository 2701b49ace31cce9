package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"rimborsi/internal/approval"
	"rimborsi/internal/audit"

	_ "modernc.org/sqlite"
)

// SQLiteRepository is the SQLite-backed Store. It also persists approval
// tokens and audit entries.
type SQLiteRepository struct {
	*Queries
	db *sql.DB
}

var (
	_ Store          = (*SQLiteRepository)(nil)
	_ approval.Store = (*SQLiteRepository)(nil)
	_ audit.Store    = (*SQLiteRepository)(nil)
)

func dsn(dbPath string) string {
	return "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite has a single writer; one connection serializes transactions.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{Queries: New(db), db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// WithinTx runs fn inside one transaction. fn's Repository is bound to it.
func (r *SQLiteRepository) WithinTx(ctx context.Context, fn func(repo Repository) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(r.Queries.WithTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", mapConstraint(err))
	}
	return nil
}

// ---- approvals ----

func (r *SQLiteRepository) SaveApproval(ctx context.Context, a approval.Approval) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO approvals (token, action, payload_hash, expires_at, created_at, consumed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.Token, a.Action, a.PayloadHash, formatTime(a.ExpiresAt), formatTime(a.CreatedAt), nullTime(a.ConsumedAt))
	if err != nil {
		return fmt.Errorf("insert approval: %w", mapConstraint(err))
	}
	return nil
}

func (r *SQLiteRepository) ConsumeApproval(ctx context.Context, token string, consumedAt time.Time, check func(approval.Approval) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		a                    approval.Approval
		expiresAt, createdAt string
		consumed             sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT token, action, payload_hash, expires_at, created_at, consumed_at
		FROM approvals WHERE token = ?`, token).
		Scan(&a.Token, &a.Action, &a.PayloadHash, &expiresAt, &createdAt, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return approval.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load approval: %w", err)
	}
	if a.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return fmt.Errorf("parse expires_at: %w", err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return fmt.Errorf("parse created_at: %w", err)
	}
	if consumed.Valid {
		t, err := parseTime(consumed.String)
		if err != nil {
			return fmt.Errorf("parse consumed_at: %w", err)
		}
		a.ConsumedAt = &t
	}

	if err := check(a); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `UPDATE approvals SET consumed_at = ? WHERE token = ? AND consumed_at IS NULL`,
		formatTime(consumedAt), token)
	if err != nil {
		return fmt.Errorf("consume approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return approval.ErrAlreadyConsumed
	}
	return tx.Commit()
}

// ---- audit log ----

func (r *SQLiteRepository) AppendAudit(ctx context.Context, e audit.Entry) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO audit_log (id, action, actor, payload_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Action, e.Actor, e.PayloadJSON, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	slog.DebugContext(ctx, "Audit entry stored", "id", e.ID, "action", e.Action, "actor", e.Actor)
	return nil
}

func (r *SQLiteRepository) ListAudit(ctx context.Context, limit int) ([]audit.Entry, error) {
	query := `SELECT id, action, actor, payload_json, created_at FROM audit_log ORDER BY created_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e         audit.Entry
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.PayloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
