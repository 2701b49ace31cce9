package core

import (
	"errors"
	"strings"
	"time"
)

const (
	KindExpense          ExpenseKind = "expense"
	KindIncome           ExpenseKind = "income"
	KindTransferInternal ExpenseKind = "transfer_internal"
	KindTransferExternal ExpenseKind = "transfer_external"
)

const (
	StatusNone       ReimbursementStatus = "none"
	StatusExpected   ReimbursementStatus = "expected"
	StatusPartial    ReimbursementStatus = "partial"
	StatusSettled    ReimbursementStatus = "settled"
	StatusWrittenOff ReimbursementStatus = "written_off"
)

const (
	CategoryKindExpense  CategoryKind = "expense"
	CategoryKindIncome   CategoryKind = "income"
	CategoryKindTransfer CategoryKind = "transfer"
)

const (
	ModeNone     ReimbursementMode = "none"
	ModeOptional ReimbursementMode = "optional"
	ModeAlways   ReimbursementMode = "always"
)

// DefaultRecoveryWindowDays applies when a category has no window of its own.
const DefaultRecoveryWindowDays = 14

type (
	ExpenseKind         string
	ReimbursementStatus string
	CategoryKind        string
	ReimbursementMode   string

	Money struct {
		AmountMinor int64
		Currency    string // ISO 4217, upper case
	}

	// ForeignExchange is carried as recorded by the importer; it is never recomputed.
	ForeignExchange struct {
		OriginalAmountMinor int64
		OriginalCurrency    string
		Rate                string
	}

	Expense struct {
		ID          string
		Kind        ExpenseKind
		OccurredAt  time.Time
		Description string
		CategoryID  string // empty when uncategorized
		Money       Money
		FX          *ForeignExchange

		// Reimbursement state. Status is a cache of DeriveStatus.
		ReimbursementStatus       ReimbursementStatus
		MyShareMinor              *int64
		ClosedOutstandingMinor    *int64
		ReimbursementClosedAt     *time.Time
		ReimbursementClosedReason string

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// ReimbursementFields is the only slice of an expense this engine writes.
	ReimbursementFields struct {
		Status                 ReimbursementStatus
		MyShareMinor           *int64
		ClosedOutstandingMinor *int64
		ClosedAt               *time.Time
		ClosedReason           string
	}

	Category struct {
		ID                        string
		Name                      string
		Kind                      CategoryKind
		ReimbursementMode         ReimbursementMode
		DefaultRecoveryWindowDays *int
		CreatedAt                 time.Time
	}

	ReimbursementLink struct {
		ID             string
		ExpenseOutID   string
		ExpenseInID    string
		AmountMinor    int64
		IdempotencyKey string // empty when absent
		CreatedAt      time.Time
		UpdatedAt      time.Time
	}

	CategoryRule struct {
		ID                string
		ExpenseCategoryID string
		InboundCategoryID string
		Enabled           bool
		CreatedAt         time.Time
		UpdatedAt         time.Time
	}
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidCurrency  = errors.New("invalid currency")
	ErrInvalidKind      = errors.New("invalid expense kind")
	ErrEmptyDescription = errors.New("empty description")
	ErrZeroDate         = errors.New("occurred_at cannot be zero")
)

func (k ExpenseKind) IsValid() bool {
	switch k {
	case KindExpense, KindIncome, KindTransferInternal, KindTransferExternal:
		return true
	}
	return false
}

// IsInbound reports whether rows of this kind can fund a repayment.
func (k ExpenseKind) IsInbound() bool {
	return k == KindIncome || k == KindTransferExternal
}

func (s ReimbursementStatus) IsValid() bool {
	switch s {
	case StatusNone, StatusExpected, StatusPartial, StatusSettled, StatusWrittenOff:
		return true
	}
	return false
}

func (k CategoryKind) IsValid() bool {
	switch k {
	case CategoryKindExpense, CategoryKindIncome, CategoryKindTransfer:
		return true
	}
	return false
}

func (m ReimbursementMode) IsValid() bool {
	switch m {
	case ModeNone, ModeOptional, ModeAlways:
		return true
	}
	return false
}

func (m Money) Validate() error {
	if m.AmountMinor <= 0 {
		return ErrInvalidAmount
	}
	if len(m.Currency) != 3 || strings.ToUpper(m.Currency) != m.Currency {
		return ErrInvalidCurrency
	}
	return nil
}

// Validate checks the ledger-level shape of a row before it is recorded.
func (e Expense) Validate() error {
	if !e.Kind.IsValid() {
		return ErrInvalidKind
	}
	if e.OccurredAt.IsZero() {
		return ErrZeroDate
	}
	if len(strings.TrimSpace(e.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(e.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	if err := e.Money.Validate(); err != nil {
		return err
	}
	if e.Kind != KindExpense && e.ReimbursementStatus != "" && e.ReimbursementStatus != StatusNone {
		return errors.New("only expense rows can carry reimbursement state")
	}
	return nil
}

// RecoveryWindowDays returns the category window, or the default when unset.
func (c Category) RecoveryWindowDays() int {
	if c.DefaultRecoveryWindowDays == nil || *c.DefaultRecoveryWindowDays <= 0 {
		return DefaultRecoveryWindowDays
	}
	return *c.DefaultRecoveryWindowDays
}

// AcceptsAsInbound reports whether the category may be the inbound side of a rule.
func (c Category) AcceptsAsInbound() bool {
	return c.Kind == CategoryKindIncome || c.Kind == CategoryKindTransfer
}

// Int64Ptr is a small helper for optional minor amounts.
func Int64Ptr(v int64) *int64 {
	return &v
}
