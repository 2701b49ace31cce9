package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func reimbursable(amount int64, share *int64, status ReimbursementStatus) Expense {
	return Expense{
		ID:                  "e1",
		Kind:                KindExpense,
		OccurredAt:          time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Description:         "group dinner",
		Money:               Money{AmountMinor: amount, Currency: "GBP"},
		ReimbursementStatus: status,
		MyShareMinor:        share,
	}
}

func TestRecoverableMinor(t *testing.T) {
	tests := []struct {
		name string
		e    Expense
		want int64
	}{
		{"amount minus share", reimbursable(3600, Int64Ptr(1200), StatusExpected), 2400},
		{"no share", reimbursable(3600, nil, StatusExpected), 3600},
		{"status none", reimbursable(3600, Int64Ptr(1200), StatusNone), 0},
		{"empty status treated as none", reimbursable(3600, nil, ""), 0},
		{"share above amount floors at zero", reimbursable(1000, Int64Ptr(1500), StatusExpected), 0},
		{"income never recoverable", Expense{Kind: KindIncome, Money: Money{AmountMinor: 100}, ReimbursementStatus: StatusExpected}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RecoverableMinor(tt.e))
		})
	}
}

func TestDeriveStatus(t *testing.T) {
	closed := func(e Expense, v int64) Expense {
		e.ClosedOutstandingMinor = Int64Ptr(v)
		return e
	}
	base := reimbursable(3600, Int64Ptr(1200), StatusExpected)

	tests := []struct {
		name      string
		e         Expense
		recovered int64
		want      ReimbursementStatus
	}{
		{"not reimbursable", reimbursable(3600, nil, StatusNone), 0, StatusNone},
		{"income", Expense{Kind: KindIncome, Money: Money{AmountMinor: 10}}, 0, StatusNone},
		{"nothing recovered", base, 0, StatusExpected},
		{"partially recovered", base, 1000, StatusPartial},
		{"fully recovered", base, 2400, StatusSettled},
		{"written off dominates settled", closed(base, 500), 1900, StatusWrittenOff},
		{"written off dominates partial", closed(base, 100), 1000, StatusWrittenOff},
		{"negative write-off ignored", closed(base, -5), 0, StatusExpected},
		{"zero recoverable is settled", reimbursable(1200, Int64Ptr(1200), StatusExpected), 0, StatusSettled},
		{"share only marks reimbursable", reimbursable(1200, Int64Ptr(200), StatusNone), 0, StatusSettled},
		{"stale cached status is ignored", reimbursable(3600, nil, StatusSettled), 0, StatusExpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.e, tt.recovered))
		})
	}
}

func TestComputeBalance(t *testing.T) {
	e := reimbursable(3600, Int64Ptr(1200), StatusExpected)
	e.ClosedOutstandingMinor = Int64Ptr(400)

	b := ComputeBalance(e, 1000)

	assert.Equal(t, Balance{
		RecoverableMinor: 2400,
		RecoveredMinor:   1000,
		WrittenOffMinor:  400,
		OutstandingMinor: 1000,
		Status:           StatusWrittenOff,
	}, b)
}

func TestAvailableMinor(t *testing.T) {
	in := Expense{Kind: KindIncome, Money: Money{AmountMinor: 5000, Currency: "GBP"}}
	assert.Equal(t, int64(5000), AvailableMinor(in, 0))
	assert.Equal(t, int64(1400), AvailableMinor(in, 3600))
}
