package core

// Status derivation for reimbursable expenses.
//
// The persisted ReimbursementStatus on an expense is a cache of DeriveStatus;
// every mutation that changes recovered or written-off totals must re-run it.

// IsReimbursable reports whether an expense row is tracked for recovery.
func (e Expense) IsReimbursable() bool {
	if e.Kind != KindExpense {
		return false
	}
	return e.currentStatus() != StatusNone || e.MyShareMinor != nil
}

func (e Expense) currentStatus() ReimbursementStatus {
	if e.ReimbursementStatus == "" {
		return StatusNone
	}
	return e.ReimbursementStatus
}

// RecoverableMinor is the part of an outflow eligible for repayment.
func RecoverableMinor(e Expense) int64 {
	if e.Kind != KindExpense || e.currentStatus() == StatusNone {
		return 0
	}
	var share int64
	if e.MyShareMinor != nil {
		share = *e.MyShareMinor
	}
	return max(e.Money.AmountMinor-share, 0)
}

// WrittenOffMinor is the amount manually closed on an outflow, never negative.
func WrittenOffMinor(e Expense) int64 {
	if e.ClosedOutstandingMinor == nil {
		return 0
	}
	return max(*e.ClosedOutstandingMinor, 0)
}

// OutstandingMinor is recoverable minus recovered minus written off, floored at zero.
func OutstandingMinor(e Expense, recoveredMinor int64) int64 {
	return max(RecoverableMinor(e)-recoveredMinor-WrittenOffMinor(e), 0)
}

// DeriveStatus computes the reimbursement status of an expense given the
// amount already recovered through links.
func DeriveStatus(e Expense, recoveredMinor int64) ReimbursementStatus {
	if !e.IsReimbursable() {
		return StatusNone
	}
	recoverable := RecoverableMinor(e)
	writtenOff := WrittenOffMinor(e)
	outstanding := max(recoverable-recoveredMinor-writtenOff, 0)

	switch {
	case writtenOff > 0:
		return StatusWrittenOff
	case recoverable == 0, outstanding == 0:
		return StatusSettled
	case recoveredMinor > 0:
		return StatusPartial
	default:
		return StatusExpected
	}
}

// Balance is the full recovery breakdown of an outflow.
type Balance struct {
	RecoverableMinor int64
	RecoveredMinor   int64
	WrittenOffMinor  int64
	OutstandingMinor int64
	Status           ReimbursementStatus
}

// ComputeBalance builds the Balance of an outflow from its recovered total.
func ComputeBalance(e Expense, recoveredMinor int64) Balance {
	return Balance{
		RecoverableMinor: RecoverableMinor(e),
		RecoveredMinor:   recoveredMinor,
		WrittenOffMinor:  WrittenOffMinor(e),
		OutstandingMinor: OutstandingMinor(e, recoveredMinor),
		Status:           DeriveStatus(e, recoveredMinor),
	}
}

// AvailableMinor is what an inflow can still fund after existing allocations.
func AvailableMinor(inflow Expense, allocatedMinor int64) int64 {
	return inflow.Money.AmountMinor - allocatedMinor
}

// ReimbursementFields returns the engine-owned slice of e.
func (e Expense) ReimbursementFields() ReimbursementFields {
	return ReimbursementFields{
		Status:                 e.currentStatus(),
		MyShareMinor:           e.MyShareMinor,
		ClosedOutstandingMinor: e.ClosedOutstandingMinor,
		ClosedAt:               e.ReimbursementClosedAt,
		ClosedReason:           e.ReimbursementClosedReason,
	}
}
