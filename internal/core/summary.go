package core

import "time"

// ReimbursementSummary is the read model for one expense.
// Outflows fill Balance; inflows fill AllocatedMinor and AvailableMinor.
type ReimbursementSummary struct {
	Expense        Expense
	Balance        Balance
	AllocatedMinor int64
	AvailableMinor int64
	Links          []ReimbursementLink
}

// AutoMatchSummary reports the outcome of one auto-match pass.
type AutoMatchSummary struct {
	Matched         int
	LinksCreated    int
	ScannedOutflows int
	ScannedInflows  int
	From            *time.Time
	To              *time.Time
}
