package http

import (
	"time"

	"rimborsi/internal/core"
	"rimborsi/internal/services"
)

// Request bodies. Amounts are integers in minor units unless noted.

type recordExpenseRequest struct {
	Kind         string `json:"kind"`
	OccurredAt   string `json:"occurredAt"`
	Description  string `json:"description"`
	CategoryID   string `json:"categoryId"`
	AmountMinor  *int64 `json:"amountMinor"`
	Amount       string `json:"amount"` // decimal in major units, used when amountMinor is absent
	Currency     string `json:"currency"`
	FX           *fxDTO `json:"fx"`
	Reimbursable bool   `json:"reimbursable"`
	MyShareMinor *int64 `json:"myShareMinor"`
}

type fxDTO struct {
	OriginalAmountMinor int64  `json:"originalAmountMinor"`
	OriginalCurrency    string `json:"originalCurrency"`
	Rate                string `json:"rate"`
}

type createCategoryRequest struct {
	ID                        string `json:"id"`
	Name                      string `json:"name"`
	Kind                      string `json:"kind"`
	ReimbursementMode         string `json:"reimbursementMode"`
	DefaultRecoveryWindowDays *int   `json:"defaultRecoveryWindowDays"`
}

type linkRequest struct {
	ExpenseOutID   string `json:"expenseOutId"`
	ExpenseInID    string `json:"expenseInId"`
	AmountMinor    int64  `json:"amountMinor"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type closeRequest struct {
	CloseOutstandingMinor *int64 `json:"closeOutstandingMinor"`
	Reason                string `json:"reason"`
}

type setReimbursableRequest struct {
	Reimbursable *bool  `json:"reimbursable"`
	MyShareMinor *int64 `json:"myShareMinor"`
}

type autoMatchRequest struct {
	From *string `json:"from"`
	To   *string `json:"to"`
}

type categoryRuleRequest struct {
	ExpenseCategoryID string `json:"expenseCategoryId"`
	InboundCategoryID string `json:"inboundCategoryId"`
	Enabled           *bool  `json:"enabled"`
}

// Responses.

type expenseResponse struct {
	ID                     string     `json:"id"`
	Kind                   string     `json:"kind"`
	OccurredAt             time.Time  `json:"occurredAt"`
	Description            string     `json:"description"`
	CategoryID             string     `json:"categoryId,omitempty"`
	AmountMinor            int64      `json:"amountMinor"`
	Amount                 string     `json:"amount"`
	Currency               string     `json:"currency"`
	FX                     *fxDTO     `json:"fx,omitempty"`
	ReimbursementStatus    string     `json:"reimbursementStatus"`
	MyShareMinor           *int64     `json:"myShareMinor"`
	ClosedOutstandingMinor *int64     `json:"closedOutstandingMinor"`
	ClosedAt               *time.Time `json:"closedAt"`
	ClosedReason           string     `json:"closedReason,omitempty"`
}

func toExpenseResponse(e core.Expense) expenseResponse {
	resp := expenseResponse{
		ID:                     e.ID,
		Kind:                   string(e.Kind),
		OccurredAt:             e.OccurredAt,
		Description:            e.Description,
		CategoryID:             e.CategoryID,
		AmountMinor:            e.Money.AmountMinor,
		Amount:                 core.FormatMinor(e.Money.AmountMinor, e.Money.Currency),
		Currency:               e.Money.Currency,
		ReimbursementStatus:    string(e.ReimbursementStatus),
		MyShareMinor:           e.MyShareMinor,
		ClosedOutstandingMinor: e.ClosedOutstandingMinor,
		ClosedAt:               e.ReimbursementClosedAt,
		ClosedReason:           e.ReimbursementClosedReason,
	}
	if resp.ReimbursementStatus == "" {
		resp.ReimbursementStatus = string(core.StatusNone)
	}
	if e.FX != nil {
		resp.FX = &fxDTO{
			OriginalAmountMinor: e.FX.OriginalAmountMinor,
			OriginalCurrency:    e.FX.OriginalCurrency,
			Rate:                e.FX.Rate,
		}
	}
	return resp
}

type categoryResponse struct {
	ID                        string    `json:"id"`
	Name                      string    `json:"name"`
	Kind                      string    `json:"kind"`
	ReimbursementMode         string    `json:"reimbursementMode"`
	DefaultRecoveryWindowDays *int      `json:"defaultRecoveryWindowDays"`
	CreatedAt                 time.Time `json:"createdAt"`
}

func toCategoryResponse(c core.Category) categoryResponse {
	return categoryResponse{
		ID:                        c.ID,
		Name:                      c.Name,
		Kind:                      string(c.Kind),
		ReimbursementMode:         string(c.ReimbursementMode),
		DefaultRecoveryWindowDays: c.DefaultRecoveryWindowDays,
		CreatedAt:                 c.CreatedAt,
	}
}

type linkResponse struct {
	ID             string    `json:"id"`
	ExpenseOutID   string    `json:"expenseOutId"`
	ExpenseInID    string    `json:"expenseInId"`
	AmountMinor    int64     `json:"amountMinor"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func toLinkResponse(l core.ReimbursementLink) linkResponse {
	return linkResponse{
		ID:             l.ID,
		ExpenseOutID:   l.ExpenseOutID,
		ExpenseInID:    l.ExpenseInID,
		AmountMinor:    l.AmountMinor,
		IdempotencyKey: l.IdempotencyKey,
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}
}

type ruleResponse struct {
	ID                string    `json:"id"`
	ExpenseCategoryID string    `json:"expenseCategoryId"`
	InboundCategoryID string    `json:"inboundCategoryId"`
	Enabled           bool      `json:"enabled"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func toRuleResponse(r core.CategoryRule) ruleResponse {
	return ruleResponse{
		ID:                r.ID,
		ExpenseCategoryID: r.ExpenseCategoryID,
		InboundCategoryID: r.InboundCategoryID,
		Enabled:           r.Enabled,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

type balanceResponse struct {
	RecoverableMinor int64  `json:"recoverableMinor"`
	RecoveredMinor   int64  `json:"recoveredMinor"`
	WrittenOffMinor  int64  `json:"writtenOffMinor"`
	OutstandingMinor int64  `json:"outstandingMinor"`
	Status           string `json:"status"`
}

// summaryResponse carries balance for expenses and allocated/available for inbound rows.
type summaryResponse struct {
	Expense        expenseResponse  `json:"expense"`
	Balance        *balanceResponse `json:"balance,omitempty"`
	AllocatedMinor *int64           `json:"allocatedMinor,omitempty"`
	AvailableMinor *int64           `json:"availableMinor,omitempty"`
	Links          []linkResponse   `json:"links"`
}

func toSummaryResponse(s core.ReimbursementSummary) summaryResponse {
	resp := summaryResponse{
		Expense: toExpenseResponse(s.Expense),
		Links:   make([]linkResponse, 0, len(s.Links)),
	}
	for _, l := range s.Links {
		resp.Links = append(resp.Links, toLinkResponse(l))
	}
	if s.Expense.Kind.IsInbound() {
		allocated, available := s.AllocatedMinor, s.AvailableMinor
		resp.AllocatedMinor = &allocated
		resp.AvailableMinor = &available
	}
	if s.Expense.Kind == core.KindExpense {
		resp.Balance = &balanceResponse{
			RecoverableMinor: s.Balance.RecoverableMinor,
			RecoveredMinor:   s.Balance.RecoveredMinor,
			WrittenOffMinor:  s.Balance.WrittenOffMinor,
			OutstandingMinor: s.Balance.OutstandingMinor,
			Status:           string(s.Balance.Status),
		}
	}
	return resp
}

type autoMatchResponse struct {
	Matched         int        `json:"matched"`
	LinksCreated    int        `json:"linksCreated"`
	ScannedOutflows int        `json:"scannedOutflows"`
	ScannedInflows  int        `json:"scannedInflows"`
	From            *time.Time `json:"from"`
	To              *time.Time `json:"to"`
}

func toAutoMatchResponse(s core.AutoMatchSummary) autoMatchResponse {
	return autoMatchResponse{
		Matched:         s.Matched,
		LinksCreated:    s.LinksCreated,
		ScannedOutflows: s.ScannedOutflows,
		ScannedInflows:  s.ScannedInflows,
		From:            s.From,
		To:              s.To,
	}
}

type dryRunResponse struct {
	DryRun        bool      `json:"dryRun"`
	Action        string    `json:"action"`
	Payload       any       `json:"payload"`
	Preview       any       `json:"preview"`
	ApprovalToken string    `json:"approvalToken"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

func toDryRunResponse(d services.DryRun) dryRunResponse {
	preview := d.Preview
	switch p := d.Preview.(type) {
	case core.ReimbursementLink:
		preview = toLinkResponse(p)
	case core.CategoryRule:
		preview = toRuleResponse(p)
	}
	return dryRunResponse{
		DryRun:        true,
		Action:        d.Action,
		Payload:       d.Payload,
		Preview:       preview,
		ApprovalToken: d.Token,
		ExpiresAt:     d.ExpiresAt,
	}
}
