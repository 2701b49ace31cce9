package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
	"rimborsi/internal/services"
)

func (s *Server) handleRecordExpense(w http.ResponseWriter, r *http.Request) {
	var req recordExpenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	kind := core.ExpenseKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if kind == "" {
		kind = core.KindExpense
	}
	if strings.TrimSpace(req.OccurredAt) == "" {
		writeError(w, r, core.NewValidationError("occurredAt is required"))
		return
	}
	occurredAt, err := parseTime(req.OccurredAt, false)
	if err != nil {
		writeError(w, r, core.NewValidationError("invalid occurredAt").WithDetail("reason", err.Error()))
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	amountMinor, err := resolveAmount(req.AmountMinor, req.Amount, currency)
	if err != nil {
		writeError(w, r, err)
		return
	}

	in := services.RecordExpenseInput{
		Kind:         kind,
		OccurredAt:   occurredAt,
		Description:  sanitizeInput(req.Description),
		CategoryID:   sanitizeInput(req.CategoryID),
		Money:        core.Money{AmountMinor: amountMinor, Currency: currency},
		Reimbursable: req.Reimbursable,
		MyShareMinor: req.MyShareMinor,
	}
	if req.FX != nil {
		in.FX = &core.ForeignExchange{
			OriginalAmountMinor: req.FX.OriginalAmountMinor,
			OriginalCurrency:    strings.ToUpper(strings.TrimSpace(req.FX.OriginalCurrency)),
			Rate:                strings.TrimSpace(req.FX.Rate),
		}
	}

	e, err := s.expenses.RecordExpense(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.FromContext(r.Context()).InfoContext(r.Context(), "Expense recorded",
		log.FieldExpenseID, e.ID,
		log.FieldAmountMinor, e.Money.AmountMinor,
		log.FieldCurrency, e.Money.Currency)
	writeJSON(w, http.StatusCreated, toExpenseResponse(*e))
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.expenses.ListCategories(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]categoryResponse, 0, len(categories))
	for _, c := range categories {
		items = append(items, toCategoryResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req createCategoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.expenses.CreateCategory(r.Context(), core.Category{
		ID:                        sanitizeInput(req.ID),
		Name:                      sanitizeInput(req.Name),
		Kind:                      core.CategoryKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		ReimbursementMode:         core.ReimbursementMode(strings.ToLower(strings.TrimSpace(req.ReimbursementMode))),
		DefaultRecoveryWindowDays: req.DefaultRecoveryWindowDays,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCategoryResponse(*c))
}

func (s *Server) handleGetReimbursement(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reimbursements.GetReimbursement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryResponse(*summary))
}

func (s *Server) handleSetReimbursable(w http.ResponseWriter, r *http.Request) {
	var req setReimbursableRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Reimbursable == nil {
		writeError(w, r, core.NewValidationError("reimbursable is required"))
		return
	}
	summary, err := s.reimbursements.SetReimbursable(r.Context(), services.SetReimbursableInput{
		ExpenseID:    chi.URLParam(r, "id"),
		Reimbursable: *req.Reimbursable,
		MyShareMinor: req.MyShareMinor,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryResponse(*summary))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	summary, err := s.reimbursements.Close(r.Context(), services.CloseInput{
		ExpenseOutID:          chi.URLParam(r, "id"),
		CloseOutstandingMinor: req.CloseOutstandingMinor,
		Reason:                sanitizeInput(req.Reason),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryResponse(*summary))
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reimbursements.Reopen(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryResponse(*summary))
}
