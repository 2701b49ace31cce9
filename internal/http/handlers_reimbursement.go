package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
	"rimborsi/internal/services"
	"rimborsi/internal/storage"
)

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	link, err := s.reimbursements.Link(r.Context(), services.LinkInput{
		ExpenseOutID:   sanitizeInput(req.ExpenseOutID),
		ExpenseInID:    sanitizeInput(req.ExpenseInID),
		AmountMinor:    req.AmountMinor,
		IdempotencyKey: sanitizeInput(req.IdempotencyKey),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLinkResponse(*link))
}

// handleUnlink is two-phase: without X-Approval-Token it answers with a dry
// run carrying the token; with it, the link is deleted.
func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	token := approvalToken(r)
	if token == "" {
		dryRun, err := s.reimbursements.PrepareUnlink(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDryRunResponse(*dryRun))
		return
	}
	if err := s.reimbursements.Unlink(r.Context(), id, token); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAutoMatch runs a pass inline, or queues it for the worker with ?async=true.
// The range comes from the JSON body or, failing that, the query string.
func (s *Server) handleAutoMatch(w http.ResponseWriter, r *http.Request) {
	var req autoMatchRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	from, to, err := parseRange(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.From != nil || req.To != nil {
		if from, err = parseOptionalTime("from", req.From, false); err != nil {
			writeError(w, r, err)
			return
		}
		if to, err = parseOptionalTime("to", req.To, true); err != nil {
			writeError(w, r, err)
			return
		}
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		s.queueAutoMatch(w, r, from, to)
		return
	}

	summary, err := s.reimbursements.AutoMatch(r.Context(), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAutoMatchResponse(*summary))
}

func (s *Server) queueAutoMatch(w http.ResponseWriter, r *http.Request, from, to *time.Time) {
	if s.dispatcher == nil {
		writeError(w, r, core.NewValidationError("asynchronous auto-match is not available"))
		return
	}
	if from != nil && to != nil && from.After(*to) {
		writeError(w, r, core.NewValidationError("from must not be after to"))
		return
	}
	if err := s.dispatcher.PublishAutoMatchRequest(r.Context(), from, to); err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to queue auto-match", log.FieldError, err)
		writeError(w, r, &core.AppError{Code: "QUEUE_UNAVAILABLE", Message: "could not queue auto-match", Status: http.StatusServiceUnavailable})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "from": from, "to": to})
}

func (s *Server) handleListOutstanding(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	summaries, err := s.reimbursements.ListOutstanding(r.Context(), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]summaryResponse, 0, len(summaries))
	for _, summary := range summaries {
		items = append(items, toSummaryResponse(summary))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleListCategoryRules(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := storage.RuleFilter{ExpenseCategoryID: sanitizeInput(query.Get("expenseCategoryId"))}
	if v := strings.TrimSpace(query.Get("enabled")); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil || !enabled {
			writeError(w, r, core.NewValidationError("enabled only accepts true").WithDetail("enabled", v))
			return
		}
		filter.EnabledOnly = true
	}

	rules, err := s.reimbursements.ListCategoryRules(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		items = append(items, toRuleResponse(rule))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleUpsertCategoryRule(w http.ResponseWriter, r *http.Request) {
	var req categoryRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rule, err := s.reimbursements.CreateCategoryRule(r.Context(), services.CategoryRuleInput{
		ExpenseCategoryID: sanitizeInput(req.ExpenseCategoryID),
		InboundCategoryID: sanitizeInput(req.InboundCategoryID),
		Enabled:           req.Enabled,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleResponse(*rule))
}

func (s *Server) handleDeleteCategoryRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	token := approvalToken(r)
	if token == "" {
		dryRun, err := s.reimbursements.PrepareDeleteCategoryRule(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDryRunResponse(*dryRun))
		return
	}
	if err := s.reimbursements.DeleteCategoryRule(r.Context(), id, token); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
