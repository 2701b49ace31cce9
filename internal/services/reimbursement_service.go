package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rimborsi/internal/approval"
	"rimborsi/internal/core"
	"rimborsi/internal/log"
	"rimborsi/internal/storage"
)

// Audit actions.
const (
	ActionLink            = "reimbursement.link"
	ActionUnlink          = "reimbursement.unlink"
	ActionClose           = "reimbursement.close"
	ActionReopen          = "reimbursement.reopen"
	ActionSetReimbursable = "reimbursement.set_reimbursable"
	ActionAutoMatch       = "reimbursement.auto_match"
	ActionRuleUpsert      = "reimbursement.category_rule.upsert"
	ActionRuleDelete      = "reimbursement.category_rule.delete"
)

// ApprovalGate issues and consumes dry-run tokens. *approval.Gate satisfies it.
type ApprovalGate interface {
	CreateApproval(ctx context.Context, action string, payload any) (approval.Approval, error)
	ConsumeApproval(ctx context.Context, action, operationID string, payload any) error
}

// AuditWriter records mutations. *audit.Service satisfies it.
type AuditWriter interface {
	WriteAudit(ctx context.Context, action string, payload any, actor string) error
}

// DryRun is returned by the Prepare* calls of approval-gated operations.
type DryRun struct {
	Action    string
	Payload   any
	Preview   any
	Token     string
	ExpiresAt time.Time
}

// ReimbursementService is the reconciliation engine. Every mutation runs in
// one storage transaction and re-derives the stored status of the outflows it touched.
type ReimbursementService struct {
	store             storage.Store
	gate              ApprovalGate
	auditor           AuditWriter
	logger            *log.Logger
	now               func() time.Time
	newID             func() string
	defaultWindowDays int
}

type Option func(*ReimbursementService)

func WithClock(now func() time.Time) Option {
	return func(s *ReimbursementService) { s.now = now }
}

func WithLogger(logger *log.Logger) Option {
	return func(s *ReimbursementService) { s.logger = logger }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *ReimbursementService) { s.newID = newID }
}

// WithDefaultRecoveryWindow sets the window used for categories without one.
func WithDefaultRecoveryWindow(days int) Option {
	return func(s *ReimbursementService) {
		if days > 0 {
			s.defaultWindowDays = days
		}
	}
}

func NewReimbursementService(store storage.Store, gate ApprovalGate, auditor AuditWriter, opts ...Option) *ReimbursementService {
	s := &ReimbursementService{
		store:             store,
		gate:              gate,
		auditor:           auditor,
		logger:            log.Discard(),
		now:               time.Now,
		newID:             uuid.NewString,
		defaultWindowDays: core.DefaultRecoveryWindowDays,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gate == nil {
		s.gate = approval.NewGate(approval.NewMemoryStore(), approval.DefaultTTL, approval.WithClock(s.now))
	}
	s.logger = s.logger.WithComponent(log.ComponentReimbursement)
	return s
}

type LinkInput struct {
	ExpenseOutID   string
	ExpenseInID    string
	AmountMinor    int64
	IdempotencyKey string
}

type CloseInput struct {
	ExpenseOutID          string
	CloseOutstandingMinor *int64
	Reason                string
}

type SetReimbursableInput struct {
	ExpenseID    string
	Reimbursable bool
	MyShareMinor *int64
}

// storageError surfaces constraint violations as conflicts and leaves
// application errors untouched.
func storageError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := core.AsAppError(err); ok {
		return err
	}
	if errors.Is(err, storage.ErrConstraint) {
		return core.NewConflictError(core.CodeStorageConflict, "storage constraint violated").
			WithDetail("reason", err.Error())
	}
	return err
}

func expenseNotFound(id string) error {
	return core.NewNotFoundError(core.CodeExpenseNotFound, "expense not found").WithDetail("expenseId", id)
}

func (s *ReimbursementService) writeAudit(ctx context.Context, action string, payload any) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.WriteAudit(ctx, action, payload, ""); err != nil {
		s.logger.ErrorContext(ctx, "Failed to write audit entry",
			log.FieldAction, action,
			log.FieldError, err)
	}
}

// syncStatus re-derives the status of one expense from its current links and
// persists it when it changed.
func syncStatus(ctx context.Context, repo storage.Repository, expenseID string) (*core.Expense, int64, error) {
	e, err := repo.FindExpense(ctx, expenseID)
	if err != nil {
		return nil, 0, err
	}
	if e == nil {
		return nil, 0, expenseNotFound(expenseID)
	}
	sums, err := repo.SumLinksByExpenseOut(ctx, []string{expenseID})
	if err != nil {
		return nil, 0, err
	}
	recovered := sums[expenseID]

	status := core.DeriveStatus(*e, recovered)
	if status == e.ReimbursementStatus {
		return e, recovered, nil
	}
	fields := e.ReimbursementFields()
	fields.Status = status
	updated, err := repo.UpdateReimbursementFields(ctx, expenseID, fields)
	if err != nil {
		return nil, 0, err
	}
	if updated == nil {
		return nil, 0, expenseNotFound(expenseID)
	}
	return updated, recovered, nil
}

// Link allocates part of an inflow to an outflow.
func (s *ReimbursementService) Link(ctx context.Context, in LinkInput) (*core.ReimbursementLink, error) {
	in.ExpenseOutID = strings.TrimSpace(in.ExpenseOutID)
	in.ExpenseInID = strings.TrimSpace(in.ExpenseInID)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)

	if in.AmountMinor <= 0 {
		return nil, core.NewValidationError("amountMinor must be a positive integer").
			WithDetail("amountMinor", in.AmountMinor)
	}
	if in.ExpenseOutID == "" || in.ExpenseInID == "" {
		return nil, core.NewValidationError("expenseOutId and expenseInId are required")
	}

	var (
		created core.ReimbursementLink
		replay  bool
	)
	err := s.store.WithinTx(ctx, func(repo storage.Repository) error {
		if in.IdempotencyKey != "" {
			existing, err := repo.FindLinkByIdempotencyKey(ctx, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.ExpenseOutID == in.ExpenseOutID && existing.ExpenseInID == in.ExpenseInID &&
					existing.AmountMinor == in.AmountMinor {
					created, replay = *existing, true
					return nil
				}
				return core.NewConflictError(core.CodeIdempotencyKeyConflict, "idempotency key already used for a different link").
					WithDetail("idempotencyKey", in.IdempotencyKey).
					WithDetail("existingLinkId", existing.ID)
			}
		}

		out, err := repo.FindExpense(ctx, in.ExpenseOutID)
		if err != nil {
			return err
		}
		if out == nil {
			return expenseNotFound(in.ExpenseOutID)
		}
		inflow, err := repo.FindExpense(ctx, in.ExpenseInID)
		if err != nil {
			return err
		}
		if inflow == nil {
			return expenseNotFound(in.ExpenseInID)
		}
		if out.ID == inflow.ID {
			return core.NewBusinessError(core.CodeInvalidLinkTarget, "an expense cannot be linked to itself")
		}

		if out.Kind != core.KindExpense {
			return core.NewBusinessError(core.CodeInvalidLinkTarget, "outbound side must be an expense").
				WithDetail("kind", string(out.Kind))
		}
		if !out.IsReimbursable() {
			return core.NewBusinessError(core.CodeNotReimbursable, "expense is not marked reimbursable").
				WithDetail("expenseId", out.ID)
		}
		if !inflow.Kind.IsInbound() {
			return core.NewBusinessError(core.CodeInvalidLinkTarget, "inbound side must be income or an external transfer").
				WithDetail("kind", string(inflow.Kind))
		}
		if out.Money.Currency != inflow.Money.Currency {
			return core.NewBusinessError(core.CodeCurrencyMismatch, "currencies differ").
				WithDetail("outCurrency", out.Money.Currency).
				WithDetail("inCurrency", inflow.Money.Currency)
		}

		recovered, err := repo.SumLinksByExpenseOut(ctx, []string{out.ID})
		if err != nil {
			return err
		}
		allocated, err := repo.SumLinksByExpenseIn(ctx, []string{inflow.ID})
		if err != nil {
			return err
		}
		outstanding := core.OutstandingMinor(*out, recovered[out.ID])
		if outstanding <= 0 || in.AmountMinor > outstanding {
			return core.NewConflictError(core.CodeExceedsOutstanding, "amount exceeds the outstanding balance").
				WithDetail("outstandingMinor", outstanding).
				WithDetail("amountMinor", in.AmountMinor)
		}
		available := core.AvailableMinor(*inflow, allocated[inflow.ID])
		if in.AmountMinor > available {
			return core.NewConflictError(core.CodeExceedsInboundAvailable, "amount exceeds what the inflow has left").
				WithDetail("availableMinor", available).
				WithDetail("amountMinor", in.AmountMinor)
		}

		now := s.now().UTC()
		created = core.ReimbursementLink{
			ID:             s.newID(),
			ExpenseOutID:   out.ID,
			ExpenseInID:    inflow.ID,
			AmountMinor:    in.AmountMinor,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := repo.InsertLink(ctx, created); err != nil {
			return err
		}
		_, _, err = syncStatus(ctx, repo, out.ID)
		return err
	})
	if err != nil {
		return nil, storageError(err)
	}
	if replay {
		s.logger.InfoContext(ctx, "Replayed idempotent link", log.FieldLinkID, created.ID)
		return &created, nil
	}

	stored, err := s.store.FindLink(ctx, created.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, core.NewInternalError("link missing after commit").WithDetail("linkId", created.ID)
	}

	s.writeAudit(ctx, ActionLink, map[string]any{
		"linkId":         stored.ID,
		"expenseOutId":   stored.ExpenseOutID,
		"expenseInId":    stored.ExpenseInID,
		"amountMinor":    stored.AmountMinor,
		"idempotencyKey": stored.IdempotencyKey,
	})
	s.logger.InfoContext(ctx, "Linked reimbursement",
		log.NewFields().WithLink(stored.ID, stored.ExpenseOutID, stored.ExpenseInID, stored.AmountMinor).ToSlice()...)
	return stored, nil
}

func unlinkPayload(linkID string) map[string]string {
	return map[string]string{"linkId": linkID}
}

// PrepareUnlink returns the approval token required by Unlink.
func (s *ReimbursementService) PrepareUnlink(ctx context.Context, linkID string) (*DryRun, error) {
	linkID = strings.TrimSpace(linkID)
	if linkID == "" {
		return nil, core.NewValidationError("linkId is required")
	}
	link, err := s.store.FindLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, core.NewNotFoundError(core.CodeLinkNotFound, "reimbursement link not found").WithDetail("linkId", linkID)
	}
	payload := unlinkPayload(linkID)
	a, err := s.gate.CreateApproval(ctx, ActionUnlink, payload)
	if err != nil {
		return nil, err
	}
	return &DryRun{Action: ActionUnlink, Payload: payload, Preview: *link, Token: a.Token, ExpiresAt: a.ExpiresAt}, nil
}

// Unlink deletes a link once the approval token is consumed.
func (s *ReimbursementService) Unlink(ctx context.Context, linkID, approvalToken string) error {
	linkID = strings.TrimSpace(linkID)
	if linkID == "" {
		return core.NewValidationError("linkId is required")
	}
	if err := s.gate.ConsumeApproval(ctx, ActionUnlink, approvalToken, unlinkPayload(linkID)); err != nil {
		return err
	}

	var removed core.ReimbursementLink
	err := s.store.WithinTx(ctx, func(repo storage.Repository) error {
		link, err := repo.FindLink(ctx, linkID)
		if err != nil {
			return err
		}
		if link == nil {
			return core.NewNotFoundError(core.CodeLinkNotFound, "reimbursement link not found").WithDetail("linkId", linkID)
		}
		if _, err := repo.DeleteLink(ctx, linkID); err != nil {
			return err
		}
		removed = *link
		_, _, err = syncStatus(ctx, repo, link.ExpenseOutID)
		return err
	})
	if err != nil {
		return storageError(err)
	}

	s.writeAudit(ctx, ActionUnlink, map[string]any{
		"linkId":       removed.ID,
		"expenseOutId": removed.ExpenseOutID,
		"expenseInId":  removed.ExpenseInID,
		"amountMinor":  removed.AmountMinor,
	})
	s.logger.InfoContext(ctx, "Unlinked reimbursement",
		log.NewFields().WithLink(removed.ID, removed.ExpenseOutID, removed.ExpenseInID, removed.AmountMinor).ToSlice()...)
	return nil
}

// Close writes off part or all of an outflow's outstanding balance; a nil
// CloseOutstandingMinor writes off everything still outstanding. Write-offs
// accumulate: the amount is added to any closedOutstandingMinor left by an
// earlier close, so closing 300 and then 200 records 500. Reopen clears the total.
func (s *ReimbursementService) Close(ctx context.Context, in CloseInput) (*core.ReimbursementSummary, error) {
	in.ExpenseOutID = strings.TrimSpace(in.ExpenseOutID)
	if in.ExpenseOutID == "" {
		return nil, core.NewValidationError("expenseOutId is required")
	}

	var (
		closedMinor int64
		totalMinor  int64
		noop        bool
	)
	err := s.store.WithinTx(ctx, func(repo storage.Repository) error {
		e, err := repo.FindExpense(ctx, in.ExpenseOutID)
		if err != nil {
			return err
		}
		if e == nil {
			return expenseNotFound(in.ExpenseOutID)
		}
		if !e.IsReimbursable() {
			return core.NewBusinessError(core.CodeNotReimbursable, "expense is not marked reimbursable").
				WithDetail("expenseId", e.ID)
		}
		sums, err := repo.SumLinksByExpenseOut(ctx, []string{e.ID})
		if err != nil {
			return err
		}
		outstanding := core.OutstandingMinor(*e, sums[e.ID])
		if outstanding == 0 {
			noop = true
			_, _, err := syncStatus(ctx, repo, e.ID)
			return err
		}

		closedMinor = outstanding
		if in.CloseOutstandingMinor != nil {
			closedMinor = *in.CloseOutstandingMinor
		}
		if closedMinor <= 0 || closedMinor > outstanding {
			return core.NewBusinessError(core.CodeCloseInvalid, "closeOutstandingMinor must be between 1 and the outstanding balance").
				WithDetail("outstandingMinor", outstanding).
				WithDetail("closeOutstandingMinor", closedMinor)
		}

		now := s.now().UTC()
		totalMinor = core.WrittenOffMinor(*e) + closedMinor
		fields := e.ReimbursementFields()
		fields.ClosedOutstandingMinor = &totalMinor
		fields.ClosedAt = &now
		fields.ClosedReason = strings.TrimSpace(in.Reason)
		if _, err := repo.UpdateReimbursementFields(ctx, e.ID, fields); err != nil {
			return err
		}
		_, _, err = syncStatus(ctx, repo, e.ID)
		return err
	})
	if err != nil {
		return nil, storageError(err)
	}

	if !noop {
		s.writeAudit(ctx, ActionClose, map[string]any{
			"expenseId":              in.ExpenseOutID,
			"closeOutstandingMinor":  closedMinor,
			"closedOutstandingTotal": totalMinor,
			"reason":                 strings.TrimSpace(in.Reason),
		})
		s.logger.InfoContext(ctx, "Closed outstanding balance",
			log.FieldExpenseID, in.ExpenseOutID,
			log.FieldAmountMinor, closedMinor)
	}
	return s.readBack(ctx, in.ExpenseOutID)
}

// Reopen clears any write-off and re-derives the status from recovered links.
func (s *ReimbursementService) Reopen(ctx context.Context, expenseOutID string) (*core.ReimbursementSummary, error) {
	expenseOutID = strings.TrimSpace(expenseOutID)
	if expenseOutID == "" {
		return nil, core.NewValidationError("expenseOutId is required")
	}

	var previous int64
	err := s.store.WithinTx(ctx, func(repo storage.Repository) error {
		e, err := repo.FindExpense(ctx, expenseOutID)
		if err != nil {
			return err
		}
		if e == nil {
			return expenseNotFound(expenseOutID)
		}
		if !e.IsReimbursable() {
			return core.NewBusinessError(core.CodeNotReimbursable, "expense is not marked reimbursable").
				WithDetail("expenseId", e.ID)
		}
		previous = core.WrittenOffMinor(*e)

		fields := e.ReimbursementFields()
		fields.ClosedOutstandingMinor = nil
		fields.ClosedAt = nil
		fields.ClosedReason = ""
		if _, err := repo.UpdateReimbursementFields(ctx, e.ID, fields); err != nil {
			return err
		}
		_, _, err = syncStatus(ctx, repo, e.ID)
		return err
	})
	if err != nil {
		return nil, storageError(err)
	}

	s.writeAudit(ctx, ActionReopen, map[string]any{
		"expenseId":                 expenseOutID,
		"previousClosedOutstanding": previous,
	})
	s.logger.InfoContext(ctx, "Reopened reimbursement", log.FieldExpenseID, expenseOutID)
	return s.readBack(ctx, expenseOutID)
}

// SetReimbursable marks or unmarks an expense for recovery and sets its share.
func (s *ReimbursementService) SetReimbursable(ctx context.Context, in SetReimbursableInput) (*core.ReimbursementSummary, error) {
	in.ExpenseID = strings.TrimSpace(in.ExpenseID)
	if in.ExpenseID == "" {
		return nil, core.NewValidationError("expenseId is required")
	}

	err := s.store.WithinTx(ctx, func(repo storage.Repository) error {
		e, err := repo.FindExpense(ctx, in.ExpenseID)
		if err != nil {
			return err
		}
		if e == nil {
			return expenseNotFound(in.ExpenseID)
		}
		if e.Kind != core.KindExpense {
			return core.NewBusinessError(core.CodeNotReimbursable, "only expenses can be reimbursable").
				WithDetail("kind", string(e.Kind))
		}
		if in.MyShareMinor != nil && (*in.MyShareMinor < 0 || *in.MyShareMinor > e.Money.AmountMinor) {
			return core.NewValidationError("myShareMinor must be between 0 and the expense amount").
				WithDetail("myShareMinor", *in.MyShareMinor).
				WithDetail("amountMinor", e.Money.AmountMinor)
		}

		sums, err := repo.SumLinksByExpenseOut(ctx, []string{e.ID})
		if err != nil {
			return err
		}
		committed := sums[e.ID] + core.WrittenOffMinor(*e)

		fields := e.ReimbursementFields()
		if in.Reimbursable {
			candidate := *e
			candidate.MyShareMinor = in.MyShareMinor
			if !e.IsReimbursable() {
				candidate.ReimbursementStatus = core.StatusExpected
			}
			if core.RecoverableMinor(candidate) < committed {
				return core.NewConflictError(core.CodeShareConflict, "share leaves less recoverable than already recovered or written off").
					WithDetail("recoverableMinor", core.RecoverableMinor(candidate)).
					WithDetail("committedMinor", committed)
			}
			fields.Status = candidate.ReimbursementStatus
			fields.MyShareMinor = in.MyShareMinor
		} else {
			if committed > 0 {
				return core.NewConflictError(core.CodeShareConflict, "expense has links or a write-off").
					WithDetail("committedMinor", committed)
			}
			fields = core.ReimbursementFields{Status: core.StatusNone}
		}

		if _, err := repo.UpdateReimbursementFields(ctx, e.ID, fields); err != nil {
			return err
		}
		_, _, err = syncStatus(ctx, repo, e.ID)
		return err
	})
	if err != nil {
		return nil, storageError(err)
	}

	s.writeAudit(ctx, ActionSetReimbursable, map[string]any{
		"expenseId":    in.ExpenseID,
		"reimbursable": in.Reimbursable,
		"myShareMinor": in.MyShareMinor,
	})
	s.logger.InfoContext(ctx, "Updated reimbursable flag",
		log.FieldExpenseID, in.ExpenseID,
		"reimbursable", in.Reimbursable)
	return s.readBack(ctx, in.ExpenseID)
}

func (s *ReimbursementService) readBack(ctx context.Context, expenseID string) (*core.ReimbursementSummary, error) {
	summary, err := s.GetReimbursement(ctx, expenseID)
	if core.IsCode(err, core.CodeExpenseNotFound) {
		return nil, core.NewInternalError("expense missing after commit").WithDetail("expenseId", expenseID)
	}
	return summary, err
}

// GetReimbursement returns the balance and links of one expense.
func (s *ReimbursementService) GetReimbursement(ctx context.Context, expenseID string) (*core.ReimbursementSummary, error) {
	expenseID = strings.TrimSpace(expenseID)
	e, err := s.store.FindExpense(ctx, expenseID)
	if err != nil {
		return nil, fmt.Errorf("find expense: %w", err)
	}
	if e == nil {
		return nil, expenseNotFound(expenseID)
	}
	links, err := s.store.ListLinksByExpense(ctx, expenseID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	summary := &core.ReimbursementSummary{Expense: *e, Links: links}
	if e.Kind == core.KindExpense {
		recovered, err := s.store.SumLinksByExpenseOut(ctx, []string{e.ID})
		if err != nil {
			return nil, fmt.Errorf("sum recovered: %w", err)
		}
		summary.Balance = core.ComputeBalance(*e, recovered[e.ID])
	} else {
		summary.Balance = core.Balance{Status: core.StatusNone}
	}
	if e.Kind.IsInbound() {
		allocated, err := s.store.SumLinksByExpenseIn(ctx, []string{e.ID})
		if err != nil {
			return nil, fmt.Errorf("sum allocated: %w", err)
		}
		summary.AllocatedMinor = allocated[e.ID]
		summary.AvailableMinor = core.AvailableMinor(*e, allocated[e.ID])
	}
	return summary, nil
}

// ListOutstanding returns reimbursable outflows in [from, to] that still have
// something to recover, oldest first.
func (s *ReimbursementService) ListOutstanding(ctx context.Context, from, to *time.Time) ([]core.ReimbursementSummary, error) {
	if from != nil && to != nil && from.After(*to) {
		return nil, core.NewValidationError("from must not be after to")
	}
	rows, err := s.store.ListOpenOutflows(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list outflows: %w", err)
	}

	var (
		outflows []core.Expense
		ids      []string
	)
	for _, e := range rows {
		if e.IsReimbursable() {
			outflows = append(outflows, e)
			ids = append(ids, e.ID)
		}
	}
	recovered, err := s.store.SumLinksByExpenseOut(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("sum recovered: %w", err)
	}

	var out []core.ReimbursementSummary
	for _, e := range outflows {
		balance := core.ComputeBalance(e, recovered[e.ID])
		if balance.OutstandingMinor > 0 {
			out = append(out, core.ReimbursementSummary{Expense: e, Balance: balance})
		}
	}
	return out, nil
}
