package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"rimborsi/internal/amqp"
	"rimborsi/internal/core"
	"rimborsi/internal/log"
	"rimborsi/internal/storage"
)

// Publisher sends events to the broker. *amqp.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, messageType string, payload any) error
}

// ExpenseService records ledger rows locally and announces them to the worker.
type ExpenseService struct {
	store     storage.Repository
	publisher Publisher
	logger    *log.Logger
	now       func() time.Time
}

func NewExpenseService(store storage.Repository, publisher Publisher, logger *log.Logger) *ExpenseService {
	if logger == nil {
		logger = log.Discard()
	}
	return &ExpenseService{
		store:     store,
		publisher: publisher,
		logger:    logger.WithComponent(log.ComponentExpense),
		now:       time.Now,
	}
}

type RecordExpenseInput struct {
	Kind         core.ExpenseKind
	OccurredAt   time.Time
	Description  string
	CategoryID   string
	Money        core.Money
	FX           *core.ForeignExchange
	Reimbursable bool
	MyShareMinor *int64
}

// RecordExpense validates and stores a ledger row, then publishes expense.recorded.
// An expense in a category with reimbursement mode "always" starts as expected.
func (s *ExpenseService) RecordExpense(ctx context.Context, in RecordExpenseInput) (*core.Expense, error) {
	now := s.now().UTC()
	e := core.Expense{
		ID:                  uuid.NewString(),
		Kind:                in.Kind,
		OccurredAt:          in.OccurredAt.UTC(),
		Description:         strings.TrimSpace(in.Description),
		CategoryID:          strings.TrimSpace(in.CategoryID),
		Money:               core.Money{AmountMinor: in.Money.AmountMinor, Currency: strings.ToUpper(strings.TrimSpace(in.Money.Currency))},
		FX:                  in.FX,
		ReimbursementStatus: core.StatusNone,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	reimbursable := in.Reimbursable
	if e.CategoryID != "" {
		c, err := s.store.FindCategory(ctx, e.CategoryID)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, core.NewNotFoundError(core.CodeCategoryNotFound, "category not found").
				WithDetail("categoryId", e.CategoryID)
		}
		if c.ReimbursementMode == core.ModeAlways {
			reimbursable = true
		}
	}

	if reimbursable && e.Kind == core.KindExpense {
		e.ReimbursementStatus = core.StatusExpected
		e.MyShareMinor = in.MyShareMinor
	} else if in.Reimbursable || in.MyShareMinor != nil {
		return nil, core.NewValidationError("only expense rows can be reimbursable").
			WithDetail("kind", string(e.Kind))
	}

	if err := e.Validate(); err != nil {
		return nil, core.NewValidationError(err.Error())
	}
	if e.MyShareMinor != nil && (*e.MyShareMinor < 0 || *e.MyShareMinor > e.Money.AmountMinor) {
		return nil, core.NewValidationError("myShareMinor must be between 0 and the expense amount").
			WithDetail("myShareMinor", *e.MyShareMinor)
	}

	if err := s.store.CreateExpense(ctx, e); err != nil {
		return nil, storageError(err)
	}
	s.logger.InfoContext(ctx, "Recorded expense",
		log.FieldExpenseID, e.ID,
		log.FieldAmountMinor, e.Money.AmountMinor,
		log.FieldCurrency, e.Money.Currency,
		log.FieldStatus, string(e.ReimbursementStatus))

	if s.publisher == nil {
		s.logger.WarnContext(ctx, "AMQP publisher not available, skipping expense.recorded")
		return &e, nil
	}
	if err := s.publisher.Publish(ctx, amqp.TypeExpenseRecorded, amqp.ExpenseRecorded{
		ExpenseID:  e.ID,
		OccurredAt: e.OccurredAt,
	}); err != nil {
		// Don't fail the request - the row is stored.
		s.logger.ErrorContext(ctx, "Failed to publish expense.recorded",
			log.FieldExpenseID, e.ID,
			log.FieldError, err)
	}
	return &e, nil
}

// CreateCategory stores a category. Empty ids get a generated one.
func (s *ExpenseService) CreateCategory(ctx context.Context, c core.Category) (*core.Category, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return nil, core.NewValidationError("category name is required")
	}
	if !c.Kind.IsValid() {
		return nil, core.NewValidationError("invalid category kind").WithDetail("kind", string(c.Kind))
	}
	if c.ReimbursementMode == "" {
		c.ReimbursementMode = core.ModeNone
	}
	if !c.ReimbursementMode.IsValid() {
		return nil, core.NewValidationError("invalid reimbursement mode").WithDetail("mode", string(c.ReimbursementMode))
	}
	if c.DefaultRecoveryWindowDays != nil && *c.DefaultRecoveryWindowDays <= 0 {
		return nil, core.NewValidationError("defaultRecoveryWindowDays must be positive")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = s.now().UTC()
	if err := s.store.CreateCategory(ctx, c); err != nil {
		return nil, storageError(err)
	}
	s.logger.InfoContext(ctx, "Created category", log.FieldCategoryID, c.ID, "name", c.Name)
	return &c, nil
}

// ListCategories returns every category.
func (s *ExpenseService) ListCategories(ctx context.Context) ([]core.Category, error) {
	return s.store.ListCategories(ctx)
}
