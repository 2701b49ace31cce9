package services

import (
	"context"
	"strings"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
	"rimborsi/internal/storage"
)

type CategoryRuleInput struct {
	ExpenseCategoryID string
	InboundCategoryID string
	Enabled           *bool // defaults to true
}

// CreateCategoryRule upserts the rule for a category pair. An existing pair
// with the same enabled flag is returned unchanged.
func (s *ReimbursementService) CreateCategoryRule(ctx context.Context, in CategoryRuleInput) (*core.CategoryRule, error) {
	in.ExpenseCategoryID = strings.TrimSpace(in.ExpenseCategoryID)
	in.InboundCategoryID = strings.TrimSpace(in.InboundCategoryID)
	if in.ExpenseCategoryID == "" || in.InboundCategoryID == "" {
		return nil, core.NewValidationError("expenseCategoryId and inboundCategoryId are required")
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	var (
		rule    core.CategoryRule
		changed bool
	)
	err := s.store.WithinTx(ctx, func(repo storage.Repository) error {
		expenseCategory, err := repo.FindCategory(ctx, in.ExpenseCategoryID)
		if err != nil {
			return err
		}
		if expenseCategory == nil || expenseCategory.Kind != core.CategoryKindExpense {
			return core.NewBusinessError(core.CodeRuleInvalidExpenseCategory, "expense category must exist and be of kind expense").
				WithDetail("expenseCategoryId", in.ExpenseCategoryID)
		}
		inboundCategory, err := repo.FindCategory(ctx, in.InboundCategoryID)
		if err != nil {
			return err
		}
		if inboundCategory == nil || !inboundCategory.AcceptsAsInbound() {
			return core.NewBusinessError(core.CodeRuleInvalidInboundCategory, "inbound category must exist and be of kind income or transfer").
				WithDetail("inboundCategoryId", in.InboundCategoryID)
		}

		now := s.now().UTC()
		existing, err := repo.FindRuleByPair(ctx, in.ExpenseCategoryID, in.InboundCategoryID)
		if err != nil {
			return err
		}
		if existing != nil {
			rule = *existing
			if existing.Enabled == enabled {
				return nil
			}
			if err := repo.UpdateRuleEnabled(ctx, existing.ID, enabled, now); err != nil {
				return err
			}
			rule.Enabled, rule.UpdatedAt, changed = enabled, now, true
			return nil
		}

		rule = core.CategoryRule{
			ID:                s.newID(),
			ExpenseCategoryID: in.ExpenseCategoryID,
			InboundCategoryID: in.InboundCategoryID,
			Enabled:           enabled,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		changed = true
		return repo.InsertRule(ctx, rule)
	})
	if err != nil {
		return nil, storageError(err)
	}

	if changed {
		s.writeAudit(ctx, ActionRuleUpsert, map[string]any{
			"ruleId":            rule.ID,
			"expenseCategoryId": rule.ExpenseCategoryID,
			"inboundCategoryId": rule.InboundCategoryID,
			"enabled":           rule.Enabled,
		})
		s.logger.InfoContext(ctx, "Saved category rule",
			log.FieldRuleID, rule.ID,
			"enabled", rule.Enabled)
	}
	return &rule, nil
}

// ListCategoryRules reads rules without a transaction.
func (s *ReimbursementService) ListCategoryRules(ctx context.Context, filter storage.RuleFilter) ([]core.CategoryRule, error) {
	filter.ExpenseCategoryID = strings.TrimSpace(filter.ExpenseCategoryID)
	return s.store.ListRules(ctx, filter)
}

func ruleDeletePayload(ruleID string) map[string]string {
	return map[string]string{"ruleId": ruleID}
}

func ruleNotFound(id string) error {
	return core.NewNotFoundError(core.CodeRuleNotFound, "category rule not found").WithDetail("ruleId", id)
}

// PrepareDeleteCategoryRule returns the approval token required by DeleteCategoryRule.
func (s *ReimbursementService) PrepareDeleteCategoryRule(ctx context.Context, ruleID string) (*DryRun, error) {
	ruleID = strings.TrimSpace(ruleID)
	if ruleID == "" {
		return nil, core.NewValidationError("ruleId is required")
	}
	rule, err := s.store.FindRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, ruleNotFound(ruleID)
	}
	payload := ruleDeletePayload(ruleID)
	a, err := s.gate.CreateApproval(ctx, ActionRuleDelete, payload)
	if err != nil {
		return nil, err
	}
	return &DryRun{Action: ActionRuleDelete, Payload: payload, Preview: *rule, Token: a.Token, ExpiresAt: a.ExpiresAt}, nil
}

func (s *ReimbursementService) DeleteCategoryRule(ctx context.Context, ruleID, approvalToken string) error {
	ruleID = strings.TrimSpace(ruleID)
	if ruleID == "" {
		return core.NewValidationError("ruleId is required")
	}
	if err := s.gate.ConsumeApproval(ctx, ActionRuleDelete, approvalToken, ruleDeletePayload(ruleID)); err != nil {
		return err
	}

	var removed core.CategoryRule
	err := s.store.WithinTx(ctx, func(repo storage.Repository) error {
		rule, err := repo.FindRule(ctx, ruleID)
		if err != nil {
			return err
		}
		if rule == nil {
			return ruleNotFound(ruleID)
		}
		removed = *rule
		_, err = repo.DeleteRule(ctx, ruleID)
		return err
	})
	if err != nil {
		return storageError(err)
	}

	s.writeAudit(ctx, ActionRuleDelete, map[string]any{
		"ruleId":            removed.ID,
		"expenseCategoryId": removed.ExpenseCategoryID,
		"inboundCategoryId": removed.InboundCategoryID,
	})
	s.logger.InfoContext(ctx, "Deleted category rule", log.FieldRuleID, removed.ID)
	return nil
}
