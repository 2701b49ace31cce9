package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Machine-readable error codes surfaced by the reconciliation engine.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeInternal        = "INTERNAL_ERROR"
	CodeStorageConflict = "STORAGE_CONFLICT"

	CodeExpenseNotFound  = "EXPENSE_NOT_FOUND"
	CodeCategoryNotFound = "CATEGORY_NOT_FOUND"

	CodeLinkNotFound               = "REIMBURSEMENT_LINK_NOT_FOUND"
	CodeRuleNotFound               = "REIMBURSEMENT_CATEGORY_RULE_NOT_FOUND"
	CodeInvalidLinkTarget          = "REIMBURSEMENT_INVALID_LINK_TARGET"
	CodeNotReimbursable            = "REIMBURSEMENT_NOT_REIMBURSABLE"
	CodeCurrencyMismatch           = "REIMBURSEMENT_CURRENCY_MISMATCH"
	CodeExceedsOutstanding         = "REIMBURSEMENT_ALLOCATION_EXCEEDS_OUTSTANDING"
	CodeExceedsInboundAvailable    = "REIMBURSEMENT_ALLOCATION_EXCEEDS_INBOUND_AVAILABLE"
	CodeIdempotencyKeyConflict     = "REIMBURSEMENT_IDEMPOTENCY_KEY_CONFLICT"
	CodeCloseInvalid               = "REIMBURSEMENT_CLOSE_INVALID"
	CodeShareConflict              = "REIMBURSEMENT_SHARE_CONFLICT"
	CodeRuleInvalidExpenseCategory = "REIMBURSEMENT_CATEGORY_RULE_INVALID_EXPENSE_CATEGORY"
	CodeRuleInvalidInboundCategory = "REIMBURSEMENT_CATEGORY_RULE_INVALID_INBOUND_CATEGORY"

	CodeApprovalRequired    = "APPROVAL_REQUIRED"
	CodeApprovalInvalid     = "APPROVAL_INVALID"
	CodeApprovalMismatch    = "APPROVAL_MISMATCH"
	CodeApprovalExpired     = "APPROVAL_EXPIRED"
	CodeApprovalAlreadyUsed = "APPROVAL_ALREADY_USED"
)

// AppError is a typed application error carrying an HTTP-style status class.
type AppError struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetail returns the same error with an extra detail attached.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newAppError(status int, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func NewValidationError(message string) *AppError {
	return newAppError(http.StatusBadRequest, CodeValidation, message)
}

// NewBusinessError is a 400 business-rule violation with a specific code.
func NewBusinessError(code, message string) *AppError {
	return newAppError(http.StatusBadRequest, code, message)
}

func NewNotFoundError(code, message string) *AppError {
	return newAppError(http.StatusNotFound, code, message)
}

func NewConflictError(code, message string) *AppError {
	return newAppError(http.StatusConflict, code, message)
}

func NewForbiddenError(code, message string) *AppError {
	return newAppError(http.StatusForbidden, code, message)
}

func NewInternalError(message string) *AppError {
	return newAppError(http.StatusInternalServerError, CodeInternal, message)
}

// AsAppError extracts an *AppError from an error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode reports whether err carries the given application error code.
func IsCode(err error, code string) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}
