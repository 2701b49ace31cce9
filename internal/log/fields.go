package log

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldClientIP    = "client_ip"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldQuery       = "query"
	FieldStatusCode  = "status_code"
	FieldDuration    = "duration_ms"
	FieldUserAgent   = "user_agent"
	FieldSuccess     = "success"
	FieldError       = "error"
	FieldErrorCode   = "error_code"
	FieldOperation   = "operation"
	FieldAction      = "action"
	FieldActor       = "actor"
	FieldExpenseID   = "expense_id"
	FieldExpenseOut  = "expense_out_id"
	FieldExpenseIn   = "expense_in_id"
	FieldLinkID      = "link_id"
	FieldRuleID      = "rule_id"
	FieldCategoryID  = "category_id"
	FieldAmountMinor = "amount_minor"
	FieldCurrency    = "currency"
	FieldStatus      = "reimbursement_status"
	FieldFrom        = "from"
	FieldTo          = "to"
	FieldMessageID   = "message_id"
	FieldMessageType = "message_type"
	FieldCount       = "count"
)

// Components defines standard component names
const (
	ComponentApp           = "app"
	ComponentHTTP          = "http"
	ComponentExpense       = "expense"
	ComponentReimbursement = "reimbursement"
	ComponentAutoMatch     = "automatch"
	ComponentStorage       = "storage"
	ComponentAMQP          = "amqp"
	ComponentWorker        = "worker"
	ComponentSheets        = "sheets"
	ComponentCache         = "cache"
	ComponentBackend       = "backend"
	ComponentAudit         = "audit"
	ComponentApproval      = "approval"
)

// Operations defines standard operation names
const (
	OpCreate    = "create"
	OpRead      = "read"
	OpUpdate    = "update"
	OpDelete    = "delete"
	OpList      = "list"
	OpLink      = "link"
	OpUnlink    = "unlink"
	OpClose     = "close"
	OpReopen    = "reopen"
	OpAutoMatch = "automatch"
	OpExport    = "export"
	OpShutdown  = "shutdown"
	OpStartup   = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithLink adds the fields describing one allocation.
func (f LogFields) WithLink(linkID, outID, inID string, amountMinor int64) LogFields {
	f[FieldLinkID] = linkID
	f[FieldExpenseOut] = outID
	f[FieldExpenseIn] = inID
	f[FieldAmountMinor] = amountMinor
	return f
}

func (f LogFields) WithHTTPRequest(method, path, query, userAgent string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	f[FieldUserAgent] = userAgent
	return f
}

func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = statusCode < 400
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
