package ledger

const (
	operationCreateAccount    = "create_account"
	operationDeleteAccount    = "delete_account"
	operationGrant            = "grant"
	operationDeduct           = "deduct"
	operationRefund           = "refund"
	operationActivate         = "activate"
	operationDeactivate       = "deactivate"
	operationSetPendingPlan   = "set_pending_plan"
	operationClearPendingPlan = "clear_pending_plan"
	operationExpireAccounts   = "expire_accounts"

	operationStatusOK             = "ok"
	operationStatusError          = "error"
	operationStatusAlreadyApplied = "already_applied"

	errorOperationService = "service"
	errorSubjectAccount   = "account"
	errorCodeNegative     = "negative_balance"
)

// Operation names exposed for audit consumers.
const (
	OperationGrant  = operationGrant
	OperationDeduct = operationDeduct
	OperationRefund = operationRefund
)

// Audit statuses exposed for audit consumers.
const (
	StatusOK             = operationStatusOK
	StatusError          = operationStatusError
	StatusAlreadyApplied = operationStatusAlreadyApplied
)
