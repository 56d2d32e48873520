package ledger

const (
	operationDebit         = "debit"
	operationCredit        = "credit"
	operationRefund        = "refund"
	operationCreditOnce    = "credit_once"
	operationRecordAudit   = "record_audit"
	operationEnsureAccount = "ensure_account"

	operationStatusOK      = "ok"
	operationStatusError   = "error"
	operationStatusSkipped = "skipped"

	refundDescriptionPrefix = "Refund: "
	signupReferencePrefix   = "signup:"
)
