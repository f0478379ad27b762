package ledger

const (
	operationCredit = "credit"
	operationDebit  = "debit"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
