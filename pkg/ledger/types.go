package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Credits is an integer credit amount. Persisted balances are never negative;
// transaction amounts carry a sign (debits are negative).
type Credits int64

// Int64 returns the raw amount.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// CreditAmount is a strictly positive credit amount used by debit and credit
// operations.
type CreditAmount struct {
	value int64
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return CreditAmount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount{value: raw}, nil
}

// Int64 returns the raw amount.
func (amount CreditAmount) Int64() int64 {
	return amount.value
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionUsage    TransactionType = "usage"
	TransactionBonus    TransactionType = "bonus"
	TransactionRefund   TransactionType = "refund"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionPurchase, TransactionUsage, TransactionBonus, TransactionRefund:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// creditableTypes are the transaction types a Credit call may record.
func (transactionType TransactionType) creditable() bool {
	switch transactionType {
	case TransactionPurchase, TransactionBonus, TransactionRefund:
		return true
	}
	return false
}

// Transaction is a single immutable line in the audit trail. EventID, when
// set, is the idempotency anchor for externally delivered events and is
// unique across all transactions.
type Transaction struct {
	TransactionID  string
	UserID         string
	Type           TransactionType
	Amount         int64
	BalanceAfter   int64
	Description    string
	ReferenceID    string
	EventID        string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Account is the persisted balance row for one user.
type Account struct {
	UserID  string
	Credits int64
}

// Store is the persistence contract used by Service.
// (gormstore implements this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID string) (Account, bool, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	// DebitBalance decrements the balance only if it covers amount, in a single
	// conditional update, and returns the post-debit balance. Returns
	// ErrInsufficientCredits when the condition fails and ErrUserNotFound when
	// no account row exists.
	DebitBalance(ctx context.Context, userID string, amount int64) (int64, error)
	CreditBalance(ctx context.Context, userID string, amount int64) (int64, error)
	// InsertTransaction appends one audit row. A duplicate EventID fails with
	// ErrDuplicateEvent.
	InsertTransaction(ctx context.Context, transaction Transaction) error
	FindTransactionByEventID(ctx context.Context, eventID string) (Transaction, bool, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
}
