package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the current persisted balance for the user.
func (service *Service) Balance(ctx context.Context, userID UserID) (Credits, error) {
	balance, err := service.store.GetBalance(ctx, userID.String())
	if err != nil {
		return 0, err
	}
	if balance < 0 {
		return 0, WrapError("service", "balance", "negative_balance", ErrInvalidBalance)
	}
	return Credits(balance), nil
}

// Debit atomically removes amount from the user's balance and appends a usage
// transaction recording the post-debit balance. Two concurrent debits never
// both succeed when their combined amount would drive the balance negative:
// the store's conditional update is the single synchronization point.
func (service *Service) Debit(ctx context.Context, userID UserID, amount CreditAmount, description string, referenceID string, metadataJSON string) (Credits, error) {
	var balanceAfter int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		newBalance, err := transactionStore.DebitBalance(ctx, userID.String(), amount.Int64())
		if err != nil {
			return err
		}
		balanceAfter = newBalance
		return transactionStore.InsertTransaction(ctx, Transaction{
			UserID:         userID.String(),
			Type:           TransactionUsage,
			Amount:         -amount.Int64(),
			BalanceAfter:   newBalance,
			Description:    description,
			ReferenceID:    referenceID,
			MetadataJSON:   metadataJSON,
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationDebit,
		UserID:      userID,
		Amount:      amount.Int64(),
		ReferenceID: referenceID,
		Error:       operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return Credits(balanceAfter), nil
}

// Credit atomically adds amount to the user's balance and appends a matching
// transaction. The transaction type must be purchase, bonus, or refund.
func (service *Service) Credit(ctx context.Context, userID UserID, amount CreditAmount, transactionType TransactionType, description string, referenceID string, metadataJSON string) (Credits, error) {
	if !transactionType.creditable() {
		return 0, fmt.Errorf("%w: %q is not a credit type", ErrInvalidTransactionType, transactionType)
	}
	var balanceAfter int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		newBalance, err := transactionStore.CreditBalance(ctx, userID.String(), amount.Int64())
		if err != nil {
			return err
		}
		balanceAfter = newBalance
		return transactionStore.InsertTransaction(ctx, Transaction{
			UserID:         userID.String(),
			Type:           transactionType,
			Amount:         amount.Int64(),
			BalanceAfter:   newBalance,
			Description:    description,
			ReferenceID:    referenceID,
			MetadataJSON:   metadataJSON,
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationCredit,
		UserID:      userID,
		Amount:      amount.Int64(),
		ReferenceID: referenceID,
		Error:       operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return Credits(balanceAfter), nil
}

// Refund reverses an earlier debit with a refund-typed transaction.
func (service *Service) Refund(ctx context.Context, userID UserID, amount CreditAmount, reason string) (Credits, error) {
	balance, err := service.Credit(ctx, userID, amount, TransactionRefund, refundDescriptionPrefix+reason, "", "")
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    userID,
		Amount:    amount.Int64(),
		Error:     err,
	})
	return balance, err
}

// CreditOnce applies a credit at most once per event id. The event id is
// looked up before crediting and the transaction row carries a unique
// constraint on it, so a concurrent duplicate loses the insert race and is
// reported as not applied rather than double-credited.
func (service *Service) CreditOnce(ctx context.Context, userID UserID, amount CreditAmount, transactionType TransactionType, description string, eventID string, metadataJSON string) (Credits, bool, error) {
	if !transactionType.creditable() {
		return 0, false, fmt.Errorf("%w: %q is not a credit type", ErrInvalidTransactionType, transactionType)
	}
	if eventID == "" {
		return 0, false, fmt.Errorf("%w: empty value", ErrInvalidEventID)
	}
	existing, found, err := service.store.FindTransactionByEventID(ctx, eventID)
	if err != nil {
		return 0, false, err
	}
	if found {
		service.logOperation(ctx, OperationLog{
			Operation:   operationCreditOnce,
			UserID:      userID,
			Amount:      amount.Int64(),
			ReferenceID: eventID,
			Status:      operationStatusSkipped,
		})
		return Credits(existing.BalanceAfter), false, nil
	}
	var balanceAfter int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		newBalance, err := transactionStore.CreditBalance(ctx, userID.String(), amount.Int64())
		if err != nil {
			return err
		}
		balanceAfter = newBalance
		return transactionStore.InsertTransaction(ctx, Transaction{
			UserID:         userID.String(),
			Type:           transactionType,
			Amount:         amount.Int64(),
			BalanceAfter:   newBalance,
			Description:    description,
			EventID:        eventID,
			MetadataJSON:   metadataJSON,
			CreatedUnixUTC: service.nowFn(),
		})
	})
	if errors.Is(operationError, ErrDuplicateEvent) {
		return 0, false, nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:   operationCreditOnce,
		UserID:      userID,
		Amount:      amount.Int64(),
		ReferenceID: eventID,
		Error:       operationError,
	})
	if operationError != nil {
		return 0, false, operationError
	}
	return Credits(balanceAfter), true, nil
}

// RecordAudit appends a zero-amount transaction without touching the balance.
// Used for billing events that must appear in the audit trail but do not move
// credits (refunds are deliberately not clawed back). Idempotent per event id;
// a redelivered event reports applied=false.
func (service *Service) RecordAudit(ctx context.Context, userID UserID, transactionType TransactionType, description string, eventID string, metadataJSON string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("%w: empty value", ErrInvalidEventID)
	}
	_, found, err := service.store.FindTransactionByEventID(ctx, eventID)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.GetBalance(ctx, userID.String())
		if err != nil {
			return err
		}
		return transactionStore.InsertTransaction(ctx, Transaction{
			UserID:         userID.String(),
			Type:           transactionType,
			Amount:         0,
			BalanceAfter:   balance,
			Description:    description,
			EventID:        eventID,
			MetadataJSON:   metadataJSON,
			CreatedUnixUTC: service.nowFn(),
		})
	})
	if errors.Is(operationError, ErrDuplicateEvent) {
		return false, nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:   operationRecordAudit,
		UserID:      userID,
		ReferenceID: eventID,
		Error:       operationError,
	})
	if operationError != nil {
		return false, operationError
	}
	return true, nil
}

// EnsureAccount creates the user's account row on first sight and grants the
// signup bonus exactly once. A zero bonus only creates the row.
func (service *Service) EnsureAccount(ctx context.Context, userID UserID, signupBonus int64) error {
	_, created, err := service.store.GetOrCreateAccount(ctx, userID.String())
	if err != nil {
		return err
	}
	if !created || signupBonus <= 0 {
		return nil
	}
	bonus, err := NewCreditAmount(signupBonus)
	if err != nil {
		return err
	}
	_, _, err = service.CreditOnce(ctx, userID, bonus, TransactionBonus, "Welcome bonus", signupReferencePrefix+userID.String(), "")
	service.logOperation(ctx, OperationLog{
		Operation: operationEnsureAccount,
		UserID:    userID,
		Amount:    signupBonus,
		Error:     err,
	})
	return err
}

// History lists the most recent transactions for a user, newest first.
func (service *Service) History(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, userID.String(), limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
