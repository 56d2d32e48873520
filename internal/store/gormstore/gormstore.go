package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/recolor/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	constraintTransactionEventID = "uniq_transaction_event"
	defaultMetadataJSON          = "{}"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectTransaction      = "transaction"
	errorSubjectRequestLog       = "request_log"
	errorCodeCreate              = "create"
	errorCodeDebit               = "debit"
	errorCodeCredit              = "credit"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLookup              = "lookup"
	errorCodeCount               = "count"
	errorCodePurge               = "purge"
)

// Store implements ledger.Store and the rate limiter's request log using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID string) (ledger.Account, bool, error) {
	var account UserAccount
	result := store.db.WithContext(ctx).
		Where(UserAccount{UserID: userID}).
		Attrs(UserAccount{Credits: 0}).
		FirstOrCreate(&account)
	if result.Error != nil {
		return ledger.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeLookup, result.Error)
	}
	created := result.RowsAffected > 0
	return ledger.Account{UserID: account.UserID, Credits: account.Credits}, created, nil
}

func (store *Store) GetBalance(ctx context.Context, userID string) (int64, error) {
	var account UserAccount
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUserNotFound)
		}
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account.Credits, nil
}

// DebitBalance is the single conditional update guarding against a negative
// balance. The WHERE clause carries the balance check so concurrent debits for
// the same user serialize at the row and at most one of two racing debits that
// would overdraw succeeds.
func (store *Store) DebitBalance(ctx context.Context, userID string, amount int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&UserAccount{}).
		Where("user_id = ? AND credits >= ?", userID, amount).
		UpdateColumns(map[string]interface{}{
			"credits":    gorm.Expr("credits - ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		// Distinguish a missing account from an uncovered debit.
		if _, err := store.GetBalance(ctx, userID); err != nil {
			return 0, err
		}
		return 0, wrapStoreError(errorSubjectAccount, errorCodeDebit, ledger.ErrInsufficientCredits)
	}
	return store.GetBalance(ctx, userID)
}

func (store *Store) CreditBalance(ctx context.Context, userID string, amount int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&UserAccount{}).
		Where("user_id = ?", userID).
		UpdateColumns(map[string]interface{}{
			"credits":    gorm.Expr("credits + ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeCredit, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeCredit, ledger.ErrUserNotFound)
	}
	return store.GetBalance(ctx, userID)
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	var eventID *string
	if transaction.EventID != "" {
		value := transaction.EventID
		eventID = &value
	}
	row := CreditTransaction{
		TransactionID: transaction.TransactionID,
		UserID:        transaction.UserID,
		Type:          transaction.Type.String(),
		Amount:        transaction.Amount,
		BalanceAfter:  transaction.BalanceAfter,
		Description:   transaction.Description,
		ReferenceID:   transaction.ReferenceID,
		EventID:       eventID,
		Metadata:      datatypesJSON(transaction.MetadataJSON),
		CreatedAt:     time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() || transaction.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isEventConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateEvent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindTransactionByEventID(ctx context.Context, eventID string) (ledger.Transaction, bool, error) {
	var row CreditTransaction
	err := store.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, true, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// CountRequestsSince counts accepted attempts for (user, endpoint) with a
// timestamp at or after the cutoff.
func (store *Store) CountRequestsSince(ctx context.Context, userID string, endpoint string, since time.Time) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&APIRequestLog{}).
		Where("user_id = ? AND endpoint = ? AND created_at >= ?", userID, endpoint, since.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectRequestLog, errorCodeCount, err)
	}
	return count, nil
}

// InsertRequestLog records one admitted attempt.
func (store *Store) InsertRequestLog(ctx context.Context, userID string, endpoint string, at time.Time) error {
	record := APIRequestLog{
		UserID:    userID,
		Endpoint:  endpoint,
		CreatedAt: at.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return wrapStoreError(errorSubjectRequestLog, errorCodeInsert, err)
	}
	return nil
}

// PurgeRequestLogsBefore deletes request-log rows older than the cutoff.
// Storage hygiene only; the limiter stays correct without it.
func (store *Store) PurgeRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Delete(&APIRequestLog{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectRequestLog, errorCodePurge, result.Error)
	}
	return result.RowsAffected, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapTransaction(row CreditTransaction) (ledger.Transaction, error) {
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var eventID string
	if row.EventID != nil {
		eventID = *row.EventID
	}
	return ledger.Transaction{
		TransactionID:  row.TransactionID,
		UserID:         row.UserID,
		Type:           transactionType,
		Amount:         row.Amount,
		BalanceAfter:   row.BalanceAfter,
		Description:    row.Description,
		ReferenceID:    row.ReferenceID,
		EventID:        eventID,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isEventConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionEventID
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
