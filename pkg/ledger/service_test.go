package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// stubStore is an in-memory Store with injectable failures.
type stubStore struct {
	mu           sync.Mutex
	accounts     map[string]int64
	transactions []Transaction

	failBalance bool
	failInsert  bool
}

func newStubStore(balances map[string]int64) *stubStore {
	if balances == nil {
		balances = map[string]int64{}
	}
	return &stubStore{accounts: balances}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, userID string) (Account, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if balance, ok := store.accounts[userID]; ok {
		return Account{UserID: userID, Credits: balance}, false, nil
	}
	store.accounts[userID] = 0
	return Account{UserID: userID, Credits: 0}, true, nil
}

func (store *stubStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failBalance {
		return 0, errors.New("storage unavailable")
	}
	balance, ok := store.accounts[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return balance, nil
}

func (store *stubStore) DebitBalance(ctx context.Context, userID string, amount int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	balance, ok := store.accounts[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	if balance < amount {
		return 0, ErrInsufficientCredits
	}
	store.accounts[userID] = balance - amount
	return balance - amount, nil
}

func (store *stubStore) CreditBalance(ctx context.Context, userID string, amount int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	balance, ok := store.accounts[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	store.accounts[userID] = balance + amount
	return balance + amount, nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failInsert {
		return errors.New("storage unavailable")
	}
	if transaction.EventID != "" {
		for _, existing := range store.transactions {
			if existing.EventID == transaction.EventID {
				return ErrDuplicateEvent
			}
		}
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) FindTransactionByEventID(ctx context.Context, eventID string) (Transaction, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, transaction := range store.transactions {
		if transaction.EventID == eventID {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	listed := make([]Transaction, 0, limit)
	for index := len(store.transactions) - 1; index >= 0 && len(listed) < limit; index-- {
		if store.transactions[index].UserID == userID {
			listed = append(listed, store.transactions[index])
		}
	}
	return listed, nil
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 })
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustAmount(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	amount, err := NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func TestDebitAppendsUsageTransaction(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"user-1": 10})
	service := mustNewService(test, store)

	balance, err := service.Debit(context.Background(), mustUserID(test, "user-1"), mustAmount(test, 3), "Colorize photo", "user-1/uploads/a.jpg", "{}")
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if balance != 7 {
		test.Fatalf("expected balance 7, got %d", balance)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected 1 transaction, got %d", len(store.transactions))
	}
	transaction := store.transactions[0]
	if transaction.Type != TransactionUsage {
		test.Fatalf("expected usage transaction, got %s", transaction.Type)
	}
	if transaction.Amount != -3 {
		test.Fatalf("expected amount -3, got %d", transaction.Amount)
	}
	if transaction.BalanceAfter != 7 {
		test.Fatalf("expected balance after 7, got %d", transaction.BalanceAfter)
	}
	if transaction.ReferenceID != "user-1/uploads/a.jpg" {
		test.Fatalf("unexpected reference id %q", transaction.ReferenceID)
	}
}

func TestDebitInsufficientCreditsLeavesNoTrace(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"user-1": 2})
	service := mustNewService(test, store)

	_, err := service.Debit(context.Background(), mustUserID(test, "user-1"), mustAmount(test, 5), "Upscale photo", "", "")
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if store.accounts["user-1"] != 2 {
		test.Fatalf("balance changed on failed debit: %d", store.accounts["user-1"])
	}
	if len(store.transactions) != 0 {
		test.Fatalf("expected no transactions, got %d", len(store.transactions))
	}
}

func TestDebitUnknownUser(test *testing.T) {
	test.Parallel()
	store := newStubStore(nil)
	service := mustNewService(test, store)

	_, err := service.Debit(context.Background(), mustUserID(test, "ghost"), mustAmount(test, 1), "", "", "")
	if !errors.Is(err, ErrUserNotFound) {
		test.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestCreditRejectsUsageType(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"user-1": 0})
	service := mustNewService(test, store)

	_, err := service.Credit(context.Background(), mustUserID(test, "user-1"), mustAmount(test, 5), TransactionUsage, "", "", "")
	if !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
}

func TestRefundFormatsDescription(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"user-1": 0})
	service := mustNewService(test, store)

	balance, err := service.Refund(context.Background(), mustUserID(test, "user-1"), mustAmount(test, 10), "image processing failed")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if balance != 10 {
		test.Fatalf("expected balance 10, got %d", balance)
	}
	transaction := store.transactions[0]
	if transaction.Type != TransactionRefund {
		test.Fatalf("expected refund transaction, got %s", transaction.Type)
	}
	if transaction.Description != "Refund: image processing failed" {
		test.Fatalf("unexpected description %q", transaction.Description)
	}
}

func TestCreditOnceAppliesExactlyOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"user-1": 5})
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-1")
	amount := mustAmount(test, 70)

	balance, applied, err := service.CreditOnce(context.Background(), userID, amount, TransactionPurchase, "Purchase credits_70", "evt-1", "{}")
	if err != nil {
		test.Fatalf("first delivery: %v", err)
	}
	if !applied || balance != 75 {
		test.Fatalf("expected applied with balance 75, got applied=%v balance=%d", applied, balance)
	}

	balance, applied, err = service.CreditOnce(context.Background(), userID, amount, TransactionPurchase, "Purchase credits_70", "evt-1", "{}")
	if err != nil {
		test.Fatalf("redelivery: %v", err)
	}
	if applied {
		test.Fatalf("redelivery must not apply")
	}
	if balance != 75 {
		test.Fatalf("expected balance 75 after redelivery, got %d", balance)
	}
	if store.accounts["user-1"] != 75 {
		test.Fatalf("expected persisted balance 75, got %d", store.accounts["user-1"])
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected exactly one transaction, got %d", len(store.transactions))
	}
}

func TestCreditOnceRequiresEventID(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"user-1": 0})
	service := mustNewService(test, store)

	_, _, err := service.CreditOnce(context.Background(), mustUserID(test, "user-1"), mustAmount(test, 1), TransactionPurchase, "", "", "")
	if !errors.Is(err, ErrInvalidEventID) {
		test.Fatalf("expected ErrInvalidEventID, got %v", err)
	}
}

func TestRecordAuditKeepsBalanceAndIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore(map[string]int64{"user-1": 40})
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-1")

	applied, err := service.RecordAudit(context.Background(), userID, TransactionRefund, "Billing CANCELLATION for credits_70", "evt-9", "{}")
	if err != nil {
		test.Fatalf("record audit: %v", err)
	}
	if !applied {
		test.Fatalf("expected first record to apply")
	}
	if store.accounts["user-1"] != 40 {
		test.Fatalf("audit record must not move the balance, got %d", store.accounts["user-1"])
	}
	transaction := store.transactions[0]
	if transaction.Amount != 0 || transaction.BalanceAfter != 40 {
		test.Fatalf("expected zero-amount transaction at balance 40, got amount=%d balanceAfter=%d", transaction.Amount, transaction.BalanceAfter)
	}

	applied, err = service.RecordAudit(context.Background(), userID, TransactionRefund, "Billing CANCELLATION for credits_70", "evt-9", "{}")
	if err != nil {
		test.Fatalf("redelivery: %v", err)
	}
	if applied || len(store.transactions) != 1 {
		test.Fatalf("redelivery must not append, applied=%v count=%d", applied, len(store.transactions))
	}
}

func TestEnsureAccountGrantsBonusOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(nil)
	service := mustNewService(test, store)
	userID := mustUserID(test, "fresh-user")

	if err := service.EnsureAccount(context.Background(), userID, 5); err != nil {
		test.Fatalf("first ensure: %v", err)
	}
	if err := service.EnsureAccount(context.Background(), userID, 5); err != nil {
		test.Fatalf("second ensure: %v", err)
	}
	if store.accounts["fresh-user"] != 5 {
		test.Fatalf("expected balance 5 after bonus, got %d", store.accounts["fresh-user"])
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected one bonus transaction, got %d", len(store.transactions))
	}
	if store.transactions[0].Type != TransactionBonus {
		test.Fatalf("expected bonus transaction, got %s", store.transactions[0].Type)
	}
	if !strings.HasPrefix(store.transactions[0].EventID, "signup:") {
		test.Fatalf("expected signup event id, got %q", store.transactions[0].EventID)
	}
}

func TestConcurrentDebitsConserveBalance(test *testing.T) {
	test.Parallel()
	const startingBalance = 10
	store := newStubStore(map[string]int64{"user-1": startingBalance})
	service := mustNewService(test, store)
	userID := mustUserID(test, "user-1")

	const attempts = 30
	var waitGroup sync.WaitGroup
	successes := make(chan int64, attempts)
	for index := 0; index < attempts; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if _, err := service.Debit(context.Background(), userID, mustDebitAmount(1), "Colorize photo", "", ""); err == nil {
				successes <- 1
			}
		}()
	}
	waitGroup.Wait()
	close(successes)

	var succeeded int64
	for amount := range successes {
		succeeded += amount
	}
	if succeeded != startingBalance {
		test.Fatalf("expected exactly %d successful debits, got %d", startingBalance, succeeded)
	}
	if store.accounts["user-1"] != 0 {
		test.Fatalf("expected final balance 0, got %d", store.accounts["user-1"])
	}
	if int64(len(store.transactions)) != succeeded {
		test.Fatalf("expected %d usage transactions, got %d", succeeded, len(store.transactions))
	}
}

func mustDebitAmount(raw int64) CreditAmount {
	amount, err := NewCreditAmount(raw)
	if err != nil {
		panic(fmt.Sprintf("bad amount in test: %v", err))
	}
	return amount
}
