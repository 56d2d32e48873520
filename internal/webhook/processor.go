package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/recolor/pkg/ledger"
	"go.uber.org/zap"
)

// Event type values delivered by the billing provider.
const (
	EventInitialPurchase     = "INITIAL_PURCHASE"
	EventNonRenewingPurchase = "NON_RENEWING_PURCHASE"
	EventRenewal             = "RENEWAL"
	EventProductChange       = "PRODUCT_CHANGE"
	EventCancellation        = "CANCELLATION"
	EventUncancellation      = "UNCANCELLATION"
	EventExpiration          = "EXPIRATION"
	EventBillingIssue        = "BILLING_ISSUE"
	EventRefund              = "REFUND"
)

// PurchaseEvent is the billing provider's event payload, consumed not owned.
// EventID is stable across delivery retries of the same underlying purchase.
type PurchaseEvent struct {
	EventID       string
	Type          string
	AppUserID     string
	ProductID     string
	TransactionID string
	Store         string
}

// Outcome classifies how an event was handled. Every outcome except a genuine
// internal error is acknowledged with HTTP 200 so the provider stops retrying
// cases a retry cannot fix.
type Outcome string

const (
	OutcomeCredited         Outcome = "credited"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeUnknownProduct   Outcome = "unknown_product"
	OutcomeUserMissing      Outcome = "user_missing"
	OutcomeLogged           Outcome = "logged"
	OutcomeAcknowledged     Outcome = "acknowledged"
)

// Result reports the ledger effect of one processed event.
type Result struct {
	Outcome      Outcome
	CreditsAdded int64
	NewBalance   int64
}

// Processor applies purchase-confirmation events to the credit ledger exactly
// once per event id.
type Processor struct {
	ledgerService  *ledger.Service
	productCredits map[string]int64
	logger         *zap.Logger
}

// NewProcessor wires a Processor. productCredits maps billing product ids to
// the credit amounts they grant.
func NewProcessor(ledgerService *ledger.Service, productCredits map[string]int64, logger *zap.Logger) (*Processor, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("webhook processor: ledger service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		ledgerService:  ledgerService,
		productCredits: productCredits,
		logger:         logger,
	}, nil
}

// Process dispatches one event. Purchase-like events credit the ledger,
// refund-like events are logged for audit without clawing back credits, and
// the remaining subscription lifecycle events are acknowledged only.
func (processor *Processor) Process(ctx context.Context, event PurchaseEvent) (Result, error) {
	if event.EventID == "" || event.AppUserID == "" {
		return Result{}, fmt.Errorf("webhook event: missing event id or user id")
	}
	userID, err := ledger.NewUserID(event.AppUserID)
	if err != nil {
		return Result{}, err
	}

	switch event.Type {
	case EventInitialPurchase, EventNonRenewingPurchase:
		return processor.applyPurchase(ctx, userID, event)
	case EventCancellation, EventRefund:
		return processor.recordRefundEvent(ctx, userID, event)
	default:
		processor.logger.Info("billing event acknowledged without ledger effect",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.Type),
		)
		return Result{Outcome: OutcomeAcknowledged}, nil
	}
}

func (processor *Processor) applyPurchase(ctx context.Context, userID ledger.UserID, event PurchaseEvent) (Result, error) {
	creditsForProduct, known := processor.productCredits[event.ProductID]
	if !known || creditsForProduct <= 0 {
		// Acknowledged rather than failed: a retry cannot fix a product
		// mapping gap, and the provider retries on non-2xx forever.
		processor.logger.Warn("unknown product in purchase event",
			zap.String("event_id", event.EventID),
			zap.String("product_id", event.ProductID),
		)
		return Result{Outcome: OutcomeUnknownProduct}, nil
	}
	amount, err := ledger.NewCreditAmount(creditsForProduct)
	if err != nil {
		return Result{}, err
	}
	metadata := eventMetadata(event)
	newBalance, applied, err := processor.ledgerService.CreditOnce(
		ctx,
		userID,
		amount,
		ledger.TransactionPurchase,
		fmt.Sprintf("Purchase %s (%d credits)", event.ProductID, creditsForProduct),
		event.EventID,
		metadata,
	)
	if errors.Is(err, ledger.ErrUserNotFound) {
		// Account creation can race webhook delivery; answer 200 with a
		// warning instead of poisoning the provider's retry queue.
		processor.logger.Warn("purchase event for missing user",
			zap.String("event_id", event.EventID),
			zap.String("user_id", userID.String()),
		)
		return Result{Outcome: OutcomeUserMissing}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return Result{Outcome: OutcomeAlreadyProcessed, NewBalance: newBalance.Int64()}, nil
	}
	return Result{
		Outcome:      OutcomeCredited,
		CreditsAdded: creditsForProduct,
		NewBalance:   newBalance.Int64(),
	}, nil
}

func (processor *Processor) recordRefundEvent(ctx context.Context, userID ledger.UserID, event PurchaseEvent) (Result, error) {
	// Product decision: purchased credits stay spendable after a billing
	// refund or cancellation; the event is only recorded for audit.
	applied, err := processor.ledgerService.RecordAudit(
		ctx,
		userID,
		ledger.TransactionRefund,
		fmt.Sprintf("Billing %s for %s", event.Type, event.ProductID),
		event.EventID,
		eventMetadata(event),
	)
	if errors.Is(err, ledger.ErrUserNotFound) {
		return Result{Outcome: OutcomeUserMissing}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return Result{Outcome: OutcomeAlreadyProcessed}, nil
	}
	return Result{Outcome: OutcomeLogged}, nil
}

func eventMetadata(event PurchaseEvent) string {
	raw, err := json.Marshal(map[string]string{
		"event_type":     event.Type,
		"product_id":     event.ProductID,
		"transaction_id": event.TransactionID,
		"store":          event.Store,
	})
	if err != nil {
		return "{}"
	}
	return string(raw)
}
