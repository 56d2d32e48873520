package httpapi

import (
	"crypto/subtle"
	"net/http"

	"github.com/MarkoPoloResearchLab/recolor/internal/auth"
	"github.com/MarkoPoloResearchLab/recolor/internal/webhook"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// billingWebhookPayload is the provider's delivery envelope.
type billingWebhookPayload struct {
	APIVersion string           `json:"api_version"`
	Event      billingEventBody `json:"event"`
}

type billingEventBody struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	AppUserID     string `json:"app_user_id"`
	ProductID     string `json:"product_id"`
	TransactionID string `json:"transaction_id"`
	Store         string `json:"store"`
}

// handleBillingWebhook authenticates the billing provider by shared secret
// and applies the event through the processor. Recognized-but-inactionable
// cases answer 200 so the provider does not retry what a retry cannot fix.
func (server *Server) handleBillingWebhook(ctx *gin.Context) {
	secret, found := auth.BearerCredential(ctx.GetHeader("Authorization"))
	if !found || subtle.ConstantTimeCompare([]byte(secret), []byte(server.cfg.WebhookSecret)) != 1 {
		respondError(ctx, http.StatusUnauthorized, codeUnauthorized, "invalid webhook credential")
		return
	}

	var payload billingWebhookPayload
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		respondError(ctx, http.StatusBadRequest, codeInvalidRequest, "expected JSON event payload")
		return
	}
	if payload.Event.ID == "" || payload.Event.AppUserID == "" {
		respondError(ctx, http.StatusBadRequest, codeInvalidRequest, "event id and app_user_id are required")
		return
	}

	result, err := server.processor.Process(ctx.Request.Context(), webhook.PurchaseEvent{
		EventID:       payload.Event.ID,
		Type:          payload.Event.Type,
		AppUserID:     payload.Event.AppUserID,
		ProductID:     payload.Event.ProductID,
		TransactionID: payload.Event.TransactionID,
		Store:         payload.Event.Store,
	})
	if err != nil {
		server.logger.Error("webhook processing failed",
			zap.String("event_id", payload.Event.ID),
			zap.String("event_type", payload.Event.Type),
			zap.Error(err),
		)
		respondError(ctx, http.StatusInternalServerError, codeInternalError, "event processing failed")
		return
	}

	switch result.Outcome {
	case webhook.OutcomeCredited:
		ctx.JSON(http.StatusOK, gin.H{
			"success":      true,
			"creditsAdded": result.CreditsAdded,
			"newBalance":   result.NewBalance,
		})
	case webhook.OutcomeAlreadyProcessed:
		ctx.JSON(http.StatusOK, gin.H{"message": "event already processed"})
	case webhook.OutcomeUnknownProduct:
		ctx.JSON(http.StatusOK, gin.H{"warning": "unknown product id"})
	case webhook.OutcomeUserMissing:
		ctx.JSON(http.StatusOK, gin.H{"warning": "user account not found"})
	case webhook.OutcomeLogged:
		ctx.JSON(http.StatusOK, gin.H{"message": "event recorded"})
	default:
		ctx.JSON(http.StatusOK, gin.H{"message": "event acknowledged"})
	}
}
