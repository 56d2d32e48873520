package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type walletResponse struct {
	Credits      int64                `json:"credits"`
	Transactions []transactionPayload `json:"transactions"`
}

type transactionPayload struct {
	TransactionID  string `json:"transactionId"`
	Type           string `json:"type"`
	Amount         int64  `json:"amount"`
	BalanceAfter   int64  `json:"balanceAfter"`
	Description    string `json:"description"`
	ReferenceID    string `json:"referenceId,omitempty"`
	CreatedUnixUTC int64  `json:"createdUnixUtc"`
}

// handleWallet returns the current balance and recent transaction history.
func (server *Server) handleWallet(ctx *gin.Context) {
	userID, ok := verifiedUser(ctx)
	if !ok {
		respondError(ctx, http.StatusUnauthorized, codeUnauthorized, "missing verified identity")
		return
	}
	requestCtx := ctx.Request.Context()

	balance, err := server.ledgerSvc.Balance(requestCtx, userID)
	if err != nil {
		server.logger.Error("wallet balance read failed", zap.String("user_id", userID.String()), zap.Error(err))
		respondError(ctx, http.StatusInternalServerError, codeInternalError, "balance unavailable")
		return
	}
	transactions, err := server.ledgerSvc.History(requestCtx, userID, server.cfg.WalletHistoryLimit)
	if err != nil {
		server.logger.Error("wallet history read failed", zap.String("user_id", userID.String()), zap.Error(err))
		respondError(ctx, http.StatusInternalServerError, codeInternalError, "history unavailable")
		return
	}

	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionPayload{
			TransactionID:  transaction.TransactionID,
			Type:           transaction.Type.String(),
			Amount:         transaction.Amount,
			BalanceAfter:   transaction.BalanceAfter,
			Description:    transaction.Description,
			ReferenceID:    transaction.ReferenceID,
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, walletResponse{
		Credits:      balance.Int64(),
		Transactions: payloads,
	})
}
