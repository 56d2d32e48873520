package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/MarkoPoloResearchLab/recolor/internal/storage"
	"github.com/MarkoPoloResearchLab/recolor/internal/transform"
	"github.com/MarkoPoloResearchLab/recolor/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var validUpscaleFactors = map[int]bool{1: true, 2: true, 4: true}

const defaultUpscaleFactor = 2

type colorizeRequest struct {
	StoragePath string `json:"storagePath"`
}

type upscaleRequest struct {
	StoragePath string `json:"storagePath"`
	Scale       int    `json:"scale"`
}

type generateSceneRequest struct {
	StoragePath  string `json:"storagePath"`
	Scene        string `json:"scene"`
	CustomPrompt string `json:"customPrompt"`
}

// gatedRequest is the normalized input to the shared operation pipeline.
type gatedRequest struct {
	operation   transform.Operation
	storagePath string
	scale       int
	scene       string
	prompt      string
}

func (server *Server) handleColorize(ctx *gin.Context) {
	var request colorizeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondError(ctx, http.StatusBadRequest, codeInvalidRequest, "expected JSON body with storagePath")
		return
	}
	server.runGatedOperation(ctx, gatedRequest{
		operation:   transform.OperationColorize,
		storagePath: request.StoragePath,
	})
}

func (server *Server) handleEnhanceFace(ctx *gin.Context) {
	var request colorizeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondError(ctx, http.StatusBadRequest, codeInvalidRequest, "expected JSON body with storagePath")
		return
	}
	server.runGatedOperation(ctx, gatedRequest{
		operation:   transform.OperationEnhanceFace,
		storagePath: request.StoragePath,
	})
}

func (server *Server) handleUpscale(ctx *gin.Context) {
	var request upscaleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondError(ctx, http.StatusBadRequest, codeInvalidRequest, "expected JSON body with storagePath")
		return
	}
	if request.Scale == 0 {
		request.Scale = defaultUpscaleFactor
	}
	if !validUpscaleFactors[request.Scale] {
		respondError(ctx, http.StatusBadRequest, codeInvalidRequest, "scale must be 1, 2, or 4")
		return
	}
	server.runGatedOperation(ctx, gatedRequest{
		operation:   transform.OperationUpscale,
		storagePath: request.StoragePath,
		scale:       request.Scale,
	})
}

func (server *Server) handleGenerateScene(ctx *gin.Context) {
	var request generateSceneRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondError(ctx, http.StatusBadRequest, codeInvalidRequest, "expected JSON body with storagePath")
		return
	}
	if request.Scene == "" && request.CustomPrompt == "" {
		respondError(ctx, http.StatusBadRequest, codeInvalidRequest, "either scene or customPrompt is required")
		return
	}
	if request.CustomPrompt != "" {
		if term, rejected := server.moderator.Reject(request.CustomPrompt); rejected {
			respondError(ctx, http.StatusBadRequest, codeContentRejected, fmt.Sprintf("prompt contains disallowed term %q", term))
			return
		}
	}
	server.runGatedOperation(ctx, gatedRequest{
		operation:   transform.OperationGenerateScene,
		storagePath: request.StoragePath,
		scene:       request.Scene,
		prompt:      request.CustomPrompt,
	})
}

// runGatedOperation is the shared pipeline behind every paid operation:
// validate → rate-check → balance precheck → debit → transform → commit or
// refund. Validation and the rate check run before any credit state is
// touched; every failure after the debit refunds it and says so in the
// response, so the net effect per request is exactly -cost or zero.
func (server *Server) runGatedOperation(ctx *gin.Context, request gatedRequest) {
	userID, ok := verifiedUser(ctx)
	if !ok {
		respondError(ctx, http.StatusUnauthorized, codeUnauthorized, "missing verified identity")
		return
	}

	// Ownership is checked before the rate limiter so a cross-tenant probe
	// leaves no trace in the request log.
	if err := storage.ValidateOwnership(request.storagePath, userID.String()); err != nil {
		if errors.Is(err, storage.ErrNotOwner) {
			respondError(ctx, http.StatusForbidden, codeForbidden, "storage path belongs to another user")
			return
		}
		respondError(ctx, http.StatusBadRequest, codeInvalidRequest, "malformed storage path")
		return
	}

	requestCtx := ctx.Request.Context()
	operationName := request.operation.String()

	if !server.limiter.Allow(requestCtx, userID.String(), operationName) {
		respondError(ctx, http.StatusTooManyRequests, codeRateLimited, "too many requests for this operation")
		return
	}

	cost, err := server.cfg.CostFor(request.operation)
	if err != nil {
		server.logger.Error("operation cost lookup failed", zap.String("operation", operationName), zap.Error(err))
		respondError(ctx, http.StatusInternalServerError, codeInternalError, "operation unavailable")
		return
	}

	balance, err := server.ledgerSvc.Balance(requestCtx, userID)
	if err != nil {
		server.logger.Error("balance read failed", zap.String("user_id", userID.String()), zap.Error(err))
		respondError(ctx, http.StatusInternalServerError, codeInternalError, "balance unavailable")
		return
	}
	if balance.Int64() < cost {
		respondInsufficientCredits(ctx, cost, balance.Int64())
		return
	}

	debitAmount, err := ledger.NewCreditAmount(cost)
	if err != nil {
		respondError(ctx, http.StatusInternalServerError, codeInternalError, "operation unavailable")
		return
	}
	// The debit lands before the transform call: the external step is the
	// slow, unreliable one, and an unpaid result is worse than a refund.
	if _, err := server.ledgerSvc.Debit(requestCtx, userID, debitAmount, operationDescription(request.operation), request.storagePath, operationMetadata(request)); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			respondInsufficientCredits(ctx, cost, balance.Int64())
			return
		}
		server.logger.Error("debit failed", zap.String("user_id", userID.String()), zap.Error(err))
		respondError(ctx, http.StatusInternalServerError, codeInternalError, "could not charge credits")
		return
	}

	resultPath, failure := server.performTransform(requestCtx, userID, request)
	if failure != nil {
		refunded := server.refundAfterFailure(requestCtx, userID, debitAmount, failure)
		respondRefunded(ctx, failure.status, failure.code, failure.message, refunded)
		return
	}

	signedURL, err := server.blobStore.SignedURL(resultPath)
	if err != nil {
		refunded := server.refundAfterFailure(requestCtx, userID, debitAmount, &operationFailure{
			status:  http.StatusInternalServerError,
			code:    codeInternalError,
			message: "result url unavailable",
			cause:   err,
		})
		respondRefunded(ctx, http.StatusInternalServerError, codeInternalError, "result url unavailable", refunded)
		return
	}

	remaining, err := server.ledgerSvc.Balance(requestCtx, userID)
	if err != nil {
		// The operation committed; a stale remaining-balance is preferable
		// to reporting failure. Fall back to the precheck value minus cost.
		server.logger.Warn("post-operation balance read failed", zap.String("user_id", userID.String()), zap.Error(err))
		remaining = ledger.Credits(balance.Int64() - cost)
	}

	ctx.JSON(http.StatusOK, operationSuccess{
		Success:          true,
		URL:              signedURL,
		StoragePath:      resultPath,
		CreditsUsed:      cost,
		CreditsRemaining: remaining.Int64(),
		Scale:            request.scale,
		Scene:            request.scene,
	})
}

// operationFailure carries the HTTP shape of a post-debit failure.
type operationFailure struct {
	status  int
	code    string
	message string
	cause   error
}

// performTransform executes the irreversible external phase: fetch input,
// enforce size limits, call the transform vendor, persist the output.
func (server *Server) performTransform(ctx context.Context, userID ledger.UserID, request gatedRequest) (string, *operationFailure) {
	input, err := server.blobStore.FetchObject(ctx, request.storagePath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", &operationFailure{
				status:  http.StatusBadRequest,
				code:    codeInvalidRequest,
				message: "input image not found",
				cause:   err,
			}
		}
		return "", &operationFailure{
			status:  http.StatusInternalServerError,
			code:    codeInternalError,
			message: "input image unavailable",
			cause:   err,
		}
	}

	maxBytes := server.cfg.MaxImageBytes
	if request.operation == transform.OperationUpscale {
		// Upscaling multiplies memory use; bound the input tighter.
		maxBytes = server.cfg.MaxUpscaleImageBytes
	}
	if int64(len(input)) > maxBytes {
		return "", &operationFailure{
			status:  http.StatusBadRequest,
			code:    codeInvalidRequest,
			message: fmt.Sprintf("input image exceeds %d byte limit", maxBytes),
		}
	}

	output, err := server.transformer.Transform(ctx, transform.Request{
		Operation: request.operation,
		Image:     input,
		Scale:     request.scale,
		Scene:     request.scene,
		Prompt:    request.prompt,
	})
	if err != nil {
		return "", &operationFailure{
			status:  http.StatusInternalServerError,
			code:    codeUpstreamFailure,
			message: "image processing failed",
			cause:   err,
		}
	}

	resultPath := fmt.Sprintf("%s/processed/%s-%s.jpg", userID.String(), request.operation.String(), uuid.NewString())
	if err := server.blobStore.StoreObject(ctx, resultPath, output); err != nil {
		return "", &operationFailure{
			status:  http.StatusInternalServerError,
			code:    codeInternalError,
			message: "could not persist result",
			cause:   err,
		}
	}
	return resultPath, nil
}

// refundAfterFailure compensates the up-front debit. A failed refund is
// logged and surfaced as creditsRefunded=false; the client is never told the
// operation succeeded.
func (server *Server) refundAfterFailure(ctx context.Context, userID ledger.UserID, amount ledger.CreditAmount, failure *operationFailure) bool {
	server.logger.Error("gated operation failed after debit",
		zap.String("user_id", userID.String()),
		zap.String("code", failure.code),
		zap.Error(failure.cause),
	)
	if _, err := server.ledgerSvc.Refund(ctx, userID, amount, failure.message); err != nil {
		server.logger.Error("refund failed",
			zap.String("user_id", userID.String()),
			zap.Int64("amount", amount.Int64()),
			zap.Error(err),
		)
		return false
	}
	return true
}

func operationDescription(operation transform.Operation) string {
	switch operation {
	case transform.OperationColorize:
		return "Colorize photo"
	case transform.OperationEnhanceFace:
		return "Enhance faces"
	case transform.OperationUpscale:
		return "Upscale photo"
	case transform.OperationGenerateScene:
		return "Generate scene"
	}
	return operation.String()
}

func operationMetadata(request gatedRequest) string {
	metadata := map[string]any{"operation": request.operation.String()}
	if request.scale != 0 {
		metadata["scale"] = request.scale
	}
	if request.scene != "" {
		metadata["scene"] = request.scene
	}
	if request.prompt != "" {
		metadata["custom_prompt"] = request.prompt
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
