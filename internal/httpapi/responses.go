package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Stable machine-checkable error codes.
const (
	codeUnauthorized        = "unauthorized"
	codeForbidden           = "forbidden"
	codeInvalidRequest      = "invalid_request"
	codeContentRejected     = "content_rejected"
	codeRateLimited         = "rate_limited"
	codeInsufficientCredits = "insufficient_credits"
	codeUpstreamFailure     = "upstream_failure"
	codeInternalError       = "internal_error"
)

// operationSuccess is the one success shape a gated operation returns. The
// error shape is a distinct type so handlers cannot mix the two.
type operationSuccess struct {
	Success          bool   `json:"success"`
	URL              string `json:"url"`
	StoragePath      string `json:"storagePath"`
	CreditsUsed      int64  `json:"creditsUsed"`
	CreditsRemaining int64  `json:"creditsRemaining"`
	Scale            int    `json:"scale,omitempty"`
	Scene            string `json:"scene,omitempty"`
}

// apiError is the error payload for every non-200 response. The credit fields
// are pointers so they only appear when they carry meaning.
type apiError struct {
	Code             string `json:"error"`
	Message          string `json:"message,omitempty"`
	CreditsRequired  *int64 `json:"creditsRequired,omitempty"`
	CreditsAvailable *int64 `json:"creditsAvailable,omitempty"`
	CreditsRefunded  *bool  `json:"creditsRefunded,omitempty"`
}

func respondError(ctx *gin.Context, status int, code string, message string) {
	ctx.JSON(status, apiError{Code: code, Message: message})
}

func respondInsufficientCredits(ctx *gin.Context, required int64, available int64) {
	ctx.JSON(http.StatusPaymentRequired, apiError{
		Code:             codeInsufficientCredits,
		Message:          "not enough credits for this operation",
		CreditsRequired:  &required,
		CreditsAvailable: &available,
	})
}

func respondRefunded(ctx *gin.Context, status int, code string, message string, refunded bool) {
	ctx.JSON(status, apiError{
		Code:            code,
		Message:         message,
		CreditsRefunded: &refunded,
	})
}
