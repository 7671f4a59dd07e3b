package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/pkg/checkout"
	"github.com/MarkoPoloResearchLab/credits/pkg/generation"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/topup"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{target: ledger.ErrInsufficientFunds, status: http.StatusPaymentRequired, code: "insufficient_funds"},
	{target: ledger.ErrAccountNotFound, status: http.StatusNotFound, code: "account_not_found"},
	{target: checkout.ErrOrderNotFound, status: http.StatusNotFound, code: "order_not_found"},
	{target: checkout.ErrUnknownPlan, status: http.StatusNotFound, code: "unknown_plan"},
	{target: topup.ErrRequestNotFound, status: http.StatusNotFound, code: "topup_not_found"},
	{target: generation.ErrUnknownOperation, status: http.StatusNotFound, code: "unknown_operation"},
	{target: checkout.ErrInvalidOrderTransition, status: http.StatusConflict, code: "order_closed"},
	{target: topup.ErrRequestClosed, status: http.StatusConflict, code: "topup_closed"},
	{target: ledger.ErrAccountExists, status: http.StatusConflict, code: "account_exists"},
	{target: ledger.ErrPendingPlanMismatch, status: http.StatusConflict, code: "pending_plan_mismatch"},
	{target: checkout.ErrGatewayUnavailable, status: http.StatusBadGateway, code: "gateway_unavailable"},
	{target: generation.ErrTransientProviderFailure, status: http.StatusBadGateway, code: "provider_unavailable"},
	{target: generation.ErrTerminalProviderFailure, status: http.StatusBadGateway, code: "provider_failed"},
	{target: ledger.ErrStoreUnavailable, status: http.StatusServiceUnavailable, code: "store_unavailable"},
	{target: ledger.ErrInvalidCredits, status: http.StatusBadRequest, code: "invalid_credits"},
	{target: ledger.ErrInvalidAccountKey, status: http.StatusBadRequest, code: "invalid_account"},
	{target: checkout.ErrInvalidOutcome, status: http.StatusBadRequest, code: "invalid_outcome"},
	{target: topup.ErrInvalidReceiptRef, status: http.StatusBadRequest, code: "invalid_receipt"},
	{target: topup.ErrInvalidPrice, status: http.StatusBadRequest, code: "invalid_price"},
	{target: topup.ErrInvalidStatus, status: http.StatusBadRequest, code: "invalid_status"},
	{target: topup.ErrInvalidReviewer, status: http.StatusBadRequest, code: "invalid_reviewer"},
	{target: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: "timeout"},
}

// respondError maps a domain error onto an HTTP status and JSON body.
func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			message := err.Error()
			if mapping.status >= http.StatusInternalServerError {
				handler.logger.Warn(operation+" failed", zap.String("code", mapping.code), zap.Error(err))
				message = operation + " failed"
			}
			ctx.JSON(mapping.status, errorResponse(mapping.code, message))
			return
		}
	}
	handler.logger.Error(operation+" failed", zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", operation+" failed"))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
