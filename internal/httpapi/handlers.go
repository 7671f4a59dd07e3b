package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/pkg/checkout"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/topup"
)

type httpHandler struct {
	logger      *zap.Logger
	cfg         Config
	accounts    Accounts
	checkout    Checkout
	topups      Topups
	generations Generations
	keyPool     KeyPool
	roles       RoleResolver
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) handlePlans(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"plans": handler.checkout.Plans().Plans()})
}

func (handler *httpHandler) handleOperations(ctx *gin.Context) {
	operations := handler.generations.Catalog().Operations()
	payload := make([]operationPayload, 0, len(operations))
	for _, operation := range operations {
		payload = append(payload, operationPayload{
			Name:           operation.Name,
			Cost:           operation.Cost.Int64(),
			MaxAttempts:    operation.MaxAttempts,
			OnFailure:      string(operation.OnFailure),
			RefundOnCancel: operation.RefundOnCancel,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"operations": payload})
}

// handleAccount settles any pending order before answering, so a reload observes a completed payment.
func (handler *httpHandler) handleAccount(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	key := accountKey(ctx)

	account, err := handler.checkout.ReconcileAccount(requestCtx, key)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		account, err = handler.accounts.CreateAccount(requestCtx, key)
		if errors.Is(err, ledger.ErrAccountExists) {
			account, err = handler.accounts.GetAccount(requestCtx, key)
		}
	}
	if err != nil {
		handler.respondError(ctx, "account", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account)})
}

func (handler *httpHandler) handleCreateOrder(ctx *gin.Context) {
	var request createOrderRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PlanID) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "plan_id is required"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	order, err := handler.checkout.CreateOrder(requestCtx, accountKey(ctx), request.PlanID)
	if err != nil {
		handler.respondError(ctx, "create order", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"order": newOrderPayload(order)})
}

func (handler *httpHandler) handleOrderOutcome(ctx *gin.Context) {
	var request orderOutcomeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	outcome, err := checkout.ParseOutcome(request.Outcome)
	if err != nil {
		handler.respondError(ctx, "order outcome", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	key := accountKey(ctx)

	orderID := ctx.Param("orderID")
	if _, err := handler.ownedOrder(requestCtx, key, orderID); err != nil {
		handler.respondError(ctx, "order outcome", err)
		return
	}
	order, err := handler.checkout.OnGatewayOutcome(requestCtx, orderID, outcome)
	if err != nil {
		handler.respondError(ctx, "order outcome", err)
		return
	}
	account, err := handler.accounts.GetAccount(requestCtx, key)
	if err != nil {
		handler.respondError(ctx, "order outcome", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"order": newOrderPayload(order), "account": newAccountPayload(account)})
}

func (handler *httpHandler) handleAbandonOrder(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	order, err := handler.checkout.Abandon(requestCtx, accountKey(ctx), ctx.Param("orderID"))
	if err != nil {
		handler.respondError(ctx, "abandon order", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"order": newOrderPayload(order)})
}

func (handler *httpHandler) ownedOrder(ctx context.Context, key ledger.AccountKey, orderID string) (checkout.PaymentOrder, error) {
	order, err := handler.checkout.Order(ctx, orderID)
	if err != nil {
		return checkout.PaymentOrder{}, err
	}
	if order.AccountKey != key {
		return checkout.PaymentOrder{}, checkout.ErrOrderNotFound
	}
	return order, nil
}

func (handler *httpHandler) handleSubmitTopup(ctx *gin.Context) {
	var request submitTopupRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	credits, err := ledger.NewCredits(request.Credits)
	if err != nil {
		handler.respondError(ctx, "submit topup", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	submitted, err := handler.topups.Submit(requestCtx, topup.Submission{
		AccountKey: accountKey(ctx),
		Credits:    credits,
		PriceMinor: request.PriceMinor,
		ReceiptRef: request.ReceiptRef,
		PlanID:     request.PlanID,
	})
	if err != nil {
		handler.respondError(ctx, "submit topup", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"topup": newTopupPayload(submitted)})
}

func (handler *httpHandler) handleGetTopup(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	request, err := handler.topups.Get(requestCtx, ctx.Param("requestID"))
	if err != nil {
		handler.respondError(ctx, "get topup", err)
		return
	}
	if request.AccountKey != accountKey(ctx) && !handler.roles.IsAdmin(getClaims(ctx)) {
		handler.respondError(ctx, "get topup", topup.ErrRequestNotFound)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"topup": newTopupPayload(request)})
}

func (handler *httpHandler) handleGeneration(ctx *gin.Context) {
	var request generationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Operation) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "operation is required"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.GenerationTimeout)
	defer cancel()

	result, err := handler.generations.Run(requestCtx, accountKey(ctx), request.Operation, request.Prompt)
	if err != nil {
		handler.respondError(ctx, "generation", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"generation": generationPayload{
		Operation:      result.Operation,
		Output:         result.Output,
		Attempts:       result.Attempts,
		CreditsCharged: result.CreditsCharged.Int64(),
	}})
}

func (handler *httpHandler) handleListTopups(ctx *gin.Context) {
	var status topup.Status
	if raw := ctx.Query("status"); raw != "" {
		parsed, err := topup.ParseStatus(raw)
		if err != nil {
			handler.respondError(ctx, "list topups", err)
			return
		}
		status = parsed
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	requests, err := handler.topups.List(requestCtx, status, queryLimit(ctx))
	if err != nil {
		handler.respondError(ctx, "list topups", err)
		return
	}
	payload := make([]topupPayload, 0, len(requests))
	for _, request := range requests {
		payload = append(payload, newTopupPayload(request))
	}
	ctx.JSON(http.StatusOK, gin.H{"topups": payload})
}

func (handler *httpHandler) handleApproveTopup(ctx *gin.Context) {
	handler.reviewTopup(ctx, "approve topup", handler.topups.Approve)
}

func (handler *httpHandler) handleRejectTopup(ctx *gin.Context) {
	handler.reviewTopup(ctx, "reject topup", handler.topups.Reject)
}

func (handler *httpHandler) reviewTopup(ctx *gin.Context, operation string, review func(context.Context, string, string) (topup.Request, error)) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	reviewer := accountKey(ctx).String()
	request, err := review(requestCtx, ctx.Param("requestID"), reviewer)
	if err != nil {
		handler.respondError(ctx, operation, err)
		return
	}
	handler.logger.Info(operation, zap.String("request_id", request.ID), zap.String("reviewer", reviewer), zap.String("status", string(request.Status)))
	ctx.JSON(http.StatusOK, gin.H{"topup": newTopupPayload(request)})
}

func (handler *httpHandler) handleReconcile(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.GenerationTimeout)
	defer cancel()

	summary, err := handler.checkout.ReconcileOpenOrders(requestCtx, queryLimit(ctx))
	if err != nil {
		handler.respondError(ctx, "reconcile", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"summary": summary})
}

func (handler *httpHandler) handleKeyPoolHealth(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	health, err := handler.keyPool.Health(requestCtx)
	if err != nil {
		handler.respondError(ctx, "key pool health", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"keypool": health})
}

func queryLimit(ctx *gin.Context) int {
	limit, err := strconv.Atoi(ctx.Query("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return limit
}

type createOrderRequest struct {
	PlanID string `json:"plan_id"`
}

type orderOutcomeRequest struct {
	Outcome string `json:"outcome"`
}

type submitTopupRequest struct {
	Credits    int64  `json:"credits"`
	PriceMinor int64  `json:"price_minor"`
	ReceiptRef string `json:"receipt_ref"`
	PlanID     string `json:"plan_id"`
}

type generationRequest struct {
	Operation string `json:"operation"`
	Prompt    string `json:"prompt"`
}

type accountPayload struct {
	Email            string              `json:"email"`
	Balance          int64               `json:"balance"`
	Status           string              `json:"status"`
	ExpiresAtUnixUTC int64               `json:"expires_at_unix_utc"`
	PendingPlan      *pendingPlanPayload `json:"pending_plan,omitempty"`
}

type pendingPlanPayload struct {
	PlanID       string `json:"plan_id"`
	PriceMinor   int64  `json:"price_minor"`
	Credits      int64  `json:"credits"`
	OrderID      string `json:"order_id"`
	GatewayToken string `json:"gateway_token,omitempty"`
}

type orderPayload struct {
	OrderID        string `json:"order_id"`
	PlanID         string `json:"plan_id"`
	Credits        int64  `json:"credits"`
	PriceMinor     int64  `json:"price_minor"`
	Token          string `json:"token,omitempty"`
	Status         string `json:"status"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
	UpdatedUnixUTC int64  `json:"updated_unix_utc"`
}

type topupPayload struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Credits         int64  `json:"credits"`
	PriceMinor      int64  `json:"price_minor"`
	ReceiptRef      string `json:"receipt_ref"`
	PlanID          string `json:"plan_id,omitempty"`
	Status          string `json:"status"`
	Reviewer        string `json:"reviewer,omitempty"`
	ReviewedUnixUTC int64  `json:"reviewed_unix_utc,omitempty"`
	CreatedUnixUTC  int64  `json:"created_unix_utc"`
}

type operationPayload struct {
	Name           string `json:"name"`
	Cost           int64  `json:"cost"`
	MaxAttempts    int    `json:"max_attempts"`
	OnFailure      string `json:"on_failure"`
	RefundOnCancel bool   `json:"refund_on_cancel"`
}

type generationPayload struct {
	Operation      string `json:"operation"`
	Output         string `json:"output"`
	Attempts       int    `json:"attempts"`
	CreditsCharged int64  `json:"credits_charged"`
}

func newAccountPayload(account ledger.Account) accountPayload {
	payload := accountPayload{
		Email:            account.Key.String(),
		Balance:          account.Balance.Int64(),
		Status:           account.Status.String(),
		ExpiresAtUnixUTC: account.ExpiresAtUnixUTC,
	}
	if account.PendingPlan != nil {
		payload.PendingPlan = &pendingPlanPayload{
			PlanID:       account.PendingPlan.PlanID,
			PriceMinor:   account.PendingPlan.PriceMinor,
			Credits:      account.PendingPlan.CreditsRequested.Int64(),
			OrderID:      account.PendingPlan.OrderID,
			GatewayToken: account.PendingPlan.GatewayToken,
		}
	}
	return payload
}

func newOrderPayload(order checkout.PaymentOrder) orderPayload {
	return orderPayload{
		OrderID:        order.OrderID,
		PlanID:         order.PlanID,
		Credits:        order.Credits.Int64(),
		PriceMinor:     order.PriceMinor,
		Token:          order.Token,
		Status:         string(order.Status),
		CreatedUnixUTC: order.CreatedUnixUTC,
		UpdatedUnixUTC: order.UpdatedUnixUTC,
	}
}

func newTopupPayload(request topup.Request) topupPayload {
	return topupPayload{
		ID:              request.ID,
		Email:           request.AccountKey.String(),
		Credits:         request.Credits.Int64(),
		PriceMinor:      request.PriceMinor,
		ReceiptRef:      request.ReceiptRef,
		PlanID:          request.PlanID,
		Status:          string(request.Status),
		Reviewer:        request.Reviewer,
		ReviewedUnixUTC: request.ReviewedUnixUTC,
		CreatedUnixUTC:  request.CreatedUnixUTC,
	}
}
