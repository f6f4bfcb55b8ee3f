// Package httpapi exposes the ledger over HTTP: webhook ingestion, account, wallet, purchase,
// usage and invoice routes.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/tokenpay/internal/invoicepdf"
	"github.com/MarkoPoloResearchLab/tokenpay/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	headerStripeSignature = "Stripe-Signature"
	contentTypePDF        = "application/pdf"
)

// Dependencies are the services the handlers call.
type Dependencies struct {
	Payments *ledger.PaymentService
	Webhooks *ledger.WebhookProcessor
	Invoices *invoicepdf.Renderer
	// Metrics serves /metrics; promhttp.Handler() is used when nil.
	Metrics http.Handler
	Logger  *zap.Logger
}

// Run serves the API until ctx is canceled.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	router, err := NewRouter(cfg, deps)
	if err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter validates cfg and builds the gin engine.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Payments == nil || deps.Webhooks == nil || deps.Invoices == nil {
		return nil, fmt.Errorf("%w: http api dependencies are incomplete", ledger.ErrInvalidServiceConfig)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}
	handler := &httpHandler{
		logger:   deps.Logger,
		payments: deps.Payments,
		ledger:   deps.Payments.Ledger(),
		webhooks: deps.Webhooks,
		invoices: deps.Invoices,
		cfg:      cfg,
	}
	return setupRouter(cfg, handler, newTokenValidator(cfg.TokenSigningKey, cfg.TokenIssuer), deps.Metrics), nil
}

func setupRouter(cfg Config, handler *httpHandler, validator *tokenValidator, metrics http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", headerAuthorization},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics))

	api := router.Group("/api")
	api.POST("/webhooks/stripe/:mode", handler.handleWebhook)
	api.GET("/packages", handler.handlePackages)

	authorized := api.Group("")
	authorized.Use(validator.middleware())
	authorized.POST("/account", handler.handleOpenAccount)
	authorized.POST("/account/provision", handler.handleProvision)
	authorized.GET("/wallet", handler.handleWallet)
	authorized.POST("/purchases", handler.handlePurchase)
	authorized.POST("/purchases/confirm", handler.handleConfirm)
	authorized.POST("/usage", handler.handleUsage)
	authorized.GET("/invoices/:id/pdf", handler.handleInvoicePDF)

	return router
}

type httpHandler struct {
	logger   *zap.Logger
	payments *ledger.PaymentService
	ledger   *ledger.Service
	webhooks *ledger.WebhookProcessor
	invoices *invoicepdf.Renderer
	cfg      Config
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	mode, err := ledger.ParseMode(ctx.Param("mode"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_mode", err.Error()))
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, handler.cfg.MaxWebhookBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}

	result, err := handler.webhooks.Handle(ctx.Request.Context(), mode, payload, ctx.GetHeader(headerStripeSignature))
	if err != nil {
		if errors.Is(err, ledger.ErrSignatureInvalid) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature verification failed"))
			return
		}
		handler.logger.Error("webhook processing failed",
			zap.String("mode", mode.String()),
			zap.String("event_id", result.EventID),
			zap.Error(err),
		)
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "event not processed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"event_id": result.EventID,
		"outcome":  result.Outcome,
	})
}

func (handler *httpHandler) handlePackages(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	packages, err := handler.ledger.ListPackages(requestCtx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]packagePayload, 0, len(packages))
	for _, tokenPackage := range packages {
		payload = append(payload, newPackagePayload(tokenPackage))
	}
	ctx.JSON(http.StatusOK, gin.H{"packages": payload})
}

func (handler *httpHandler) handleOpenAccount(ctx *gin.Context) {
	accountID, claims, ok := handler.caller(ctx)
	if !ok {
		return
	}
	var request openAccountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	email := defaultIfEmpty(request.Email, claims.Email)
	displayName := defaultIfEmpty(request.DisplayName, claims.Name)
	profile, err := ledger.NewAccountProfile(accountID, email, displayName, request.BillingAddress)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.ledger.OpenAccount(requestCtx, profile)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account)})
}

func (handler *httpHandler) handleProvision(ctx *gin.Context) {
	accountID, _, ok := handler.caller(ctx)
	if !ok {
		return
	}
	var request provisionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	mode, err := ledger.ParseMode(request.Mode)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reference, err := handler.payments.ProvisionCustomer(requestCtx, accountID, mode)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"mode": mode.String(), "customer_reference": reference})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	accountID, _, ok := handler.caller(ctx)
	if !ok {
		return
	}
	handler.respondWithWallet(ctx, accountID)
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	accountID, _, ok := handler.caller(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	purchase, err := request.toLedger(accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.payments.InitiatePurchase(requestCtx, purchase)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"purchase": newPurchasePayload(result)})
}

func (handler *httpHandler) handleConfirm(ctx *gin.Context) {
	accountID, _, ok := handler.caller(ctx)
	if !ok {
		return
	}
	var request confirmRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	reference, err := ledger.NewProviderReference(request.ProviderReference)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.payments.ConfirmPayment(requestCtx, accountID, reference)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"confirmation": newConfirmationPayload(result)})
}

func (handler *httpHandler) handleUsage(ctx *gin.Context) {
	accountID, _, ok := handler.caller(ctx)
	if !ok {
		return
	}
	var request usageRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := ledger.ParsePositiveAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entry, err := handler.ledger.RecordUsage(requestCtx, accountID, amount, request.Reference, request.Description)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"entry":   newEntryPayload(entry),
		"balance": entry.BalanceAfter.StringFixed(2),
	})
}

func (handler *httpHandler) handleInvoicePDF(ctx *gin.Context) {
	accountID, _, ok := handler.caller(ctx)
	if !ok {
		return
	}
	invoiceID, err := ledger.NewInvoiceID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	invoice, err := handler.ledger.Invoice(requestCtx, accountID, invoiceID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	document, err := handler.invoices.Render(invoice)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", invoicepdf.FileName(invoice)))
	ctx.Data(http.StatusOK, contentTypePDF, document)
}

func (handler *httpHandler) respondWithWallet(ctx *gin.Context, accountID ledger.AccountID) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.ledger.Account(requestCtx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	entries, err := handler.ledger.ListEntries(requestCtx, accountID, time.Time{}, handler.cfg.WalletHistoryLimit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	wallet := walletPayload{
		AccountID: account.ID.String(),
		Balance:   account.Balance.StringFixed(2),
		Entries:   make([]entryPayload, 0, len(entries)),
	}
	for _, entry := range entries {
		wallet.Entries = append(wallet.Entries, newEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

func (handler *httpHandler) caller(ctx *gin.Context) (ledger.AccountID, *Claims, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.AccountID{}, nil, false
	}
	accountID, err := claims.AccountID()
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid subject"))
		return ledger.AccountID{}, nil, false
	}
	return accountID, claims, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code, message := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed",
			zap.String("path", ctx.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
			zap.Any("gateway", gatewayDetails(err)),
		)
	}
	ctx.JSON(status, errorResponse(code, message))
}

func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, ledger.ErrUnknownAccount):
		return http.StatusNotFound, "unknown_account", "account not found"
	case errors.Is(err, ledger.ErrUnknownPayment):
		return http.StatusNotFound, "unknown_payment", "payment not found"
	case errors.Is(err, ledger.ErrUnknownInvoice):
		return http.StatusNotFound, "unknown_invoice", "invoice not found"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds", "insufficient funds"
	case errors.Is(err, ledger.ErrDuplicateEntry):
		return http.StatusConflict, "duplicate_entry", "reference already used"
	case errors.Is(err, ledger.ErrPaymentNotSucceeded):
		return http.StatusConflict, "payment_not_succeeded", "payment has not succeeded"
	case errors.Is(err, ledger.ErrGateway):
		return http.StatusBadGateway, "gateway_error", "payment provider unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}

func gatewayDetails(err error) map[string]any {
	var gatewayError *ledger.GatewayError
	if !errors.As(err, &gatewayError) {
		return nil
	}
	return map[string]any{
		"operation":   gatewayError.Operation,
		"status_code": gatewayError.StatusCode,
		"type":        gatewayError.Type,
		"code":        gatewayError.Code,
		"timeout":     gatewayError.Timeout,
		"payload":     gatewayError.Payload,
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
