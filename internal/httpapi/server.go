package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dicilo-db/adledger/internal/payments"
	"github.com/dicilo-db/adledger/pkg/adledger"
)

const (
	signatureHeader  = "Stripe-Signature"
	countTimeout     = 2 * time.Second
	centsPerUnit     = 100
	purposeHeader    = "Purpose"
	xPurposeHeader   = "X-Purpose"
	secPurposeHeader = "Sec-Purpose"
	xMozHeader       = "X-Moz"
)

// Dependencies carries the wired collaborators for the HTTP layer.
type Dependencies struct {
	Logger  *zap.Logger
	Service *adledger.Service
	Gateway payments.Gateway
}

// Run boots the HTTP API and blocks until ctx is cancelled or the server
// fails.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if deps.Logger == nil || deps.Service == nil || deps.Gateway == nil {
		return fmt.Errorf("httpapi: logger, service, and gateway are required")
	}

	router := SetupRouter(cfg, deps)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("adledger api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// SetupRouter wires the gin engine. Exposed for in-process tests.
func SetupRouter(cfg Config, deps Dependencies) *gin.Engine {
	handler := &httpHandler{
		logger:  deps.Logger,
		service: deps.Service,
		gateway: deps.Gateway,
		cfg:     cfg,
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", signatureHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/ads/click", handler.handleAdClick)
	router.POST("/ads/view", handler.handleAdView)
	router.POST("/ads/register", handler.handleAdRegister)
	router.GET("/qr/:shortId", handler.handleRedirect)
	router.POST("/wallet/create-checkout", handler.handleCreateCheckout)
	router.POST("/webhooks/payment", handler.handlePaymentWebhook)
	router.POST("/shorten", handler.handleShorten)
	router.GET("/wallet/:clientId", handler.handleWallet)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *adledger.Service
	gateway payments.Gateway
	cfg     Config
}

type adEventRequest struct {
	AdID     string         `json:"ad_id"`
	ClientID string         `json:"client_id"`
	Path     string         `json:"path"`
	Device   string         `json:"device"`
	Location string         `json:"location"`
	Metadata map[string]any `json:"metadata"`
}

func (handler *httpHandler) handleAdClick(ctx *gin.Context) {
	handler.processAdEvent(ctx, adledger.EventClick)
}

func (handler *httpHandler) handleAdView(ctx *gin.Context) {
	handler.processAdEvent(ctx, adledger.EventView)
}

func (handler *httpHandler) processAdEvent(ctx *gin.Context, eventType adledger.EventType) {
	var request adEventRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	adID, err := adledger.NewAdID(request.AdID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_ad_id", "ad_id is required"))
		return
	}
	metadata, err := adledger.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be a JSON object"))
		return
	}
	input := adledger.EventInput{
		AdID:     adID,
		Type:     eventType,
		Path:     request.Path,
		Device:   request.Device,
		Location: request.Location,
		Metadata: metadata,
	}
	if request.ClientID != "" {
		payerID, err := adledger.NewClientID(request.ClientID)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_client_id", "client_id must not be blank"))
			return
		}
		input.PayerOverride = &payerID
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	receipt, err := handler.service.ProcessEvent(requestCtx, input)
	if err != nil {
		handler.respondDomainError(ctx, "event processing failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"deducted":     receipt.Deducted,
		"cost_charged": centsToUnits(receipt.ChargedCents.Int64()),
	})
}

type adRegisterRequest struct {
	AdID     string `json:"ad_id"`
	ClientID string `json:"client_id"`
}

func (handler *httpHandler) handleAdRegister(ctx *gin.Context) {
	var request adRegisterRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	adID, err := adledger.NewAdID(request.AdID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_ad_id", "ad_id is required"))
		return
	}
	clientID, err := adledger.NewClientID(request.ClientID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_client_id", "client_id is required"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if err := handler.service.RegisterAdUnit(requestCtx, adID, clientID); err != nil {
		handler.respondDomainError(ctx, "ad registration failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"registered": true})
}

func (handler *httpHandler) handleRedirect(ctx *gin.Context) {
	code, err := adledger.NewShortCode(ctx.Param("shortId"))
	if err != nil {
		ctx.Redirect(http.StatusFound, handler.cfg.FallbackRedirectURL)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	link, err := handler.service.ResolveShortLink(requestCtx, code)
	if err != nil {
		handler.logger.Info("short link fallback",
			zap.String("short_code", code.String()), zap.Error(err))
		ctx.Redirect(http.StatusFound, handler.cfg.FallbackRedirectURL)
		return
	}

	class := adledger.ClassifyTraffic(
		ctx.GetHeader("User-Agent"),
		ctx.GetHeader(purposeHeader),
		ctx.GetHeader(xPurposeHeader),
		ctx.GetHeader(secPurposeHeader),
		ctx.GetHeader(xMozHeader),
	)
	if class == adledger.TrafficHuman {
		// Counting never blocks or fails the redirect.
		go func() {
			countCtx, countCancel := context.WithTimeout(context.Background(), countTimeout)
			defer countCancel()
			if countErr := handler.service.CountShortLinkClick(countCtx, code); countErr != nil {
				handler.logger.Warn("short link count failed",
					zap.String("short_code", code.String()), zap.Error(countErr))
			}
		}()
	}
	ctx.Redirect(http.StatusFound, link.TargetURL)
}

type checkoutRequest struct {
	Amount      float64 `json:"amount"`
	ClientID    string  `json:"client_id"`
	ClientEmail string  `json:"client_email"`
	ReturnURL   string  `json:"return_url"`
}

func (handler *httpHandler) handleCreateCheckout(ctx *gin.Context) {
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	clientID, err := adledger.NewClientID(request.ClientID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_client_id", "client_id is required"))
		return
	}
	amount, err := unitsToCents(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be a positive sum with at most two decimals"))
		return
	}
	returnURL := request.ReturnURL
	if returnURL == "" {
		returnURL = handler.cfg.FallbackRedirectURL
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	session, err := handler.gateway.CreateCheckoutSession(requestCtx, payments.CheckoutParams{
		ClientID:      clientID,
		AmountCents:   amount,
		CustomerEmail: request.ClientEmail,
		SuccessURL:    returnURL,
		CancelURL:     returnURL,
	})
	if err != nil {
		handler.logger.Error("checkout session failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("gateway_error", "checkout session failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"session_id": session.SessionID,
		"url":        session.URL,
	})
}

func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	if err := payments.VerifySignature(payload, ctx.GetHeader(signatureHeader), handler.cfg.WebhookSecret, time.Now()); err != nil {
		handler.logger.Warn("webhook signature rejected", zap.Error(err))
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_signature", "signature verification failed"))
		return
	}
	notification, err := payments.ParseTopUpNotification(payload)
	if errors.Is(err, payments.ErrUnsupportedEvent) {
		// Acknowledge events this service does not bill on.
		ctx.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_notification", "missing session, client, or amount"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	receipt, err := handler.service.RecordTopUp(requestCtx, notification.SessionID, notification.ClientID, notification.AmountCents)
	if err != nil {
		handler.logger.Error("top-up failed",
			zap.String("session_id", notification.SessionID.String()),
			zap.String("client_id", notification.ClientID.String()),
			zap.Int64("amount_cents", notification.AmountCents.Int64()),
			zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "credit failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"received":          true,
		"already_processed": receipt.AlreadyProcessed,
	})
}

type shortenRequest struct {
	CampaignID   string `json:"campaign_id"`
	FreelancerID string `json:"freelancer_id"`
	TargetURL    string `json:"target_url"`
}

func (handler *httpHandler) handleShorten(ctx *gin.Context) {
	var request shortenRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	campaignID, err := adledger.NewCampaignID(request.CampaignID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_campaign_id", "campaign_id is required"))
		return
	}
	ownerID, err := adledger.NewOwnerID(request.FreelancerID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_freelancer_id", "freelancer_id is required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	link, err := handler.service.CreateShortLink(requestCtx, campaignID, ownerID, request.TargetURL)
	if err != nil {
		if errors.Is(err, adledger.ErrInvalidTargetURL) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_target_url", "target_url must be a valid URL"))
			return
		}
		handler.respondDomainError(ctx, "short link creation failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"short_id":  link.ShortCode,
		"short_url": fmt.Sprintf("%s/qr/%s", handler.cfg.ShortLinkBaseURL, link.ShortCode),
	})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	clientID, err := adledger.NewClientID(ctx.Param("clientId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_client_id", "client id is required"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	wallet, err := handler.service.Balance(requestCtx, clientID)
	if err != nil {
		handler.respondDomainError(ctx, "wallet fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"client_id":              wallet.ClientID,
		"budget_remaining":       centsToUnits(wallet.BudgetRemainingCents.Int64()),
		"budget_remaining_cents": wallet.BudgetRemainingCents.Int64(),
		"total_invested":         centsToUnits(wallet.TotalInvestedCents.Int64()),
		"last_top_up":            centsToUnits(wallet.LastTopUpCents.Int64()),
		"last_top_up_at":         wallet.LastTopUpAtUnixUTC,
	})
}

func (handler *httpHandler) respondDomainError(ctx *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, adledger.ErrUnknownAd):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_ad", "ad not found"))
	case errors.Is(err, adledger.ErrUnknownClient):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_client", "client not found"))
	case errors.Is(err, adledger.ErrUnknownShortLink):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_short_link", "short link not found"))
	case errors.Is(err, adledger.ErrTransactionConflict), errors.Is(err, adledger.ErrStoreUnavailable):
		handler.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "temporarily unavailable"))
	default:
		handler.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", message))
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

func marshalMetadata(metadata map[string]any) string {
	if len(metadata) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// unitsToCents converts a currency-unit amount (e.g. 5.00) into integer
// cents, rejecting sub-cent precision so float inputs cannot corrupt the
// ledger.
func unitsToCents(amount float64) (adledger.PositiveAmountCents, error) {
	cents := decimal.NewFromFloat(amount).Mul(decimal.NewFromInt(centsPerUnit))
	if !cents.IsInteger() {
		return 0, fmt.Errorf("%w: sub-cent precision", adledger.ErrInvalidAmountCents)
	}
	return adledger.NewPositiveAmountCents(cents.IntPart())
}

func centsToUnits(cents int64) string {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(centsPerUnit)).StringFixed(2)
}
