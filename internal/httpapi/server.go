// Package httpapi exposes the coin ledger and chapter unlock flows over
// HTTP for the reading apps.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fablehall/coinledger/internal/catalog"
	"github.com/fablehall/coinledger/internal/payments"
	"github.com/fablehall/coinledger/internal/unlock"
	"github.com/fablehall/coinledger/pkg/ledger"
)

// Services bundles the domain services the HTTP layer fronts.
type Services struct {
	Ledger   *ledger.Service
	Payments *payments.Service
	Unlock   *unlock.Service
	Catalog  catalog.Catalog
}

// Run boots the HTTP server and blocks until the context is cancelled or
// the listener fails.
func Run(ctx context.Context, cfg Config, services Services, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		logger:   logger,
		services: services,
		cfg:      cfg,
	}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coinledger api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
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

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(bearerAuth([]byte(cfg.JWTSigningKey), cfg.JWTIssuer))

	api.POST("/payments/capture", handler.handleCapture)
	api.POST("/chapters/:chapter_id/purchase", handler.handlePurchase)
	api.GET("/chapters/:chapter_id/access", handler.handleAccess)
	api.GET("/wallet", handler.handleWallet)
	api.GET("/entitlements", handler.handleEntitlements)

	return router
}

type httpHandler struct {
	logger   *zap.Logger
	services Services
	cfg      Config
}

type captureRequest struct {
	OrderID string `json:"order_id"`
}

func (handler *httpHandler) handleCapture(ctx *gin.Context) {
	userID, ok := handler.requireUserID(ctx)
	if !ok {
		return
	}
	var request captureRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	orderID, err := ledger.NewOrderID(request.OrderID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_order_id", "order_id is required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	result, err := handler.services.Payments.Capture(requestCtx, userID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrPaymentNotCompleted):
			ctx.JSON(http.StatusPaymentRequired, errorResponse("payment_not_completed", "order is not completed"))
		case errors.Is(err, payments.ErrOrderNotFound):
			ctx.JSON(http.StatusNotFound, errorResponse("order_not_found", "unknown provider order"))
		case errors.Is(err, payments.ErrProviderUnavailable):
			ctx.JSON(http.StatusBadGateway, errorResponse("provider_unavailable", "payment provider unavailable"))
		default:
			handler.logger.Error("capture failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "capture failed"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":           true,
		"coins_granted":     result.CoinsGranted,
		"already_processed": result.AlreadyProcessed,
	})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	userID, ok := handler.requireUserID(ctx)
	if !ok {
		return
	}
	chapterID, err := ledger.NewChapterID(ctx.Param("chapter_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_chapter_id", "chapter id is required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	result, err := handler.services.Unlock.PurchaseChapter(requestCtx, userID, chapterID)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_coins", "not enough coins"))
		case errors.Is(err, catalog.ErrChapterNotFound):
			ctx.JSON(http.StatusNotFound, errorResponse("chapter_not_found", "unknown chapter"))
		default:
			handler.logger.Error("purchase failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "purchase failed"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":           true,
		"already_purchased": result.AlreadyPurchased,
		"free":              result.Free,
	})
}

func (handler *httpHandler) handleAccess(ctx *gin.Context) {
	userID, ok := handler.requireUserID(ctx)
	if !ok {
		return
	}
	chapterID, err := ledger.NewChapterID(ctx.Param("chapter_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_chapter_id", "chapter id is required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	pricing, err := handler.services.Catalog.ChapterPricing(requestCtx, chapterID.String())
	if err != nil {
		if errors.Is(err, catalog.ErrChapterNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("chapter_not_found", "unknown chapter"))
			return
		}
		handler.logger.Error("pricing lookup failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "access check failed"))
		return
	}
	if !pricing.IsLocked {
		ctx.JSON(http.StatusOK, gin.H{"unlocked": true, "free": true})
		return
	}

	unlocked, err := handler.services.Unlock.IsUnlocked(requestCtx, userID, chapterID)
	if err != nil {
		handler.logger.Error("access check failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "access check failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"unlocked":    unlocked,
		"free":        false,
		"price_coins": pricing.PriceCoins,
	})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.requireUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.services.Ledger.Balance(requestCtx, userID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "wallet unavailable"))
		return
	}
	entries, err := handler.services.Ledger.Entries(requestCtx, userID, time.Now().UTC().Add(time.Second).Unix(), walletHistoryLimit)
	if err != nil {
		handler.logger.Error("entries fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "wallet unavailable"))
		return
	}

	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, entryPayload{
			EntryID:        entry.EntryID,
			Kind:           string(entry.Kind),
			AmountCoins:    int64(entry.Amount),
			Reference:      entry.Reference,
			Metadata:       json.RawMessage(entry.MetadataJSON),
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance_coins": balance,
		"entries":       payloads,
	})
}

func (handler *httpHandler) handleEntitlements(ctx *gin.Context) {
	userID, ok := handler.requireUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	entitlements, err := handler.services.Unlock.Entitlements(requestCtx, userID)
	if err != nil {
		handler.logger.Error("entitlements fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "entitlements unavailable"))
		return
	}
	payloads := make([]entitlementPayload, 0, len(entitlements))
	for _, entitlement := range entitlements {
		payloads = append(payloads, entitlementPayload{
			ChapterID:      entitlement.ChapterID,
			PriceCoinsPaid: entitlement.PriceCoinsPaid,
			CreatedUnixUTC: entitlement.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entitlements": payloads})
}

func (handler *httpHandler) requireUserID(ctx *gin.Context) (ledger.UserID, bool) {
	subject := authenticatedUserID(ctx)
	userID, err := ledger.NewUserID(subject)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Kind           string          `json:"kind"`
	AmountCoins    int64           `json:"amount_coins"`
	Reference      string          `json:"reference"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type entitlementPayload struct {
	ChapterID      string `json:"chapter_id"`
	PriceCoinsPaid int64  `json:"price_coins_paid"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}
