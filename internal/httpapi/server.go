package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/tokens"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey    = "auth_claims"
	stripeSignatureHdr  = "Stripe-Signature"
	maxWebhookBodyBytes = 1 << 20
)

// Server exposes the token ledger over HTTP.
type Server struct {
	cfg        Config
	logger     *zap.Logger
	balances   *tokens.Service
	approvals  *tokens.ApprovalService
	checkout   *tokens.CheckoutIssuer
	reconciler *tokens.Reconciler
	store      tokens.Store
	resolver   tokens.OwnerResolver
}

// Dependencies carries the wired domain services the server fronts.
type Dependencies struct {
	Logger     *zap.Logger
	Balances   *tokens.Service
	Approvals  *tokens.ApprovalService
	Checkout   *tokens.CheckoutIssuer
	Reconciler *tokens.Reconciler
	Store      tokens.Store
	Resolver   tokens.OwnerResolver
}

// NewServer validates the configuration and dependencies.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Balances == nil || deps.Approvals == nil || deps.Checkout == nil || deps.Reconciler == nil || deps.Store == nil || deps.Resolver == nil {
		return nil, fmt.Errorf("%w: missing server dependency", tokens.ErrInvalidServiceConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		logger:     logger,
		balances:   deps.Balances,
		approvals:  deps.Approvals,
		checkout:   deps.Checkout,
		reconciler: deps.Reconciler,
		store:      deps.Store,
		resolver:   deps.Resolver,
	}, nil
}

// Router builds the gin engine with session validation and CORS.
func (server *Server) Router() (*gin.Engine, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(server.cfg.SessionSigningKey),
		Issuer:     server.cfg.SessionIssuer,
		CookieName: server.cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/webhooks/stripe", server.handleStripeWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/session", server.handleSession)
	api.GET("/balance", server.handleBalance)
	api.GET("/transactions", server.handleTransactions)
	api.GET("/stats", server.handleStats)
	api.GET("/packages", server.handlePackages)
	api.POST("/checkout", server.handleDirectCheckout)

	api.POST("/purchase-requests", server.handleCreateRequest)
	api.GET("/purchase-requests", server.handleListRequests)
	api.GET("/purchase-requests/pending", server.handlePendingRequests)
	api.POST("/purchase-requests/:id/approve", server.handleApproveRequest)
	api.POST("/purchase-requests/:id/reject", server.handleRejectRequest)
	api.POST("/purchase-requests/:id/cancel", server.handleCancelRequest)
	api.POST("/purchase-requests/:id/checkout", server.handleRequestCheckout)

	return router, nil
}

// Serve runs the HTTP server until ctx is cancelled.
func (server *Server) Serve(ctx context.Context) error {
	router, err := server.Router()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: router,
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("token api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	restricted, err := server.approvals.RequiresApproval(ctx.Request.Context(), claims.GetUserID())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":           claims.GetUserID(),
		"email":             claims.GetUserEmail(),
		"display":           claims.GetUserDisplayName(),
		"roles":             claims.GetUserRoles(),
		"requires_approval": restricted,
		"expires":           claims.GetExpiresAt().Unix(),
	})
}

func (server *Server) handleBalance(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	owner, err := server.resolver.ResolveOwner(ctx.Request.Context(), claims.GetUserID())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	// Opportunistic refill keeps balances fresh without a scheduler.
	if _, err := server.balances.ResetMonthly(ctx.Request.Context(), owner); err != nil {
		server.logger.Warn("monthly reset failed", zap.Error(err), zap.String("owner", owner.String()))
	}
	balance, err := server.balances.GetOrCreateBalance(ctx.Request.Context(), owner)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(balance)})
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	owner, err := server.resolver.ResolveOwner(ctx.Request.Context(), claims.GetUserID())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	before, _ := strconv.ParseInt(ctx.Query("before"), 10, 64)
	limit := server.cfg.HistoryLimit
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		parsed, parseErr := strconv.Atoi(rawLimit)
		if parseErr != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "limit must be a positive integer"))
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}
	transactions, err := server.balances.History(ctx.Request.Context(), owner, before, limit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, transactionPayloadFrom(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (server *Server) handleStats(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	owner, err := server.resolver.ResolveOwner(ctx.Request.Context(), claims.GetUserID())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	stats, err := server.balances.Stats(ctx.Request.Context(), owner)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"stats": gin.H{
		"monthly_purchase_cents":  stats.MonthlyPurchaseCents,
		"monthly_purchase_tokens": stats.MonthlyPurchaseTokens,
		"monthly_usage":           stats.MonthlyUsage,
	}})
}

func (server *Server) handlePackages(ctx *gin.Context) {
	if getClaims(ctx) == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	packages, err := server.store.ListPackages(ctx.Request.Context())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payload := make([]packagePayload, 0, len(packages))
	for _, tokenPackage := range packages {
		payload = append(payload, packagePayloadFrom(tokenPackage))
	}
	ctx.JSON(http.StatusOK, gin.H{"packages": payload})
}

func (server *Server) handleDirectCheckout(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request checkoutBody
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with package_id"))
		return
	}
	restricted, err := server.approvals.RequiresApproval(ctx.Request.Context(), claims.GetUserID())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	if restricted {
		ctx.JSON(http.StatusForbidden, errorResponse("approval_required", "purchases must go through a guardian"))
		return
	}
	session, err := server.checkout.IssueForPackage(ctx.Request.Context(), claims.GetUserID(), request.PackageID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"checkout": sessionPayloadFrom(session)})
}

func (server *Server) handleCreateRequest(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request checkoutBody
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with package_id"))
		return
	}
	created, err := server.approvals.Create(ctx.Request.Context(), claims.GetUserID(), request.PackageID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"request": requestPayloadFrom(created)})
}

func (server *Server) handleListRequests(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	requests, err := server.approvals.ListForChild(ctx.Request.Context(), claims.GetUserID())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"requests": requestPayloadsFrom(requests)})
}

func (server *Server) handlePendingRequests(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	requests, err := server.approvals.PendingForGuardian(ctx.Request.Context(), claims.GetUserID())
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"requests": requestPayloadsFrom(requests)})
}

func (server *Server) handleApproveRequest(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	request, session, err := server.approvals.Approve(ctx.Request.Context(), claims.GetUserID(), ctx.Param("id"))
	if errors.Is(err, tokens.ErrCheckoutFailed) {
		// The decision is durable; the caller can retry the checkout leg.
		ctx.JSON(http.StatusBadGateway, gin.H{
			"error":   gin.H{"code": "checkout_failed", "message": "approval recorded, checkout session unavailable"},
			"request": requestPayloadFrom(request),
		})
		return
	}
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"request":  requestPayloadFrom(request),
		"checkout": sessionPayloadFrom(session),
	})
}

func (server *Server) handleRejectRequest(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var body rejectBody
	if err := ctx.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	request, err := server.approvals.Reject(ctx.Request.Context(), claims.GetUserID(), ctx.Param("id"), body.Reason)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"request": requestPayloadFrom(request)})
}

func (server *Server) handleCancelRequest(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	request, err := server.approvals.Cancel(ctx.Request.Context(), claims.GetUserID(), ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"request": requestPayloadFrom(request)})
}

func (server *Server) handleRequestCheckout(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	request, session, err := server.approvals.IssueCheckout(ctx.Request.Context(), claims.GetUserID(), ctx.Param("id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"request":  requestPayloadFrom(request),
		"checkout": sessionPayloadFrom(session),
	})
}

func (server *Server) handleStripeWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	outcome, err := server.reconciler.Process(ctx.Request.Context(), payload, ctx.GetHeader(stripeSignatureHdr))
	if errors.Is(err, tokens.ErrInvalidSignature) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature verification failed"))
		return
	}
	if errors.Is(err, tokens.ErrInvalidPayload) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "malformed event"))
		return
	}
	if err != nil {
		server.logger.Error("webhook settlement failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "event not settled, retry"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome.String()})
}

// respondError maps domain sentinels onto HTTP statuses and stable codes.
func (server *Server) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, tokens.ErrPackageNotFound), errors.Is(err, tokens.ErrRequestNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, tokens.ErrNotAuthorized):
		ctx.JSON(http.StatusForbidden, errorResponse("not_authorized", "not allowed for this account"))
	case errors.Is(err, tokens.ErrPackageNotPurchasable):
		ctx.JSON(http.StatusConflict, errorResponse("package_not_purchasable", "package is not available for purchase"))
	case errors.Is(err, tokens.ErrAlreadyProcessed):
		ctx.JSON(http.StatusConflict, errorResponse("already_processed", "request already decided"))
	case errors.Is(err, tokens.ErrRequestNotApproved):
		ctx.JSON(http.StatusConflict, errorResponse("not_approved", "request is not approved"))
	case errors.Is(err, tokens.ErrInsufficientBalance):
		ctx.JSON(http.StatusConflict, errorResponse("insufficient_balance", "not enough tokens"))
	case errors.Is(err, tokens.ErrInvalidAmount):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
	case errors.Is(err, tokens.ErrInvalidUserID):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
	case errors.Is(err, tokens.ErrCheckoutFailed):
		ctx.JSON(http.StatusBadGateway, errorResponse("checkout_failed", "checkout session unavailable"))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "unexpected failure"))
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type checkoutBody struct {
	PackageID string `json:"package_id"`
}

type rejectBody struct {
	Reason string `json:"reason"`
}
