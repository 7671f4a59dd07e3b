// Package httpapi is the member and administrator HTTP surface of the credit service.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/pkg/checkout"
	"github.com/MarkoPoloResearchLab/credits/pkg/generation"
	"github.com/MarkoPoloResearchLab/credits/pkg/keypool"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/topup"
)

const (
	claimsContextKey       = "auth_claims"
	defaultRequestTimeout  = 10 * time.Second
	defaultGenerationRate  = 1.0
	defaultGenerationBurst = 3
	defaultListLimit       = 100
	shutdownTimeout        = 5 * time.Second
)

// Config carries the HTTP surface settings.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	RequestTimeout    time.Duration
	GenerationTimeout time.Duration
	GenerationRate    float64
	GenerationBurst   int
	AdminRole         string
	AdminEmails       []string
}

func (cfg *Config) applyDefaults() {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 6 * cfg.RequestTimeout
	}
	if cfg.GenerationRate <= 0 {
		cfg.GenerationRate = defaultGenerationRate
	}
	if cfg.GenerationBurst <= 0 {
		cfg.GenerationBurst = defaultGenerationBurst
	}
}

// Accounts is the ledger subset the HTTP surface reads and provisions.
type Accounts interface {
	GetAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, error)
	CreateAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, error)
}

// Checkout drives payment orders.
type Checkout interface {
	Plans() checkout.PlanCatalog
	Order(ctx context.Context, orderID string) (checkout.PaymentOrder, error)
	CreateOrder(ctx context.Context, key ledger.AccountKey, planID string) (checkout.PaymentOrder, error)
	OnGatewayOutcome(ctx context.Context, orderID string, outcome checkout.Outcome) (checkout.PaymentOrder, error)
	ReconcileAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, error)
	ReconcileOpenOrders(ctx context.Context, limit int) (checkout.SweepSummary, error)
	Abandon(ctx context.Context, key ledger.AccountKey, orderID string) (checkout.PaymentOrder, error)
}

// Topups is the manual review queue.
type Topups interface {
	Submit(ctx context.Context, submission topup.Submission) (topup.Request, error)
	Approve(ctx context.Context, requestID string, reviewer string) (topup.Request, error)
	Reject(ctx context.Context, requestID string, reviewer string) (topup.Request, error)
	Get(ctx context.Context, requestID string) (topup.Request, error)
	List(ctx context.Context, status topup.Status, limit int) ([]topup.Request, error)
}

// Generations runs metered operations.
type Generations interface {
	Run(ctx context.Context, key ledger.AccountKey, operationName string, prompt string) (generation.Result, error)
	Catalog() generation.Catalog
}

// KeyPool reports credential pool health.
type KeyPool interface {
	Health(ctx context.Context) (keypool.Health, error)
}

// RequestObserver records served requests.
type RequestObserver interface {
	ObserveRequest(method string, route string, code int, elapsed time.Duration)
}

// Dependencies wires the domain services into the router.
type Dependencies struct {
	Logger         *zap.Logger
	Accounts       Accounts
	Checkout       Checkout
	Topups         Topups
	Generations    Generations
	KeyPool        KeyPool
	Observer       RequestObserver
	MetricsHandler http.Handler
}

func (dependencies Dependencies) validate() error {
	switch {
	case dependencies.Accounts == nil:
		return errors.New("httpapi: accounts dependency is required")
	case dependencies.Checkout == nil:
		return errors.New("httpapi: checkout dependency is required")
	case dependencies.Topups == nil:
		return errors.New("httpapi: topups dependency is required")
	case dependencies.Generations == nil:
		return errors.New("httpapi: generations dependency is required")
	case dependencies.KeyPool == nil:
		return errors.New("httpapi: key pool dependency is required")
	}
	return nil
}

// NewRouter builds the gin engine guarded by the session validator.
func NewRouter(cfg Config, dependencies Dependencies, validator *sessionvalidator.Validator) (*gin.Engine, error) {
	if validator == nil {
		return nil, errors.New("httpapi: session validator is required")
	}
	return newRouter(cfg, dependencies, validator.GinMiddleware(claimsContextKey))
}

func newRouter(cfg Config, dependencies Dependencies, authenticate gin.HandlerFunc) (*gin.Engine, error) {
	if err := dependencies.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{
		logger:      logger,
		cfg:         cfg,
		accounts:    dependencies.Accounts,
		checkout:    dependencies.Checkout,
		topups:      dependencies.Topups,
		generations: dependencies.Generations,
		keyPool:     dependencies.KeyPool,
		roles:       NewRoleResolver(cfg.AdminRole, cfg.AdminEmails),
	}
	limiter := newMemberLimiter(cfg.GenerationRate, cfg.GenerationBurst)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if dependencies.Observer != nil {
		router.Use(observeRequests(dependencies.Observer))
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if dependencies.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(dependencies.MetricsHandler))
	}

	api := router.Group("/api")
	api.Use(authenticate, handler.requireMember)

	api.GET("/plans", handler.handlePlans)
	api.GET("/operations", handler.handleOperations)
	api.GET("/account", handler.handleAccount)
	api.POST("/checkout", handler.handleCreateOrder)
	api.POST("/checkout/:orderID/outcome", handler.handleOrderOutcome)
	api.POST("/checkout/:orderID/abandon", handler.handleAbandonOrder)
	api.POST("/topups", handler.handleSubmitTopup)
	api.GET("/topups/:requestID", handler.handleGetTopup)
	api.POST("/generations", limiter.middleware(), handler.handleGeneration)

	admin := api.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.GET("/topups", handler.handleListTopups)
	admin.POST("/topups/:requestID/approve", handler.handleApproveTopup)
	admin.POST("/topups/:requestID/reject", handler.handleRejectTopup)
	admin.POST("/reconcile", handler.handleReconcile)
	admin.GET("/keypool", handler.handleKeyPoolHealth)

	return router, nil
}

// Serve runs the router until ctx is cancelled.
func Serve(ctx context.Context, listenAddr string, router http.Handler, logger *zap.Logger) error {
	if strings.TrimSpace(listenAddr) == "" {
		return fmt.Errorf("httpapi: listen addr is required")
	}
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", listenAddr))
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

func observeRequests(observer RequestObserver) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		observer.ObserveRequest(ctx.Request.Method, ctx.FullPath(), ctx.Writer.Status(), time.Since(started))
	}
}
