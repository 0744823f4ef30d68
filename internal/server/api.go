package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quantumtasks/platform/internal/auth"
	"github.com/quantumtasks/platform/internal/cache"
	"github.com/quantumtasks/platform/internal/catalog"
	"github.com/quantumtasks/platform/internal/config"
	apierrors "github.com/quantumtasks/platform/internal/errors"
	"github.com/quantumtasks/platform/internal/execution"
	"github.com/quantumtasks/platform/internal/logging"
	"github.com/quantumtasks/platform/internal/middleware"
	"github.com/quantumtasks/platform/internal/monitoring"
	"github.com/quantumtasks/platform/internal/payment"
	"github.com/quantumtasks/platform/internal/wallet"
	"github.com/quantumtasks/platform/internal/webhook"
)

// APIServer represents the main API server
type APIServer struct {
	config           *config.Config
	router           *gin.Engine
	db               *pgxpool.Pool
	redis            *cache.Redis
	authService      *auth.Service
	walletService    *wallet.Service
	catalogService   *catalog.Service
	executionService *execution.Service
	paymentService   *payment.Service
	rateLimiter      *cache.RateLimiter
	jwtAuthenticator *middleware.JWTAuthenticator
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.Config, db *pgxpool.Pool, redis *cache.Redis) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware in order
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	walletService := wallet.NewService(db, redis)
	catalogService := catalog.NewService(db)
	webhookClient := webhook.NewClient(&cfg.Webhook)

	var rateLimiter *cache.RateLimiter
	if redis != nil {
		rateLimiter = cache.NewRateLimiter(redis, &cfg.RateLimit)
	}

	srv := &APIServer{
		config:           cfg,
		router:           router,
		db:               db,
		redis:            redis,
		authService:      auth.NewService(db, &cfg.JWT),
		walletService:    walletService,
		catalogService:   catalogService,
		executionService: execution.NewService(db, catalogService, walletService, webhookClient),
		paymentService:   payment.NewService(walletService, &cfg.Stripe, &cfg.Wallet, cfg.Server.URL),
		rateLimiter:      rateLimiter,
		jwtAuthenticator: middleware.NewJWTAuthenticator(&cfg.JWT),
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	// Health check
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// Auth routes (public)
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/register", s.handleRegister)
			authGroup.POST("/login", s.handleLogin)
			authGroup.POST("/refresh", s.handleRefresh)
		}

		// Catalog routes (public)
		agents := v1.Group("/agents")
		{
			agents.GET("", s.handleListAgents)
			agents.GET("/categories", s.handleGetCategories)
			agents.GET("/:slug", s.handleGetAgent)
			agents.POST("/execute", s.jwtAuthenticator.JWTAuth(), s.rateLimitExecute(), s.handleExecuteAgent)
		}

		// Execution history (protected)
		executions := v1.Group("/executions")
		executions.Use(s.jwtAuthenticator.JWTAuth())
		{
			executions.GET("", s.handleListExecutions)
			executions.GET("/:id", s.handleGetExecution)
		}

		// Wallet routes (protected)
		walletGroup := v1.Group("/wallet")
		walletGroup.Use(s.jwtAuthenticator.JWTAuth())
		{
			walletGroup.GET("", s.handleGetWallet)
			walletGroup.GET("/transactions", s.handleWalletTransactions)
		}

		// Payment routes
		payments := v1.Group("/payments")
		{
			payments.POST("/checkout", s.jwtAuthenticator.JWTAuth(), s.handleCheckout)
			payments.POST("/webhook/stripe", s.handleStripeWebhook)
			payments.GET("/history", s.jwtAuthenticator.JWTAuth(), s.handleTopUpHistory)
		}

		// Operator catalog management (static bearer token)
		admin := v1.Group("/admin")
		admin.Use(middleware.AdminAuth(s.config.Admin.Token))
		{
			admin.POST("/agents", s.handleCreateAgent)
			admin.PUT("/agents/:slug", s.handleUpdateAgent)
			admin.DELETE("/agents/:slug", s.handleDeactivateAgent)
		}
	}
}

// healthCheck reports process and dependency health
func (s *APIServer) healthCheck(c *gin.Context) {
	status := "healthy"
	checks := gin.H{}

	if err := s.db.Ping(c.Request.Context()); err != nil {
		status = "degraded"
		checks["database"] = "unreachable"
	} else {
		checks["database"] = "ok"
	}

	if s.redis != nil {
		if err := s.redis.Health(c.Request.Context()); err != nil {
			status = "degraded"
			checks["redis"] = "unreachable"
		} else {
			checks["redis"] = "ok"
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"service": "api",
		"checks":  checks,
	})
}

// handleRegister handles user registration
func (s *APIServer) handleRegister(c *gin.Context) {
	var req auth.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	resp, err := s.authService.Register(c.Request.Context(), &req)
	if err != nil {
		if err == auth.ErrEmailAlreadyExists {
			respondError(c, apierrors.NewInvalidRequestError("Email already registered"))
		} else {
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// handleLogin handles user login
func (s *APIServer) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	resp, err := s.authService.Login(c.Request.Context(), &req)
	if err != nil {
		if err == auth.ErrInvalidCredentials {
			respondError(c, apierrors.ErrInvalidCredentialsError)
		} else {
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusOK, resp)
}

// handleRefresh handles token refresh
func (s *APIServer) handleRefresh(c *gin.Context) {
	var req auth.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	tokens, err := s.authService.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		switch err {
		case auth.ErrInvalidToken:
			respondError(c, apierrors.ErrInvalidCredentialsError)
		case auth.ErrTokenExpired:
			respondError(c, apierrors.ErrTokenExpiredError)
		case auth.ErrUserNotFound:
			respondError(c, apierrors.ErrUserNotFoundError)
		default:
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusOK, tokens)
}

// handleGetWallet returns the authenticated user's balance
func (s *APIServer) handleGetWallet(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	resp, err := s.walletService.Balance(c.Request.Context(), userID)
	if err != nil {
		if err == wallet.ErrUserNotFound {
			respondError(c, apierrors.ErrUserNotFoundError)
		} else {
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusOK, resp)
}

// handleWalletTransactions returns the authenticated user's ledger
func (s *APIServer) handleWalletTransactions(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	page, pageSize := pagination(c)
	resp, err := s.walletService.Transactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// rateLimitExecute applies the per-user sliding window to the execute route
func (s *APIServer) rateLimitExecute() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.rateLimiter == nil {
			c.Next()
			return
		}

		userID := middleware.GetUserIDFromContext(c)
		result, err := s.rateLimiter.Check(c.Request.Context(), userID)
		if err != nil || result == nil {
			// Fail open: rate limiting is protection, not a dependency
			c.Next()
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		if !result.Allowed {
			monitoring.RecordRateLimitHit()
			c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
			respondError(c, apierrors.ErrRateLimitedError)
			c.Abort()
			return
		}

		c.Next()
	}
}

// currentUserID extracts and parses the authenticated user ID, responding
// with an auth error when absent
func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDStr := middleware.GetUserIDFromContext(c)
	if userIDStr == "" {
		respondError(c, apierrors.ErrInvalidCredentialsError)
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		respondError(c, apierrors.ErrInvalidCredentialsError)
		return uuid.Nil, false
	}
	return userID, true
}

// pagination reads page/page_size query parameters
func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

// respondError sends a standardized error response
func respondError(c *gin.Context, err *apierrors.APIError) {
	requestID, _ := c.Get("request_id")
	reqIDStr, _ := requestID.(string)

	c.JSON(err.HTTPStatus, apierrors.ErrorResponse{
		Error:     *err,
		RequestID: reqIDStr,
	})
}
