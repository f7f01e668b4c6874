package handler

import (
	"net/http"

	"wallet-settlement/internal/adapter/http/middleware"
	"wallet-settlement/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	AuthorizationSvc  ports.AuthorizationService
	ReconciliationSvc ports.ReconciliationService
	RedemptionSvc     ports.RedemptionService
	WalletSvc         ports.WalletService
	SigSvc            ports.SignatureService
	TokenSvc          ports.TokenService
	NetworkSecret     string
	GatewaySecret     string
	RateLimiter       ports.RateLimiter // nil = rate limiting disabled
	Probes            []ports.ReadinessProbe
	MetricsHandler    http.Handler // nil = no /metrics route
	MaxBodyBytes      int64
	ClientTopup       bool // false = no /wallets/topup route
	Logger            zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()

	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(maxBody))

	r.GET("/health", Readiness(deps.Probes...))
	if deps.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	rules := middleware.DefaultRateLimitRules()
	rl := func(group string) gin.HandlerFunc {
		rule, ok := rules[group]
		if deps.RateLimiter == nil || !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimiter, group, rule, deps.Logger)
	}

	v1 := r.Group("/api/v1")

	// --- Card network (HMAC) ---
	networkSig := middleware.WebhookSignature("network", deps.NetworkSecret, deps.SigSvc,
		middleware.HeaderNetworkSignature, middleware.HeaderNetworkTimestamp, deps.Logger)
	networkHandler := NewNetworkHandler(deps.AuthorizationSvc, deps.ReconciliationSvc)
	network := v1.Group("/network", networkSig, rl("network"))
	{
		network.POST("/authorizations", networkHandler.Authorize)
		network.POST("/events", networkHandler.Events)
	}

	// --- Payout gateway (HMAC) ---
	gatewaySig := middleware.WebhookSignature("gateway", deps.GatewaySecret, deps.SigSvc,
		middleware.HeaderGatewaySignature, middleware.HeaderGatewayTimestamp, deps.Logger)
	gatewayHandler := NewGatewayHandler(deps.ReconciliationSvc)
	v1.POST("/gateway/events", gatewaySig, rl("gateway"), gatewayHandler.Events)

	// --- Wallet owners (JWT) ---
	jwtAuth := middleware.JWTAuth(deps.TokenSvc, deps.Logger)
	client := v1.Group("", jwtAuth)

	redemptionHandler := NewRedemptionHandler(deps.RedemptionSvc)
	client.POST("/redemptions", rl("redemptions"), redemptionHandler.Redeem)

	walletHandler := NewWalletHandler(deps.WalletSvc)
	wallets := client.Group("/wallets")
	{
		wallets.GET("/balance", rl("wallet_read"), walletHandler.GetBalance)
		if deps.ClientTopup {
			wallets.POST("/topup", rl("topup"), walletHandler.Topup)
		}
	}
	client.POST("/transfers", rl("transfers"), walletHandler.SendTransfer)
	client.POST("/venue-payments", rl("transfers"), walletHandler.CreateVenuePayment)

	paymentHandler := NewPaymentHandler(deps.WalletSvc)
	payments := client.Group("/payments")
	{
		payments.GET("", rl("wallet_read"), paymentHandler.List)
		payments.GET("/:id", rl("wallet_read"), paymentHandler.Get)
	}

	return r
}
