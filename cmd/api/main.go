package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wallet-settlement/config"
	"wallet-settlement/internal/adapter/gateway"
	httpHandler "wallet-settlement/internal/adapter/http/handler"
	"wallet-settlement/internal/adapter/metrics"
	"wallet-settlement/internal/adapter/storage/memory"
	pgStorage "wallet-settlement/internal/adapter/storage/postgres"
	redisStorage "wallet-settlement/internal/adapter/storage/redis"
	"wallet-settlement/internal/core/ports"
	"wallet-settlement/internal/service"
	"wallet-settlement/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// storage is the set of repositories the services run on, whichever driver
// backs them.
type storage struct {
	ledger      ports.LedgerStore
	payments    ports.PaymentRecordRepository
	merchants   ports.MerchantRepository
	idempotency ports.IdempotencyRepository
	alerts      ports.AlertRepository
	transactor  ports.DBTransactor
	health      ports.ReadinessProbe
	close       func()
}

// caches are the fast-path stores; Redis when enabled, process memory otherwise.
type caches struct {
	idempotency ports.IdempotencyCache
	dedup       ports.EventDeduplicator
	rateLimiter ports.RateLimiter
	health      ports.ReadinessProbe
	close       func()
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Service: "wallet-settlement"})
	log.Info().
		Str("mode", cfg.Server.Mode).
		Str("driver", cfg.Database.Driver).
		Int("port", cfg.Server.Port).
		Msg("Starting wallet settlement engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer store.close()

	kv, err := openCaches(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer kv.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(reg)

	digester, err := service.NewBlake2bCodeDigester(cfg.Security.RedemptionCodeKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize redemption code digester")
	}
	sigSvc := service.NewHMACSignatureService()
	tokenSvc := service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Issuer)
	clock := service.SystemClock{}

	gatewayClient := gateway.NewClient(gateway.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		APIKey:       cfg.Gateway.APIKey,
		Timeout:      cfg.Gateway.Timeout,
		MaxRetries:   cfg.Gateway.MaxRetries,
		RetryBackoff: cfg.Gateway.RetryBackoff,
	}, &http.Client{}, logger.Component(log, "gateway"))

	alertSvc := service.NewAlertService(store.alerts, clock, recorder, logger.Component(log, "alerts"))
	payoutSvc := service.NewPayoutService(store.payments, gatewayClient, alertSvc, recorder,
		cfg.Settlement.CommissionBPS, logger.Component(log, "payout"))
	authSvc := service.NewAuthorizationService(store.ledger, store.payments, store.merchants, clock, recorder,
		cfg.Settlement.AuthorizationBudget, logger.Component(log, "authorization"))
	settlementSvc := service.NewSettlementService(store.ledger, store.payments, store.merchants, store.transactor,
		payoutSvc, alertSvc, recorder, logger.Component(log, "settlement"))
	redemptionSvc := service.NewRedemptionService(service.RedemptionDeps{
		Ledger:         store.ledger,
		Payments:       store.payments,
		Merchants:      store.merchants,
		IdempRepo:      store.idempotency,
		IdempCache:     kv.idempotency,
		Transactor:     store.transactor,
		Digester:       digester,
		Payout:         payoutSvc,
		Alerts:         alertSvc,
		Metrics:        recorder,
		Clock:          clock,
		IdempotencyTTL: cfg.Settlement.IdempotencyTTL,
	}, logger.Component(log, "redemption"))
	reconSvc := service.NewReconciliationService(service.ReconciliationDeps{
		Authorization: authSvc,
		Settlement:    settlementSvc,
		Payout:        payoutSvc,
		Ledger:        store.ledger,
		Payments:      store.payments,
		Merchants:     store.merchants,
		Transactor:    store.transactor,
		Dedup:         kv.dedup,
		Alerts:        alertSvc,
		Metrics:       recorder,
		Clock:         clock,
	}, service.SweepConfig{
		StalenessWindow:   cfg.Settlement.StalenessWindow,
		MaxDeferralWindow: cfg.Settlement.MaxDeferralWindow,
		RedemptionExpiry:  cfg.Settlement.RedemptionExpiry,
		BatchSize:         cfg.Settlement.SweepBatchSize,
		EventDedupTTL:     cfg.Settlement.EventDedupTTL,
	}, logger.Component(log, "reconciliation"))
	walletSvc := service.NewWalletService(store.ledger, store.payments, store.transactor, digester, recorder, clock,
		logger.Component(log, "wallet"))

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		AuthorizationSvc:  authSvc,
		ReconciliationSvc: reconSvc,
		RedemptionSvc:     redemptionSvc,
		WalletSvc:         walletSvc,
		SigSvc:            sigSvc,
		TokenSvc:          tokenSvc,
		NetworkSecret:     cfg.Network.WebhookSecret,
		GatewaySecret:     cfg.Gateway.WebhookSecret,
		RateLimiter:       kv.rateLimiter,
		Probes:            []ports.ReadinessProbe{store.health, kv.health},
		MetricsHandler:    recorder.Handler(),
		ClientTopup:       cfg.Settlement.ClientTopup,
		Logger:            log,
	})

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		reconSvc.RunSweeper(sweepCtx, cfg.Settlement.SweepInterval)
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	stopSweeper()
	<-sweeperDone

	log.Info().Msg("Server exited")
}

func openStorage(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*storage, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn().Msg("Using in-memory storage; balances are lost on restart")
		mem := memory.NewStore(service.SystemClock{})
		return &storage{
			ledger:      mem.Ledger(),
			payments:    mem.Payments(),
			merchants:   mem.Merchants(),
			idempotency: mem.Idempotency(),
			alerts:      mem.Alerts(),
			transactor:  mem,
			health:      memory.Probe{Name: "ledger"},
			close:       func() {},
		}, nil
	}

	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if err := pgStorage.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Msg("PostgreSQL connected")

	return &storage{
		ledger:      pgStorage.NewWalletRepo(pool),
		payments:    pgStorage.NewPaymentRepo(pool),
		merchants:   pgStorage.NewMerchantRepo(pool),
		idempotency: pgStorage.NewIdempotencyRepo(pool),
		alerts:      pgStorage.NewAlertRepo(pool),
		transactor:  pgStorage.NewTransactor(pool),
		health:      pgStorage.NewLedgerProbe(pool),
		close:       pool.Close,
	}, nil
}

func openCaches(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*caches, error) {
	if !cfg.Redis.Enabled {
		log.Warn().Msg("Redis disabled; idempotency cache, event dedup and rate limits are per-process")
		kv := memory.NewKeyValue(service.SystemClock{})
		return &caches{
			idempotency: kv.IdempotencyCache("redemption"),
			dedup:       kv.EventDedup(),
			rateLimiter: kv.RateLimiter(),
			health:      memory.Probe{Name: "cache"},
			close:       func() {},
		}, nil
	}

	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("Redis connected")

	return &caches{
		idempotency: redisStorage.NewIdempotencyCache(rdb, "redemption"),
		dedup:       redisStorage.NewEventDedupStore(rdb),
		rateLimiter: redisStorage.NewRateLimitStore(rdb),
		health:      redisStorage.NewCacheProbe(rdb),
		close:       func() { _ = rdb.Close() },
	}, nil
}
