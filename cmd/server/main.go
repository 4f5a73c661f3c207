package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/tokex-api/internal/blockchain"
	"github.com/ksred/tokex-api/internal/config"
	"github.com/ksred/tokex-api/internal/database"
	"github.com/ksred/tokex-api/internal/events"
	"github.com/ksred/tokex-api/internal/funding"
	"github.com/ksred/tokex-api/internal/ledger"
	"github.com/ksred/tokex-api/internal/matching"
	"github.com/ksred/tokex-api/internal/metrics"
	"github.com/ksred/tokex-api/internal/settlement"
	"github.com/ksred/tokex-api/internal/trading"
	"github.com/ksred/tokex-api/internal/wallet"
	"github.com/ksred/tokex-api/pkg/middleware"
)

// setupLogging configures zerolog for the environment. Development gets
// console output; production writes JSON.
func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

type handlers struct {
	trading    *trading.GinHandlers
	ledger     *ledger.GinHandlers
	settlement *settlement.GinHandlers
	funding    *funding.GinHandlers
	wallet     *wallet.GinHandlers
}

func main() {
	configPath := flag.String("config", os.Getenv("TOKEX_CONFIG"), "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewDatabase(ctx, cfg.Database)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	publisher, closePublisher := newPublisher(cfg, m)
	defer closePublisher()

	balances := ledger.NewLedger(db, publisher, m, ledger.Config{
		PaymentToken:  cfg.Settlement.PaymentToken,
		PaymentTokens: cfg.Settlement.PaymentTokens,
	})
	wallets := wallet.NewStore(db)

	fee, err := cfg.Settlement.Fee()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid settlement fee percentage")
	}
	coordinator := settlement.NewCoordinator(db, balances, wallets, newProvider(cfg), publisher, m, settlement.Config{
		Timeout:              cfg.Settlement.Timeout,
		MaxAttempts:          cfg.Settlement.MaxAttempts,
		RetryBackoff:         cfg.Settlement.RetryBackoff,
		ConfirmationTimeout:  cfg.Settlement.ConfirmationTimeout,
		ConfirmationInterval: cfg.Settlement.ConfirmationInterval,
		FeePercentage:        fee,
	})

	orderStore := trading.NewDatabase(db)
	engine := matching.NewEngine(orderStore, coordinator, publisher, m)
	tradingService := trading.NewService(orderStore, engine, publisher, m)
	fundingService := funding.NewService(db, balances, wallets, publisher)

	h := handlers{
		trading:    trading.NewGinHandlers(tradingService),
		ledger:     ledger.NewGinHandlers(balances),
		settlement: settlement.NewGinHandlers(settlement.NewService(db)),
		funding:    funding.NewGinHandlers(fundingService),
		wallet:     wallet.NewGinHandlers(wallets),
	}

	// Background jobs
	go settlement.NewProcessor(coordinator, cfg.Settlement.ReconcileInterval, 2*cfg.Settlement.Timeout).Start(ctx)
	go trading.NewExpirySweeper(tradingService, cfg.Matching.ExpiryInterval).Start(ctx)

	limiter := middleware.NewRateLimiter()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Cleanup(10 * time.Minute)
			}
		}
	}()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(), middleware.Metrics(m))

	router.GET("/healthz", healthHandler(db))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	setupRoutes(router, cfg.Auth.JWTSecret, limiter, h)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		zlog.Info().Int("port", cfg.HTTP.Port).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop accepting requests before background jobs so in-flight fills finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Settlement.Timeout+5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}
	cancel()

	zlog.Info().Msg("Server exiting")
}

func newPublisher(cfg *config.Config, m *metrics.Metrics) (events.Publisher, func()) {
	sinks := events.Fanout{events.NewLogPublisher()}
	if !cfg.Kafka.Enabled {
		return sinks, func() {}
	}

	kafka, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix, m)
	if err != nil {
		zlog.Fatal().Err(err).Strs("brokers", cfg.Kafka.Brokers).Msg("Failed to connect to kafka")
	}
	return append(sinks, kafka), func() {
		if err := kafka.Close(); err != nil {
			zlog.Error().Err(err).Msg("failed to close kafka producer")
		}
	}
}

func newProvider(cfg *config.Config) blockchain.Provider {
	if cfg.Blockchain.Provider == "http" {
		return blockchain.NewHTTPProvider(blockchain.HTTPConfig{
			BaseURL: cfg.Blockchain.BaseURL,
			APIKey:  cfg.Blockchain.APIKey,
			Timeout: cfg.Settlement.Timeout,
		})
	}
	return blockchain.NewSimulatedProvider(blockchain.SimulatedConfig{
		MinLatency:        cfg.Blockchain.MinLatency,
		MaxLatency:        cfg.Blockchain.MaxLatency,
		SuccessRate:       cfg.Blockchain.SuccessRate,
		ConfirmationDelay: cfg.Blockchain.ConfirmationDelay,
	})
}

func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// setupRoutes groups endpoints by caller. User routes require a bearer token
// and are rate limited per user; internal routes require the internal scope.
func setupRoutes(router *gin.Engine, jwtSecret string, limiter *middleware.RateLimiter, h handlers) {
	v1 := router.Group("/api/v1")

	user := v1.Group("")
	user.Use(middleware.JWTAuth(jwtSecret), limiter.Middleware())
	{
		orders := user.Group("/orders")
		orders.POST("", h.trading.CreateOrderHandler())
		orders.GET("", h.trading.ListOrderHistoryHandler())
		orders.GET("/open", h.trading.ListOpenOrdersHandler())
		orders.GET("/:order_id", h.trading.GetOrderHandler())
		orders.DELETE("/:order_id", h.trading.CancelOrderHandler())

		user.GET("/assets", h.trading.ListAssetsHandler())

		user.GET("/balances", h.ledger.ListBalancesHandler())
		user.GET("/balances/:asset_id", h.ledger.GetBalanceHandler())

		user.GET("/trades", h.settlement.ListTradesHandler())
		user.GET("/trades/:trade_id", h.settlement.GetTradeHandler())

		fundingGroup := user.Group("/funding")
		fundingGroup.POST("/deposits", h.funding.DepositHandler())
		fundingGroup.POST("/withdrawals", h.funding.WithdrawHandler())
		fundingGroup.GET("/transactions", h.funding.ListTransactionsHandler())
		fundingGroup.GET("/transactions/:transaction_id", h.funding.GetTransactionHandler())
	}

	internal := v1.Group("/internal")
	internal.Use(middleware.InternalAuth(jwtSecret))
	{
		internal.POST("/assets", h.trading.CreateAssetHandler())
		internal.POST("/wallets", h.wallet.BindWalletHandler())
		internal.POST("/orders/:order_id/cancel", h.trading.AdminCancelOrderHandler())
		internal.POST("/funding/:transaction_id/complete", h.funding.CompleteHandler())
		internal.POST("/funding/:transaction_id/fail", h.funding.FailHandler())
		internal.POST("/funding/:transaction_id/cancel", h.funding.CancelHandler())
	}
}
