package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/tipflow/backend/internal/clients"
	"github.com/tipflow/backend/internal/config"
	"github.com/tipflow/backend/internal/database"
	"github.com/tipflow/backend/internal/lock"
	mW "github.com/tipflow/backend/internal/middleware"
	"github.com/tipflow/backend/internal/services"
)

// @title Tipflow Settlement API
// @version 1.0
// @description Tip settlement and cross-service reconciliation for live streaming
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	cfg := config.LoadSettlementConfig()

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Redis-backed locks when Redis is up; a single-node in-process fallback
	// otherwise. The fallback only serializes within this process, which is
	// fine for local runs and tests.
	var locks lock.Locker
	if redisClient != nil {
		locks = lock.NewRedisLock(redisClient, "tipflow")
	} else {
		log.Println("Redis unavailable, using in-process locks")
		locks = lock.NewMemoryLock()
	}
	guard := lock.NewIdempotencyGuard(locks, cfg.IdempotencyTTL)

	maxWithdrawal, err := decimal.NewFromString(cfg.MaxWithdrawal)
	if err != nil {
		log.Fatalf("Invalid MAX_WITHDRAWAL_AMOUNT %q: %v", cfg.MaxWithdrawal, err)
	}

	sink := clients.NewResilientSink(
		clients.NewHTTPSink(cfg.SinkBaseURL, cfg.SinkTimeout),
		clients.ResilienceConfig{
			MaxRetries:         cfg.SinkMaxRetries,
			RetryBase:          cfg.SinkRetryBase,
			RetryMax:           cfg.SinkRetryMax,
			BreakerDelay:       cfg.SinkBreakerDelay,
			BreakerMinRequests: uint(cfg.SinkBreakerMinReq),
		},
	)

	tipService := services.NewTipService(db, guard)
	commissionService := services.NewCommissionService(db)
	settlementService := services.NewSettlementService(db, locks, commissionService, cfg.LockTTL)
	withdrawalService := services.NewWithdrawalService(db, locks, guard, cfg.LockTTL, maxWithdrawal)
	syncService := services.NewSyncService(db, sink, cfg.SyncSource, cfg.SyncTarget, cfg.SyncBatchSize)
	ingestService := services.NewIngestService(db)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Tip intake
		r.Post("/tips", tipService.CreateTip)

		// Withdrawals
		r.Post("/withdrawals", withdrawalService.RequestWithdrawal)
		r.Get("/withdrawals/{traceId}", withdrawalService.GetWithdrawal)

		// Settlement
		r.Post("/settlements/{anchorId}/run", settlementService.RunSettlement)
		r.Get("/settlements/{anchorId}", settlementService.GetSettlementHistory)
		r.Get("/accounts/{anchorId}/balance", settlementService.GetAccountBalance)

		// Commission rates
		r.Put("/anchors/{anchorId}/commission-rate", commissionService.SetCommissionRate)
		r.Get("/anchors/{anchorId}/commission-rate/history", commissionService.GetRateHistory)

		// Sync pipeline: outbound pump and inbound receiver
		r.Post("/sync/run", syncService.RunSync)
		r.Post("/sync/batches", ingestService.ReceiveBatch)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
