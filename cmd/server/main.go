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
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/billvault/backend/docs"
	"github.com/billvault/backend/internal/aggregator"
	"github.com/billvault/backend/internal/config"
	"github.com/billvault/backend/internal/database"
	"github.com/billvault/backend/internal/gateway"
	mW "github.com/billvault/backend/internal/middleware"
	"github.com/billvault/backend/internal/services"
)

// @title BillVault Wallet API
// @version 1.0
// @description Wallet funding, bill payment and reconciliation API
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

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "BillVault Wallet API"
	docs.SwaggerInfo.Description = "Wallet funding, bill payment and reconciliation API"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	walletCfg := config.LoadWalletConfig()
	gatewayCfg := config.LoadGatewayConfig()
	aggregatorCfg := config.LoadAggregatorConfig()

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	gatewayClient := gateway.NewClient(gatewayCfg, walletCfg.HTTPTimeout)
	aggregatorClient := aggregator.NewClient(aggregatorCfg, walletCfg.HTTPTimeout)

	ledgerService := services.NewLedgerService(db)
	resolver := services.NewIdempotencyResolver(db)
	cashbackService := services.NewCashbackService(db)
	cardService := services.NewCardService(db)
	authService := services.NewAuthService(db, redisClient, gatewayClient)
	pinService := services.NewPinService(db, redisClient, walletCfg)
	fundingService := services.NewFundingService(db, ledgerService, resolver, gatewayClient, cardService, walletCfg)
	purchaseService := services.NewPurchaseService(ledgerService, pinService, cashbackService, aggregatorClient, walletCfg)
	walletService := services.NewWalletService(ledgerService, resolver)
	sweeper := services.NewSweeper(ledgerService, fundingService, purchaseService, gatewayClient, walletCfg)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Background reconciliation of aged pending entries
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweeper.Run(sweepCtx)

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

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)

		// Gateway callback is authenticated by its HMAC signature, not
		// by a user token.
		r.Post("/wallet/fund/webhook", fundingService.HandleWebhook)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/account", authService.GetUserAccount)
			r.Post("/auth/kyc/upgrade", authService.UpgradeKYC)

			r.Get("/wallet/balance", walletService.GetBalance)
			r.Get("/wallet/transactions", walletService.ListTransactions)
			r.Get("/wallet/transactions/{reference}", walletService.GetTransaction)

			r.Post("/wallet/fund/initialize", fundingService.InitializeFunding)
			r.Post("/wallet/fund/verify", fundingService.VerifyFunding)

			r.Post("/bills/purchase/{category}", purchaseService.Purchase)
			r.Post("/bills/requery", purchaseService.Requery)

			r.Post("/wallet/pin", pinService.SetupPin)
			r.Post("/wallet/pin/verify", pinService.VerifyPin)
			r.Put("/wallet/pin", pinService.ChangePin)
			r.Post("/wallet/pin/forgot", pinService.ForgotPinInitiate)
			r.Post("/wallet/pin/forgot/verify", pinService.ForgotPinVerify)
			r.Post("/wallet/pin/forgot/complete", pinService.ForgotPinComplete)

			r.Get("/wallet/cards", cardService.ListCards)
			r.Put("/wallet/cards/{cardId}/default", cardService.SetDefaultCard)
			r.Delete("/wallet/cards/{cardId}", cardService.DeleteCard)
		})
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
	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
