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

	"github.com/homelet/backend/docs"
	"github.com/homelet/backend/internal/database"
	"github.com/homelet/backend/internal/handlers"
	mW "github.com/homelet/backend/internal/middleware"
	"github.com/homelet/backend/internal/services"
)

// @title HomeLet Backend API
// @version 1.0
// @description API for the rental marketplace wallet and settlement backend
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	// Set environment variable prefix
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
	docs.SwaggerInfo.Title = "HomeLet Backend API"
	docs.SwaggerInfo.Description = "API for the rental marketplace wallet and settlement backend"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	dispatcher := services.NewDispatcher(redisClient)
	registry := services.NewAccountRegistry(db)
	engine := services.NewSettlementEngine(db, dispatcher)

	bankService := services.NewBankService()
	walletService := services.NewWalletService(db, engine, registry, bankService)
	contractService := services.NewContractService(db, engine.Store(), dispatcher)
	propertyService := services.NewPropertyService(db)
	maintenanceService := services.NewMaintenanceService(db, dispatcher)
	authService := services.NewAuthService(db, redisClient, registry)

	paycodeService := services.NewPaycodeService(db, redisClient)
	paycodeHandler := handlers.NewPaycodeHandler(db, paycodeService, engine)
	receiptService := services.NewReceiptService(db, redisClient, engine.Store())
	receiptHandler := handlers.NewReceiptHandler(db, receiptService)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Expired rent codes are purged hourly.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if err := paycodeService.CleanupExpiredCodes(context.Background()); err != nil {
				log.Printf("Rent code cleanup failed: %v", err)
			}
		}
	}()

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
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
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

	// Static file server for property photos
	r.Handle("/static/property-photos/*", http.StripPrefix("/static/property-photos/",
		mW.StaticFileServer("./static/property-photos")))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)
		r.Post("/auth/request-otp", authService.RequestPhoneOTP)
		r.Post("/auth/verify-otp", authService.VerifyPhoneOTP)
		r.Get("/banks", bankService.GetAllBanks)
		r.Post("/receipts/verify", receiptHandler.VerifyReceipt)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/auth/account", authService.GetUserAccount)

			// Wallet endpoints
			r.Post("/wallet/topup", walletService.TopUp)
			r.Post("/wallet/withdraw", walletService.Withdraw)
			r.Post("/wallet/pay-rent", walletService.PayRent)
			r.Post("/wallet/transfer-revenue", walletService.TransferRevenue)
			r.Post("/wallet/reverse", walletService.ReverseEntry)
			r.Get("/wallet/balance", walletService.GetBalance)
			r.Get("/wallet/transactions", walletService.ListTransactions)
			r.Post("/wallet/audit/rebuild", walletService.RebuildBalance)

			// Property endpoints
			r.Post("/properties", propertyService.CreateProperty)
			r.Get("/properties", propertyService.ListProperties)
			r.Get("/properties/{propertyId}", propertyService.GetProperty)
			r.Patch("/properties/{propertyId}/status", propertyService.UpdateStatus)

			// Contract endpoints
			r.Post("/contracts", contractService.CreateContract)
			r.Get("/contracts", contractService.ListContracts)
			r.Get("/contracts/{contractId}", contractService.GetContract)
			r.Post("/contracts/{contractId}/activate", contractService.ActivateContract)
			r.Post("/contracts/{contractId}/terminate", contractService.TerminateContract)
			r.Get("/contracts/{contractId}/next-due", contractService.NextDue)

			// Maintenance endpoints
			r.Post("/maintenance", maintenanceService.CreateRequest)
			r.Get("/maintenance", maintenanceService.ListRequests)
			r.Patch("/maintenance/{requestId}/status", maintenanceService.UpdateStatus)

			// Rent code endpoints
			r.Post("/paycodes/generate", paycodeHandler.GenerateCode)
			r.Post("/paycodes/redeem", paycodeHandler.RedeemCode)

			// Receipt endpoints
			r.Post("/receipts/generate", receiptHandler.GenerateReceipt)
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
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
