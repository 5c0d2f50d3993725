package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/auth"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/config"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/database"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/gateway"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/metrics"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/orchestration"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/session"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/spec"

	_ "github.com/bizmatters/agent-builder/spec-drafter/docs" // swagger docs
)

// @title Spec Drafter API
// @version 1.0
// @description Turns free-form requirements into a structured specification draft
// @description and refines it through a question-and-answer chat.

// @contact.name API Support
// @contact.email support@bizmatters.dev

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the JWT token.

func main() {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	shutdownTracer, err := initTracer()
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}

	defaultTemplate, err := spec.Lookup(cfg.Template)
	if err != nil {
		log.Fatalf("Invalid template: %v", err)
	}

	// Persistence
	var pool *pgxpool.Pool
	var store session.Store
	var users gateway.UserStore
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		log.Println("Connecting to PostgreSQL database...")
		pool, err = database.Connect(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pool.Close()
		log.Println("Connected to PostgreSQL database")

		if err := database.CreateTables(context.Background(), pool); err != nil {
			log.Fatalf("Failed to create tables: %v", err)
		}
		store = session.NewPostgresStore(pool)
		users = database.NewUserRepository(pool)
	default:
		log.Println("Using in-memory session store; sessions are lost on restart and login is disabled")
		store = session.NewMemoryStore()
	}

	// Orchestration layer
	generator := orchestration.NewOpenAIClient(cfg.ClientConfig())
	service := orchestration.NewService(generator, metrics.NewSpecMetrics(), orchestration.ServiceConfig{
		QuestionQuota: cfg.QuestionQuota,
		Merge:         cfg.MergeOptions(),
	})
	sessions := session.NewManager(service, store, session.WithDefaultTemplate(defaultTemplate))

	// Auth
	var jwtManager *auth.JWTManager
	if cfg.JWTSecret != "" {
		jwtManager, err = auth.NewJWTManager(cfg.JWTSecret)
		if err != nil {
			log.Fatalf("Failed to initialize JWT manager: %v", err)
		}
	}

	gatewayHandler := gateway.NewHandler(service, sessions, users, jwtManager, defaultTemplate)

	router := gin.Default()
	router.Use(structuredLoggingMiddleware())

	// Health checks MUST be at the root for the WebService standard
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/ready", func(c *gin.Context) {
		if pool != nil {
			if err := pool.Ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "not ready",
					"error":  "database connection failed",
				})
				return
			}
		}
		if !service.IsHealthy(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"error":  "generation service unavailable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := router.Group("/api")
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	protected := api.Group("")
	if cfg.AuthRequired {
		protected.Use(auth.RequireAuth(jwtManager))
	} else {
		log.Println("AUTH_REQUIRED=false: unauthenticated requests act as the anonymous owner")
		protected.Use(auth.OptionalAuth(jwtManager))
	}
	gatewayHandler.Routes(api, protected)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.OpenAITimeout + 30*time.Second, // synchronous generation calls
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting Spec Drafter API server on port %s\n", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if err := shutdownTracer(ctx); err != nil {
		log.Printf("Failed to flush traces: %v", err)
	}

	log.Println("Server exited")
}

// initTracer initializes OpenTelemetry tracing
func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// structuredLoggingMiddleware provides structured JSON logging for all requests
func structuredLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		userID, _ := c.Get(auth.UserIDKey)

		logEntry := map[string]interface{}{
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
		}

		if userID != nil {
			logEntry["user_id"] = userID
		}
		if len(c.Errors) > 0 {
			logEntry["errors"] = c.Errors.String()
		}

		logJSON, _ := json.Marshal(logEntry)
		log.Println(string(logJSON))
	}
}
