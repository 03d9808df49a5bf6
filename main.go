package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wa-agent-support/config"
	"wa-agent-support/database"
	"wa-agent-support/handlers"
	"wa-agent-support/middleware"
	"wa-agent-support/services"
	"wa-agent-support/worker"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, using system environment variables")
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	cfg := config.Load()

	// Initialize database (migrations, job queue constraints, NOTIFY trigger)
	database.InitDatabase(cfg)
	store := services.NewGormStore(database.GetDB())

	// Ephemeral KV: Redis when configured, in-process otherwise
	var kv services.KV
	if cfg.RedisAddr != "" {
		kv = services.NewRedisKV(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		log.Printf("✅ Redis KV at %s", cfg.RedisAddr)
	} else {
		kv = services.NewMemoryKV()
		log.Println("⚠️  REDIS_ADDR not set - using in-memory KV (single instance only)")
	}

	cipher, err := services.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("❌ Failed to initialize cipher: %v", err)
	}

	// LLM + embeddings, rate-limited per provider key
	limiter := services.NewRateLimiter(kv, cfg.RateLimitPerMin, cfg.RateLimitFailOpen)
	llm, err := services.NewOpenAIChatClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMDefaultModel, cfg.LLMTimeout, limiter)
	if err != nil {
		log.Fatalf("❌ Failed to initialize LLM client: %v", err)
	}
	embedder, err := services.NewOpenAIEmbedder(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.EmbeddingModel, cfg.EmbedTimeout)
	if err != nil {
		log.Fatalf("❌ Failed to initialize embedder: %v", err)
	}

	index, err := services.NewChromemIndex(cfg.VectorDataDir)
	if err != nil {
		log.Fatalf("❌ Failed to open vector index: %v", err)
	}

	gateway := services.NewHTTPGateway(services.NewStoreCredentials(store, cipher), cfg.GatewayTimeout)
	intervention := services.NewIntervention(store)

	// Pipeline stages
	retriever := services.NewRetriever(store, embedder, index, cfg.RetrieveTopK, cfg.ScoreThreshold)
	breaker := services.NewCircuitBreaker("llm", 5, 60*time.Second)
	inferrer := services.NewInferrer(store, llm, breaker, cfg.HistoryLimit)
	replier := services.NewReplier(store, gateway, intervention, cfg.SegmentMaxChars,
		cfg.ReplyDelayMin, cfg.ReplyDelayMax, cfg.InterSegmentGap, nil)

	// Per-chat coordinator and the job queue worker
	coordinator := services.NewCoordinator(store, intervention, cfg.MergeWindow)
	pipelineWorker := worker.NewPipelineWorker(cfg, store, intervention, retriever, inferrer, replier)
	pipelineWorker.Start()

	// Setup Gin router
	router := gin.Default()

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, token")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/", handlers.HomePage)
	router.GET("/health", handlers.HealthCheck)

	// Gateway webhook ingress (HMAC-authenticated, no JWT)
	webhookHandler := handlers.NewWebhookHandler(store, kv, coordinator)
	router.POST("/webhooks/gateway/:sessionId", webhookHandler.HandleGatewayWebhook)

	// Operator/admin surface
	adminHandler := handlers.NewAdminHandler(store, intervention, gateway, embedder, index)
	sessionHandler := handlers.NewSessionHandler(gateway, cipher, cfg.PublicBaseURL)

	admin := router.Group("/admin")
	admin.Use(middleware.JWTAuth(cfg.JWTSecret))
	{
		admin.POST("/sessions", sessionHandler.BindSession)
		admin.DELETE("/sessions/:sessionId", sessionHandler.UnbindSession)
		admin.GET("/sessions/:sessionId/status", adminHandler.SessionStatus)
		admin.POST("/sessions/:sessionId/pause", adminHandler.PauseSession)
		admin.POST("/sessions/:sessionId/resume", adminHandler.ResumeSession)
		admin.POST("/sessions/:sessionId/restart", adminHandler.RestartSession)

		admin.GET("/conversations/:chatKey", adminHandler.Conversation)
		admin.POST("/jobs/:jobId/retry", adminHandler.RetryJob)

		admin.POST("/knowledge-bases/:kbId/chunks", adminHandler.UpsertChunks)
		admin.DELETE("/knowledge-bases/:kbId", adminHandler.DeleteKnowledgeBase)
	}

	// Setup HTTP server with graceful shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("🚀 Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-quit
	log.Println("🛑 Shutting down server...")

	// Stop intake first so merge windows can flush, then the worker
	coordinator.Stop()
	pipelineWorker.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server exited gracefully")
}
