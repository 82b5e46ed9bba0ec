package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"logx-server/internal/api"
	"logx-server/internal/config"
	"logx-server/internal/database"
	"logx-server/internal/middleware"
	"logx-server/internal/repositories"
	"logx-server/internal/services"
	"logx-server/internal/throttle"
	"logx-server/internal/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/minio/minio-go/v7"
	"gorm.io/gorm"
)

func main() {
	log.Println("🚀 Starting LogX Server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Printf("⚠️  Failed to load config: %v, using defaults", err)
		cfg = &config.Config{
			Server: config.ServerConfig{
				Address: "localhost:5000",
				Mode:    "debug",
			},
		}
	}

	config.PrintConfig(cfg)

	// Initialize database connections with error handling
	log.Println("📊 Connecting to backing services...")

	var db *gorm.DB
	var influxDB influxdb2.Client
	var redisClient *redis.Client
	var minioClient *minio.Client

	// Try to connect to PostgreSQL
	db, err = database.InitPostgreSQL(cfg.Database.PostgreSQL)
	if err != nil {
		log.Printf("⚠️  PostgreSQL connection failed: %v, continuing without database", err)
		db = nil
	} else {
		log.Println("✅ PostgreSQL connected")
	}

	// Try to connect to InfluxDB
	influxDB, err = database.InitInfluxDB(cfg.Database.InfluxDB)
	if err != nil {
		log.Printf("⚠️  InfluxDB connection failed: %v, continuing without InfluxDB", err)
		influxDB = nil
	} else {
		log.Println("✅ InfluxDB connected")
	}

	// Try to connect to Redis
	redisClient, err = database.InitRedis(cfg.Database.Redis)
	if err != nil {
		log.Printf("⚠️  Redis connection failed: %v, continuing without Redis", err)
		redisClient = nil
	} else {
		log.Println("✅ Redis connected")
	}

	// Try to connect to MinIO
	minioClient, err = database.InitMinIO(cfg.Storage.MinIO)
	if err != nil {
		log.Printf("⚠️  MinIO connection failed: %v, continuing without MinIO", err)
		minioClient = nil
	} else {
		log.Println("✅ MinIO connected")
	}

	// Initialize services
	log.Println("⚙️  Initializing services...")

	analysisRepo := repositories.NewAnalysisRepository(db)
	ruleRepo := repositories.NewRuleRepository(db)

	providerLimiter := throttle.NewLimiter(
		cfg.ThreatIntel.MaxRequestsPerMinute,
		time.Duration(cfg.ThreatIntel.RequestDelayMs)*time.Millisecond,
	)

	parserService := services.NewParserService()
	ruleEngine := services.NewRuleEngineService(db)
	iocService := services.NewIOCService(db)
	threatIntelService := services.NewThreatIntelService(cfg.ThreatIntel, redisClient, providerLimiter)
	scoringService := services.NewScoringService()
	mitreService := services.NewMITREService()
	summaryService := services.NewSummaryService()
	storageService := services.NewStorageService(minioClient, cfg.Storage.MinIO)
	metricsService := services.NewMetricsService(influxDB, cfg.Database.InfluxDB.Org, cfg.Database.InfluxDB.Bucket)

	// Initialize auth middleware
	authMiddleware := middleware.NewAuthMiddleware(db, cfg.Security.JWTSecret, cfg.Security.SubmitAPIKey)

	// Initialize WebSocket hub
	wsHub := websocket.NewHub()
	go wsHub.Run()
	log.Println("✅ WebSocket hub started")

	analysisService := services.NewAnalysisService(
		analysisRepo,
		parserService,
		ruleEngine,
		iocService,
		threatIntelService,
		scoringService,
		mitreService,
		summaryService,
		storageService,
		metricsService,
		wsHub,
		cfg.Analysis,
	)

	log.Println("✅ Services initialized")

	// Initialize HTTP router
	router := setupRouter(cfg, db, influxDB, redisClient, minioClient,
		analysisRepo, ruleRepo, analysisService, storageService, iocService,
		parserService, ruleEngine, threatIntelService, wsHub, authMiddleware)

	// Start HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("🌐 LogX Server listening on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🛑 Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("❌ Server forced to shutdown:", err)
	}

	if influxDB != nil {
		influxDB.Close()
	}

	log.Println("✅ Server exited")
}

func setupRouter(
	cfg *config.Config,
	db *gorm.DB,
	influxDB influxdb2.Client,
	redisClient *redis.Client,
	minioClient *minio.Client,
	analysisRepo *repositories.AnalysisRepository,
	ruleRepo *repositories.RuleRepository,
	analysisService *services.AnalysisService,
	storageService *services.StorageService,
	iocService *services.IOCService,
	parserService *services.ParserService,
	ruleEngine *services.RuleEngineService,
	threatIntelService *services.ThreatIntelService,
	wsHub *websocket.Hub,
	authMiddleware *middleware.AuthMiddleware,
) *gin.Engine {

	if cfg.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))

	router.Use(gin.Recovery())

	// CORS configuration
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{
		"Origin", "Content-Length", "Content-Type",
		"Authorization", "X-Client-ID", "X-API-Key",
	}
	corsConfig.AllowMethods = []string{
		"GET", "POST", "PUT", "DELETE", "OPTIONS",
	}
	router.Use(cors.New(corsConfig))

	systemHandler := api.NewSystemHandler(db, influxDB, redisClient, minioClient,
		analysisRepo, parserService, wsHub)

	// Health check endpoint
	router.GET("/health", systemHandler.Health)

	// System info endpoint
	router.GET("/info", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":        "LogX Server",
			"version":     "1.0.0",
			"description": "Log Analysis and Threat Enrichment Pipeline",
			"build_time":  time.Now().Format(time.RFC3339),
		})
	})

	// WebSocket endpoint for real-time progress updates
	router.GET("/ws", func(c *gin.Context) {
		websocket.HandleWebSocket(wsHub, c.Writer, c.Request)
	})

	// API routes
	apiRouter := router.Group("/api/v1")
	{
		// Apply rate limiting to all API routes
		apiRouter.Use(authMiddleware.RateLimit(cfg.Security.RateLimit, time.Minute))
		apiRouter.Use(authMiddleware.InputValidation())

		// Analysis submission and lifecycle
		analysisRouter := apiRouter.Group("/analyses")
		{
			analysisHandler := api.NewAnalysisHandler(analysisService, storageService, iocService)

			// Submission endpoints (API-key clients)
			analysisRouter.POST("", authMiddleware.SubmitterAuth(),
				authMiddleware.AuditLog("submit", "analysis"), analysisHandler.Submit)

			// Analyst endpoints
			analysisRouter.GET("", analysisHandler.List)
			analysisRouter.GET("/:id", analysisHandler.Get)
			analysisRouter.POST("/:id/cancel", authMiddleware.AuditLog("cancel", "analysis"), analysisHandler.Cancel)
			analysisRouter.POST("/:id/reanalyze", authMiddleware.AuditLog("reanalyze", "analysis"), analysisHandler.Reanalyze)
			analysisRouter.DELETE("/:id", authMiddleware.AuditLog("delete", "analysis"), analysisHandler.Delete)
			analysisRouter.GET("/:id/iocs", analysisHandler.ListIOCs)
			analysisRouter.GET("/:id/artifact", analysisHandler.DownloadArtifact)
		}

		// Detection rule management
		ruleRouter := apiRouter.Group("/rules")
		ruleRouter.Use(authMiddleware.AnalystAuth())
		ruleRouter.Use(authMiddleware.RBAC("analyst"))
		{
			ruleHandler := api.NewRuleHandler(ruleRepo, ruleEngine)
			ruleRouter.GET("", ruleHandler.List)
			ruleRouter.POST("", authMiddleware.AuditLog("create", "rule"), ruleHandler.Create)
			ruleRouter.GET("/:id", ruleHandler.Get)
			ruleRouter.PUT("/:id", authMiddleware.AuditLog("update", "rule"), ruleHandler.Update)
			ruleRouter.DELETE("/:id", authMiddleware.AuditLog("delete", "rule"), ruleHandler.Delete)
			ruleRouter.POST("/validate", ruleHandler.Validate)
			ruleRouter.POST("/test", ruleHandler.Test)
		}

		// Threat Intelligence
		threatRouter := apiRouter.Group("/threat-intel")
		threatRouter.Use(authMiddleware.AnalystAuth())
		{
			threatHandler := api.NewThreatIntelHandler(threatIntelService)
			threatRouter.GET("/lookup", threatHandler.Lookup)
			threatRouter.GET("/reputation", threatHandler.Reputation)
		}

		// System management
		systemRouter := apiRouter.Group("/system")
		{
			systemRouter.GET("/stats", systemHandler.Stats)
			systemRouter.GET("/parsers", systemHandler.Parsers)
		}
	}

	return router
}
