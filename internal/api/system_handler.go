package api

import (
	"net/http"
	"time"

	"logx-server/internal/database"
	"logx-server/internal/repositories"
	"logx-server/internal/services"
	"logx-server/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/minio/minio-go/v7"
	"gorm.io/gorm"
)

type SystemHandler struct {
	db            *gorm.DB
	influxClient  influxdb2.Client
	redisClient   *redis.Client
	minioClient   *minio.Client
	analysisRepo  *repositories.AnalysisRepository
	parserService *services.ParserService
	wsHub         *websocket.Hub
	startedAt     time.Time
}

func NewSystemHandler(
	db *gorm.DB,
	influxClient influxdb2.Client,
	redisClient *redis.Client,
	minioClient *minio.Client,
	analysisRepo *repositories.AnalysisRepository,
	parserService *services.ParserService,
	wsHub *websocket.Hub,
) *SystemHandler {
	return &SystemHandler{
		db:            db,
		influxClient:  influxClient,
		redisClient:   redisClient,
		minioClient:   minioClient,
		analysisRepo:  analysisRepo,
		parserService: parserService,
		wsHub:         wsHub,
		startedAt:     time.Now(),
	}
}

// Health reports the status of every backing service
func (h *SystemHandler) Health(c *gin.Context) {
	health := database.HealthCheck(h.db, h.influxClient, h.redisClient, h.minioClient)
	health["uptime_seconds"] = int64(time.Since(h.startedAt).Seconds())
	health["ws_clients"] = h.wsHub.GetClientCount()
	c.JSON(http.StatusOK, health)
}

// Stats returns pipeline throughput counters
func (h *SystemHandler) Stats(c *gin.Context) {
	counts, err := h.analysisRepo.CountByStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analyses_by_status": counts,
		"ws_clients":         h.wsHub.GetClientCount(),
	})
}

// Parsers lists the registered artifact parsers
func (h *SystemHandler) Parsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"parsers": h.parserService.List()})
}
