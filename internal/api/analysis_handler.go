package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"logx-server/internal/models"
	"logx-server/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type AnalysisHandler struct {
	analysisService *services.AnalysisService
	storageService  *services.StorageService
	iocService      *services.IOCService
}

func NewAnalysisHandler(analysisService *services.AnalysisService, storageService *services.StorageService, iocService *services.IOCService) *AnalysisHandler {
	return &AnalysisHandler{
		analysisService: analysisService,
		storageService:  storageService,
		iocService:      iocService,
	}
}

// Submit accepts an artifact upload, queues an analysis and starts it
func (h *AnalysisHandler) Submit(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	options := models.DefaultAnalysisOptions()
	if raw := c.PostForm("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &options); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid options: " + err.Error()})
			return
		}
	}

	var tags []string
	if raw := c.PostForm("tags"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}

	analysis, err := h.analysisService.Submit(c.Request.Context(), file, options, tags)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer src.Close()

	content, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	go func() {
		if err := h.analysisService.Start(analysis.ID, content); err != nil {
			log.Printf("❌ Analysis %s did not start: %v", analysis.ID, err)
		}
	}()

	c.JSON(http.StatusAccepted, analysis)
}

// List returns a page of analyses
func (h *AnalysisHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	status := c.Query("status")
	severity := c.Query("severity")

	analyses, total, err := h.analysisService.List(page, limit, status, severity)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"analyses": analyses,
		"total":    total,
		"page":     page,
		"limit":    limit,
	})
}

// Get returns one analysis with its matches, indicators and mappings
func (h *AnalysisHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid analysis_id"})
		return
	}

	analysis, err := h.analysisService.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
		return
	}

	c.JSON(http.StatusOK, analysis)
}

// Cancel stops a queued or processing analysis
func (h *AnalysisHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid analysis_id"})
		return
	}

	if err := h.analysisService.Cancel(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// Reanalyze re-runs a finished analysis against its stored artifact
func (h *AnalysisHandler) Reanalyze(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid analysis_id"})
		return
	}

	if err := h.analysisService.Reanalyze(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// Delete removes a terminal analysis together with its stored artifact
func (h *AnalysisHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid analysis_id"})
		return
	}

	if err := h.analysisService.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ListIOCs returns the persisted indicators of one analysis
func (h *AnalysisHandler) ListIOCs(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid analysis_id"})
		return
	}

	iocs, err := h.iocService.ListByAnalysis(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"iocs": iocs, "total": len(iocs)})
}

// DownloadArtifact streams the stored artifact back to the caller
func (h *AnalysisHandler) DownloadArtifact(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid analysis_id"})
		return
	}

	analysis, err := h.analysisService.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
		return
	}
	if analysis.StoragePath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no stored artifact"})
		return
	}

	reader, err := h.storageService.GetArtifact(c.Request.Context(), analysis.StoragePath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer reader.Close()

	c.Header("Content-Disposition", "attachment; filename="+strconv.Quote(analysis.FileName))
	c.Header("Content-Type", "application/octet-stream")
	if _, err := io.Copy(c.Writer, reader); err != nil {
		log.Printf("⚠️  Artifact download for %s interrupted: %v", id, err)
	}
}
