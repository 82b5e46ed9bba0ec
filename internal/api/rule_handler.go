package api

import (
	"net/http"
	"strconv"

	"logx-server/internal/models"
	"logx-server/internal/repositories"
	"logx-server/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

type RuleHandler struct {
	ruleRepo   *repositories.RuleRepository
	ruleEngine *services.RuleEngineService
}

func NewRuleHandler(ruleRepo *repositories.RuleRepository, ruleEngine *services.RuleEngineService) *RuleHandler {
	return &RuleHandler{
		ruleRepo:   ruleRepo,
		ruleEngine: ruleEngine,
	}
}

// List returns a page of detection rules
func (h *RuleHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	ruleType := c.Query("type")
	category := c.Query("category")
	enabled := c.Query("enabled")

	rules, total, err := h.ruleRepo.List(page, limit, ruleType, category, enabled)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rules": rules,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

// Get returns a single rule
func (h *RuleHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule_id"})
		return
	}

	rule, err := h.ruleRepo.GetByID(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return
	}

	c.JSON(http.StatusOK, rule)
}

// Create validates and stores a new rule. Validation errors block the
// save; warnings are returned alongside the created rule.
func (h *RuleHandler) Create(c *gin.Context) {
	var req struct {
		Name        string   `json:"name" binding:"required"`
		Type        string   `json:"type" binding:"required"`
		Severity    string   `json:"severity"`
		Body        string   `json:"body" binding:"required"`
		Description string   `json:"description"`
		Category    string   `json:"category"`
		Priority    int      `json:"priority"`
		Enabled     *bool    `json:"enabled"`
		Tags        []string `json:"tags"`
		Techniques  []string `json:"techniques"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule := &models.Rule{
		ID:          uuid.New(),
		Name:        req.Name,
		Type:        req.Type,
		Severity:    req.Severity,
		Body:        req.Body,
		Description: req.Description,
		Category:    req.Category,
		Priority:    req.Priority,
		Enabled:     enabled,
		Tags:        pq.StringArray(req.Tags),
		Techniques:  pq.StringArray(req.Techniques),
	}

	validation := h.ruleEngine.Validate(rule)
	if !validation.Valid {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "rule is invalid", "validation": validation})
		return
	}

	if err := h.ruleRepo.Create(rule); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"rule": rule, "validation": validation})
}

// Update modifies an existing rule after re-validation
func (h *RuleHandler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule_id"})
		return
	}

	rule, err := h.ruleRepo.GetByID(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return
	}

	var req struct {
		Name        *string  `json:"name"`
		Severity    *string  `json:"severity"`
		Body        *string  `json:"body"`
		Description *string  `json:"description"`
		Category    *string  `json:"category"`
		Priority    *int     `json:"priority"`
		Enabled     *bool    `json:"enabled"`
		Tags        []string `json:"tags"`
		Techniques  []string `json:"techniques"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.Severity != nil {
		rule.Severity = *req.Severity
	}
	if req.Body != nil {
		rule.Body = *req.Body
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.Category != nil {
		rule.Category = *req.Category
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.Tags != nil {
		rule.Tags = pq.StringArray(req.Tags)
	}
	if req.Techniques != nil {
		rule.Techniques = pq.StringArray(req.Techniques)
	}

	validation := h.ruleEngine.Validate(rule)
	if !validation.Valid {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "rule is invalid", "validation": validation})
		return
	}

	updates := map[string]interface{}{
		"name":        rule.Name,
		"severity":    rule.Severity,
		"body":        rule.Body,
		"description": rule.Description,
		"category":    rule.Category,
		"priority":    rule.Priority,
		"enabled":     rule.Enabled,
		"tags":        rule.Tags,
		"techniques":  rule.Techniques,
	}
	if err := h.ruleRepo.Update(id, updates); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rule": rule, "validation": validation})
}

// Delete removes a rule
func (h *RuleHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule_id"})
		return
	}

	if err := h.ruleRepo.Delete(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Validate checks a rule body without saving or executing it
func (h *RuleHandler) Validate(c *gin.Context) {
	var req struct {
		Name       string   `json:"name"`
		Type       string   `json:"type" binding:"required"`
		Severity   string   `json:"severity"`
		Body       string   `json:"body" binding:"required"`
		Techniques []string `json:"techniques"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := &models.Rule{
		Name:       req.Name,
		Type:       req.Type,
		Severity:   req.Severity,
		Body:       req.Body,
		Techniques: pq.StringArray(req.Techniques),
	}

	c.JSON(http.StatusOK, h.ruleEngine.Validate(rule))
}

// Test runs a rule against caller-supplied sample content. Match
// statistics of the stored rule are never touched.
func (h *RuleHandler) Test(c *gin.Context) {
	var req struct {
		Rule struct {
			Name     string `json:"name"`
			Type     string `json:"type" binding:"required"`
			Severity string `json:"severity"`
			Body     string `json:"body" binding:"required"`
		} `json:"rule" binding:"required"`
		Sample string `json:"sample" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := &models.Rule{
		Name:     req.Rule.Name,
		Type:     req.Rule.Type,
		Severity: req.Rule.Severity,
		Body:     req.Rule.Body,
	}

	result, err := h.ruleEngine.Test(c.Request.Context(), rule, []byte(req.Sample))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}
