package repositories

import (
	"time"

	"logx-server/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RuleRepository struct {
	db *gorm.DB
}

func NewRuleRepository(db *gorm.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

func (r *RuleRepository) Create(rule *models.Rule) error {
	return r.db.Create(rule).Error
}

func (r *RuleRepository) GetByID(id uuid.UUID) (*models.Rule, error) {
	var rule models.Rule
	err := r.db.First(&rule, "id = ?", id).Error
	return &rule, err
}

func (r *RuleRepository) Update(id uuid.UUID, updates map[string]interface{}) error {
	return r.db.Model(&models.Rule{}).Where("id = ?", id).Updates(updates).Error
}

func (r *RuleRepository) Delete(id uuid.UUID) error {
	return r.db.Delete(&models.Rule{}, "id = ?", id).Error
}

func (r *RuleRepository) List(page, limit int, ruleType, category, enabled string) ([]models.Rule, int64, error) {
	var rules []models.Rule
	var total int64

	query := r.db.Model(&models.Rule{})

	if ruleType != "" {
		query = query.Where("type = ?", ruleType)
	}
	if category != "" {
		query = query.Where("category = ?", category)
	}
	if enabled != "" {
		query = query.Where("enabled = ?", enabled == "true")
	}

	query.Count(&total)

	offset := (page - 1) * limit
	err := query.Offset(offset).Limit(limit).Order("priority ASC, name ASC").Find(&rules).Error

	return rules, total, err
}

// LoadEnabled returns the enabled rule set ordered by ascending priority,
// name as the deterministic tie-break.
func (r *RuleRepository) LoadEnabled() ([]models.Rule, error) {
	var rules []models.Rule
	err := r.db.Where("enabled = ?", true).Order("priority ASC, name ASC").Find(&rules).Error
	return rules, err
}

// RecordMatches bumps a rule's lifetime match statistics
func (r *RuleRepository) RecordMatches(id uuid.UUID, count int) error {
	now := time.Now()
	return r.db.Model(&models.Rule{}).Where("id = ?", id).Updates(map[string]interface{}{
		"match_count":     gorm.Expr("match_count + ?", count),
		"last_matched_at": &now,
	}).Error
}
