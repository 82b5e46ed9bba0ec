package repositories

import (
	"logx-server/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AnalysisRepository struct {
	db *gorm.DB
}

func NewAnalysisRepository(db *gorm.DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

func (r *AnalysisRepository) Create(analysis *models.Analysis) error {
	return r.db.Create(analysis).Error
}

func (r *AnalysisRepository) GetByID(id uuid.UUID) (*models.Analysis, error) {
	var analysis models.Analysis
	err := r.db.First(&analysis, "id = ?", id).Error
	return &analysis, err
}

func (r *AnalysisRepository) GetWithArtifacts(id uuid.UUID) (*models.Analysis, error) {
	var analysis models.Analysis
	err := r.db.
		Preload("RuleMatches").
		Preload("IOCs").
		Preload("MITREMappings").
		First(&analysis, "id = ?", id).Error
	return &analysis, err
}

func (r *AnalysisRepository) Update(id uuid.UUID, updates map[string]interface{}) error {
	return r.db.Model(&models.Analysis{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateIfStatus applies updates only while the row is still in the given
// status, reporting whether the write landed. Used for transitions that
// must not race with another writer.
func (r *AnalysisRepository) UpdateIfStatus(id uuid.UUID, status string, updates map[string]interface{}) (bool, error) {
	result := r.db.Model(&models.Analysis{}).
		Where("id = ? AND status = ?", id, status).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *AnalysisRepository) Delete(id uuid.UUID) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.RuleMatch{}, "analysis_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.IOC{}, "analysis_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.MITREMapping{}, "analysis_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Analysis{}, "id = ?", id).Error
	})
}

func (r *AnalysisRepository) List(page, limit int, status, severity string) ([]models.Analysis, int64, error) {
	var analyses []models.Analysis
	var total int64

	query := r.db.Model(&models.Analysis{})

	if status != "" {
		query = query.Where("status = ?", status)
	}
	if severity != "" {
		query = query.Where("severity = ?", severity)
	}

	query.Count(&total)

	offset := (page - 1) * limit
	err := query.Offset(offset).Limit(limit).Order("submitted_at DESC").Find(&analyses).Error

	return analyses, total, err
}

func (r *AnalysisRepository) SaveRuleMatches(matches []models.RuleMatch) error {
	if len(matches) == 0 {
		return nil
	}
	return r.db.Create(&matches).Error
}

func (r *AnalysisRepository) SaveIOCs(iocs []models.IOC) error {
	if len(iocs) == 0 {
		return nil
	}
	return r.db.Create(&iocs).Error
}

func (r *AnalysisRepository) SaveMITREMappings(mappings []models.MITREMapping) error {
	if len(mappings) == 0 {
		return nil
	}
	return r.db.Create(&mappings).Error
}

func (r *AnalysisRepository) GetIOCs(analysisID uuid.UUID) ([]models.IOC, error) {
	var iocs []models.IOC
	err := r.db.Where("analysis_id = ?", analysisID).Order("first_seen ASC").Find(&iocs).Error
	return iocs, err
}

func (r *AnalysisRepository) CountByStatus() (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := r.db.Model(&models.Analysis{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
