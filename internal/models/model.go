package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// JSONB type for PostgreSQL JSONB fields
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSONB)
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Analysis lifecycle states
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Severity bands derived from the aggregate threat score
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// IOC types
const (
	IOCTypeIP          = "ip"
	IOCTypeDomain      = "domain"
	IOCTypeURL         = "url"
	IOCTypeFileHash    = "file_hash"
	IOCTypeEmail       = "email"
	IOCTypeFilePath    = "file_path"
	IOCTypeRegistryKey = "registry_key"
	IOCTypeMutex       = "mutex"
	IOCTypeUserAgent   = "user_agent"
	IOCTypeCertificate = "certificate"
	IOCTypeOther       = "other"
)

// Rule types
const (
	RuleTypeContent    = "content"
	RuleTypeBehavioral = "behavioral"
)

// Reputation statuses
const (
	ReputationUnknown    = "unknown"
	ReputationClean      = "clean"
	ReputationSuspicious = "suspicious"
	ReputationMalicious  = "malicious"
	ReputationError      = "error"
)

// Analysis represents one submitted artifact and its run through the pipeline
type Analysis struct {
	ID           uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	FileName     string         `json:"file_name" gorm:"not null;size:255;index"`
	FileHash     string         `json:"file_hash" gorm:"size:64;index"`
	FileSize     int64          `json:"file_size"`
	FileType     string         `json:"file_type" gorm:"size:50"`
	StoragePath  string         `json:"storage_path" gorm:"size:500"`
	Status       string         `json:"status" gorm:"default:'queued';size:20;index;check:status IN ('queued', 'processing', 'completed', 'failed', 'cancelled')"`
	Progress     int            `json:"progress" gorm:"default:0;check:progress >= 0 AND progress <= 100"`
	ThreatScore  int            `json:"threat_score" gorm:"default:0;check:threat_score >= 0 AND threat_score <= 100"`
	Severity     string         `json:"severity" gorm:"default:'low';size:20;index"`
	Summary      string         `json:"summary" gorm:"type:text"`
	ErrorMessage string         `json:"error_message" gorm:"type:text"`
	EventCount   int            `json:"event_count" gorm:"default:0"`
	ParserID     string         `json:"parser_id" gorm:"size:50"`
	Options      JSONB          `json:"options" gorm:"type:jsonb;default:'{}'"`
	Tags         pq.StringArray `json:"tags" gorm:"type:text[]"`
	SubmittedAt  time.Time      `json:"submitted_at" gorm:"default:now();index"`
	StartedAt    *time.Time     `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`

	// Relationships
	RuleMatches   []RuleMatch    `json:"rule_matches,omitempty" gorm:"foreignKey:AnalysisID"`
	IOCs          []IOC          `json:"iocs,omitempty" gorm:"foreignKey:AnalysisID"`
	MITREMappings []MITREMapping `json:"mitre_mappings,omitempty" gorm:"foreignKey:AnalysisID"`
}

// Rule represents a detection rule evaluated against parsed events and raw content
type Rule struct {
	ID            uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	Name          string         `json:"name" gorm:"not null;unique;index"`
	Type          string         `json:"type" gorm:"not null;size:20;check:type IN ('content', 'behavioral');index"`
	Severity      string         `json:"severity" gorm:"default:'medium';size:20;index"`
	Body          string         `json:"body" gorm:"not null;type:text"`
	Description   string         `json:"description" gorm:"type:text"`
	Category      string         `json:"category" gorm:"size:100;index"`
	Priority      int            `json:"priority" gorm:"default:100;index"`
	Enabled       bool           `json:"enabled" gorm:"default:true;index"`
	Tags          pq.StringArray `json:"tags" gorm:"type:text[]"`
	Techniques    pq.StringArray `json:"techniques" gorm:"type:text[]"`
	Metadata      JSONB          `json:"metadata" gorm:"type:jsonb;default:'{}'"`
	MatchCount    int            `json:"match_count" gorm:"default:0"`
	LastMatchedAt *time.Time     `json:"last_matched_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// RuleMatch is the persisted form of a RuleMatchResult, owned by one analysis
type RuleMatch struct {
	ID         uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	AnalysisID uuid.UUID      `json:"analysis_id" gorm:"not null;index"`
	RuleID     uuid.UUID      `json:"rule_id" gorm:"not null;index"`
	RuleName   string         `json:"rule_name" gorm:"size:255"`
	Severity   string         `json:"severity" gorm:"size:20"`
	MatchCount int            `json:"match_count" gorm:"default:0"`
	Confidence float64        `json:"confidence" gorm:"type:decimal(3,2);default:0.50"`
	Techniques pq.StringArray `json:"techniques" gorm:"type:text[]"`
	Details    JSONB          `json:"details" gorm:"type:jsonb;default:'{}'"`
	CreatedAt  time.Time      `json:"created_at"`

	// Relationships
	Rule Rule `json:"rule,omitempty" gorm:"foreignKey:RuleID"`
}

// IOC represents one indicator extracted from an analysed artifact,
// together with any reputation enrichment obtained for it
type IOC struct {
	ID              uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	AnalysisID      uuid.UUID      `json:"analysis_id" gorm:"not null;index"`
	Value           string         `json:"value" gorm:"not null;type:text;index"`
	Type            string         `json:"type" gorm:"not null;size:20;index"`
	Contexts        pq.StringArray `json:"contexts" gorm:"type:text[]"`
	FirstSeen       time.Time      `json:"first_seen" gorm:"default:now()"`
	Confidence      int            `json:"confidence" gorm:"default:50;check:confidence >= 0 AND confidence <= 100"`
	Malicious       bool           `json:"malicious" gorm:"default:false;index"`
	ProviderScore   int            `json:"provider_score" gorm:"default:0"`
	ProviderStatus  string         `json:"provider_status" gorm:"default:'unknown';size:20"`
	Provider        string         `json:"provider" gorm:"size:100"`
	ThreatTypes     pq.StringArray `json:"threat_types" gorm:"type:text[]"`
	MalwareFamilies pq.StringArray `json:"malware_families" gorm:"type:text[]"`
	CheckedAt       *time.Time     `json:"checked_at"`
	CreatedAt       time.Time      `json:"created_at"`
}

// MITREMapping links an analysis to an ATT&CK technique surfaced by a rule match
type MITREMapping struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	AnalysisID    uuid.UUID `json:"analysis_id" gorm:"not null;index"`
	TechniqueID   string    `json:"technique_id" gorm:"not null;size:20;index"`
	TechniqueName string    `json:"technique_name" gorm:"size:255"`
	Tactic        string    `json:"tactic" gorm:"size:100"`
	RuleName      string    `json:"rule_name" gorm:"size:255"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditLog represents system audit log entries
type AuditLog struct {
	ID           uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	Action       string     `json:"action" gorm:"not null;size:100;index"`
	ResourceType string     `json:"resource_type" gorm:"size:50;index"`
	ResourceID   *uuid.UUID `json:"resource_id" gorm:"index"`
	Description  string     `json:"description" gorm:"type:text"`
	UserID       string     `json:"user_id" gorm:"size:255;index"`
	IPAddress    string     `json:"ip_address" gorm:"type:inet"`
	Success      bool       `json:"success" gorm:"default:true;index"`
	ErrorMessage string     `json:"error_message" gorm:"type:text"`
	Metadata     JSONB      `json:"metadata" gorm:"type:jsonb;default:'{}'"`
	Timestamp    time.Time  `json:"timestamp" gorm:"default:now();index"`
}

// Custom table names
func (Analysis) TableName() string     { return "analyses" }
func (Rule) TableName() string         { return "rules" }
func (RuleMatch) TableName() string    { return "rule_matches" }
func (IOC) TableName() string          { return "iocs" }
func (MITREMapping) TableName() string { return "mitre_mappings" }
func (AuditLog) TableName() string     { return "audit_logs" }

// BeforeCreate hooks
func (a *Analysis) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

func (r *Rule) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (m *RuleMatch) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

func (i *IOC) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

func (mm *MITREMapping) BeforeCreate(tx *gorm.DB) error {
	if mm.ID == uuid.Nil {
		mm.ID = uuid.New()
	}
	return nil
}

// Helper methods for status checks
func (a *Analysis) IsTerminal() bool {
	return a.Status == StatusCompleted || a.Status == StatusFailed || a.Status == StatusCancelled
}

func (a *Analysis) IsQueued() bool {
	return a.Status == StatusQueued
}

func (a *Analysis) IsProcessing() bool {
	return a.Status == StatusProcessing
}

// ParsedEvent is a structured event produced by a parser (not a GORM model)
type ParsedEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	Source     string                 `json:"source"`
	EventType  string                 `json:"event_type"`
	Message    string                 `json:"message"`
	LineNumber int                    `json:"line_number"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// MatchDetail describes one occurrence of a rule match within the artifact
type MatchDetail struct {
	MatchedText string            `json:"matched_text"`
	Offset      int64             `json:"offset"`
	LineNumber  int               `json:"line_number"`
	Timestamp   *time.Time        `json:"timestamp,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

// RuleMatchResult is the in-memory result of evaluating one rule.
// Details preserve the artifact's byte order for that rule.
type RuleMatchResult struct {
	RuleID     uuid.UUID     `json:"rule_id"`
	RuleName   string        `json:"rule_name"`
	Severity   string        `json:"severity"`
	MatchCount int           `json:"match_count"`
	Details    []MatchDetail `json:"details"`
	Confidence float64       `json:"confidence"`
	Techniques []string      `json:"techniques"`
}

// RuleWarning records a per-rule evaluation failure that did not abort the run
type RuleWarning struct {
	RuleID   uuid.UUID `json:"rule_id"`
	RuleName string    `json:"rule_name"`
	Message  string    `json:"message"`
}

// ValidationResult is the outcome of a structural rule check
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// TestResult is the outcome of running one rule against caller-supplied content
type TestResult struct {
	Matched    bool          `json:"matched"`
	MatchCount int           `json:"match_count"`
	Details    []MatchDetail `json:"details"`
	DurationMs int64         `json:"duration_ms"`
}

// ThreatIntelligenceResult is the full provider verdict for one indicator
type ThreatIntelligenceResult struct {
	Value           string                 `json:"value"`
	Type            string                 `json:"type"`
	IsMalicious     bool                   `json:"is_malicious"`
	ThreatScore     int                    `json:"threat_score"`
	Provider        string                 `json:"provider"`
	ThreatTypes     []string               `json:"threat_types,omitempty"`
	MalwareFamilies []string               `json:"malware_families,omitempty"`
	LastSeen        *time.Time             `json:"last_seen,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
}

// ReputationResult is the coarse reputation verdict for one indicator
type ReputationResult struct {
	Value     string    `json:"value"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Score     int       `json:"score"`
	Provider  string    `json:"provider"`
	CheckedAt time.Time `json:"checked_at"`
}

// AnalysisOptions controls which pipeline steps run for one analysis
type AnalysisOptions struct {
	PreferredParserID     string   `json:"preferred_parser_id"`
	DeepScan              bool     `json:"deep_scan"`
	ExtractIOCs           bool     `json:"extract_iocs"`
	CheckThreatIntel      bool     `json:"check_threat_intel"`
	EnableAI              bool     `json:"enable_ai"`
	MaxEvents             int      `json:"max_events"`
	TimeoutMinutes        int      `json:"timeout_minutes"`
	IncludeRuleTypes      []string `json:"include_rule_types"`
	ExcludeRuleCategories []string `json:"exclude_rule_categories"`
}

// DefaultAnalysisOptions returns the options applied when a submission sets none
func DefaultAnalysisOptions() AnalysisOptions {
	return AnalysisOptions{
		ExtractIOCs:      true,
		CheckThreatIntel: true,
		MaxEvents:        10000,
		TimeoutMinutes:   30,
	}
}

// SeverityForScore maps an aggregate threat score to its severity band
func SeverityForScore(score int) string {
	switch {
	case score >= 80:
		return SeverityCritical
	case score >= 50:
		return SeverityHigh
	case score >= 25:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
