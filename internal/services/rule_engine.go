package services

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"logx-server/internal/models"
	"logx-server/internal/repositories"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// maxMatchDetails bounds the per-rule detail list; the total match count is
// still reported in full.
const maxMatchDetails = 50

type RuleEngineService struct {
	db       *gorm.DB
	ruleRepo *repositories.RuleRepository
}

func NewRuleEngineService(db *gorm.DB) *RuleEngineService {
	return &RuleEngineService{
		db:       db,
		ruleRepo: repositories.NewRuleRepository(db),
	}
}

// LoadRules returns a snapshot of the enabled rule set, ordered by ascending
// priority with name as tie-break. Rules modified after this call do not
// affect analyses already running against the snapshot.
func (s *RuleEngineService) LoadRules() ([]models.Rule, error) {
	return s.ruleRepo.LoadEnabled()
}

// RecordMatches bumps a rule's lifetime match statistics after its matches
// have been persisted.
func (s *RuleEngineService) RecordMatches(ruleID uuid.UUID, count int) error {
	if s.db == nil || count <= 0 {
		return nil
	}
	return s.ruleRepo.RecordMatches(ruleID, count)
}

// FilterRules applies per-analysis include/exclude options to a snapshot
// without disturbing its order.
func FilterRules(rules []models.Rule, includeTypes, excludeCategories []string) []models.Rule {
	filtered := make([]models.Rule, 0, len(rules))
	for _, rule := range rules {
		if len(includeTypes) > 0 && !containsFold(includeTypes, rule.Type) {
			continue
		}
		if len(excludeCategories) > 0 && containsFold(excludeCategories, rule.Category) {
			continue
		}
		filtered = append(filtered, rule)
	}
	return filtered
}

// Evaluate runs every rule of the snapshot independently against the parsed
// events and the raw content. A rule that fails to compile or evaluate is
// reported as a warning and contributes nothing; it never aborts the
// evaluation. Each rule's match details preserve the artifact's order.
func (s *RuleEngineService) Evaluate(ctx context.Context, events []models.ParsedEvent, rawContent []byte, rules []models.Rule) ([]models.RuleMatchResult, []models.RuleWarning) {
	var results []models.RuleMatchResult
	var warnings []models.RuleWarning

	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			break
		}
		if !rule.Enabled {
			continue
		}

		result, err := evaluateRule(rule, events, rawContent)
		if err != nil {
			warnings = append(warnings, models.RuleWarning{
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Message:  err.Error(),
			})
			continue
		}
		if result.MatchCount > 0 {
			results = append(results, result)
		}
	}

	return results, warnings
}

// Validate performs a structural check of a rule body without executing it
// against any artifact. Errors block saving; warnings do not.
func (s *RuleEngineService) Validate(rule *models.Rule) models.ValidationResult {
	result := models.ValidationResult{Valid: true}

	if strings.TrimSpace(rule.Name) == "" {
		result.Errors = append(result.Errors, "rule name is required")
	}
	if strings.TrimSpace(rule.Body) == "" {
		result.Errors = append(result.Errors, "rule body is required")
	}

	switch rule.Type {
	case models.RuleTypeContent:
		if rule.Body != "" {
			re, err := regexp.Compile(rule.Body)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("invalid pattern: %v", err))
			} else if re.MatchString("") {
				result.Warnings = append(result.Warnings, "pattern matches empty input and will match every artifact")
			}
		}
	case models.RuleTypeBehavioral:
		if rule.Body != "" {
			if _, err := parseCondition(rule.Body); err != nil {
				result.Errors = append(result.Errors, err.Error())
			}
		}
	default:
		result.Errors = append(result.Errors, fmt.Sprintf("unknown rule type: %s", rule.Type))
	}

	switch rule.Severity {
	case models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical:
	case "":
		result.Warnings = append(result.Warnings, "severity not set, defaulting to medium")
	default:
		result.Warnings = append(result.Warnings, fmt.Sprintf("unrecognized severity: %s", rule.Severity))
	}

	for _, technique := range rule.Techniques {
		if !mitreTechniquePattern.MatchString(technique) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("technique id %q does not look like an ATT&CK id", technique))
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// Test executes one rule against caller-supplied sample content. It does not
// touch the persisted rule set and never mutates match statistics.
func (s *RuleEngineService) Test(ctx context.Context, rule *models.Rule, sampleContent []byte) (*models.TestResult, error) {
	if validation := s.Validate(rule); !validation.Valid {
		return nil, fmt.Errorf("rule is not valid: %s", strings.Join(validation.Errors, "; "))
	}

	parser := &genericLineParser{}
	events, err := parser.Parse(ctx, sampleContent, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sample content: %w", err)
	}

	start := time.Now()
	result, err := evaluateRule(*rule, events, sampleContent)
	if err != nil {
		return nil, err
	}

	return &models.TestResult{
		Matched:    result.MatchCount > 0,
		MatchCount: result.MatchCount,
		Details:    result.Details,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

var mitreTechniquePattern = regexp.MustCompile(`^T\d{4}(\.\d{3})?$`)

func evaluateRule(rule models.Rule, events []models.ParsedEvent, rawContent []byte) (models.RuleMatchResult, error) {
	result := models.RuleMatchResult{
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		Severity:   rule.Severity,
		Techniques: rule.Techniques,
	}

	switch rule.Type {
	case models.RuleTypeContent:
		re, err := regexp.Compile(rule.Body)
		if err != nil {
			return result, fmt.Errorf("invalid pattern: %w", err)
		}
		lineIndex := buildLineIndex(rawContent)
		locs := re.FindAllIndex(rawContent, -1)
		result.MatchCount = len(locs)
		for i, loc := range locs {
			if i >= maxMatchDetails {
				break
			}
			result.Details = append(result.Details, models.MatchDetail{
				MatchedText: string(rawContent[loc[0]:loc[1]]),
				Offset:      int64(loc[0]),
				LineNumber:  lineIndex.lineAt(loc[0]),
			})
		}

	case models.RuleTypeBehavioral:
		cond, err := parseCondition(rule.Body)
		if err != nil {
			return result, err
		}
		var matched []models.ParsedEvent
		for _, event := range events {
			ok, err := cond.matches(event)
			if err != nil {
				return result, err
			}
			if ok {
				matched = append(matched, event)
			}
		}
		if len(matched) >= cond.MinCount {
			result.MatchCount = len(matched)
			for i, event := range matched {
				if i >= maxMatchDetails {
					break
				}
				detail := models.MatchDetail{
					MatchedText: event.Message,
					LineNumber:  event.LineNumber,
				}
				if !event.Timestamp.IsZero() {
					ts := event.Timestamp
					detail.Timestamp = &ts
				}
				if event.Source != "" {
					detail.Context = map[string]string{"source": event.Source}
				}
				result.Details = append(result.Details, detail)
			}
		}

	default:
		return result, fmt.Errorf("unknown rule type: %s", rule.Type)
	}

	result.Confidence = confidenceFor(result.MatchCount)
	return result, nil
}

// confidenceFor grows with evidence and saturates at 1.0
func confidenceFor(matchCount int) float64 {
	if matchCount == 0 {
		return 0
	}
	confidence := 0.6 + 0.05*float64(matchCount)
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// behavioralCondition is the typed form of a behavioral rule body
type behavioralCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
	MinCount int    `json:"min_count"`
}

func parseCondition(body string) (*behavioralCondition, error) {
	var cond behavioralCondition
	if err := json.Unmarshal([]byte(body), &cond); err != nil {
		return nil, fmt.Errorf("invalid condition body: %w", err)
	}
	if cond.Field == "" {
		return nil, fmt.Errorf("condition field is required")
	}
	switch cond.Operator {
	case "equals", "contains", "regex":
	case "":
		cond.Operator = "equals"
	default:
		return nil, fmt.Errorf("unknown condition operator: %s", cond.Operator)
	}
	if cond.Operator == "regex" {
		if _, err := regexp.Compile(cond.Value); err != nil {
			return nil, fmt.Errorf("invalid condition pattern: %w", err)
		}
	}
	if cond.MinCount < 1 {
		cond.MinCount = 1
	}
	return &cond, nil
}

func (c *behavioralCondition) matches(event models.ParsedEvent) (bool, error) {
	var actual string
	switch c.Field {
	case "event_type":
		actual = event.EventType
	case "message":
		actual = event.Message
	case "source":
		actual = event.Source
	default:
		if v, ok := event.Fields[c.Field]; ok {
			actual = fmt.Sprint(v)
		}
	}

	switch c.Operator {
	case "equals":
		return strings.EqualFold(actual, c.Value), nil
	case "contains":
		return strings.Contains(strings.ToLower(actual), strings.ToLower(c.Value)), nil
	case "regex":
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return false, err
		}
		return re.MatchString(actual), nil
	}
	return false, nil
}

// lineIndex maps byte offsets to 1-based line numbers
type lineIndex struct {
	newlines []int
}

func buildLineIndex(content []byte) *lineIndex {
	idx := &lineIndex{}
	for i, b := range content {
		if b == '\n' {
			idx.newlines = append(idx.newlines, i)
		}
	}
	return idx
}

func (idx *lineIndex) lineAt(offset int) int {
	lo, hi := 0, len(idx.newlines)
	for lo < hi {
		mid := (lo + hi) / 2
		if idx.newlines[mid] < offset {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo + 1
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
