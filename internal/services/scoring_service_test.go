package services

import (
	"testing"

	"logx-server/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestAggregateEmptyInputsScoreZero(t *testing.T) {
	svc := NewScoringService()

	score, severity := svc.Aggregate(nil, nil)

	assert.Equal(t, 0, score)
	assert.Equal(t, models.SeverityLow, severity)
}

func TestAggregateIsDeterministic(t *testing.T) {
	svc := NewScoringService()

	matches := []models.RuleMatchResult{
		{RuleName: "a", Severity: models.SeverityCritical, MatchCount: 3, Confidence: 0.75},
		{RuleName: "b", Severity: models.SeverityMedium, MatchCount: 12, Confidence: 1.0},
	}
	iocs := []models.IOC{
		{Value: "1.2.3.4", Malicious: true, ProviderScore: 40, Confidence: 70},
	}

	first, firstSeverity := svc.Aggregate(matches, iocs)
	for i := 0; i < 10; i++ {
		score, severity := svc.Aggregate(matches, iocs)
		assert.Equal(t, first, score)
		assert.Equal(t, firstSeverity, severity)
	}
}

func TestAggregateIsMonotone(t *testing.T) {
	svc := NewScoringService()

	base := []models.RuleMatchResult{
		{Severity: models.SeverityMedium, MatchCount: 2, Confidence: 0.7},
	}
	baseScore, _ := svc.Aggregate(base, nil)

	// Adding a match can only raise the score
	more := append([]models.RuleMatchResult{
		{Severity: models.SeverityHigh, MatchCount: 1, Confidence: 0.65},
	}, base...)
	moreScore, _ := svc.Aggregate(more, nil)
	assert.GreaterOrEqual(t, moreScore, baseScore)

	// A malicious indicator can only raise it further
	withIOC, _ := svc.Aggregate(more, []models.IOC{
		{Malicious: true, ProviderScore: 50, Confidence: 80},
	})
	assert.GreaterOrEqual(t, withIOC, moreScore)
}

func TestAggregateClampsToHundred(t *testing.T) {
	svc := NewScoringService()

	var matches []models.RuleMatchResult
	for i := 0; i < 20; i++ {
		matches = append(matches, models.RuleMatchResult{
			Severity:   models.SeverityCritical,
			MatchCount: 100,
			Confidence: 1.0,
		})
	}

	score, severity := svc.Aggregate(matches, nil)

	assert.Equal(t, 100, score)
	assert.Equal(t, models.SeverityCritical, severity)
}

func TestAggregateIgnoresBenignIndicators(t *testing.T) {
	svc := NewScoringService()

	score, _ := svc.Aggregate(nil, []models.IOC{
		{Value: "10.0.0.1", Malicious: false, ProviderScore: 90, Confidence: 100},
	})

	assert.Equal(t, 0, score)
}

func TestAggregateMaliciousIndicatorContribution(t *testing.T) {
	svc := NewScoringService()

	// 50 * 100 / 100 = 50 lands exactly on the high band boundary
	score, severity := svc.Aggregate(nil, []models.IOC{
		{Value: "4.5.6.7", Malicious: true, ProviderScore: 50, Confidence: 100},
	})

	assert.Equal(t, 50, score)
	assert.Equal(t, models.SeverityHigh, severity)
}

func TestAggregateZeroCountMatchContributesNothing(t *testing.T) {
	svc := NewScoringService()

	score, _ := svc.Aggregate([]models.RuleMatchResult{
		{Severity: models.SeverityCritical, MatchCount: 0, Confidence: 1.0},
	}, nil)

	assert.Equal(t, 0, score)
}

func TestSeverityForScoreBands(t *testing.T) {
	tests := []struct {
		score    int
		severity string
	}{
		{0, models.SeverityLow},
		{24, models.SeverityLow},
		{25, models.SeverityMedium},
		{49, models.SeverityMedium},
		{50, models.SeverityHigh},
		{79, models.SeverityHigh},
		{80, models.SeverityCritical},
		{100, models.SeverityCritical},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.severity, models.SeverityForScore(tt.score), "score %d", tt.score)
	}
}
