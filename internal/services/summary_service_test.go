package services

import (
	"testing"

	"logx-server/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestGenerateIsDeterministic(t *testing.T) {
	svc := NewSummaryService()

	analysis := &models.Analysis{
		FileName:    "firewall.log",
		EventCount:  420,
		ThreatScore: 62,
		Severity:    models.SeverityHigh,
	}
	matches := []models.RuleMatchResult{
		{RuleName: "beacon", Severity: models.SeverityHigh, MatchCount: 7},
		{RuleName: "creds", Severity: models.SeverityCritical, MatchCount: 2},
	}
	iocs := []models.IOC{
		{Value: "185.220.101.44", Malicious: true},
		{Value: "example.org", Malicious: false},
	}
	mappings := []models.MITREMapping{
		{TechniqueID: "T1003"},
		{TechniqueID: "T1071"},
		{TechniqueID: "T1003"},
	}

	first := svc.Generate(analysis, matches, iocs, mappings)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, svc.Generate(analysis, matches, iocs, mappings))
	}

	assert.Contains(t, first, "firewall.log")
	assert.Contains(t, first, "62")
	// Critical match is named ahead of the high one
	assert.Contains(t, first, "creds (critical, 2 hits), beacon (high, 7 hits)")
	assert.Contains(t, first, "1 flagged malicious")
	assert.Contains(t, first, "T1003, T1071")
}

func TestGenerateQuietRun(t *testing.T) {
	svc := NewSummaryService()

	analysis := &models.Analysis{FileName: "clean.log", EventCount: 3, Severity: models.SeverityLow}

	text := svc.Generate(analysis, nil, nil, nil)
	assert.Contains(t, text, "No detection rules matched")
}
