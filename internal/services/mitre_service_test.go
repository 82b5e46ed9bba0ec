package services

import (
	"testing"

	"logx-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapDeduplicatesTechniqueRulePairs(t *testing.T) {
	svc := NewMITREService()
	analysisID := uuid.New()

	mappings := svc.Map(analysisID, []models.RuleMatchResult{
		{RuleName: "creds", Techniques: []string{"T1003", "t1003", " T1003 "}},
		{RuleName: "beacon", Techniques: []string{"T1003", "T1071"}},
	})

	require.Len(t, mappings, 3)
	for _, m := range mappings {
		assert.Equal(t, analysisID, m.AnalysisID)
	}
	assert.Equal(t, "T1003", mappings[0].TechniqueID)
	assert.Equal(t, "creds", mappings[0].RuleName)
	assert.Equal(t, "OS Credential Dumping", mappings[0].TechniqueName)
	assert.Equal(t, "credential-access", mappings[0].Tactic)
}

func TestMapSubTechniqueFallsBackToParent(t *testing.T) {
	svc := NewMITREService()

	mappings := svc.Map(uuid.New(), []models.RuleMatchResult{
		{RuleName: "sched", Techniques: []string{"T1053.002"}},
	})

	require.Len(t, mappings, 1)
	assert.Equal(t, "T1053.002", mappings[0].TechniqueID)
	assert.Equal(t, "Scheduled Task/Job", mappings[0].TechniqueName)
	assert.Equal(t, "persistence", mappings[0].Tactic)
}

func TestMapUnknownTechniqueEchoesID(t *testing.T) {
	svc := NewMITREService()

	mappings := svc.Map(uuid.New(), []models.RuleMatchResult{
		{RuleName: "custom", Techniques: []string{"T9999"}},
	})

	require.Len(t, mappings, 1)
	assert.Equal(t, "T9999", mappings[0].TechniqueName)
	assert.Empty(t, mappings[0].Tactic)
}

func TestLookup(t *testing.T) {
	svc := NewMITREService()

	name, tactic, ok := svc.Lookup("t1110")
	require.True(t, ok)
	assert.Equal(t, "Brute Force", name)
	assert.Equal(t, "credential-access", tactic)

	_, _, ok = svc.Lookup("T0000")
	assert.False(t, ok)
}
