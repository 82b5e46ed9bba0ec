package services

import (
	"context"
	"testing"

	"logx-server/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contentRule(name, body, severity string, priority int) models.Rule {
	return models.Rule{
		ID:       uuid.New(),
		Name:     name,
		Type:     models.RuleTypeContent,
		Severity: severity,
		Body:     body,
		Priority: priority,
		Enabled:  true,
	}
}

func TestEvaluateContentRuleReportsOrderedDetails(t *testing.T) {
	engine := NewRuleEngineService(nil)

	content := []byte("benign line\nmimikatz started\nanother line\nsekurlsa::logonpasswords\n")
	rules := []models.Rule{
		contentRule("creds", `(?i)(mimikatz|sekurlsa)`, models.SeverityCritical, 10),
	}

	results, warnings := engine.Evaluate(context.Background(), nil, content, rules)

	require.Empty(t, warnings)
	require.Len(t, results, 1)

	match := results[0]
	assert.Equal(t, 2, match.MatchCount)
	require.Len(t, match.Details, 2)
	assert.Equal(t, "mimikatz", match.Details[0].MatchedText)
	assert.Equal(t, 2, match.Details[0].LineNumber)
	assert.Equal(t, "sekurlsa", match.Details[1].MatchedText)
	assert.Equal(t, 4, match.Details[1].LineNumber)
	assert.Less(t, match.Details[0].Offset, match.Details[1].Offset)
}

func TestEvaluateNonMatchingRuleIsOmitted(t *testing.T) {
	engine := NewRuleEngineService(nil)

	results, warnings := engine.Evaluate(context.Background(), nil, []byte("nothing here"), []models.Rule{
		contentRule("quiet", "never-appears", models.SeverityLow, 1),
	})

	assert.Empty(t, results)
	assert.Empty(t, warnings)
}

func TestEvaluateBrokenRuleDoesNotAbortOthers(t *testing.T) {
	engine := NewRuleEngineService(nil)

	content := []byte("mimikatz seen here\n")
	rules := []models.Rule{
		contentRule("broken", `(unclosed`, models.SeverityHigh, 1),
		contentRule("working", "mimikatz", models.SeverityCritical, 2),
	}

	results, warnings := engine.Evaluate(context.Background(), nil, content, rules)

	require.Len(t, warnings, 1)
	assert.Equal(t, "broken", warnings[0].RuleName)

	require.Len(t, results, 1)
	assert.Equal(t, "working", results[0].RuleName)
}

func TestEvaluateBehavioralRuleMinCount(t *testing.T) {
	engine := NewRuleEngineService(nil)

	events := []models.ParsedEvent{
		{EventType: "auth_failure", Message: "failed login", LineNumber: 1},
		{EventType: "auth_failure", Message: "failed login", LineNumber: 2},
		{EventType: "info", Message: "heartbeat", LineNumber: 3},
	}

	rule := models.Rule{
		ID:      uuid.New(),
		Name:    "login-burst",
		Type:    models.RuleTypeBehavioral,
		Enabled: true,
		Body:    `{"field": "event_type", "operator": "equals", "value": "auth_failure", "min_count": 3}`,
	}

	// Below threshold: no match
	results, warnings := engine.Evaluate(context.Background(), events, nil, []models.Rule{rule})
	assert.Empty(t, results)
	assert.Empty(t, warnings)

	// At threshold: all matching events reported
	events = append(events, models.ParsedEvent{EventType: "auth_failure", Message: "failed login", LineNumber: 4})
	results, _ = engine.Evaluate(context.Background(), events, nil, []models.Rule{rule})
	require.Len(t, results, 1)
	assert.Equal(t, 3, results[0].MatchCount)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	engine := NewRuleEngineService(nil)

	content := []byte("mimikatz and powershell -enc QUFB and mimikatz again\n")
	rules := []models.Rule{
		contentRule("a", "mimikatz", models.SeverityCritical, 1),
		contentRule("b", `powershell\s+-enc`, models.SeverityHigh, 2),
	}

	first, _ := engine.Evaluate(context.Background(), nil, content, rules)
	for i := 0; i < 5; i++ {
		again, _ := engine.Evaluate(context.Background(), nil, content, rules)
		assert.Equal(t, first, again)
	}
}

func TestEvaluateSkipsDisabledRules(t *testing.T) {
	engine := NewRuleEngineService(nil)

	rule := contentRule("off", "mimikatz", models.SeverityCritical, 1)
	rule.Enabled = false

	results, _ := engine.Evaluate(context.Background(), nil, []byte("mimikatz"), []models.Rule{rule})
	assert.Empty(t, results)
}

func TestEvaluateDetailsCappedButCountFull(t *testing.T) {
	engine := NewRuleEngineService(nil)

	var content []byte
	for i := 0; i < maxMatchDetails+25; i++ {
		content = append(content, []byte("hit\n")...)
	}

	results, _ := engine.Evaluate(context.Background(), nil, content, []models.Rule{
		contentRule("noisy", "hit", models.SeverityLow, 1),
	})

	require.Len(t, results, 1)
	assert.Equal(t, maxMatchDetails+25, results[0].MatchCount)
	assert.Len(t, results[0].Details, maxMatchDetails)
	assert.Equal(t, 1.0, results[0].Confidence)
}

func TestFilterRules(t *testing.T) {
	rules := []models.Rule{
		{Name: "a", Type: models.RuleTypeContent, Category: "malware"},
		{Name: "b", Type: models.RuleTypeBehavioral, Category: "auth"},
		{Name: "c", Type: models.RuleTypeContent, Category: "auth"},
	}

	onlyContent := FilterRules(rules, []string{models.RuleTypeContent}, nil)
	require.Len(t, onlyContent, 2)
	assert.Equal(t, "a", onlyContent[0].Name)
	assert.Equal(t, "c", onlyContent[1].Name)

	noAuth := FilterRules(rules, nil, []string{"auth"})
	require.Len(t, noAuth, 1)
	assert.Equal(t, "a", noAuth[0].Name)

	all := FilterRules(rules, nil, nil)
	assert.Len(t, all, 3)
}

func TestValidateContentRule(t *testing.T) {
	engine := NewRuleEngineService(nil)

	valid := engine.Validate(&models.Rule{
		Name: "ok", Type: models.RuleTypeContent, Severity: models.SeverityHigh,
		Body: `(?i)mimikatz`, Techniques: []string{"T1003"},
	})
	assert.True(t, valid.Valid)
	assert.Empty(t, valid.Errors)
	assert.Empty(t, valid.Warnings)

	broken := engine.Validate(&models.Rule{
		Name: "broken", Type: models.RuleTypeContent, Body: `(unclosed`,
	})
	assert.False(t, broken.Valid)
	assert.NotEmpty(t, broken.Errors)
}

func TestValidateWarnsWithoutBlocking(t *testing.T) {
	engine := NewRuleEngineService(nil)

	result := engine.Validate(&models.Rule{
		Name: "warny", Type: models.RuleTypeContent, Severity: "urgent",
		Body: "x*", Techniques: []string{"not-a-technique"},
	})

	assert.True(t, result.Valid)
	// empty-match pattern, odd severity, malformed technique id
	assert.Len(t, result.Warnings, 3)
}

func TestValidateBehavioralRule(t *testing.T) {
	engine := NewRuleEngineService(nil)

	good := engine.Validate(&models.Rule{
		Name: "behave", Type: models.RuleTypeBehavioral, Severity: models.SeverityMedium,
		Body: `{"field": "event_type", "value": "auth_failure"}`,
	})
	assert.True(t, good.Valid)

	bad := engine.Validate(&models.Rule{
		Name: "behave", Type: models.RuleTypeBehavioral, Severity: models.SeverityMedium,
		Body: `{"operator": "equals"}`,
	})
	assert.False(t, bad.Valid)
}

func TestTestRunsRuleAgainstSample(t *testing.T) {
	engine := NewRuleEngineService(nil)

	rule := &models.Rule{
		Name: "probe", Type: models.RuleTypeContent, Severity: models.SeverityHigh,
		Body: `(?i)procdump.*lsass`,
	}

	result, err := engine.Test(context.Background(), rule, []byte("ran procdump.exe -ma lsass.exe out.dmp\n"))
	require.NoError(t, err)

	assert.True(t, result.Matched)
	assert.Equal(t, 1, result.MatchCount)
	require.Len(t, result.Details, 1)
}

func TestTestRejectsInvalidRule(t *testing.T) {
	engine := NewRuleEngineService(nil)

	_, err := engine.Test(context.Background(), &models.Rule{
		Name: "bad", Type: models.RuleTypeContent, Body: `(unclosed`,
	}, []byte("sample"))
	assert.Error(t, err)
}
