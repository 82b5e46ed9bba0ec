package services

import (
	"math"

	"logx-server/internal/models"
)

// severityWeights sets how much one full-confidence match of each band is
// worth before match-count dampening.
var severityWeights = map[string]float64{
	models.SeverityCritical: 25,
	models.SeverityHigh:     15,
	models.SeverityMedium:   8,
	models.SeverityLow:      3,
}

type ScoringService struct{}

func NewScoringService() *ScoringService {
	return &ScoringService{}
}

// Aggregate combines rule matches and enriched indicators into one threat
// score in [0,100] and its severity band. Contributions only ever add:
// more or stronger evidence can never lower the verdict, and identical
// inputs always produce the identical score.
func (s *ScoringService) Aggregate(ruleMatches []models.RuleMatchResult, iocs []models.IOC) (int, string) {
	total := 0.0

	for _, match := range ruleMatches {
		total += ruleContribution(match)
	}

	for _, ioc := range iocs {
		if !ioc.Malicious {
			continue
		}
		// Provider verdict scaled by how confident the extraction was
		total += float64(ioc.ProviderScore) * float64(ioc.Confidence) / 100.0
	}

	score := int(math.Round(total))
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	return score, models.SeverityForScore(score)
}

// ruleContribution weights a match by severity and confidence, with the
// match count log-dampened so a noisy rule cannot dominate alone.
func ruleContribution(match models.RuleMatchResult) float64 {
	if match.MatchCount <= 0 {
		return 0
	}
	weight, ok := severityWeights[match.Severity]
	if !ok {
		weight = severityWeights[models.SeverityMedium]
	}
	dampened := 1.0 + math.Log10(float64(match.MatchCount))
	return weight * match.Confidence * dampened
}
