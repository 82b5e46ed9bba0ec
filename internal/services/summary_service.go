package services

import (
	"fmt"
	"sort"
	"strings"

	"logx-server/internal/models"
)

// SummaryService renders a short analyst-facing narrative from the
// pipeline's structured results. The text is fully deterministic: the
// same inputs always produce the same summary.
type SummaryService struct{}

func NewSummaryService() *SummaryService {
	return &SummaryService{}
}

func (s *SummaryService) Generate(analysis *models.Analysis, matches []models.RuleMatchResult, iocs []models.IOC, mappings []models.MITREMapping) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Analysis of %s (%d events) produced a threat score of %d (%s).",
		analysis.FileName, analysis.EventCount, analysis.ThreatScore, analysis.Severity)

	if len(matches) == 0 {
		b.WriteString(" No detection rules matched.")
	} else {
		fmt.Fprintf(&b, " %d rule(s) matched", len(matches))
		top := topMatches(matches, 3)
		names := make([]string, 0, len(top))
		for _, m := range top {
			names = append(names, fmt.Sprintf("%s (%s, %d hits)", m.RuleName, m.Severity, m.MatchCount))
		}
		fmt.Fprintf(&b, ", most significant: %s.", strings.Join(names, ", "))
	}

	if malicious := countMalicious(iocs); len(iocs) > 0 {
		fmt.Fprintf(&b, " %d indicator(s) extracted", len(iocs))
		if malicious > 0 {
			fmt.Fprintf(&b, ", %d flagged malicious by %s", malicious, ProviderName)
		}
		b.WriteString(".")
	}

	if len(mappings) > 0 {
		techniques := uniqueTechniques(mappings)
		fmt.Fprintf(&b, " Mapped ATT&CK techniques: %s.", strings.Join(techniques, ", "))
	}

	return b.String()
}

func topMatches(matches []models.RuleMatchResult, n int) []models.RuleMatchResult {
	sorted := make([]models.RuleMatchResult, len(matches))
	copy(sorted, matches)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := severityRank(sorted[i].Severity), severityRank(sorted[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if sorted[i].MatchCount != sorted[j].MatchCount {
			return sorted[i].MatchCount > sorted[j].MatchCount
		}
		return sorted[i].RuleName < sorted[j].RuleName
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func severityRank(severity string) int {
	switch severity {
	case models.SeverityCritical:
		return 4
	case models.SeverityHigh:
		return 3
	case models.SeverityMedium:
		return 2
	case models.SeverityLow:
		return 1
	default:
		return 0
	}
}

func countMalicious(iocs []models.IOC) int {
	count := 0
	for _, ioc := range iocs {
		if ioc.Malicious {
			count++
		}
	}
	return count
}

func uniqueTechniques(mappings []models.MITREMapping) []string {
	seen := make(map[string]bool)
	techniques := make([]string, 0, len(mappings))
	for _, m := range mappings {
		if !seen[m.TechniqueID] {
			seen[m.TechniqueID] = true
			techniques = append(techniques, m.TechniqueID)
		}
	}
	sort.Strings(techniques)
	return techniques
}
