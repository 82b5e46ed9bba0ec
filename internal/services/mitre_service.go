package services

import (
	"strings"

	"logx-server/internal/models"

	"github.com/google/uuid"
)

// mitreTechnique describes one ATT&CK technique known to the mapper
type mitreTechnique struct {
	Name   string
	Tactic string
}

// mitreCatalog covers the techniques the bundled rule set references plus
// the ones most common in log artifacts. Unknown ids still map, with the
// id echoed as the name.
var mitreCatalog = map[string]mitreTechnique{
	"T1003":     {Name: "OS Credential Dumping", Tactic: "credential-access"},
	"T1005":     {Name: "Data from Local System", Tactic: "collection"},
	"T1021":     {Name: "Remote Services", Tactic: "lateral-movement"},
	"T1027":     {Name: "Obfuscated Files or Information", Tactic: "defense-evasion"},
	"T1041":     {Name: "Exfiltration Over C2 Channel", Tactic: "exfiltration"},
	"T1053":     {Name: "Scheduled Task/Job", Tactic: "persistence"},
	"T1053.005": {Name: "Scheduled Task", Tactic: "persistence"},
	"T1059":     {Name: "Command and Scripting Interpreter", Tactic: "execution"},
	"T1059.001": {Name: "PowerShell", Tactic: "execution"},
	"T1070":     {Name: "Indicator Removal", Tactic: "defense-evasion"},
	"T1071":     {Name: "Application Layer Protocol", Tactic: "command-and-control"},
	"T1078":     {Name: "Valid Accounts", Tactic: "initial-access"},
	"T1082":     {Name: "System Information Discovery", Tactic: "discovery"},
	"T1105":     {Name: "Ingress Tool Transfer", Tactic: "command-and-control"},
	"T1110":     {Name: "Brute Force", Tactic: "credential-access"},
	"T1112":     {Name: "Modify Registry", Tactic: "defense-evasion"},
	"T1204":     {Name: "User Execution", Tactic: "execution"},
	"T1486":     {Name: "Data Encrypted for Impact", Tactic: "impact"},
	"T1547":     {Name: "Boot or Logon Autostart Execution", Tactic: "persistence"},
	"T1566":     {Name: "Phishing", Tactic: "initial-access"},
}

type MITREService struct{}

func NewMITREService() *MITREService {
	return &MITREService{}
}

// Map derives ATT&CK mappings from the technique ids attached to rule
// matches, one mapping per distinct (technique, rule) pair.
func (s *MITREService) Map(analysisID uuid.UUID, ruleMatches []models.RuleMatchResult) []models.MITREMapping {
	seen := make(map[string]bool)
	var mappings []models.MITREMapping

	for _, match := range ruleMatches {
		for _, techniqueID := range match.Techniques {
			techniqueID = strings.ToUpper(strings.TrimSpace(techniqueID))
			if techniqueID == "" {
				continue
			}
			key := techniqueID + "|" + match.RuleName
			if seen[key] {
				continue
			}
			seen[key] = true

			mapping := models.MITREMapping{
				AnalysisID:  analysisID,
				TechniqueID: techniqueID,
				RuleName:    match.RuleName,
			}
			if technique, ok := mitreCatalog[techniqueID]; ok {
				mapping.TechniqueName = technique.Name
				mapping.Tactic = technique.Tactic
			} else if parent, ok := mitreCatalog[parentTechnique(techniqueID)]; ok {
				mapping.TechniqueName = parent.Name
				mapping.Tactic = parent.Tactic
			} else {
				mapping.TechniqueName = techniqueID
			}
			mappings = append(mappings, mapping)
		}
	}

	return mappings
}

// Lookup resolves a single technique id
func (s *MITREService) Lookup(techniqueID string) (string, string, bool) {
	technique, ok := mitreCatalog[strings.ToUpper(strings.TrimSpace(techniqueID))]
	if !ok {
		return "", "", false
	}
	return technique.Name, technique.Tactic, true
}

func parentTechnique(id string) string {
	if idx := strings.Index(id, "."); idx > 0 {
		return id[:idx]
	}
	return id
}
