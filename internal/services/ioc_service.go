package services

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"regexp"
	"strings"
	"time"

	"logx-server/internal/models"
	"logx-server/internal/repositories"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// maxIOCContexts bounds how many distinct contextual snippets are kept per
// deduplicated indicator.
const maxIOCContexts = 3

var (
	ipPattern       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	urlPattern      = regexp.MustCompile(`\bhttps?://[^\s"'<>]+`)
	domainPattern   = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)+(?:com|net|org|info|biz|io|ru|cn|xyz|top|club|online|site|pw|cc|tk|ga|ml|su|onion)\b`)
	emailPattern    = regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)
	sha256Pattern   = regexp.MustCompile(`\b[a-fA-F0-9]{64}\b`)
	sha1Pattern     = regexp.MustCompile(`\b[a-fA-F0-9]{40}\b`)
	md5Pattern      = regexp.MustCompile(`\b[a-fA-F0-9]{32}\b`)
	winPathPattern  = regexp.MustCompile(`[A-Za-z]:\\(?:[^\\/:*?"<>|\r\n]+\\)*[^\\/:*?"<>|\r\n]+`)
	registryPattern = regexp.MustCompile(`(?i)\b(?:HKEY_LOCAL_MACHINE|HKEY_CURRENT_USER|HKLM|HKCU)\\[^\s"',;]+`)
)

type iocExtractor struct {
	pattern    *regexp.Regexp
	iocType    string
	confidence int
	normalize  func(string) string
	accept     func(string) bool
}

var iocExtractors = []iocExtractor{
	{pattern: urlPattern, iocType: models.IOCTypeURL, confidence: 85, normalize: strings.TrimSpace},
	{pattern: emailPattern, iocType: models.IOCTypeEmail, confidence: 75, normalize: strings.ToLower},
	{pattern: sha256Pattern, iocType: models.IOCTypeFileHash, confidence: 95, normalize: strings.ToLower},
	{pattern: sha1Pattern, iocType: models.IOCTypeFileHash, confidence: 90, normalize: strings.ToLower},
	{pattern: md5Pattern, iocType: models.IOCTypeFileHash, confidence: 85, normalize: strings.ToLower},
	{pattern: ipPattern, iocType: models.IOCTypeIP, confidence: 70, accept: acceptableIP},
	{pattern: domainPattern, iocType: models.IOCTypeDomain, confidence: 60, normalize: strings.ToLower},
	{pattern: winPathPattern, iocType: models.IOCTypeFilePath, confidence: 65},
	{pattern: registryPattern, iocType: models.IOCTypeRegistryKey, confidence: 80},
}

type IOCService struct {
	db      *gorm.DB
	analRep *repositories.AnalysisRepository
}

func NewIOCService(db *gorm.DB) *IOCService {
	return &IOCService{
		db:      db,
		analRep: repositories.NewAnalysisRepository(db),
	}
}

// Extract produces candidate indicators from raw artifact content, already
// deduplicated by (normalized value, type).
func (s *IOCService) Extract(ctx context.Context, content []byte) ([]models.IOC, error) {
	var candidates []models.IOC
	now := time.Now()

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Text()
		for _, extractor := range iocExtractors {
			for _, raw := range extractor.pattern.FindAllString(line, -1) {
				value := raw
				if extractor.normalize != nil {
					value = extractor.normalize(value)
				}
				if extractor.accept != nil && !extractor.accept(value) {
					continue
				}
				candidates = append(candidates, models.IOC{
					Value:          value,
					Type:           extractor.iocType,
					Contexts:       []string{snippet(line, raw)},
					FirstSeen:      now,
					Confidence:     extractor.confidence,
					ProviderStatus: models.ReputationUnknown,
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return Deduplicate(candidates), nil
}

// Deduplicate merges indicators sharing a (normalized value, type) pair:
// the earliest first-seen and the highest extraction confidence win, and up
// to maxIOCContexts distinct contexts are retained. Input order of first
// occurrence is preserved.
func Deduplicate(iocs []models.IOC) []models.IOC {
	type key struct {
		value   string
		iocType string
	}

	index := make(map[key]int, len(iocs))
	var out []models.IOC

	for _, ioc := range iocs {
		k := key{value: strings.ToLower(strings.TrimSpace(ioc.Value)), iocType: ioc.Type}
		pos, seen := index[k]
		if !seen {
			index[k] = len(out)
			out = append(out, ioc)
			continue
		}

		existing := &out[pos]
		if ioc.FirstSeen.Before(existing.FirstSeen) {
			existing.FirstSeen = ioc.FirstSeen
		}
		if ioc.Confidence > existing.Confidence {
			existing.Confidence = ioc.Confidence
		}
		for _, context := range ioc.Contexts {
			if len(existing.Contexts) >= maxIOCContexts {
				break
			}
			if !containsString(existing.Contexts, context) {
				existing.Contexts = append(existing.Contexts, context)
			}
		}
	}

	return out
}

// ListByAnalysis returns the persisted indicators of one analysis
func (s *IOCService) ListByAnalysis(analysisID uuid.UUID) ([]models.IOC, error) {
	return s.analRep.GetIOCs(analysisID)
}

// acceptableIP drops malformed, loopback, unspecified and broadcast addresses
func acceptableIP(value string) bool {
	ip := net.ParseIP(value)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsUnspecified() || value == "255.255.255.255" {
		return false
	}
	return true
}

// snippet returns the line around a match, bounded to keep contexts small
func snippet(line, match string) string {
	const window = 40
	idx := strings.Index(line, match)
	if idx < 0 {
		idx = 0
	}
	start := idx - window
	if start < 0 {
		start = 0
	}
	end := idx + len(match) + window
	if end > len(line) {
		end = len(line)
	}
	return strings.TrimSpace(line[start:end])
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
