package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"time"

	"logx-server/internal/config"
	"logx-server/internal/models"
	"logx-server/internal/throttle"

	"github.com/go-redis/redis/v8"
)

// ProviderName identifies the configured reputation provider in results
const ProviderName = "virustotal"

// ThreatIntelService queries the external reputation provider for single
// indicators. Every failure mode short of a programming error is absorbed
// here and rendered as a neutral result: a degraded enrichment must never
// fail or block an analysis run.
type ThreatIntelService struct {
	cfg         config.ThreatIntelConfig
	httpClient  *http.Client
	redisClient *redis.Client
	limiter     *throttle.Limiter
}

func NewThreatIntelService(cfg config.ThreatIntelConfig, redisClient *redis.Client, limiter *throttle.Limiter) *ThreatIntelService {
	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ThreatIntelService{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: timeout},
		redisClient: redisClient,
		limiter:     limiter,
	}
}

// Analyze queries the provider for one indicator. It never returns an
// error: disabled integration, unsupported types, transport failures and
// malformed responses all yield a neutral result whose Details field
// carries the distinguishing signal.
func (s *ThreatIntelService) Analyze(ctx context.Context, value, iocType string) *models.ThreatIntelligenceResult {
	if !s.cfg.EnableIntegration || s.cfg.APIKey == "" {
		return s.neutral(value, iocType, map[string]interface{}{"skipped": "integration disabled"})
	}

	path, ok := endpointPath(value, iocType)
	if !ok {
		return s.neutral(value, iocType, map[string]interface{}{"skipped": fmt.Sprintf("unsupported ioc type: %s", iocType)})
	}

	if cached := s.cacheGet(ctx, value, iocType); cached != nil {
		return cached
	}

	result := s.analyzeRemote(ctx, value, iocType, path)
	s.cachePut(ctx, result)
	return result
}

// AnalyzeBatch enriches indicators strictly sequentially so every call goes
// through the shared rate limiter. The returned slice preserves input
// order; a cancellation mid-batch keeps the results computed so far.
func (s *ThreatIntelService) AnalyzeBatch(ctx context.Context, iocs []models.IOC) []*models.ThreatIntelligenceResult {
	results := make([]*models.ThreatIntelligenceResult, 0, len(iocs))
	for _, ioc := range iocs {
		if ctx.Err() != nil {
			break
		}
		results = append(results, s.Analyze(ctx, ioc.Value, ioc.Type))
	}
	return results
}

// CheckReputation maps the full provider verdict to a coarse status:
// malicious when the provider flagged it, suspicious above score 20,
// clean otherwise. Underlying failures map to error, skipped lookups to
// unknown.
func (s *ThreatIntelService) CheckReputation(ctx context.Context, value, iocType string) models.ReputationResult {
	intel := s.Analyze(ctx, value, iocType)

	reputation := models.ReputationResult{
		Value:     intel.Value,
		Type:      intel.Type,
		Score:     intel.ThreatScore,
		Provider:  intel.Provider,
		CheckedAt: time.Now(),
	}

	switch {
	case intel.Details["error"] != nil:
		reputation.Status = models.ReputationError
		reputation.Score = 0
	case intel.Details["skipped"] != nil:
		reputation.Status = models.ReputationUnknown
	case intel.IsMalicious:
		reputation.Status = models.ReputationMalicious
	case intel.ThreatScore > 20:
		reputation.Status = models.ReputationSuspicious
	default:
		reputation.Status = models.ReputationClean
	}

	return reputation
}

func (s *ThreatIntelService) analyzeRemote(ctx context.Context, value, iocType, path string) (result *models.ThreatIntelligenceResult) {
	// The provider boundary must not leak any failure to the pipeline.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️  Threat intel panic for %s: %v", value, r)
			result = s.neutral(value, iocType, map[string]interface{}{"error": fmt.Sprint(r)})
		}
	}()

	if err := s.limiter.Acquire(ctx); err != nil {
		return s.neutral(value, iocType, map[string]interface{}{"error": err.Error()})
	}
	defer s.limiter.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+path, nil)
	if err != nil {
		return s.neutral(value, iocType, map[string]interface{}{"error": err.Error()})
	}
	req.Header.Set("x-apikey", s.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Printf("⚠️  Threat intel request failed for %s: %v", value, err)
		return s.neutral(value, iocType, map[string]interface{}{"error": err.Error()})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("⚠️  Threat intel returned %d for %s", resp.StatusCode, value)
		return s.neutral(value, iocType, map[string]interface{}{
			"error":       fmt.Sprintf("provider returned status %d", resp.StatusCode),
			"status_code": resp.StatusCode,
		})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return s.neutral(value, iocType, map[string]interface{}{"error": err.Error()})
	}

	var decoded providerResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return s.neutral(value, iocType, map[string]interface{}{"error": fmt.Sprintf("malformed provider response: %v", err)})
	}

	stats := decoded.Data.Attributes.LastAnalysisStats
	if stats == nil {
		// last_analysis_stats is the one required field; everything else
		// is optional provider metadata.
		return s.neutral(value, iocType, map[string]interface{}{"error": "provider response missing last_analysis_stats"})
	}

	total := stats.Malicious + stats.Suspicious + stats.Undetected + stats.Harmless
	score := 0
	if total > 0 {
		score = int(math.Round(float64(stats.Malicious) / float64(total) * 100))
	}

	result = &models.ThreatIntelligenceResult{
		Value:       value,
		Type:        iocType,
		IsMalicious: stats.Malicious > 0,
		ThreatScore: score,
		Provider:    ProviderName,
		Details: map[string]interface{}{
			"malicious":  stats.Malicious,
			"suspicious": stats.Suspicious,
			"undetected": stats.Undetected,
			"harmless":   stats.Harmless,
			"total":      total,
		},
	}

	if classification := decoded.Data.Attributes.PopularThreatClassification; classification != nil {
		for _, category := range classification.PopularThreatCategory {
			if category.Value != "" {
				result.ThreatTypes = append(result.ThreatTypes, category.Value)
			}
		}
		for _, name := range classification.PopularThreatName {
			if name.Value != "" {
				result.MalwareFamilies = append(result.MalwareFamilies, name.Value)
			}
		}
		if classification.SuggestedThreatLabel != "" {
			result.Details["suggested_threat_label"] = classification.SuggestedThreatLabel
		}
	}

	if decoded.Data.Attributes.LastAnalysisDate != nil {
		ts := time.Unix(*decoded.Data.Attributes.LastAnalysisDate, 0).UTC()
		result.LastSeen = &ts
	}

	return result
}

func (s *ThreatIntelService) neutral(value, iocType string, details map[string]interface{}) *models.ThreatIntelligenceResult {
	return &models.ThreatIntelligenceResult{
		Value:       value,
		Type:        iocType,
		IsMalicious: false,
		ThreatScore: 0,
		Provider:    ProviderName,
		Details:     details,
	}
}

func (s *ThreatIntelService) cacheGet(ctx context.Context, value, iocType string) *models.ThreatIntelligenceResult {
	if s.redisClient == nil {
		return nil
	}
	data, err := s.redisClient.Get(ctx, cacheKey(value, iocType)).Result()
	if err != nil {
		return nil
	}
	var result models.ThreatIntelligenceResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil
	}
	return &result
}

func (s *ThreatIntelService) cachePut(ctx context.Context, result *models.ThreatIntelligenceResult) {
	if s.redisClient == nil || result == nil {
		return
	}
	// Failures are not worth caching; the next run should retry them.
	if result.Details["error"] != nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	ttl := time.Duration(s.cfg.CacheExpirationHours) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s.redisClient.Set(ctx, cacheKey(result.Value, result.Type), data, ttl)
}

func cacheKey(value, iocType string) string {
	return fmt.Sprintf("intel:%s:%s", iocType, value)
}

// endpointPath selects the provider endpoint for an indicator type
func endpointPath(value, iocType string) (string, bool) {
	switch iocType {
	case models.IOCTypeFileHash:
		return "/files/" + value, true
	case models.IOCTypeIP:
		return "/ip_addresses/" + value, true
	case models.IOCTypeDomain:
		return "/domains/" + value, true
	case models.IOCTypeURL:
		return "/urls/" + url.QueryEscape(value), true
	default:
		return "", false
	}
}

// providerResponse is a partial-tolerant decoding of the provider's object
// shape: only the fields the pipeline consumes are named, and only
// last_analysis_stats is required.
type providerResponse struct {
	Data providerData `json:"data"`
}

type providerData struct {
	Attributes providerAttributes `json:"attributes"`
}

type providerAttributes struct {
	LastAnalysisStats           *providerStats          `json:"last_analysis_stats"`
	PopularThreatClassification *providerClassification `json:"popular_threat_classification"`
	LastAnalysisDate            *int64                  `json:"last_analysis_date"`
}

type providerStats struct {
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
	Undetected int `json:"undetected"`
	Harmless   int `json:"harmless"`
}

type providerClassification struct {
	SuggestedThreatLabel  string               `json:"suggested_threat_label"`
	PopularThreatCategory []providerThreatName `json:"popular_threat_category"`
	PopularThreatName     []providerThreatName `json:"popular_threat_name"`
}

type providerThreatName struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}
