package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"logx-server/internal/config"
	"logx-server/internal/models"
	"logx-server/internal/throttle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntelService(t *testing.T, handler http.Handler) (*ThreatIntelService, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.ThreatIntelConfig{
		EnableIntegration:    true,
		APIKey:               "test-key",
		BaseURL:              server.URL,
		RequestDelayMs:       1,
		MaxRequestsPerMinute: 4,
		CacheExpirationHours: 24,
		RequestTimeoutSec:    5,
	}
	limiter := throttle.NewLimiter(cfg.MaxRequestsPerMinute, time.Millisecond)
	return NewThreatIntelService(cfg, nil, limiter), server
}

func statsResponse(malicious, suspicious, undetected, harmless int) string {
	return fmt.Sprintf(`{"data":{"attributes":{"last_analysis_stats":{"malicious":%d,"suspicious":%d,"undetected":%d,"harmless":%d}}}}`,
		malicious, suspicious, undetected, harmless)
}

func TestAnalyzeDisabledIntegrationIsNeutral(t *testing.T) {
	limiter := throttle.NewLimiter(1, 0)
	svc := NewThreatIntelService(config.ThreatIntelConfig{EnableIntegration: false}, nil, limiter)

	result := svc.Analyze(context.Background(), "1.2.3.4", models.IOCTypeIP)

	assert.False(t, result.IsMalicious)
	assert.Equal(t, 0, result.ThreatScore)
	assert.NotNil(t, result.Details["skipped"])
	assert.Equal(t, ProviderName, result.Provider)
}

func TestAnalyzeMissingKeyIsNeutral(t *testing.T) {
	limiter := throttle.NewLimiter(1, 0)
	svc := NewThreatIntelService(config.ThreatIntelConfig{EnableIntegration: true}, nil, limiter)

	result := svc.Analyze(context.Background(), "1.2.3.4", models.IOCTypeIP)

	assert.False(t, result.IsMalicious)
	assert.NotNil(t, result.Details["skipped"])
}

func TestAnalyzeComputesScoreFromStats(t *testing.T) {
	svc, _ := newIntelService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-apikey"))
		fmt.Fprint(w, statsResponse(12, 3, 55, 30))
	}))

	result := svc.Analyze(context.Background(), "185.220.101.1", models.IOCTypeIP)

	assert.True(t, result.IsMalicious)
	assert.Equal(t, 12, result.ThreatScore)
	assert.Equal(t, 100, result.Details["total"])
}

func TestAnalyzeZeroDenominatorScoresZero(t *testing.T) {
	svc, _ := newIntelService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, statsResponse(0, 0, 0, 0))
	}))

	result := svc.Analyze(context.Background(), "example.com", models.IOCTypeDomain)

	assert.False(t, result.IsMalicious)
	assert.Equal(t, 0, result.ThreatScore)
	assert.Nil(t, result.Details["error"])
}

func TestAnalyzeEndpointSelection(t *testing.T) {
	var paths []string
	svc, _ := newIntelService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.EscapedPath())
		fmt.Fprint(w, statsResponse(0, 0, 10, 50))
	}))

	ctx := context.Background()
	svc.Analyze(ctx, "d41d8cd98f00b204e9800998ecf8427e", models.IOCTypeFileHash)
	svc.Analyze(ctx, "8.8.8.8", models.IOCTypeIP)
	svc.Analyze(ctx, "evil.example", models.IOCTypeDomain)
	svc.Analyze(ctx, "http://evil.example/p?a=1", models.IOCTypeURL)

	require.Len(t, paths, 4)
	assert.Equal(t, "/files/d41d8cd98f00b204e9800998ecf8427e", paths[0])
	assert.Equal(t, "/ip_addresses/8.8.8.8", paths[1])
	assert.Equal(t, "/domains/evil.example", paths[2])
	assert.Equal(t, "/urls/http%3A%2F%2Fevil.example%2Fp%3Fa%3D1", paths[3])
}

func TestAnalyzeUnsupportedTypeIsNeutralWithoutRequest(t *testing.T) {
	requests := 0
	svc, _ := newIntelService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))

	result := svc.Analyze(context.Background(), "Global\\MsWinZonesCacheCounterMutexA", models.IOCTypeMutex)

	assert.Equal(t, 0, requests)
	assert.False(t, result.IsMalicious)
	assert.NotNil(t, result.Details["skipped"])
}

func TestAnalyzeHTTPFailureIsNeutral(t *testing.T) {
	svc, _ := newIntelService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	result := svc.Analyze(context.Background(), "8.8.8.8", models.IOCTypeIP)

	assert.False(t, result.IsMalicious)
	assert.Equal(t, 0, result.ThreatScore)
	assert.NotNil(t, result.Details["error"])
}

func TestAnalyzeMalformedResponseIsNeutral(t *testing.T) {
	svc, _ := newIntelService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":`)
	}))

	result := svc.Analyze(context.Background(), "8.8.8.8", models.IOCTypeIP)

	assert.False(t, result.IsMalicious)
	assert.NotNil(t, result.Details["error"])
}

func TestAnalyzeMissingStatsIsNeutral(t *testing.T) {
	svc, _ := newIntelService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"attributes":{"last_analysis_date":1700000000}}}`)
	}))

	result := svc.Analyze(context.Background(), "8.8.8.8", models.IOCTypeIP)

	assert.False(t, result.IsMalicious)
	assert.NotNil(t, result.Details["error"])
}

func TestAnalyzeDecodesClassification(t *testing.T) {
	svc, _ := newIntelService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"attributes":{
			"last_analysis_stats":{"malicious":40,"suspicious":5,"undetected":10,"harmless":45},
			"popular_threat_classification":{
				"suggested_threat_label":"trojan.emotet",
				"popular_threat_category":[{"value":"trojan","count":30}],
				"popular_threat_name":[{"value":"emotet","count":25}]
			},
			"last_analysis_date":1700000000
		}}}`)
	}))

	result := svc.Analyze(context.Background(), "feedface", models.IOCTypeFileHash)

	assert.True(t, result.IsMalicious)
	assert.Equal(t, 40, result.ThreatScore)
	assert.Equal(t, []string{"trojan"}, result.ThreatTypes)
	assert.Equal(t, []string{"emotet"}, result.MalwareFamilies)
	require.NotNil(t, result.LastSeen)
	assert.Equal(t, int64(1700000000), result.LastSeen.Unix())
}

func TestAnalyzeBatchPreservesInputOrder(t *testing.T) {
	svc, _ := newIntelService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, statsResponse(1, 0, 0, 99))
	}))

	iocs := []models.IOC{
		{Value: "1.1.1.1", Type: models.IOCTypeIP},
		{Value: "2.2.2.2", Type: models.IOCTypeIP},
		{Value: "3.3.3.3", Type: models.IOCTypeIP},
	}

	results := svc.AnalyzeBatch(context.Background(), iocs)

	require.Len(t, results, len(iocs))
	for i, ioc := range iocs {
		assert.Equal(t, ioc.Value, results[i].Value)
	}
}

func TestAnalyzeBatchStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	svc, _ := newIntelService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			cancel()
		}
		fmt.Fprint(w, statsResponse(0, 0, 5, 60))
	}))

	iocs := []models.IOC{
		{Value: "1.1.1.1", Type: models.IOCTypeIP},
		{Value: "2.2.2.2", Type: models.IOCTypeIP},
		{Value: "3.3.3.3", Type: models.IOCTypeIP},
		{Value: "4.4.4.4", Type: models.IOCTypeIP},
	}

	results := svc.AnalyzeBatch(ctx, iocs)

	// The results computed before the cancellation are kept; the rest of
	// the batch is never attempted.
	require.Len(t, results, 2)
	assert.Equal(t, "1.1.1.1", results[0].Value)
	assert.Equal(t, "2.2.2.2", results[1].Value)
	assert.Equal(t, 2, calls)
}

func TestCheckReputationBanding(t *testing.T) {
	tests := []struct {
		name     string
		response string
		status   string
	}{
		{"flagged malicious", statsResponse(5, 0, 10, 85), models.ReputationMalicious},
		{"no detections", statsResponse(0, 2, 20, 78), models.ReputationClean},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newIntelService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.response)
			}))

			reputation := svc.CheckReputation(context.Background(), "8.8.8.8", models.IOCTypeIP)
			assert.Equal(t, tt.status, reputation.Status)
		})
	}
}

func TestCheckReputationFailureMapsToError(t *testing.T) {
	svc, _ := newIntelService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	reputation := svc.CheckReputation(context.Background(), "8.8.8.8", models.IOCTypeIP)

	assert.Equal(t, models.ReputationError, reputation.Status)
	assert.Equal(t, 0, reputation.Score)
}

func TestCheckReputationDisabledMapsToUnknown(t *testing.T) {
	limiter := throttle.NewLimiter(1, 0)
	svc := NewThreatIntelService(config.ThreatIntelConfig{}, nil, limiter)

	reputation := svc.CheckReputation(context.Background(), "8.8.8.8", models.IOCTypeIP)
	assert.Equal(t, models.ReputationUnknown, reputation.Status)
}
