package services

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
)

// MetricsService records per-step pipeline timings and outcomes in
// InfluxDB. All writes are best-effort: a missing or failing metrics
// backend never affects the pipeline.
type MetricsService struct {
	influxClient influxdb2.Client
	org          string
	bucket       string
}

func NewMetricsService(influxClient influxdb2.Client, org, bucket string) *MetricsService {
	if org == "" {
		org = "logx-org"
	}
	if bucket == "" {
		bucket = "pipeline"
	}
	return &MetricsService{
		influxClient: influxClient,
		org:          org,
		bucket:       bucket,
	}
}

// RecordStep stores the duration and outcome of one pipeline step
func (s *MetricsService) RecordStep(analysisID, step string, duration time.Duration, success bool) {
	if s.influxClient == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	writeAPI := s.influxClient.WriteAPIBlocking(s.org, s.bucket)
	point := influxdb2.NewPoint(
		"analysis_steps",
		map[string]string{
			"analysis_id": analysisID,
			"step":        step,
		},
		map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
			"success":     success,
		},
		time.Now(),
	)

	writeAPI.WritePoint(ctx, point)
	writeAPI.Flush(ctx)
}

// RecordCompletion stores the final verdict of one analysis run
func (s *MetricsService) RecordCompletion(analysisID, status string, threatScore, eventCount int, duration time.Duration) {
	if s.influxClient == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	writeAPI := s.influxClient.WriteAPIBlocking(s.org, s.bucket)
	point := influxdb2.NewPoint(
		"analysis_runs",
		map[string]string{
			"analysis_id": analysisID,
			"status":      status,
		},
		map[string]interface{}{
			"threat_score": threatScore,
			"event_count":  eventCount,
			"duration_ms":  duration.Milliseconds(),
		},
		time.Now(),
	)

	writeAPI.WritePoint(ctx, point)
	writeAPI.Flush(ctx)
}
