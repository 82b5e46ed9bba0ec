package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"sync"
	"time"

	"logx-server/internal/config"
	"logx-server/internal/models"
	"logx-server/internal/websocket"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Progress checkpoints reached as a run moves through its steps
const (
	progressStarted  = 10
	progressParsed   = 40
	progressDetected = 70
	progressEnriched = 90
	progressDone     = 100
)

// Pipeline step names used for metrics and progress events
const (
	stepParse  = "parse"
	stepDetect = "detect"
	stepEnrich = "enrich"
	stepScore  = "score"
)

// AnalysisStore is the persistence surface the orchestrator needs
type AnalysisStore interface {
	Create(analysis *models.Analysis) error
	GetByID(id uuid.UUID) (*models.Analysis, error)
	GetWithArtifacts(id uuid.UUID) (*models.Analysis, error)
	Update(id uuid.UUID, updates map[string]interface{}) error
	UpdateIfStatus(id uuid.UUID, status string, updates map[string]interface{}) (bool, error)
	Delete(id uuid.UUID) error
	List(page, limit int, status, severity string) ([]models.Analysis, int64, error)
	SaveRuleMatches(matches []models.RuleMatch) error
	SaveIOCs(iocs []models.IOC) error
	SaveMITREMappings(mappings []models.MITREMapping) error
}

// RuleEvaluator loads the active rule snapshot and evaluates it
type RuleEvaluator interface {
	LoadRules() ([]models.Rule, error)
	Evaluate(ctx context.Context, events []models.ParsedEvent, rawContent []byte, rules []models.Rule) ([]models.RuleMatchResult, []models.RuleWarning)
	RecordMatches(ruleID uuid.UUID, count int) error
}

// IntelClient enriches extracted indicators with provider reputation
type IntelClient interface {
	AnalyzeBatch(ctx context.Context, iocs []models.IOC) []*models.ThreatIntelligenceResult
}

// EventEmitter pushes progress events to connected clients
type EventEmitter interface {
	Broadcast(messageType string, data interface{})
	BroadcastToAnalysis(analysisID, messageType string, data interface{})
}

// AnalysisService owns the lifecycle of analysis runs: submission,
// execution through the pipeline steps, cancellation and retrieval.
// A run is the only writer of its own record while processing.
type AnalysisService struct {
	repo    AnalysisStore
	parsers *ParserService
	engine  RuleEvaluator
	iocs    *IOCService
	intel   IntelClient
	scoring *ScoringService
	mitre   *MITREService
	summary *SummaryService
	storage *StorageService
	metrics *MetricsService
	hub     EventEmitter
	cfg     config.AnalysisConfig

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc

	// Bounds the number of concurrently processing runs
	slots chan struct{}
}

func NewAnalysisService(
	repo AnalysisStore,
	parsers *ParserService,
	engine RuleEvaluator,
	iocs *IOCService,
	intel IntelClient,
	scoring *ScoringService,
	mitre *MITREService,
	summary *SummaryService,
	storage *StorageService,
	metrics *MetricsService,
	hub EventEmitter,
	cfg config.AnalysisConfig,
) *AnalysisService {
	maxConcurrent := cfg.MaxConcurrentRuns
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &AnalysisService{
		repo:    repo,
		parsers: parsers,
		engine:  engine,
		iocs:    iocs,
		intel:   intel,
		scoring: scoring,
		mitre:   mitre,
		summary: summary,
		storage: storage,
		metrics: metrics,
		hub:     hub,
		cfg:     cfg,
		cancels: make(map[uuid.UUID]context.CancelFunc),
		slots:   make(chan struct{}, maxConcurrent),
	}
}

// Submit records a new analysis in the queued state and stores the
// artifact. It never starts processing; Start does that.
func (s *AnalysisService) Submit(ctx context.Context, file *multipart.FileHeader, options models.AnalysisOptions, tags []string) (*models.Analysis, error) {
	if file == nil || file.Filename == "" {
		return nil, fmt.Errorf("a file is required")
	}

	fileHash, err := s.storage.HashFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to hash file: %w", err)
	}

	optionsDoc, err := encodeOptions(options)
	if err != nil {
		return nil, err
	}

	analysis := &models.Analysis{
		ID:          uuid.New(),
		FileName:    file.Filename,
		FileHash:    fileHash,
		FileSize:    file.Size,
		FileType:    file.Header.Get("Content-Type"),
		Status:      models.StatusQueued,
		Progress:    0,
		Severity:    models.SeverityLow,
		Options:     optionsDoc,
		Tags:        pq.StringArray(tags),
		SubmittedAt: time.Now(),
	}

	storagePath, err := s.storage.StoreArtifact(ctx, analysis.ID.String(), file)
	if err != nil {
		return nil, err
	}
	analysis.StoragePath = storagePath

	if err := s.repo.Create(analysis); err != nil {
		return nil, fmt.Errorf("failed to save analysis: %w", err)
	}

	s.hub.Broadcast(websocket.EventAnalysisSubmitted, map[string]interface{}{
		"analysis_id": analysis.ID.String(),
		"file_name":   analysis.FileName,
		"file_size":   analysis.FileSize,
	})

	log.Printf("📥 Analysis %s queued for %s (%d bytes)", analysis.ID, analysis.FileName, analysis.FileSize)
	return analysis, nil
}

// Start runs the pipeline for a queued analysis. Only the queued state is
// a valid starting point; any other state, or a second concurrent start of
// the same analysis, is rejected without side effects. The caller
// typically invokes this on its own goroutine.
func (s *AnalysisService) Start(analysisID uuid.UUID, content []byte) error {
	analysis, err := s.repo.GetByID(analysisID)
	if err != nil {
		return fmt.Errorf("analysis %s not found: %w", analysisID, err)
	}
	if !analysis.IsQueued() {
		return fmt.Errorf("analysis %s cannot start from status %s", analysisID, analysis.Status)
	}

	options := decodeOptions(analysis.Options, s.cfg)

	timeout := time.Duration(options.TimeoutMinutes) * time.Minute
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Registering the cancel func doubles as the admission gate: at most
	// one run per analysis id holds an entry at a time.
	s.mu.Lock()
	if _, running := s.cancels[analysisID]; running {
		s.mu.Unlock()
		return fmt.Errorf("analysis %s is already running", analysisID)
	}
	s.cancels[analysisID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, analysisID)
		s.mu.Unlock()
	}()

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-runCtx.Done():
		return s.finishCancelled(analysis, time.Now())
	}

	return s.run(runCtx, analysis, options, content)
}

// Reanalyze re-runs a terminal analysis against its stored artifact
func (s *AnalysisService) Reanalyze(ctx context.Context, analysisID uuid.UUID) error {
	analysis, err := s.repo.GetByID(analysisID)
	if err != nil {
		return fmt.Errorf("analysis %s not found: %w", analysisID, err)
	}
	if !analysis.IsTerminal() {
		return fmt.Errorf("analysis %s is still %s", analysisID, analysis.Status)
	}
	if analysis.StoragePath == "" {
		return fmt.Errorf("analysis %s has no stored artifact", analysisID)
	}

	reader, err := s.storage.GetArtifact(ctx, analysis.StoragePath)
	if err != nil {
		return fmt.Errorf("failed to fetch artifact: %w", err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}

	if err := s.repo.Update(analysisID, map[string]interface{}{
		"status":        models.StatusQueued,
		"progress":      0,
		"threat_score":  0,
		"severity":      models.SeverityLow,
		"summary":       "",
		"error_message": "",
		"started_at":    nil,
		"completed_at":  nil,
	}); err != nil {
		return err
	}

	go func() {
		if err := s.Start(analysisID, content); err != nil {
			log.Printf("❌ Reanalysis of %s failed to start: %v", analysisID, err)
		}
	}()
	return nil
}

// Cancel stops a queued or processing analysis. Cancelling a terminal
// analysis is a no-op.
func (s *AnalysisService) Cancel(analysisID uuid.UUID) error {
	analysis, err := s.repo.GetByID(analysisID)
	if err != nil {
		return fmt.Errorf("analysis %s not found: %w", analysisID, err)
	}
	if analysis.IsTerminal() {
		return nil
	}

	s.mu.Lock()
	cancel, running := s.cancels[analysisID]
	s.mu.Unlock()

	if running {
		// The run goroutine observes the cancellation and records the
		// terminal state itself.
		cancel()
		return nil
	}

	return s.finishCancelled(analysis, time.Now())
}

// Get returns one analysis with its matches, indicators and mappings
func (s *AnalysisService) Get(analysisID uuid.UUID) (*models.Analysis, error) {
	return s.repo.GetWithArtifacts(analysisID)
}

// Delete removes a terminal analysis and its stored artifact. A queued or
// processing analysis must be cancelled first.
func (s *AnalysisService) Delete(ctx context.Context, analysisID uuid.UUID) error {
	analysis, err := s.repo.GetByID(analysisID)
	if err != nil {
		return fmt.Errorf("analysis not found: %w", err)
	}
	if !analysis.IsTerminal() {
		return fmt.Errorf("analysis %s is %s, cancel it before deleting", analysisID, analysis.Status)
	}

	if analysis.StoragePath != "" {
		if err := s.storage.DeleteArtifact(ctx, analysis.StoragePath); err != nil {
			log.Printf("⚠️  Failed to delete artifact %s: %v", analysis.StoragePath, err)
		}
	}

	return s.repo.Delete(analysisID)
}

// List returns a page of analyses, optionally filtered
func (s *AnalysisService) List(page, limit int, status, severity string) ([]models.Analysis, int64, error) {
	return s.repo.List(page, limit, status, severity)
}

// run executes the pipeline steps for one analysis. Parser and detection
// faults fail the run; enrichment degradation never does.
func (s *AnalysisService) run(ctx context.Context, analysis *models.Analysis, options models.AnalysisOptions, content []byte) error {
	startedAt := time.Now()
	analysisID := analysis.ID

	// Conditional transition: the row may have left the queued state since
	// the precondition check, so claiming it and checking are one write.
	claimed, err := s.repo.UpdateIfStatus(analysisID, models.StatusQueued, map[string]interface{}{
		"status":     models.StatusProcessing,
		"progress":   progressStarted,
		"started_at": startedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to mark analysis processing: %w", err)
	}
	if !claimed {
		return fmt.Errorf("analysis %s is no longer queued", analysisID)
	}
	s.emitProgress(analysisID, models.StatusProcessing, progressStarted, "analysis started")

	// Step 1: parse
	parseStart := time.Now()
	parser, err := s.parsers.Select(options.PreferredParserID, analysis.FileName)
	if err != nil {
		s.metrics.RecordStep(analysisID.String(), stepParse, time.Since(parseStart), false)
		return s.finishFailed(analysis, startedAt, fmt.Errorf("parser selection failed: %w", err))
	}

	events, err := parser.Parse(ctx, content, options.MaxEvents)
	if err != nil {
		s.metrics.RecordStep(analysisID.String(), stepParse, time.Since(parseStart), false)
		if ctx.Err() != nil {
			return s.finishCancelled(analysis, startedAt)
		}
		return s.finishFailed(analysis, startedAt, fmt.Errorf("parsing failed: %w", err))
	}
	s.metrics.RecordStep(analysisID.String(), stepParse, time.Since(parseStart), true)

	if err := s.repo.Update(analysisID, map[string]interface{}{
		"progress":    progressParsed,
		"event_count": len(events),
		"parser_id":   parser.ID(),
	}); err != nil {
		return s.finishFailed(analysis, startedAt, err)
	}
	s.emitProgress(analysisID, models.StatusProcessing, progressParsed, fmt.Sprintf("parsed %d events", len(events)))

	if ctx.Err() != nil {
		return s.finishCancelled(analysis, startedAt)
	}

	// Step 2: detection and extraction run in parallel over the same
	// immutable events and content.
	detectStart := time.Now()
	rules, err := s.engine.LoadRules()
	if err != nil {
		s.metrics.RecordStep(analysisID.String(), stepDetect, time.Since(detectStart), false)
		return s.finishFailed(analysis, startedAt, fmt.Errorf("failed to load rules: %w", err))
	}
	rules = FilterRules(rules, options.IncludeRuleTypes, options.ExcludeRuleCategories)

	var (
		wg         sync.WaitGroup
		matches    []models.RuleMatchResult
		warnings   []models.RuleWarning
		indicators []models.IOC
		extractErr error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		matches, warnings = s.engine.Evaluate(ctx, events, content, rules)
	}()

	if options.ExtractIOCs {
		scanContent := content
		if options.DeepScan {
			scanContent = deepScanContent(content, events)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			indicators, extractErr = s.iocs.Extract(ctx, scanContent)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		s.metrics.RecordStep(analysisID.String(), stepDetect, time.Since(detectStart), false)
		return s.finishCancelled(analysis, startedAt)
	}
	if extractErr != nil {
		s.metrics.RecordStep(analysisID.String(), stepDetect, time.Since(detectStart), false)
		return s.finishFailed(analysis, startedAt, fmt.Errorf("indicator extraction failed: %w", extractErr))
	}
	s.metrics.RecordStep(analysisID.String(), stepDetect, time.Since(detectStart), true)

	for _, warning := range warnings {
		log.Printf("⚠️  Rule %s skipped during analysis %s: %s", warning.RuleName, analysisID, warning.Message)
	}

	ruleMatches := toRuleMatchRows(analysisID, matches)
	if err := s.repo.SaveRuleMatches(ruleMatches); err != nil {
		return s.finishFailed(analysis, startedAt, fmt.Errorf("failed to save rule matches: %w", err))
	}
	for _, match := range matches {
		if err := s.engine.RecordMatches(match.RuleID, match.MatchCount); err != nil {
			log.Printf("⚠️  Failed to record match stats for rule %s: %v", match.RuleID, err)
		}
	}

	if err := s.repo.Update(analysisID, map[string]interface{}{"progress": progressDetected}); err != nil {
		return s.finishFailed(analysis, startedAt, err)
	}
	s.emitProgress(analysisID, models.StatusProcessing, progressDetected, fmt.Sprintf("%d rules matched", len(matches)))

	// Step 3: enrichment. A degraded or cancelled provider never fails
	// the run; the indicators simply stay unenriched.
	if options.CheckThreatIntel && len(indicators) > 0 {
		enrichStart := time.Now()
		results := s.intel.AnalyzeBatch(ctx, indicators)
		for i := range results {
			applyIntel(&indicators[i], results[i])
			if indicators[i].Malicious {
				s.hub.BroadcastToAnalysis(analysisID.String(), websocket.EventIOCDetected, indicators[i])
			}
		}
		s.metrics.RecordStep(analysisID.String(), stepEnrich, time.Since(enrichStart), true)
	}

	for i := range indicators {
		indicators[i].AnalysisID = analysisID
	}
	if err := s.repo.SaveIOCs(indicators); err != nil {
		return s.finishFailed(analysis, startedAt, fmt.Errorf("failed to save indicators: %w", err))
	}

	if ctx.Err() != nil {
		return s.finishCancelled(analysis, startedAt)
	}

	if err := s.repo.Update(analysisID, map[string]interface{}{"progress": progressEnriched}); err != nil {
		return s.finishFailed(analysis, startedAt, err)
	}
	s.emitProgress(analysisID, models.StatusProcessing, progressEnriched, fmt.Sprintf("%d indicators processed", len(indicators)))

	// Step 4: scoring, technique mapping, summary
	scoreStart := time.Now()
	threatScore, severity := s.scoring.Aggregate(matches, indicators)

	mappings := s.mitre.Map(analysisID, matches)
	if err := s.repo.SaveMITREMappings(mappings); err != nil {
		s.metrics.RecordStep(analysisID.String(), stepScore, time.Since(scoreStart), false)
		return s.finishFailed(analysis, startedAt, fmt.Errorf("failed to save technique mappings: %w", err))
	}
	for _, mapping := range mappings {
		s.hub.BroadcastToAnalysis(analysisID.String(), websocket.EventMITREMapped, mapping)
	}

	completedAt := time.Now()
	analysis.ThreatScore = threatScore
	analysis.Severity = severity
	analysis.EventCount = len(events)

	summaryText := ""
	if options.EnableAI {
		summaryText = s.summary.Generate(analysis, matches, indicators, mappings)
	}
	s.metrics.RecordStep(analysisID.String(), stepScore, time.Since(scoreStart), true)

	if err := s.repo.Update(analysisID, map[string]interface{}{
		"status":       models.StatusCompleted,
		"progress":     progressDone,
		"threat_score": threatScore,
		"severity":     severity,
		"summary":      summaryText,
		"completed_at": completedAt,
	}); err != nil {
		return fmt.Errorf("failed to complete analysis: %w", err)
	}

	s.hub.BroadcastToAnalysis(analysisID.String(), websocket.EventAnalysisComplete, map[string]interface{}{
		"analysis_id":  analysisID.String(),
		"status":       models.StatusCompleted,
		"threat_score": threatScore,
		"severity":     severity,
		"rule_matches": len(matches),
		"ioc_count":    len(indicators),
	})
	s.metrics.RecordCompletion(analysisID.String(), models.StatusCompleted, threatScore, len(events), completedAt.Sub(startedAt))

	log.Printf("✅ Analysis %s completed: score %d (%s), %d matches, %d indicators",
		analysisID, threatScore, severity, len(matches), len(indicators))
	return nil
}

func (s *AnalysisService) finishFailed(analysis *models.Analysis, startedAt time.Time, cause error) error {
	completedAt := time.Now()
	if err := s.repo.Update(analysis.ID, map[string]interface{}{
		"status":        models.StatusFailed,
		"progress":      progressDone,
		"error_message": cause.Error(),
		"completed_at":  completedAt,
	}); err != nil {
		log.Printf("❌ Failed to record failure of analysis %s: %v", analysis.ID, err)
	}

	s.hub.BroadcastToAnalysis(analysis.ID.String(), websocket.EventError, map[string]interface{}{
		"analysis_id": analysis.ID.String(),
		"status":      models.StatusFailed,
		"error":       cause.Error(),
	})
	s.metrics.RecordCompletion(analysis.ID.String(), models.StatusFailed, 0, 0, completedAt.Sub(startedAt))

	log.Printf("❌ Analysis %s failed: %v", analysis.ID, cause)
	return cause
}

func (s *AnalysisService) finishCancelled(analysis *models.Analysis, startedAt time.Time) error {
	completedAt := time.Now()
	if err := s.repo.Update(analysis.ID, map[string]interface{}{
		"status":       models.StatusCancelled,
		"progress":     progressDone,
		"completed_at": completedAt,
	}); err != nil {
		return fmt.Errorf("failed to record cancellation: %w", err)
	}

	s.hub.BroadcastToAnalysis(analysis.ID.String(), websocket.EventAnalysisComplete, map[string]interface{}{
		"analysis_id": analysis.ID.String(),
		"status":      models.StatusCancelled,
	})
	s.metrics.RecordCompletion(analysis.ID.String(), models.StatusCancelled, 0, 0, completedAt.Sub(startedAt))

	log.Printf("🛑 Analysis %s cancelled", analysis.ID)
	return nil
}

func (s *AnalysisService) emitProgress(analysisID uuid.UUID, status string, progress int, message string) {
	s.hub.BroadcastToAnalysis(analysisID.String(), websocket.EventAnalysisProgress, map[string]interface{}{
		"analysis_id": analysisID.String(),
		"status":      status,
		"progress":    progress,
		"message":     message,
	})
}

// toRuleMatchRows converts in-memory results to persisted rows,
// serializing the detail list at the storage boundary.
func toRuleMatchRows(analysisID uuid.UUID, matches []models.RuleMatchResult) []models.RuleMatch {
	rows := make([]models.RuleMatch, 0, len(matches))
	for _, m := range matches {
		details := models.JSONB{"match_count": m.MatchCount}
		if len(m.Details) > 0 {
			serialized := make([]interface{}, 0, len(m.Details))
			for _, d := range m.Details {
				doc := map[string]interface{}{
					"matched_text": d.MatchedText,
					"offset":       d.Offset,
					"line_number":  d.LineNumber,
				}
				if d.Timestamp != nil {
					doc["timestamp"] = d.Timestamp.Format(time.RFC3339)
				}
				serialized = append(serialized, doc)
			}
			details["matches"] = serialized
		}

		rows = append(rows, models.RuleMatch{
			ID:         uuid.New(),
			AnalysisID: analysisID,
			RuleID:     m.RuleID,
			RuleName:   m.RuleName,
			Severity:   m.Severity,
			MatchCount: m.MatchCount,
			Confidence: m.Confidence,
			Techniques: pq.StringArray(m.Techniques),
			Details:    details,
		})
	}
	return rows
}

// deepScanContent widens indicator extraction to the string field values
// the parser decoded, which need not appear verbatim in the raw artifact
func deepScanContent(content []byte, events []models.ParsedEvent) []byte {
	var buf bytes.Buffer
	buf.Write(content)
	for _, event := range events {
		for _, value := range event.Fields {
			if text, ok := value.(string); ok && text != "" {
				buf.WriteByte('\n')
				buf.WriteString(text)
			}
		}
	}
	return buf.Bytes()
}

// applyIntel copies a provider verdict onto the indicator row
func applyIntel(ioc *models.IOC, intel *models.ThreatIntelligenceResult) {
	if intel == nil {
		return
	}
	now := time.Now()
	ioc.Provider = intel.Provider
	ioc.CheckedAt = &now

	switch {
	case intel.Details["error"] != nil:
		ioc.ProviderStatus = models.ReputationError
	case intel.Details["skipped"] != nil:
		ioc.ProviderStatus = models.ReputationUnknown
	case intel.IsMalicious:
		ioc.ProviderStatus = models.ReputationMalicious
	case intel.ThreatScore > 20:
		ioc.ProviderStatus = models.ReputationSuspicious
	default:
		ioc.ProviderStatus = models.ReputationClean
	}

	if intel.Details["error"] == nil && intel.Details["skipped"] == nil {
		ioc.Malicious = intel.IsMalicious
		ioc.ProviderScore = intel.ThreatScore
		ioc.ThreatTypes = pq.StringArray(intel.ThreatTypes)
		ioc.MalwareFamilies = pq.StringArray(intel.MalwareFamilies)
	}
}

func encodeOptions(options models.AnalysisOptions) (models.JSONB, error) {
	data, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("failed to encode options: %w", err)
	}
	var doc models.JSONB
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode options: %w", err)
	}
	return doc, nil
}

// decodeOptions restores the submitted options, applying configured
// defaults to fields the submission left unset
func decodeOptions(doc models.JSONB, cfg config.AnalysisConfig) models.AnalysisOptions {
	options := models.DefaultAnalysisOptions()
	if len(doc) > 0 {
		if data, err := json.Marshal(doc); err == nil {
			json.Unmarshal(data, &options)
		}
	}
	if options.MaxEvents <= 0 {
		options.MaxEvents = cfg.MaxEvents
	}
	if options.MaxEvents <= 0 {
		options.MaxEvents = 10000
	}
	if options.TimeoutMinutes <= 0 {
		options.TimeoutMinutes = cfg.DefaultTimeoutMinutes
	}
	if options.TimeoutMinutes <= 0 {
		options.TimeoutMinutes = 30
	}
	return options
}
