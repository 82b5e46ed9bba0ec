package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"logx-server/internal/models"
)

// Parser turns raw artifact content into structured events. Implementations
// are black boxes to the pipeline; each declares which files it can handle.
type Parser interface {
	ID() string
	Name() string
	CanParse(fileName string) bool
	Parse(ctx context.Context, content []byte, maxEvents int) ([]models.ParsedEvent, error)
}

type ParserService struct {
	parsers []Parser
}

func NewParserService() *ParserService {
	s := &ParserService{}
	s.Register(&jsonLinesParser{})
	s.Register(&syslogParser{})
	s.Register(&genericLineParser{})
	return s
}

// Register appends a parser to the registry. Order matters: the first
// parser whose CanParse accepts a file wins auto-selection.
func (s *ParserService) Register(p Parser) {
	s.parsers = append(s.parsers, p)
}

func (s *ParserService) Get(id string) (Parser, error) {
	for _, p := range s.parsers {
		if p.ID() == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown parser: %s", id)
}

// Select picks the parser for an analysis: the preferred one when set,
// otherwise the first registered parser claiming the file name.
func (s *ParserService) Select(preferredID, fileName string) (Parser, error) {
	if preferredID != "" && preferredID != "auto" {
		return s.Get(preferredID)
	}
	for _, p := range s.parsers {
		if p.CanParse(fileName) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no parser accepts file: %s", fileName)
}

func (s *ParserService) List() []map[string]string {
	out := make([]map[string]string, 0, len(s.parsers))
	for _, p := range s.parsers {
		out = append(out, map[string]string{"id": p.ID(), "name": p.Name()})
	}
	return out
}

// jsonLinesParser parses newline-delimited JSON logs
type jsonLinesParser struct{}

func (p *jsonLinesParser) ID() string   { return "jsonl" }
func (p *jsonLinesParser) Name() string { return "JSON Lines" }

func (p *jsonLinesParser) CanParse(fileName string) bool {
	name := strings.ToLower(fileName)
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".jsonl") || strings.HasSuffix(name, ".ndjson")
}

func (p *jsonLinesParser) Parse(ctx context.Context, content []byte, maxEvents int) ([]models.ParsedEvent, error) {
	var events []models.ParsedEvent
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(line), &fields); err != nil {
			// Not a JSON object; keep the raw line so no data is dropped
			events = append(events, models.ParsedEvent{
				EventType:  "raw",
				Message:    line,
				LineNumber: lineNo,
			})
		} else {
			events = append(events, models.ParsedEvent{
				Timestamp:  timestampField(fields),
				Source:     stringField(fields, "source", "host", "hostname"),
				EventType:  eventTypeField(fields),
				Message:    stringField(fields, "message", "msg", "event"),
				LineNumber: lineNo,
				Fields:     fields,
			})
		}

		if maxEvents > 0 && len(events) >= maxEvents {
			break
		}
	}

	return events, scanner.Err()
}

var syslogPattern = regexp.MustCompile(`^(\w{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+([\w\-/.]+)(?:\[\d+\])?:\s*(.*)$`)

// syslogParser parses BSD syslog formatted lines
type syslogParser struct{}

func (p *syslogParser) ID() string   { return "syslog" }
func (p *syslogParser) Name() string { return "Syslog" }

func (p *syslogParser) CanParse(fileName string) bool {
	name := strings.ToLower(fileName)
	return strings.Contains(name, "syslog") || strings.Contains(name, "auth.log") || strings.Contains(name, "messages")
}

func (p *syslogParser) Parse(ctx context.Context, content []byte, maxEvents int) ([]models.ParsedEvent, error) {
	var events []models.ParsedEvent
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	year := time.Now().Year()
	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		event := models.ParsedEvent{
			EventType:  classifyMessage(line),
			Message:    line,
			LineNumber: lineNo,
		}
		if m := syslogPattern.FindStringSubmatch(line); m != nil {
			if ts, err := time.Parse("2006 Jan 2 15:04:05", fmt.Sprintf("%d %s", year, m[1])); err == nil {
				event.Timestamp = ts
			}
			event.Source = m[2]
			event.Message = m[4]
			event.Fields = map[string]interface{}{"program": m[3]}
		}
		events = append(events, event)

		if maxEvents > 0 && len(events) >= maxEvents {
			break
		}
	}

	return events, scanner.Err()
}

// genericLineParser is the fallback: one event per non-empty line
type genericLineParser struct{}

func (p *genericLineParser) ID() string   { return "auto" }
func (p *genericLineParser) Name() string { return "Generic Line" }

func (p *genericLineParser) CanParse(fileName string) bool { return true }

func (p *genericLineParser) Parse(ctx context.Context, content []byte, maxEvents int) ([]models.ParsedEvent, error) {
	var events []models.ParsedEvent
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		events = append(events, models.ParsedEvent{
			EventType:  classifyMessage(line),
			Message:    line,
			LineNumber: lineNo,
		})

		if maxEvents > 0 && len(events) >= maxEvents {
			break
		}
	}

	return events, scanner.Err()
}

// classifyMessage assigns a coarse event type from message keywords
func classifyMessage(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "failed password") ||
		strings.Contains(lower, "authentication failure") ||
		strings.Contains(lower, "login failed") ||
		strings.Contains(lower, "invalid user"):
		return "auth_failure"
	case strings.Contains(lower, "accepted password") ||
		strings.Contains(lower, "session opened") ||
		strings.Contains(lower, "logged in"):
		return "auth_success"
	case strings.Contains(lower, "error") || strings.Contains(lower, "fatal"):
		return "error"
	case strings.Contains(lower, "warn"):
		return "warning"
	case strings.Contains(lower, "connect") || strings.Contains(lower, "http"):
		return "network"
	default:
		return "info"
	}
}

func stringField(fields map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := fields[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func eventTypeField(fields map[string]interface{}) string {
	if v := stringField(fields, "event_type", "type", "level"); v != "" {
		return strings.ToLower(v)
	}
	if msg := stringField(fields, "message", "msg"); msg != "" {
		return classifyMessage(msg)
	}
	return "info"
}

func timestampField(fields map[string]interface{}) time.Time {
	raw := stringField(fields, "timestamp", "time", "@timestamp", "ts")
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}
