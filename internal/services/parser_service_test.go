package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectPrefersExplicitParser(t *testing.T) {
	svc := NewParserService()

	parser, err := svc.Select("syslog", "anything.json")
	require.NoError(t, err)
	assert.Equal(t, "syslog", parser.ID())
}

func TestSelectByFileName(t *testing.T) {
	svc := NewParserService()

	tests := []struct {
		fileName string
		parserID string
	}{
		{"events.jsonl", "jsonl"},
		{"export.json", "jsonl"},
		{"auth.log", "syslog"},
		{"var-log-syslog.1", "syslog"},
		{"random.txt", "auto"},
	}

	for _, tt := range tests {
		parser, err := svc.Select("", tt.fileName)
		require.NoError(t, err, tt.fileName)
		assert.Equal(t, tt.parserID, parser.ID(), tt.fileName)
	}
}

func TestSelectUnknownParser(t *testing.T) {
	svc := NewParserService()

	_, err := svc.Select("nonexistent", "file.log")
	assert.Error(t, err)
}

func TestJSONLinesParser(t *testing.T) {
	parser := &jsonLinesParser{}

	content := []byte(`{"timestamp": "2026-01-12T10:00:00Z", "source": "web01", "event_type": "auth_failure", "message": "failed password for root"}
not json at all
{"message": "accepted password for alice"}
`)

	events, err := parser.Parse(context.Background(), content, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "auth_failure", events[0].EventType)
	assert.Equal(t, "web01", events[0].Source)
	assert.Equal(t, 2026, events[0].Timestamp.Year())

	assert.Equal(t, "raw", events[1].EventType)
	assert.Equal(t, "not json at all", events[1].Message)

	// No explicit type: classified from the message text
	assert.Equal(t, "auth_success", events[2].EventType)
}

func TestSyslogParser(t *testing.T) {
	parser := &syslogParser{}

	content := []byte("Jan 12 10:00:01 web01 sshd[4321]: Failed password for invalid user admin from 203.0.113.9\n")

	events, err := parser.Parse(context.Background(), content, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	event := events[0]
	assert.Equal(t, "auth_failure", event.EventType)
	assert.Equal(t, "web01", event.Source)
	assert.Equal(t, "sshd", event.Fields["program"])
	assert.False(t, event.Timestamp.IsZero())
}

func TestGenericParserRespectsMaxEvents(t *testing.T) {
	parser := &genericLineParser{}

	content := []byte("one\ntwo\nthree\nfour\n")

	events, err := parser.Parse(context.Background(), content, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		line      string
		eventType string
	}{
		{"Failed password for root", "auth_failure"},
		{"Accepted password for alice", "auth_success"},
		{"FATAL: out of memory", "error"},
		{"warning: disk almost full", "warning"},
		{"connect to 10.0.0.5 port 443", "network"},
		{"heartbeat ok", "info"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.eventType, classifyMessage(tt.line), tt.line)
	}
}
