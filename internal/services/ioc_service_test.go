package services

import (
	"context"
	"testing"
	"time"

	"logx-server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFindsMixedIndicators(t *testing.T) {
	svc := NewIOCService(nil)

	content := []byte(`Jan 12 10:00:01 host sshd[123]: connection from 185.220.101.44
download from http://evil.example.com/payload.bin completed
sha256 e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855
contact: admin@badsite.ru
dropped C:\Windows\Temp\payload.exe
wrote HKLM\Software\Microsoft\Windows\CurrentVersion\Run\updater
`)

	iocs, err := svc.Extract(context.Background(), content)
	require.NoError(t, err)

	byType := map[string][]string{}
	for _, ioc := range iocs {
		byType[ioc.Type] = append(byType[ioc.Type], ioc.Value)
	}

	assert.Contains(t, byType[models.IOCTypeIP], "185.220.101.44")
	assert.Contains(t, byType[models.IOCTypeURL], "http://evil.example.com/payload.bin")
	assert.Contains(t, byType[models.IOCTypeFileHash], "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	assert.Contains(t, byType[models.IOCTypeEmail], "admin@badsite.ru")
	assert.Contains(t, byType[models.IOCTypeFilePath], `C:\Windows\Temp\payload.exe`)
	require.NotEmpty(t, byType[models.IOCTypeRegistryKey])
}

func TestExtractDropsLocalAddresses(t *testing.T) {
	svc := NewIOCService(nil)

	content := []byte("127.0.0.1 0.0.0.0 255.255.255.255 and 10.20.30.40\n")

	iocs, err := svc.Extract(context.Background(), content)
	require.NoError(t, err)

	var values []string
	for _, ioc := range iocs {
		if ioc.Type == models.IOCTypeIP {
			values = append(values, ioc.Value)
		}
	}
	assert.Equal(t, []string{"10.20.30.40"}, values)
}

func TestExtractRespectsCancellation(t *testing.T) {
	svc := NewIOCService(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Extract(ctx, []byte("line one\nline two\n"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeduplicateMergesByValueAndType(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	iocs := []models.IOC{
		{Value: "Evil.Example.COM", Type: models.IOCTypeDomain, FirstSeen: late, Confidence: 60, Contexts: []string{"ctx-a"}},
		{Value: "evil.example.com", Type: models.IOCTypeDomain, FirstSeen: early, Confidence: 80, Contexts: []string{"ctx-b"}},
		{Value: "evil.example.com", Type: models.IOCTypeURL, FirstSeen: late, Confidence: 85, Contexts: []string{"ctx-c"}},
	}

	out := Deduplicate(iocs)

	// Same value with a different type stays separate
	require.Len(t, out, 2)

	merged := out[0]
	assert.Equal(t, models.IOCTypeDomain, merged.Type)
	assert.True(t, merged.FirstSeen.Equal(early))
	assert.Equal(t, 80, merged.Confidence)
	assert.Equal(t, []string{"ctx-a", "ctx-b"}, []string(merged.Contexts))
}

func TestDeduplicateCapsContexts(t *testing.T) {
	base := time.Now()
	var iocs []models.IOC
	for _, ctx := range []string{"one", "two", "three", "four", "five"} {
		iocs = append(iocs, models.IOC{
			Value: "1.2.3.4", Type: models.IOCTypeIP, FirstSeen: base, Confidence: 70,
			Contexts: []string{ctx},
		})
	}

	out := Deduplicate(iocs)

	require.Len(t, out, 1)
	assert.Len(t, out[0].Contexts, maxIOCContexts)
}

func TestDeduplicatePreservesFirstOccurrenceOrder(t *testing.T) {
	now := time.Now()
	iocs := []models.IOC{
		{Value: "b.example.com", Type: models.IOCTypeDomain, FirstSeen: now},
		{Value: "a.example.com", Type: models.IOCTypeDomain, FirstSeen: now},
		{Value: "b.example.com", Type: models.IOCTypeDomain, FirstSeen: now},
		{Value: "c.example.com", Type: models.IOCTypeDomain, FirstSeen: now},
	}

	out := Deduplicate(iocs)

	require.Len(t, out, 3)
	assert.Equal(t, "b.example.com", out[0].Value)
	assert.Equal(t, "a.example.com", out[1].Value)
	assert.Equal(t, "c.example.com", out[2].Value)
}

func TestDeduplicateIgnoresDuplicateContexts(t *testing.T) {
	now := time.Now()
	iocs := []models.IOC{
		{Value: "x.example.com", Type: models.IOCTypeDomain, FirstSeen: now, Contexts: []string{"same"}},
		{Value: "x.example.com", Type: models.IOCTypeDomain, FirstSeen: now, Contexts: []string{"same"}},
	}

	out := Deduplicate(iocs)

	require.Len(t, out, 1)
	assert.Equal(t, []string{"same"}, []string(out[0].Contexts))
}
