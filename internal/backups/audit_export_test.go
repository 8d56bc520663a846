package backups

import (
	"archive/zip"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/storesync/replicator/config"
	"github.com/storesync/replicator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	entries   []model.AuditEntry
	err       error
	eventType string
}

func (f *fakeSource) ListAuditEntries(_ context.Context, eventType string, _ time.Time, _ int) ([]model.AuditEntry, error) {
	f.eventType = eventType
	return f.entries, f.err
}

type fakeUploader struct {
	key  string
	body []byte
	err  error
}

func (f *fakeUploader) Upload(_ context.Context, key string, body io.Reader) error {
	if f.err != nil {
		return f.err
	}
	f.key = key
	data, err := io.ReadAll(body)
	f.body = data
	return err
}

var exportTime = time.Date(2025, 3, 14, 10, 30, 5, 0, time.UTC)

func sampleEntries() []model.AuditEntry {
	return []model.AuditEntry{
		{ID: "audit_1", EventType: model.AuditCriticalFailure, EntityRef: "queue/q1", Payload: json.RawMessage(`{"error":"boom"}`), CreatedAt: exportTime},
		{ID: "audit_2", EventType: model.AuditCriticalFailure, EntityRef: "queue/q2", Payload: json.RawMessage(`{}`), CreatedAt: exportTime},
	}
}

func readMember(t *testing.T, path string) []model.AuditEntry {
	t.Helper()
	reader, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer reader.Close()
	require.Len(t, reader.File, 1)
	assert.Equal(t, "critical_failures.jsonl", reader.File[0].Name)

	rc, err := reader.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()

	var out []model.AuditEntry
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		var entry model.AuditEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		out = append(out, entry)
	}
	return out
}

func TestExportWritesLocalArchive(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{entries: sampleEntries()}
	exporter := &AuditExporter{Source: source, Dir: dir, Now: func() time.Time { return exportTime }}

	result, err := exporter.Export(context.Background(), exportTime.AddDate(0, 0, -1))
	require.NoError(t, err)

	assert.Equal(t, model.AuditCriticalFailure, source.eventType)
	assert.Equal(t, 2, result.Entries)
	assert.Empty(t, result.Key)
	assert.Equal(t, filepath.Join(dir, "2025-03-14", "audit-103005.zip"), result.Archive)

	entries := readMember(t, result.Archive)
	require.Len(t, entries, 2)
	assert.Equal(t, "audit_1", entries[0].ID)
	assert.JSONEq(t, `{"error":"boom"}`, string(entries[0].Payload))
}

func TestExportUploadsAndRemovesArchive(t *testing.T) {
	dir := t.TempDir()
	uploader := &fakeUploader{}
	exporter := &AuditExporter{
		Source:   &fakeSource{entries: sampleEntries()},
		Uploader: uploader,
		Dir:      dir,
		Now:      func() time.Time { return exportTime },
	}

	result, err := exporter.Export(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "2025-03-14/audit-103005.zip", result.Key)
	assert.Equal(t, result.Key, uploader.key)
	assert.NotEmpty(t, uploader.body)

	_, statErr := os.Stat(result.Archive)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExportKeepsArchiveWhenUploadFails(t *testing.T) {
	dir := t.TempDir()
	exporter := &AuditExporter{
		Source:   &fakeSource{entries: sampleEntries()},
		Uploader: &fakeUploader{err: errors.New("access denied")},
		Dir:      dir,
		Now:      func() time.Time { return exportTime },
	}

	_, err := exporter.Export(context.Background(), time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")

	_, statErr := os.Stat(filepath.Join(dir, "2025-03-14", "audit-103005.zip"))
	assert.NoError(t, statErr)
}

func TestExportSourceError(t *testing.T) {
	exporter := &AuditExporter{Source: &fakeSource{err: errors.New("db down")}, Dir: t.TempDir()}
	_, err := exporter.Export(context.Background(), time.Time{})
	assert.EqualError(t, err, "db down")
}

func TestNewS3Uploader(t *testing.T) {
	_, err := NewS3Uploader(config.BackupConfig{})
	assert.Error(t, err)

	uploader, err := NewS3Uploader(config.BackupConfig{
		S3BucketName:       "replicator-audit",
		S3Region:           "us-east-1",
		S3Endpoint:         "http://localhost:9000",
		AwsAccessKeyId:     "key",
		AwsSecretAccessKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "replicator-audit", uploader.bucket)
}
