/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package backups

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"
	"github.com/storesync/replicator/config"
	"github.com/storesync/replicator/model"
)

const maxExportEntries = 10000

// AuditSource reads audit entries; database.IDataSource satisfies it.
type AuditSource interface {
	ListAuditEntries(ctx context.Context, eventType string, since time.Time, limit int) ([]model.AuditEntry, error)
}

// Uploader stores one archive under a key.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader) error
}

// S3Uploader uploads archives to the configured bucket.
type S3Uploader struct {
	uploader *s3manager.Uploader
	bucket   string
}

// NewS3Uploader builds an uploader from the backup configuration. A custom
// endpoint switches to path-style addressing so S3 compatible stores work.
func NewS3Uploader(cfg config.BackupConfig) (*S3Uploader, error) {
	if cfg.S3BucketName == "" {
		return nil, errors.New("backup s3 bucket name is required")
	}
	awsConfig := &aws.Config{Region: aws.String(cfg.S3Region)}
	if cfg.AwsAccessKeyId != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AwsAccessKeyId, cfg.AwsSecretAccessKey, "")
	}
	if cfg.S3Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.S3Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return &S3Uploader{uploader: s3manager.NewUploader(sess), bucket: cfg.S3BucketName}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, body io.Reader) error {
	_, err := u.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	return err
}

// ExportResult describes one finished export.
type ExportResult struct {
	Entries int    `json:"entries"`
	Archive string `json:"archive"`
	Key     string `json:"key,omitempty"`
}

// AuditExporter archives critical-failure audit entries as zipped JSON lines.
type AuditExporter struct {
	Source   AuditSource
	Uploader Uploader
	Dir      string
	Now      func() time.Time
}

func (e *AuditExporter) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Export writes every critical-failure entry since the given time into
// <dir>/<date>/audit-<time>.zip and, when an uploader is set, uploads the
// archive under <date>/<file> and removes the local copy.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - since time.Time: The oldest entry to include.
//
// Returns:
// - *ExportResult: The number of entries and where they were written.
// - error: An error if reading, archiving or uploading fails.
func (e *AuditExporter) Export(ctx context.Context, since time.Time) (*ExportResult, error) {
	entries, err := e.Source.ListAuditEntries(ctx, model.AuditCriticalFailure, since, maxExportEntries)
	if err != nil {
		return nil, err
	}
	if len(entries) == maxExportEntries {
		logrus.Warnf("audit export truncated at %d entries", maxExportEntries)
	}

	now := e.now().UTC()
	day := now.Format("2006-01-02")
	dir := filepath.Join(e.Dir, day)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("audit-%s.zip", now.Format("150405"))
	archive := filepath.Join(dir, name)
	if err := writeArchive(archive, "critical_failures.jsonl", entries); err != nil {
		return nil, err
	}
	result := &ExportResult{Entries: len(entries), Archive: archive}

	if e.Uploader == nil {
		return result, nil
	}
	file, err := os.Open(archive)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	result.Key = day + "/" + name
	if err := e.Uploader.Upload(ctx, result.Key, file); err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", result.Key, err)
	}
	if err := os.Remove(archive); err != nil {
		logrus.Warnf("failed to remove local archive %s: %v", archive, err)
	}
	return result, nil
}

func writeArchive(path, member string, entries []model.AuditEntry) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	writer := zip.NewWriter(out)
	w, err := writer.Create(member)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	return writer.Close()
}
