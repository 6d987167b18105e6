package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"cloudeval/internal/common/storage"
	"cloudeval/internal/evaluation/model"
	appErr "cloudeval/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	defaultInlineEvidenceLimit = 4096
	evidenceContentType        = "text/plain; charset=utf-8"
	evidenceEncoding           = "zstd"
	truncatedSuffix            = "... [truncated]"
)

// EvidenceArchive moves oversized check evidence to object storage.
type EvidenceArchive struct {
	storage     storage.ObjectStorage
	bucket      string
	inlineLimit int
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
}

// NewEvidenceArchive creates an archive writing to bucket. A non-positive
// inlineLimit uses the default of 4096 bytes.
func NewEvidenceArchive(objectStorage storage.ObjectStorage, bucket string, inlineLimit int) (*EvidenceArchive, error) {
	if objectStorage == nil {
		return nil, fmt.Errorf("object storage is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if inlineLimit <= 0 {
		inlineLimit = defaultInlineEvidenceLimit
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder failed: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder failed: %w", err)
	}
	return &EvidenceArchive{
		storage:     objectStorage,
		bucket:      bucket,
		inlineLimit: inlineLimit,
		encoder:     encoder,
		decoder:     decoder,
	}, nil
}

// EvidenceKey returns the object key of the archived evidence of a check.
func EvidenceKey(studentAssessmentID, taskID, checkID string) string {
	return fmt.Sprintf("evidence/%s/%s/%s.txt.zst", studentAssessmentID, taskID, checkID)
}

// Offload archives result.Evidence when it exceeds the inline limit, keeping
// a truncated prefix inline and recording the object key.
func (a *EvidenceArchive) Offload(ctx context.Context, result *model.CheckResult) error {
	if result == nil || len(result.Evidence) <= a.inlineLimit {
		return nil
	}
	key := EvidenceKey(result.StudentAssessmentID, result.TaskID, result.CheckID)
	payload := a.encoder.EncodeAll([]byte(result.Evidence), nil)
	opts := storage.PutOptions{
		ContentType:     evidenceContentType,
		ContentEncoding: evidenceEncoding,
		Metadata: map[string]string{
			"student-assessment-id": result.StudentAssessmentID,
			"task-id":               result.TaskID,
			"check-id":              result.CheckID,
			"original-size":         strconv.Itoa(len(result.Evidence)),
		},
	}
	if err := a.storage.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), opts); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "archive evidence failed")
	}
	result.Evidence = truncate(result.Evidence, a.inlineLimit)
	result.EvidenceKey = key
	return nil
}

// Load returns the full archived evidence stored under key.
func (a *EvidenceArchive) Load(ctx context.Context, key string) (string, error) {
	reader, err := a.storage.GetObject(ctx, a.bucket, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", appErr.Wrapf(err, appErr.NotFound, "evidence %s not found", key)
		}
		return "", appErr.Wrapf(err, appErr.StorageError, "load evidence failed")
	}
	defer reader.Close()
	payload, err := io.ReadAll(reader)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "read evidence failed")
	}
	data, err := a.decoder.DecodeAll(payload, nil)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "decode evidence failed")
	}
	return string(data), nil
}

func truncate(s string, limit int) string {
	cut := limit - len(truncatedSuffix)
	if cut < 0 {
		cut = 0
	}
	// back off to a rune boundary
	for cut > 0 && cut < len(s) && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + truncatedSuffix
}
