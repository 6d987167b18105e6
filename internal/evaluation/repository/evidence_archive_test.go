package repository_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"cloudeval/internal/common/storage"
	"cloudeval/internal/evaluation/model"
	"cloudeval/internal/evaluation/repository"
	appErr "cloudeval/pkg/errors"
)

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	opts    map[string]storage.PutOptions
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: make(map[string][]byte), opts: make(map[string]storage.PutOptions)}
}

func (m *memoryObjects) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, opts storage.PutOptions) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+objectKey] = data
	m.opts[bucket+"/"+objectKey] = opts
	return nil
}

func (m *memoryObjects) GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+objectKey]
	if !ok {
		return nil, fmt.Errorf("%s: %w", objectKey, storage.ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryObjects) StatObject(ctx context.Context, bucket, objectKey string) (storage.ObjectStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+objectKey]
	if !ok {
		return storage.ObjectStat{}, fmt.Errorf("%s: %w", objectKey, storage.ErrObjectNotFound)
	}
	opts := m.opts[bucket+"/"+objectKey]
	return storage.ObjectStat{
		SizeBytes:       int64(len(data)),
		ContentType:     opts.ContentType,
		ContentEncoding: opts.ContentEncoding,
		Metadata:        opts.Metadata,
	}, nil
}

func (m *memoryObjects) EnsureBucket(ctx context.Context, bucket string) error {
	return nil
}

func TestEvidenceArchiveOffload(t *testing.T) {
	objects := newMemoryObjects()
	archive, err := repository.NewEvidenceArchive(objects, "evidence", 64)
	if err != nil {
		t.Fatalf("create archive failed: %v", err)
	}
	ctx := context.Background()

	small := &model.CheckResult{StudentAssessmentID: "sa", TaskID: "t", CheckID: "c", Evidence: "ok"}
	if err := archive.Offload(ctx, small); err != nil {
		t.Fatalf("offload small failed: %v", err)
	}
	if small.EvidenceKey != "" || small.Evidence != "ok" {
		t.Fatalf("small evidence should stay inline: %+v", small)
	}

	full := strings.Repeat("bucket-listing ", 100)
	large := &model.CheckResult{StudentAssessmentID: "sa", TaskID: "t", CheckID: "c", Evidence: full}
	if err := archive.Offload(ctx, large); err != nil {
		t.Fatalf("offload large failed: %v", err)
	}
	if large.EvidenceKey != "evidence/sa/t/c.txt.zst" {
		t.Fatalf("unexpected key %q", large.EvidenceKey)
	}
	if len(large.Evidence) > 64 || !strings.HasSuffix(large.Evidence, "[truncated]") {
		t.Fatalf("expected truncated inline evidence, got %q", large.Evidence)
	}
	stat, err := objects.StatObject(ctx, "evidence", large.EvidenceKey)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if stat.SizeBytes >= int64(len(full)) {
		t.Fatalf("expected compressed object, got %d bytes", stat.SizeBytes)
	}
	if stat.ContentEncoding != "zstd" || stat.Metadata["check-id"] != "c" || stat.Metadata["original-size"] != "1500" {
		t.Fatalf("unexpected object labels: %+v", stat)
	}

	loaded, err := archive.Load(ctx, large.EvidenceKey)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded != full {
		t.Fatalf("loaded evidence does not match original")
	}
}

func TestEvidenceArchiveLoadMissing(t *testing.T) {
	archive, err := repository.NewEvidenceArchive(newMemoryObjects(), "evidence", 64)
	if err != nil {
		t.Fatalf("create archive failed: %v", err)
	}
	_, err = archive.Load(context.Background(), "evidence/none.txt.zst")
	if appErr.GetCode(err) != appErr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
