package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned when a key does not exist in a bucket.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage is the object store surface used to archive check evidence.
type ObjectStorage interface {
	// PutObject uploads size bytes from reader.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, opts PutOptions) error
	// GetObject opens a reader for an object. Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
	// EnsureBucket creates bucket when it does not exist yet.
	EnsureBucket(ctx context.Context, bucket string) error
}

// PutOptions describes how an uploaded object is labelled.
type PutOptions struct {
	ContentType     string
	ContentEncoding string
	// Metadata is stored as user metadata on the object.
	Metadata map[string]string
}

// ObjectStat contains object metadata.
type ObjectStat struct {
	SizeBytes       int64
	ETag            string
	ContentType     string
	ContentEncoding string
	LastModified    time.Time
	Metadata        map[string]string
}
