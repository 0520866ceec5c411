// Package gcsuploader moves source files between local disk, the pipeline
// and Google Cloud Storage.
package gcsuploader

import (
	"context"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/dvloznov/finance-etl/internal/domain"
)

// DefaultMaxObjectBytes caps how much of one object FetchFromGCS reads.
const DefaultMaxObjectBytes = 32 << 20

// StorageService is the storage surface used by the binaries.
type StorageService interface {
	UploadFile(ctx context.Context, bucketName, objectName, filePath string) error
	FetchFromGCS(ctx context.Context, gcsURI string) ([]byte, error)
	ListObjects(ctx context.Context, bucketName, prefix string) ([]string, error)
}

// GCSStorageService implements StorageService with a shared client.
type GCSStorageService struct {
	client   *storage.Client
	maxBytes int64
}

// NewGCSStorageService creates a service using Application Default
// Credentials. Close releases the client.
func NewGCSStorageService(ctx context.Context, maxBytes int64) (*GCSStorageService, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSStorageService: create storage client: %w", err)
	}
	return NewWithClient(client, maxBytes), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *storage.Client, maxBytes int64) *GCSStorageService {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxObjectBytes
	}
	return &GCSStorageService{client: client, maxBytes: maxBytes}
}

// Close closes the storage client.
func (s *GCSStorageService) Close() error {
	return s.client.Close()
}

// ParseGCSURI splits "gs://bucket/path/to/object" into bucket and object.
func ParseGCSURI(gcsURI string) (bucket, object string, err error) {
	if !strings.HasPrefix(gcsURI, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", gcsURI)
	}
	trimmed := strings.TrimPrefix(gcsURI, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", gcsURI)
	}
	return parts[0], parts[1], nil
}

// ParseGCSPrefix is ParseGCSURI for listing: the object part may be empty.
func ParseGCSPrefix(gcsURI string) (bucket, prefix string, err error) {
	if !strings.HasPrefix(gcsURI, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", gcsURI)
	}
	trimmed := strings.TrimPrefix(gcsURI, "gs://")
	bucket, prefix, _ = strings.Cut(trimmed, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no bucket): %s", gcsURI)
	}
	return bucket, prefix, nil
}

// ExtractFilenameFromGCSURI extracts the filename from a GCS URI.
// e.g., "gs://bucket/folder/file.pdf" → "file.pdf"
func ExtractFilenameFromGCSURI(uri string) string {
	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 {
		return trimmed
	}
	return path.Base(parts[1])
}

// ChannelForObject picks the ingestion channel from a file extension.
func ChannelForObject(name string) (domain.Channel, bool) {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv", ".tsv", ".txt":
		return domain.ChannelCSV, true
	case ".json":
		return domain.ChannelAPI, true
	case ".pdf":
		return domain.ChannelStatement, true
	}
	return "", false
}
