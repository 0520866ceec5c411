package gcsuploader

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// FetchFromGCS downloads the file bytes from the given GCS URI. Objects
// larger than the configured limit are refused.
func (s *GCSStorageService) FetchFromGCS(ctx context.Context, gcsURI string) ([]byte, error) {
	bucketName, objectPath, err := ParseGCSURI(gcsURI)
	if err != nil {
		return nil, fmt.Errorf("FetchFromGCS: %w", err)
	}

	rc, err := s.client.Bucket(bucketName).Object(objectPath).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("FetchFromGCS: reading object %s/%s: %w", bucketName, objectPath, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("FetchFromGCS: reading bytes: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("FetchFromGCS: object %s exceeds %d bytes", gcsURI, s.maxBytes)
	}
	return data, nil
}

// ListObjects returns the gs:// URIs of every object under prefix.
func (s *GCSStorageService) ListObjects(ctx context.Context, bucketName, prefix string) ([]string, error) {
	it := s.client.Bucket(bucketName).Objects(ctx, &storage.Query{Prefix: prefix})

	var uris []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListObjects: iterating %s/%s: %w", bucketName, prefix, err)
		}
		if attrs.Name == "" || attrs.Name[len(attrs.Name)-1] == '/' {
			continue
		}
		uris = append(uris, "gs://"+bucketName+"/"+attrs.Name)
	}
	return uris, nil
}
