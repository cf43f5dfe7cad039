// Package s3 provides the cold cache tier on any S3-compatible object store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config captures the endpoint, bucket, and static credentials.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// BlobStore reads and writes snapshots in an S3 bucket via minio-go.
type BlobStore struct {
	client *minio.Client
	bucket string
}

// New dials the endpoint. The bucket must already exist.
func New(cfg Config) (*BlobStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// PutObject uploads data and returns an s3:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object data: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, path), nil
}

// GetObject downloads the object at path. A missing key is a miss.
func (s *BlobStore) GetObject(ctx context.Context, path string) ([]byte, bool, error) {
	object, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("get object: %w", err)
	}
	defer func() { _ = object.Close() }()

	if _, err := object.Stat(); err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("stat object: %w", err)
	}
	body, err := io.ReadAll(object)
	if err != nil {
		return nil, false, fmt.Errorf("read object: %w", err)
	}
	return body, true, nil
}

// Ping verifies the bucket is reachable.
func (s *BlobStore) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}
