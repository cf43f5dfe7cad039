// Package leveldb keeps cold-tier snapshots in an embedded LevelDB database,
// for single-node deployments without object storage.
package leveldb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
)

const (
	objectPrefix      = "o:"
	contentTypePrefix = "t:"
)

// BlobStore maps object paths to snapshot bytes.
type BlobStore struct {
	db *leveldb.DB
}

// Open opens or creates the database at path.
func Open(path string) (*BlobStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("leveldb path is required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &BlobStore{db: db}, nil
}

// PutObject writes the snapshot and its content type in one batch.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object data: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(objectPrefix+path), body)
	batch.Put([]byte(contentTypePrefix+path), []byte(contentType))
	if err := s.db.Write(batch, nil); err != nil {
		return "", fmt.Errorf("write leveldb batch: %w", err)
	}
	return "leveldb://" + path, nil
}

// GetObject returns the snapshot at path. A missing key is a miss.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, bool, error) {
	body, err := s.db.Get([]byte(objectPrefix+path), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("leveldb get: %w", err)
	}
	return body, true, nil
}

// Close releases the database.
func (s *BlobStore) Close() error {
	return s.db.Close()
}
