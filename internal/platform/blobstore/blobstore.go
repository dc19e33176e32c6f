// Package blobstore archives the raw payload of every bulk load so a cut or
// registration file can be re-downloaded and replayed later. It defines the
// BlobStore interface, an in-memory implementation for tests and
// development, and an S3-compatible implementation.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound    = errors.New("blob not found")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrMissingFileName = errors.New("file name is required")
)

// MaxFileSize is the maximum archived payload size in bytes (200 MB).
const MaxFileSize = 200 * 1024 * 1024

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes an archived payload.
type BlobMetadata struct {
	Key         string            `json:"key"`
	FileName    string            `json:"file_name"`
	ContentType string            `json:"content_type"`
	Kind        string            `json:"kind"`
	Size        int64             `json:"size"`
	Hash        string            `json:"hash"`
	CreatedAt   time.Time         `json:"created_at"`
	CreatedBy   string            `json:"created_by"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// BlobStore defines the contract for archive backends.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// NewKey builds an archive key grouped by load kind and month:
// "CORTE_FONASA/2024/10/<uuid>-corte.json".
func NewKey(kind, fileName string, at time.Time) string {
	base := sanitizeName(path.Base(fileName))
	if base == "" {
		base = "payload"
	}
	if kind == "" {
		kind = "misc"
	}
	return fmt.Sprintf("%s/%04d/%02d/%s-%s", kind, at.Year(), int(at.Month()), uuid.NewString(), base)
}

func sanitizeName(name string) string {
	if name == "." || name == "/" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		}
		return -1
	}, name)
}

// readBounded reads content fully, rejecting payloads above MaxFileSize, and
// returns the bytes with their SHA-256.
func readBounded(content io.Reader) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, "", ErrFileTooLarge
	}
	h := sha256.Sum256(data)
	return data, fmt.Sprintf("%x", h), nil
}

// prepare fills the derived metadata fields shared by every backend.
func prepare(meta BlobMetadata, data []byte, hash string) BlobMetadata {
	if meta.Key == "" {
		meta.Key = NewKey(meta.Kind, meta.FileName, time.Now().UTC())
	}
	if meta.ContentType == "" {
		meta.ContentType = "application/json"
	}
	meta.Size = int64(len(data))
	meta.Hash = hash
	meta.CreatedAt = time.Now().UTC()
	if meta.Tags == nil {
		meta.Tags = make(map[string]string)
	}
	return meta
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
	}
}

func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if meta.FileName == "" {
		return nil, ErrMissingFileName
	}
	data, hash, err := readBounded(content)
	if err != nil {
		return nil, err
	}
	meta = prepare(meta, data, hash)

	s.mu.Lock()
	s.blobs[meta.Key] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) Download(_ context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}

	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

func (s *InMemoryBlobStore) Ping(context.Context) error { return nil }

// Len reports the number of stored blobs.
func (s *InMemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
