// Package blobstore stores claim attachments (the optional document uploaded
// with a submission). It defines the Store interface and an in-memory
// implementation; a durable backend can be dropped in behind the same
// interface.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBlobNotFound       = errors.New("attachment not found")
	ErrFileTooLarge       = errors.New("attachment exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("attachment content type is not allowed")
	ErrMissingFileName    = errors.New("attachment file name is required")
)

// MaxFileSize is the maximum allowed attachment size in bytes (20 MB).
const MaxFileSize = 20 * 1024 * 1024

// AllowedContentTypes lists the accepted claim-document MIME types.
var AllowedContentTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"text/plain":      true,
}

// Blob is one stored attachment with its metadata.
type Blob struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	CreatedAt   time.Time `json:"created_at"`

	data []byte
}

// Data returns the attachment bytes.
func (b *Blob) Data() []byte { return b.data }

// Store is the attachment persistence interface.
type Store interface {
	Put(ctx context.Context, fileName, contentType string, data []byte) (*Blob, error)
	Get(ctx context.Context, id string) (*Blob, error)
	Delete(ctx context.Context, id string) error
}

// InMemoryStore is a thread-safe Store backed by a map.
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*Blob
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: make(map[string]*Blob)}
}

func validate(fileName, contentType string, data []byte) error {
	if fileName == "" {
		return ErrMissingFileName
	}
	if int64(len(data)) > MaxFileSize {
		return ErrFileTooLarge
	}
	if !AllowedContentTypes[contentType] {
		return ErrInvalidContentType
	}
	return nil
}

func (s *InMemoryStore) Put(_ context.Context, fileName, contentType string, data []byte) (*Blob, error) {
	if err := validate(fileName, contentType, data); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	b := &Blob{
		ID:          uuid.New().String(),
		FileName:    fileName,
		ContentType: contentType,
		Size:        int64(len(data)),
		SHA256:      hex.EncodeToString(sum[:]),
		CreatedAt:   time.Now().UTC(),
		data:        append([]byte(nil), data...),
	}
	s.mu.Lock()
	s.blobs[b.ID] = b
	s.mu.Unlock()
	return b, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return b, nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[id]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, id)
	return nil
}
