// Package blobstore archives raw artifacts the RCM server must retain:
// clearinghouse ERA files as received and generated appeal letters.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound    = errors.New("blob not found")
	ErrTooLarge    = errors.New("blob exceeds maximum allowed size")
	ErrMissingKey  = errors.New("blob key is required")
	ErrInvalidType = errors.New("content type is not allowed")
)

// MaxSize caps a single stored object (25 MiB).
const MaxSize = 25 << 20

var allowedContentTypes = map[string]bool{
	"application/edi-x12": true,
	"application/json":    true,
	"text/plain":          true,
	"application/pdf":     true,
}

// Object describes a stored blob.
type Object struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	SHA256      string            `json:"sha256"`
	StoredAt    time.Time         `json:"stored_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte, meta map[string]string) (*Object, error)
	Get(ctx context.Context, key string) ([]byte, *Object, error)
	List(ctx context.Context, prefix string) ([]Object, error)
}

func checkPut(key, contentType string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrMissingKey
	}
	if len(data) > MaxSize {
		return ErrTooLarge
	}
	if !allowedContentTypes[contentType] {
		return ErrInvalidType
	}
	return nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ERAKey is the archive key for a raw remittance file.
func ERAKey(fileID string) string { return "era/" + fileID }

// AppealLetterKey is the archive key for a generated appeal letter.
func AppealLetterKey(appealID string) string { return "appeals/" + appealID + ".txt" }

// MemoryStore is a thread-safe in-memory Store for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	obj  Object
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (s *MemoryStore) Put(_ context.Context, key, contentType string, data []byte, meta map[string]string) (*Object, error) {
	if err := checkPut(key, contentType, data); err != nil {
		return nil, err
	}
	obj := Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		SHA256:      digest(data),
		StoredAt:    time.Now().UTC(),
		Metadata:    meta,
	}
	cp := append([]byte(nil), data...)

	s.mu.Lock()
	s.objects[key] = memoryObject{obj: obj, data: cp}
	s.mu.Unlock()
	return &obj, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, *Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mo, ok := s.objects[key]
	if !ok {
		return nil, nil, ErrNotFound
	}
	obj := mo.obj
	return append([]byte(nil), mo.data...), &obj, nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Object
	for k, mo := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, mo.obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
