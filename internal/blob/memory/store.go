// Package memblob is an in-process blob store used when no S3 bucket is
// configured and in tests.
package memblob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/polyield/internal/domain"
)

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

// Store implements domain.BlobWriter, domain.BlobReader and
// domain.BlobDeleter.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{objects: make(map[string]object), now: time.Now}
}

func (s *Store) put(path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("memblob: read %s: %w", path, err)
	}
	s.mu.Lock()
	s.objects[path] = object{data: b, contentType: contentType, modified: s.now()}
	s.mu.Unlock()
	return nil
}

func (s *Store) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	return s.put(path, data, contentType)
}

func (s *Store) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	return s.put(path, data, "")
}

func (s *Store) Get(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[path]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memblob: get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// List returns objects under prefix sorted by path.
func (s *Store) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var infos []domain.BlobInfo
	for path, obj := range s.objects {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		infos = append(infos, domain.BlobInfo{
			Path:         path,
			Size:         int64(len(obj.data)),
			ContentType:  obj.contentType,
			LastModified: obj.modified,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func (s *Store) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	_, ok := s.objects[path]
	s.mu.RUnlock()
	return ok, nil
}

func (s *Store) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	delete(s.objects, path)
	s.mu.Unlock()
	return nil
}

var (
	_ domain.BlobWriter  = (*Store)(nil)
	_ domain.BlobReader  = (*Store)(nil)
	_ domain.BlobDeleter = (*Store)(nil)
)
