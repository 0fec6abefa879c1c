package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Snapshot is one archived page.
type Snapshot struct {
	Data        []byte
	ContentType string
}

// BlobStore keeps page snapshots in process and hands out memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Snapshot
}

// NewBlobStore creates an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Snapshot)}
}

// PutObject implements catalog.BlobStore. Writing the same path again
// replaces the snapshot.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "", fmt.Errorf("object path is required")
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read snapshot %s: %w", path, err)
	}
	s.mu.Lock()
	s.objects[path] = Snapshot{Data: body, ContentType: contentType}
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Object returns a copy of the snapshot stored at path.
func (s *BlobStore) Object(path string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.objects[path]
	if !ok {
		return Snapshot{}, false
	}
	snap.Data = append([]byte(nil), snap.Data...)
	return snap, true
}

// Paths lists stored object paths in lexical order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.objects))
	for p := range s.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
