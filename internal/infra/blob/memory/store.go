// Package memory provides an in-process blob store for tests and ephemeral
// deployments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"stagecore/internal/infra/blob"
)

var _ blob.Store = (*Store)(nil)

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

// Store keeps objects in a map behind a mutex.
type Store struct {
	mu      sync.Mutex
	objects map[string]object
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{objects: make(map[string]object)}
}

func (s *Store) Driver() blob.Driver { return blob.DriverMemory }

func (s *Store) Put(_ context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		modified:    time.Now().UTC(),
	}
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, blob.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, blob.Info{}, blob.ErrNotFound
	}
	return append([]byte(nil), obj.data...), s.info(key, obj), nil
}

func (s *Store) List(_ context.Context, prefix string) ([]blob.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []blob.Info
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, s.info(key, obj))
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return blob.ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

func (s *Store) info(key string, obj object) blob.Info {
	return blob.Info{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
	}
}
