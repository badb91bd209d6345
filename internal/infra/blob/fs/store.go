// Package fs provides a filesystem-backed blob store. Keys map to relative
// paths under the root; a sidecar file (key + ".meta") records the content
// type.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"stagecore/internal/infra/blob"
)

var _ blob.Store = (*Store)(nil)

// Store writes objects under a root directory.
type Store struct {
	root string
}

// NewStore roots the store at path, creating it if needed.
func NewStore(root string) (*Store, error) {
	if root == "" {
		root = "./stagecore-blobs"
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Driver() blob.Driver { return blob.DriverFilesystem }

type metaFile struct {
	ContentType string    `json:"content_type,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// sanitizeKey rejects traversal and absolute keys.
func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("absolute key %q", key)
	}
	clean := filepath.ToSlash(filepath.Clean(key))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("key %q escapes root", key)
	}
	return clean, nil
}

func (s *Store) paths(key string) (dataPath, metaPath string, err error) {
	k, err := sanitizeKey(key)
	if err != nil {
		return "", "", err
	}
	dataPath = filepath.Join(s.root, filepath.FromSlash(k))
	return dataPath, dataPath + ".meta", nil
}

func (s *Store) Put(_ context.Context, key string, data []byte, contentType string) error {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o750); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		return err
	}
	meta, err := json.Marshal(metaFile{ContentType: contentType, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return os.WriteFile(metaPath, meta, 0o640)
}

func (s *Store) Get(_ context.Context, key string) ([]byte, blob.Info, error) {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return nil, blob.Info{}, err
	}
	data, err := os.ReadFile(dataPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, blob.Info{}, blob.ErrNotFound
	}
	if err != nil {
		return nil, blob.Info{}, err
	}
	info := blob.Info{Key: key, Size: int64(len(data))}
	if raw, err := os.ReadFile(metaPath); err == nil {
		var meta metaFile
		if json.Unmarshal(raw, &meta) == nil {
			info.ContentType = meta.ContentType
			info.LastModified = meta.UpdatedAt
		}
	}
	return data, info, nil
}

func (s *Store) List(_ context.Context, prefix string) ([]blob.Info, error) {
	var infos []blob.Info
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasSuffix(path, ".meta") {
			return err
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, statErr := d.Info()
		if statErr != nil {
			return statErr
		}
		infos = append(infos, blob.Info{Key: key, Size: fi.Size(), LastModified: fi.ModTime().UTC()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	dataPath, metaPath, err := s.paths(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dataPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return blob.ErrNotFound
		}
		return err
	}
	_ = os.Remove(metaPath)
	return nil
}
