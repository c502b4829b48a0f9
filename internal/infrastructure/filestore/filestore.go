// Package filestore persists keys as individual JSON-safe files under a
// shared directory, so several processes on one machine can share the
// same durable store.
package filestore

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/prefsync/prefsync/internal/storage"
)

const fileExt = ".kv"

// Store implements storage.Store on top of a directory. Each key maps
// to one file; writes go through a tmp file plus rename so readers in
// other processes never observe a torn value.
type Store struct {
	dir string
}

// New creates the directory if needed and returns a Store.
func New(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("filestore: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(key string) string {
	// Keys may contain separators; encode them to keep one flat dir.
	name := base64.RawURLEncoding.EncodeToString([]byte(key))
	return filepath.Join(s.dir, name+fileExt)
}

func (s *Store) Get(key string) (string, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

func (s *Store) Set(key, value string) error {
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0o644); err != nil {
		if isQuotaErr(err) {
			return storage.ErrQuotaExceeded
		}
		return err
	}
	return os.Rename(tmp, s.path(key))
}

func (s *Store) Remove(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) Clear() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *Store) Keys(prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	keys := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(e.Name(), fileExt))
		if err != nil {
			continue
		}
		key := string(raw)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func isQuotaErr(err error) bool {
	// ENOSPC is the filesystem's quota signal.
	return err != nil && strings.Contains(err.Error(), "no space left on device")
}
