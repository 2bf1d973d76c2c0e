package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps every key in one JSON object on disk. Writes go through
// a temp file and rename, serialised across processes by an exclusive
// lock on "<path>.lock".
type FileStore struct {
	path string

	mu          sync.Mutex
	lastWritten []byte
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(key string) (string, bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return "", false, err
	}
	values, _, err := s.readValues()
	if err != nil {
		return "", false, err
	}
	value, ok := values[key]
	return value, ok, nil
}

func (s *FileStore) Set(key, value string) error {
	return s.Update(key, func(string, bool) (string, error) {
		return value, nil
	})
}

// Update holds the cross-process lock from read to rename, so fn always
// sees the latest value written by any process.
func (s *FileStore) Update(key string, fn func(string, bool) (string, error)) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	values, _, err := s.readValues()
	if err != nil {
		// an unreadable file is replaced rather than blocking every write
		values = map[string]string{}
	}
	old, ok := values[key]
	value, err := fn(old, ok)
	if err != nil {
		return err
	}
	values[key] = value
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.lastWritten = data
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) readValues() (map[string]string, []byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil, nil
		}
		return nil, nil, err
	}
	values := map[string]string{}
	if len(bytes.TrimSpace(data)) == 0 {
		return values, data, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, data, err
	}
	return values, data, nil
}

// Watch calls onChange whenever another process rewrites the file. Writes
// made through this store are not reported. Watch blocks until ctx ends.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// the directory is watched because rename replaces the file inode
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			_, data, err := s.readValues()
			if err != nil && data == nil {
				continue
			}
			s.mu.Lock()
			own := bytes.Equal(data, s.lastWritten)
			s.mu.Unlock()
			if own {
				continue
			}
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}
