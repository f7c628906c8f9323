package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// File is a KV backed by one JSON file, loaded on Bootstrap and written
// through on every mutation. Sized for the registry cache, not for bulk
// data.
type File struct {
	mu   sync.Mutex
	path string
	data map[string][]byte
}

type filePayload struct {
	Data map[string][]byte `json:"data"`
}

func NewFile(path string) *File {
	return &File{path: path, data: make(map[string][]byte)}
}

func (f *File) Bootstrap() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.path == "" {
		return errors.New("file store path is required")
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.data = make(map[string][]byte)
			return nil
		}
		return err
	}
	var payload filePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	if payload.Data == nil {
		payload.Data = make(map[string][]byte)
	}
	f.data = payload.Data
	return nil
}

func (f *File) Get(key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (f *File) Set(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append([]byte(nil), value...)
	return f.persistLocked()
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return f.persistLocked()
}

func (f *File) persistLocked() error {
	raw, err := json.MarshalIndent(filePayload{Data: f.data}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(f.path, raw, 0o600)
}
