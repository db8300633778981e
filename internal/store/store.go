// Package store persists small key-value settings, including the account
// credentials issued at registration.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

const (
	KeyHost     = "xmpp_host"
	KeyPort     = "xmpp_port"
	KeyUsername = "xmpp_username"
	KeyPassword = "xmpp_password"
)

var (
	ErrPathRequired = errors.New("store: path required")
	ErrInvalidKey   = errors.New("store: invalid key")
)

// KV is the persisted key-value contract.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(keys ...string) error
}

// GetInt reads an integer value, reporting false when absent or malformed.
func GetInt(kv KV, key string) (int, bool) {
	raw, ok := kv.Get(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return v, true
}

// Memory is a process-local KV.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *Memory) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Remove(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.values, key)
	}
	return nil
}

// File is a KV persisted as a flat TOML table. Every write rewrites the
// file through a temp file and rename.
type File struct {
	path   string
	mu     sync.RWMutex
	values map[string]string
}

func OpenFile(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrPathRequired
	}
	f := &File{path: path, values: make(map[string]string)}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if _, err := toml.DecodeFile(path, &f.values); err != nil {
		return nil, fmt.Errorf("store load failed (%s): %w", path, err)
	}
	return f, nil
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Get(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[key]
	return v, ok
}

func (f *File) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.values[key]
	f.values[key] = value
	if err := f.flushLocked(); err != nil {
		if had {
			f.values[key] = prev
		} else {
			delete(f.values, key)
		}
		return err
	}
	return nil
}

func (f *File) Remove(keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := false
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return f.flushLocked()
}

// Keys returns the stored keys in sorted order.
func (f *File) Keys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.values))
	for k := range f.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (f *File) flushLocked() error {
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("store write failed (%s): %w", f.path, err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("store write failed (%s): %w", f.path, err)
	}
	tmpPath := tmp.Name()
	if err := toml.NewEncoder(tmp).Encode(f.values); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store encode failed (%s): %w", f.path, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store write failed (%s): %w", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store write failed (%s): %w", f.path, err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store write failed (%s): %w", f.path, err)
	}
	return nil
}
