package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/starford/dyad/internal/apperr"
	"github.com/starford/dyad/internal/checksum"
)

// FileExt is the extension of document files written by FS.
const FileExt = ".json"

// FS implements Backend on the local file system: one directory per
// namespace, one JSON envelope file per key. Version checks are serialized
// per key within this process only.
type FS struct {
	root  string // absolute path to the data directory
	locks sync.Map
}

type envelope struct {
	Version int64           `json:"version"`
	Value   json.RawMessage `json:"value"`
}

// NewFS creates a new FS backend rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute data directory.
func (f *FS) Root() string { return f.root }

// FileName maps a key to its file name inside a namespace directory.
func FileName(key string) string {
	return url.QueryEscape(key) + FileExt
}

// KeyFromFile is the inverse of FileName.
func KeyFromFile(name string) (string, bool) {
	if !strings.HasSuffix(name, FileExt) || strings.HasPrefix(name, ".") {
		return "", false
	}
	key, err := url.QueryUnescape(strings.TrimSuffix(name, FileExt))
	if err != nil {
		return "", false
	}
	return key, true
}

// safePath resolves namespace/key against the root and rejects any result
// that escapes it.
func (f *FS) safePath(namespace, key string) (string, error) {
	if namespace == "" || strings.ContainsAny(namespace, `/\`) || namespace == "." || namespace == ".." {
		return "", fmt.Errorf("storage: invalid namespace %q", namespace)
	}
	rel := namespace
	if key != "" {
		rel = filepath.Join(namespace, FileName(key))
	}
	abs, err := filepath.Abs(filepath.Join(f.root, rel))
	if err != nil {
		return "", fmt.Errorf("storage: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("storage: path escapes data root: %s", rel)
	}
	return abs, nil
}

func (f *FS) lock(path string) func() {
	v, _ := f.locks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Get reads the envelope stored at namespace/key.
func (f *FS) Get(_ context.Context, namespace, key string) (*Item, error) {
	abs, err := f.safePath(namespace, key)
	if err != nil {
		return nil, err
	}
	env, err := readEnvelope(abs)
	if err != nil {
		return nil, err
	}
	return &Item{Key: key, Value: env.Value, Version: env.Version}, nil
}

// Put writes value with an optional version check.
func (f *FS) Put(_ context.Context, namespace, key string, value []byte, expected int64) (int64, error) {
	abs, err := f.safePath(namespace, key)
	if err != nil {
		return 0, err
	}
	unlock := f.lock(abs)
	defer unlock()

	var current int64
	env, err := readEnvelope(abs)
	switch {
	case err == nil:
		current = env.Version
	case errors.Is(err, apperr.ErrNotFound):
	default:
		return 0, err
	}
	if expected != AnyVersion && expected != current {
		return 0, fmt.Errorf("storage: %s/%s at version %d, expected %d: %w", namespace, key, current, expected, apperr.ErrConflict)
	}

	data, err := json.Marshal(envelope{Version: current + 1, Value: value})
	if err != nil {
		return 0, fmt.Errorf("storage: encode %s: %w", key, err)
	}
	if err := writeAtomic(abs, data); err != nil {
		return 0, err
	}
	return current + 1, nil
}

// Delete removes namespace/key.
func (f *FS) Delete(_ context.Context, namespace, key string) error {
	abs, err := f.safePath(namespace, key)
	if err != nil {
		return err
	}
	unlock := f.lock(abs)
	defer unlock()
	if err := os.Remove(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("storage: delete %s: %w", key, apperr.ErrNotFound)
		}
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// List walks the namespace directory and returns metadata for every key with prefix.
func (f *FS) List(_ context.Context, namespace, prefix string) ([]Meta, error) {
	base, err := f.safePath(namespace, "")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: list %s: %w", namespace, err)
	}
	var out []Meta
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := KeyFromFile(e.Name())
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("storage: list %s: %w", namespace, err)
		}
		data, err := os.ReadFile(filepath.Join(base, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("storage: list %s: %w", namespace, err)
		}
		out = append(out, Meta{Key: key, Checksum: checksum.Sum(data), UpdatedAt: info.ModTime()})
	}
	return out, nil
}

func readEnvelope(abs string) (*envelope, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("storage: read %s: %w", filepath.Base(abs), apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("storage: read %s: %w", filepath.Base(abs), err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", filepath.Base(abs), err)
	}
	return &env, nil
}

// writeAtomic writes content: tmp file → fsync → rename.
func writeAtomic(abs string, content []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".dyad-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}
