package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore is a directory-backed Store: one subdirectory per box, one
// file per key. Writes go through a temp file followed by rename, which
// gives the per-key atomicity the write-ahead log depends on.
type FileStore struct {
	dir  string
	mode os.FileMode

	mu    sync.Mutex
	boxes map[string]*fileBox
}

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	// FileMode is applied to created files. Defaults to 0600.
	FileMode os.FileMode
}

// NewFileStore opens (creating if needed) a file store rooted at dir.
func NewFileStore(dir string, opts *FileStoreOptions) (*FileStore, error) {
	mode := os.FileMode(0600)
	if opts != nil && opts.FileMode != 0 {
		mode = opts.FileMode
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{dir: dir, mode: mode, boxes: make(map[string]*fileBox)}, nil
}

// Box returns the named box, creating its directory if needed.
func (s *FileStore) Box(name string) (Box, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.boxes[name]; ok {
		return b, nil
	}
	dir := filepath.Join(s.dir, sanitizeComponent(name))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create box dir %q: %w", name, err)
	}
	b := &fileBox{dir: dir, mode: s.mode}
	s.boxes[name] = b
	return b, nil
}

// Close is a no-op; files are closed after every operation.
func (s *FileStore) Close() error { return nil }

// Stats reports per-box key counts.
func (s *FileStore) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := map[string]interface{}{"backend": "file", "dir": s.dir}
	for name, b := range s.boxes {
		if n, err := b.Len(context.Background()); err == nil {
			stats["box:"+name] = n
		}
	}
	return stats
}

type fileBox struct {
	dir  string
	mode os.FileMode
	mu   sync.RWMutex
}

const keySuffix = ".rec"

func (b *fileBox) path(key string) string {
	return filepath.Join(b.dir, encodeKey(key)+keySuffix)
}

func (b *fileBox) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, err := os.ReadFile(b.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read key %q: %w", key, err)
	}
	return data, true, nil
}

// Put writes to a temp file in the box directory, fsyncs, then renames
// over the destination. Rename within one directory is atomic on the
// platforms the host targets.
func (b *fileBox) Put(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tmp, err := os.CreateTemp(b.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for key %q: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write key %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync key %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for key %q: %w", key, err)
	}
	if err := os.Chmod(tmpName, b.mode); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod key %q: %w", key, err)
	}
	if err := os.Rename(tmpName, b.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename key %q: %w", key, err)
	}
	return nil
}

func (b *fileBox) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	return nil
}

func (b *fileBox) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("list box: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, keySuffix) {
			continue
		}
		key, err := decodeKey(strings.TrimSuffix(name, keySuffix))
		if err != nil {
			// Foreign file in the box directory; skip it.
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (b *fileBox) Len(ctx context.Context) (int, error) {
	keys, err := b.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// encodeKey makes an arbitrary key filesystem-safe while keeping common
// identifier keys readable.
func encodeKey(key string) string {
	if isPlainKey(key) {
		return "p_" + key
	}
	return "x_" + hex.EncodeToString([]byte(key))
}

func decodeKey(name string) (string, error) {
	switch {
	case strings.HasPrefix(name, "p_"):
		return strings.TrimPrefix(name, "p_"), nil
	case strings.HasPrefix(name, "x_"):
		raw, err := hex.DecodeString(strings.TrimPrefix(name, "x_"))
		if err != nil {
			return "", err
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("unrecognized key file %q", name)
	}
}

func isPlainKey(key string) bool {
	if key == "" || len(key) > 128 {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

func sanitizeComponent(name string) string {
	if isPlainKey(name) {
		return name
	}
	return hex.EncodeToString([]byte(name))
}
