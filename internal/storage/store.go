package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Limits per extension namespace. An extension's storage is a scratch pad,
// not a database.
const (
	MaxKeys      = 1000
	MaxValueSize = 256 * 1024
)

var (
	ErrTooManyKeys   = errors.New("storage key limit exceeded")
	ErrValueTooLarge = errors.New("storage value too large")
)

var namespaceRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Store is a per-extension key-value store. Each namespace persists as one
// gzip-compressed JSON file under the data directory; the in-memory copy is
// authoritative between mutations.
type Store struct {
	dir string

	mu         sync.Mutex
	namespaces map[string]map[string]json.RawMessage
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Store{
		dir:        dir,
		namespaces: make(map[string]map[string]json.RawMessage),
	}, nil
}

// Get returns the value stored under key, or nil if absent.
func (s *Store) Get(namespace, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, err := s.loadLocked(namespace)
	if err != nil {
		return nil, err
	}
	return ns[key], nil
}

// Set stores a JSON value under key.
func (s *Store) Set(namespace, key string, value json.RawMessage) error {
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ns, err := s.loadLocked(namespace)
	if err != nil {
		return err
	}
	if _, exists := ns[key]; !exists && len(ns) >= MaxKeys {
		return fmt.Errorf("%w: %d keys", ErrTooManyKeys, len(ns))
	}
	ns[key] = value
	return s.persistLocked(namespace)
}

// Delete removes a key. Deleting an absent key is a no-op.
func (s *Store) Delete(namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, err := s.loadLocked(namespace)
	if err != nil {
		return err
	}
	if _, exists := ns[key]; !exists {
		return nil
	}
	delete(ns, key)
	return s.persistLocked(namespace)
}

// Keys returns the namespace's keys in sorted order.
func (s *Store) Keys(namespace string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, err := s.loadLocked(namespace)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// DropNamespace removes a namespace and its file entirely.
func (s *Store) DropNamespace(namespace string) error {
	if !namespaceRe.MatchString(namespace) {
		return fmt.Errorf("invalid storage namespace %q", namespace)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.namespaces, namespace)
	err := os.Remove(s.path(namespace))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("drop namespace %q: %w", namespace, err)
	}
	return nil
}

func (s *Store) path(namespace string) string {
	return filepath.Join(s.dir, namespace+".json.gz")
}

func (s *Store) loadLocked(namespace string) (map[string]json.RawMessage, error) {
	if !namespaceRe.MatchString(namespace) {
		return nil, fmt.Errorf("invalid storage namespace %q", namespace)
	}
	if ns, ok := s.namespaces[namespace]; ok {
		return ns, nil
	}

	ns := make(map[string]json.RawMessage)
	raw, err := readGzip(s.path(namespace))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First touch of this namespace.
	case err != nil:
		return nil, fmt.Errorf("load storage namespace %q: %w", namespace, err)
	default:
		if err := json.Unmarshal(raw, &ns); err != nil {
			return nil, fmt.Errorf("parse storage namespace %q: %w", namespace, err)
		}
	}
	s.namespaces[namespace] = ns
	return ns, nil
}

func (s *Store) persistLocked(namespace string) error {
	raw, err := json.Marshal(s.namespaces[namespace])
	if err != nil {
		return fmt.Errorf("persist storage namespace %q: %w", namespace, err)
	}

	path := s.path(namespace)
	tmp := path + ".tmp"
	if err := writeGzip(tmp, raw); err != nil {
		return fmt.Errorf("persist storage namespace %q: %w", namespace, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist storage namespace %q: %w", namespace, err)
	}
	return nil
}

func readGzip(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	return io.ReadAll(zr)
}

func writeGzip(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(f)
	if _, err := zw.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
