package jwks

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	jose "github.com/go-jose/go-jose/v4"
)

// FileSource serves signing keys from a local key-set file and reloads it
// when the file changes. It is intended for development and air-gapped
// verification where no key endpoint is reachable.
type FileSource struct {
	path    string
	watcher *fsnotify.Watcher

	mu   sync.RWMutex
	keys map[string]crypto.PublicKey
}

var _ Resolver = (*FileSource)(nil)

// NewFileSource loads the key set at path and begins watching it for writes.
// Callers must Close the source when done.
func NewFileSource(path string) (*FileSource, error) {
	s := &FileSource{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("jwks: watch %s: %w", path, err)
	}
	// Watch the directory: editors and deploy tooling commonly replace the
	// file via rename, which drops a watch on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("jwks: watch %s: %w", path, err)
	}
	s.watcher = w
	go s.watch()
	return s, nil
}

// Key returns the public key for kid from the most recently loaded set.
func (s *FileSource) Key(_ context.Context, kid string) (crypto.PublicKey, error) {
	if kid == "" {
		return nil, ErrMissingKeyID
	}
	s.mu.RLock()
	key, ok := s.keys[kid]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
	}
	return key, nil
}

// Close stops watching the key file.
func (s *FileSource) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *FileSource) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("jwks: read key file: %w", err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(b, &set); err != nil {
		return fmt.Errorf("jwks: parse key file: %w", err)
	}
	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyID == "" || !k.Valid() || !k.IsPublic() {
			continue
		}
		keys[k.KeyID] = k.Key
	}
	if len(keys) == 0 {
		return errors.New("jwks: key file contains no usable public keys")
	}
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	return nil
}

func (s *FileSource) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// A failed reload keeps serving the previous key set.
			_ = s.load()
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
