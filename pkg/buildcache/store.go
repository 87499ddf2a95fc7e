// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buildcache

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gomlx/accelrt/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"
)

// Store persists compiled artifacts by Key.
//
// Implementations may be shared by several processes: a Get concurrent with a Put must either see the old
// content, the new content or report a miss.
type Store interface {
	// Get returns the artifact stored under key. found is false if there is none.
	Get(key Key) (artifact []byte, found bool, err error)

	// Put stores artifact under key.
	Put(key Key, artifact []byte) error
}

// schemaVersion of the payload. Increment it when the payload format changes: older payloads become misses.
const schemaVersion uint16 = 1

// payload as written to disk.
type payload struct {
	Schema   uint16
	Key      Key
	Artifact []byte
}

// writePayload atomically replaces the file at path with the encoded payload.
func writePayload(path string, p *payload) error {
	return fsutil.WriteAtomic(path, func(w io.Writer) error {
		return errors.Wrapf(msgpack.NewEncoder(w).Encode(p), "encoding cache entry %s", p.Key)
	})
}

// readPayload reads the payload in path. found is false if the file doesn't exist.
func readPayload(path string) (p payload, found bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p, false, nil
		}
		return p, false, errors.Wrapf(err, "opening %q", path)
	}
	defer func() { _ = f.Close() }()
	if err := msgpack.NewDecoder(f).Decode(&p); err != nil {
		return p, false, errors.Wrapf(err, "decoding cache file %q", path)
	}
	return p, true, nil
}

// FileStore keeps only the latest artifact, in a single file.
//
// A Get for any other key, or of a file written with another schema version, is a miss.
type FileStore struct {
	mu   sync.RWMutex
	path string
}

// Compile-time check.
var _ Store = (*FileStore)(nil)

// NewFileStore returns a FileStore backed by the file at path. The file needs not exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path of the backing file.
func (s *FileStore) Path() string { return s.path }

// Get implements Store.
func (s *FileStore) Get(key Key) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, found, err := readPayload(s.path)
	if err != nil || !found {
		return nil, false, err
	}
	if p.Schema != schemaVersion {
		klog.V(1).Infof("cache file %q has schema version %d (current is %d), ignoring it", s.path, p.Schema, schemaVersion)
		return nil, false, nil
	}
	if p.Key != key {
		klog.V(1).Infof("cache file %q holds build %s, not %s", s.path, p.Key, key)
		return nil, false, nil
	}
	return p.Artifact, true, nil
}

// Put implements Store. It replaces any previous content.
func (s *FileStore) Put(key Key, artifact []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writePayload(s.path, &payload{Schema: schemaVersion, Key: key, Artifact: artifact})
}

// DirStore keeps one file per key under a directory.
type DirStore struct {
	mu  sync.RWMutex
	dir string
}

// Compile-time check.
var _ Store = (*DirStore)(nil)

// NewDirStore returns a DirStore rooted at dir. The directory is created on the first Put.
func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

// Dir returns the root directory of the store.
func (s *DirStore) Dir() string { return s.dir }

func (s *DirStore) pathFor(key Key) string {
	return filepath.Join(s.dir, key.String()+".mp")
}

// Get implements Store.
func (s *DirStore) Get(key Key) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, found, err := readPayload(s.pathFor(key))
	if err != nil || !found {
		return nil, false, err
	}
	if p.Schema != schemaVersion || p.Key != key {
		return nil, false, nil
	}
	return p.Artifact, true, nil
}

// Put implements Store.
func (s *DirStore) Put(key Key, artifact []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writePayload(s.pathFor(key), &payload{Schema: schemaVersion, Key: key, Artifact: artifact})
}

// Keys lists the keys stored, in no particular order. Files not named after a key are ignored.
func (s *DirStore) Keys() ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing cache directory %q", s.dir)
	}
	var keys []Key
	for _, entry := range entries {
		name, found := strings.CutSuffix(entry.Name(), ".mp")
		if !found || entry.IsDir() {
			continue
		}
		if key, err := ParseKey(name); err == nil {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Open returns the Store for path, after "~" expansion.
//
// An existing directory, or a path ending with a separator, is opened as a DirStore. Anything else is a
// FileStore.
func Open(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("empty build cache path")
	}
	expanded, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, "/") || strings.HasSuffix(path, string(filepath.Separator)) {
		return NewDirStore(expanded), nil
	}
	isDir, err := fsutil.IsDir(expanded)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening build cache %q", path)
	}
	if isDir {
		return NewDirStore(expanded), nil
	}
	return NewFileStore(expanded), nil
}
