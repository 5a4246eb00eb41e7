package tabsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// StateBackend persists the canonical snapshot under one well-known key.
// Load returns (nil, nil) when nothing has been saved yet.
type StateBackend interface {
	Load() (*StateSnapshot, error)
	Save(*StateSnapshot) error
}

// backendWatcher is implemented by backends that can signal cross-process
// snapshot changes (the file backend via fsnotify, the redis backend via
// pub/sub). The store uses it to feed Tier-3 notifications.
type backendWatcher interface {
	Watch(onChange func()) (cancel func(), err error)
}

type backendCloser interface {
	Close() error
}

// StateBackendFactory builds a backend from a DSN.
type StateBackendFactory func(dsn string) (StateBackend, error)

var backendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StateBackendFactory
}{
	factories: map[string]StateBackendFactory{},
}

// RegisterStateBackendFactory installs a factory for a DSN scheme,
// overriding any built-in handling for that scheme.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	backendRegistry.mu.Lock()
	defer backendRegistry.mu.Unlock()
	backendRegistry.factories[scheme] = factory
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	backendRegistry.mu.RLock()
	defer backendRegistry.mu.RUnlock()
	factory, ok := backendRegistry.factories[strings.ToLower(strings.TrimSpace(scheme))]
	return factory, ok
}

// BuildStateBackendFromDSN resolves a backend from a DSN:
// memory://, file://path (or a bare path), bolt://path, postgres://…,
// redis://….
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "bolt", "bbolt":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBoltStateBackend(path)
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "redis", "rediss":
		return NewRedisStateBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = filepath.Join(parsed.Host, path)
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path in dsn %q", ErrInvalidInput, raw)
	}
	return path, nil
}

// InMemoryStateBackend keeps the snapshot in memory. Default for tests and
// single-process setups.
type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *StateSnapshot
	// SaveErr, when set, is returned by the next Save. Test hook for
	// quota and corruption paths.
	saveErr error
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*StateSnapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	clone := b.snapshot.Clone()
	return &clone, nil
}

func (b *InMemoryStateBackend) Save(state *StateSnapshot) error {
	if b == nil || state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		err := b.saveErr
		return err
	}
	clone := state.Clone()
	b.snapshot = &clone
	return nil
}

// FailSaves makes subsequent Saves return err; pass nil to heal.
func (b *InMemoryStateBackend) FailSaves(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saveErr = err
}

// Corrupt overwrites the stored checksum, simulating integrity damage.
func (b *InMemoryStateBackend) Corrupt() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot != nil {
		b.snapshot.Checksum = "corrupted"
	}
}

// FileStateBackend stores the snapshot as JSON in one file, written
// atomically via tmp+rename. The previous snapshot is kept as a .bak
// secondary for corruption recovery, and fsnotify watches the file so
// other processes' writes surface as change signals.
type FileStateBackend struct {
	path string
	mu   sync.Mutex
}

func NewFileStateBackend(path string) *FileStateBackend {
	return &FileStateBackend{path: strings.TrimSpace(path)}
}

func (b *FileStateBackend) Load() (*StateSnapshot, error) {
	if b == nil || b.path == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot, err := loadSnapshotFile(b.path)
	if err == nil {
		return snapshot, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	// Primary unreadable or corrupt: fall back to the secondary.
	backup, bakErr := loadSnapshotFile(b.backupPath())
	if bakErr == nil {
		return backup, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrStorageCorruption, err)
}

func (b *FileStateBackend) Save(state *StateSnapshot) error {
	if b == nil || b.path == "" || state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if prev, readErr := os.ReadFile(b.path); readErr == nil {
		if bakErr := writeFileAtomic(b.backupPath(), prev, 0o644); bakErr != nil {
			return bakErr
		}
	}
	return writeFileAtomic(b.path, data, 0o644)
}

// Watch reports writes to the state file. Reloads triggered by the store's
// own saves are filtered upstream by comparing global revisions.
func (b *FileStateBackend) Watch(onChange func()) (func(), error) {
	if b == nil || b.path == "" || onChange == nil {
		return func() {}, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	target := filepath.Clean(b.path)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					onChange()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = watcher.Close()
		})
	}
	return cancel, nil
}

func (b *FileStateBackend) backupPath() string {
	return b.path + ".bak"
}

func loadSnapshotFile(path string) (*StateSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snapshot StateSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	if snapshot.Records == nil {
		snapshot.Records = map[string]Record{}
	}
	return &snapshot, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
