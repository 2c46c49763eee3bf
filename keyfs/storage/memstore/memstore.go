// Package memstore is an in-memory Storage/Connection implementation,
// built in the teacher's own idiom (mvcc/map.go): a single guarded map
// per table, a narrow mutex window around the mutation, everything else
// read without locking where an atomic suffices. It backs this module's
// own test suite and is suitable for any embedder that doesn't need
// cross-process durability.
package memstore

import (
	"context"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/devpi/keyfs/storage"
)

type indexRow struct {
	name       string
	lastSerial int64
}

// Store is the in-memory Storage implementation.
type Store struct {
	mu      sync.RWMutex
	index   map[string]indexRow
	log     map[int64]storage.ChangelogEntry
	cache   *lru.Cache[int64, []storage.ChangeEntry]

	nextSerial   atomic.Int64
	lastCommitTS atomic.Int64

	notifyMu sync.Mutex
	waiters  []chan struct{}
}

// New builds an empty Store. cacheSize bounds the GetChanges LRU; a
// non-positive value defaults to 256, mirroring the sqlitestore default.
func New(cacheSize int) *Store {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, _ := lru.New[int64, []storage.ChangeEntry](cacheSize)
	return &Store{
		index: make(map[string]indexRow),
		log:   make(map[int64]storage.ChangelogEntry),
		cache: cache,
	}
}

func (s *Store) NextSerial() int64              { return s.nextSerial.Load() }
func (s *Store) SetNextSerial(v int64)          { s.nextSerial.Store(v) }
func (s *Store) LastCommitTimestamp() int64     { return s.lastCommitTS.Load() }
func (s *Store) SetLastCommitTimestamp(v int64) { s.lastCommitTS.Store(v) }

func (s *Store) GetConnection(ctx context.Context, closing bool) (storage.Connection, error) {
	return &conn{store: s, dirty: make(map[string][]byte)}, nil
}

func (s *Store) GetChanges(ctx context.Context, serial int64) ([]storage.ChangeEntry, error) {
	if v, ok := s.cache.Get(serial); ok {
		return v, nil
	}
	s.mu.RLock()
	entry, ok := s.log[serial]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	s.cache.Add(serial, entry.Changes)
	return entry.Changes, nil
}

func (s *Store) GetRawChangelogEntry(ctx context.Context, serial int64) (storage.ChangelogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.log[serial]
	if !ok {
		return storage.ChangelogEntry{}, nil
	}
	return entry, nil
}

func (s *Store) CacheCommitChanges(serial int64, changes []storage.ChangeEntry) {
	s.cache.Add(serial, changes)
}

func (s *Store) NotifyOnCommit(serial int64) {
	s.notifyMu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.notifyMu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// WaitChan returns a channel closed on the next NotifyOnCommit call,
// used by the notifier's broadcast-wait idiom in tests that exercise
// memstore directly without the full Engine.
func (s *Store) WaitChan() <-chan struct{} {
	ch := make(chan struct{})
	s.notifyMu.Lock()
	s.waiters = append(s.waiters, ch)
	s.notifyMu.Unlock()
	return ch
}

func (s *Store) Close() error { return nil }

type conn struct {
	store *Store
	dirty map[string][]byte
}

func (c *conn) DBReadTypedKey(ctx context.Context, relpath string) (string, int64, bool, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	row, ok := c.store.index[relpath]
	if !ok {
		return "", 0, false, nil
	}
	return row.name, row.lastSerial, true, nil
}

func (c *conn) DBWriteTypedKey(ctx context.Context, relpath, name string, serial int64) error {
	c.store.mu.Lock()
	c.store.index[relpath] = indexRow{name: name, lastSerial: serial}
	c.store.mu.Unlock()
	return nil
}

func (c *conn) WriteChangelogEntry(ctx context.Context, serial int64, entry storage.ChangelogEntry) error {
	c.store.mu.Lock()
	c.store.log[serial] = entry
	c.store.mu.Unlock()
	return nil
}

func (c *conn) StageDirtyFile(relpath string, data []byte) {
	c.dirty[relpath] = data
}

func (c *conn) HasDirtyFiles() bool { return len(c.dirty) > 0 }

func (c *conn) DrainDirtyFiles() map[string][]byte {
	d := c.dirty
	c.dirty = make(map[string][]byte)
	return d
}

func (c *conn) Close() error { return nil }
