package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// ErrClosed is returned by NotifyRead when the store shuts down while waiting.
var ErrClosed = errors.New("storage closed")

// KeyValue represents a key-value pair for batch operations.
type KeyValue struct {
	Key   []byte // Key is the key to store
	Value []byte // Value is the value to store
}

// Storage provides a key-value store backed by Pebble.
// Writes are non-blocking (NoSync) and a background goroutine
// periodically syncs the WAL to disk for durability.
// Readers may block until a key is written with NotifyRead.
type Storage struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine and waiting readers to stop
	wg       sync.WaitGroup

	watchMu  sync.Mutex
	watchers map[string][]chan struct{} // watchers are closed when their key is written
}

// New creates a new Storage instance at the given path.
// It starts a background goroutine that syncs the WAL periodically.
func New(path string) (*Storage, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize:                16 << 20,                  // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s:\n%w", path, err)
	}

	s := &Storage{
		db:       db,
		stopSync: make(chan struct{}),
		watchers: make(map[string][]chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// Get retrieves the value for the given key.
// Returns nil if the key does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Has reports whether the key exists.
func (s *Storage) Has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	closer.Close()

	return true, nil
}

// Set stores a key-value pair and wakes readers waiting on the key.
func (s *Storage) Set(key, value []byte) error {
	if err := s.db.Set(key, value, pebble.NoSync); err != nil {
		return err
	}

	s.notify(key)

	return nil
}

// SetBatch atomically stores multiple key-value pairs.
// Either all pairs are written or none. Waiting readers are woken after the commit.
func (s *Storage) SetBatch(pairs []KeyValue) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range pairs {
		if err := batch.Set(kv.Key, kv.Value, nil); err != nil {
			return err
		}
	}

	if err := batch.Commit(pebble.NoSync); err != nil {
		return err
	}

	for _, kv := range pairs {
		s.notify(kv.Key)
	}

	return nil
}

// NotifyRead returns the value of key, waiting until it is written if absent.
// It returns ctx.Err() if ctx ends first and ErrClosed if the store closes.
// A wake-up that finds the key absent again goes back to waiting.
func (s *Storage) NotifyRead(ctx context.Context, key []byte) ([]byte, error) {
	for {
		// Register before checking so a concurrent write cannot be missed
		ch := s.watch(key)

		value, err := s.Get(key)
		if err != nil || value != nil {
			s.unwatch(key, ch)
			return value, err
		}

		select {
		case <-ch:
		case <-ctx.Done():
			s.unwatch(key, ch)
			return nil, ctx.Err()
		case <-s.stopSync:
			s.unwatch(key, ch)
			return nil, ErrClosed
		}
	}
}

// watch registers a channel closed on the next write of key.
func (s *Storage) watch(key []byte) chan struct{} {
	ch := make(chan struct{})

	s.watchMu.Lock()
	s.watchers[string(key)] = append(s.watchers[string(key)], ch)
	s.watchMu.Unlock()

	return ch
}

// unwatch removes ch from the watchers of key if it is still registered.
func (s *Storage) unwatch(key []byte, ch chan struct{}) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	list := s.watchers[string(key)]
	for i, w := range list {
		if w == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}

	if len(list) == 0 {
		delete(s.watchers, string(key))
	} else {
		s.watchers[string(key)] = list
	}
}

// notify wakes every reader waiting on key.
func (s *Storage) notify(key []byte) {
	s.watchMu.Lock()
	list := s.watchers[string(key)]
	delete(s.watchers, string(key))
	s.watchMu.Unlock()

	for _, ch := range list {
		close(ch)
	}
}

// watching returns the number of keys with waiting readers.
func (s *Storage) watching() int {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	return len(s.watchers)
}

// IteratePrefix calls fn for each key-value pair with the given prefix.
// Uses Pebble's iterator bounds for efficient prefix scanning.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Close stops the sync goroutine, releases waiting readers and closes the database.
// It performs a final sync before closing to ensure durability.
func (s *Storage) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return fmt.Errorf("final sync:\n%w", err)
	}

	return s.db.Close()
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Storage) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
