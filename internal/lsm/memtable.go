package lsm

import (
	"fmt"
	"sync"

	"github.com/huandu/skiplist"
)

// pairWriter is the part of SortedBlockTableWriter a flush needs.
type pairWriter interface {
	WritePair(key, value Key) error
	Close() error
}

// MemTable buffers recent writes in key order until it is flushed to a
// sorted block table. It rejects a second write of the same key; the
// engine seals the table and starts a new one instead.
type MemTable struct {
	mu        sync.RWMutex
	sl        *skiplist.SkipList // key string -> Key value
	keySize   int
	valueSize int
	cfg       *Config

	openWriter func(fileName string, cfg *Config) (pairWriter, error)
}

// NewMemTable returns an empty table sized by cfg.MaxMemTableSize.
func NewMemTable(cfg *Config) *MemTable {
	return &MemTable{
		sl:         skiplist.New(skiplist.String),
		cfg:        cfg,
		openWriter: openSortedBlockTableWriter,
	}
}

func openSortedBlockTableWriter(fileName string, cfg *Config) (pairWriter, error) {
	w, err := NewSortedBlockTableWriter(fileName, cfg)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Add buffers key -> value. It fails with ErrDuplicateKey, leaving the
// table unchanged, when key is already present.
func (m *MemTable) Add(key, value Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sl.Get(key.data) != nil {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	m.sl.Set(key.data, value)
	m.keySize += key.Len()
	m.valueSize += value.Len()
	return nil
}

// Lookup returns the value buffered for key.
func (m *MemTable) Lookup(key Key) (Key, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.sl.GetValue(key.data)
	if !ok {
		return Key{}, false
	}
	return v.(Key), true
}

// Size returns the total bytes of all buffered keys and values.
func (m *MemTable) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keySize + m.valueSize
}

// Len returns the number of buffered pairs.
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sl.Len()
}

// KeyRange returns the smallest and largest buffered keys. ok is false for
// an empty table.
func (m *MemTable) KeyRange() (first, last Key, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	front, back := m.sl.Front(), m.sl.Back()
	if front == nil {
		return Key{}, Key{}, false
	}
	return KeyFromString(front.Key().(string)), KeyFromString(back.Key().(string)), true
}

// Full reports whether Size has passed the configured maximum.
func (m *MemTable) Full() bool {
	return m.Size() > m.cfg.MaxMemTableSize
}

// WriteToSortedBlockTable writes every pair, in ascending key order, to a
// new sorted block table at fileName. Writers are blocked for the duration.
// The table writer is closed on every path; on failure nothing is published
// under fileName.
func (m *MemTable) WriteToSortedBlockTable(fileName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.openWriter(fileName, m.cfg)
	if err != nil {
		return err
	}
	return m.writeTo(w)
}

func (m *MemTable) writeTo(w pairWriter) (err error) {
	defer func() {
		if cerr := w.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for el := m.sl.Front(); el != nil; el = el.Next() {
		if err := w.WritePair(KeyFromString(el.Key().(string)), el.Value.(Key)); err != nil {
			return fmt.Errorf("write pair: %w", err)
		}
	}
	return nil
}

// NewIterator returns an ordered iterator over the table. The iterator holds
// the read lock until Close, so Add and flushes wait for it.
func (m *MemTable) NewIterator() Iterator {
	m.mu.RLock()
	return &memTableIterator{
		node: m.sl.Front(),
		mem:  m,
	}
}
