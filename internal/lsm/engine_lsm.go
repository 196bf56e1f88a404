package lsm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nconghau/razordb/internal/engine"
)

// MaxImmutableTables bounds the flush queue. Writers that seal a memtable
// while the queue is full wait for the flush worker.
const MaxImmutableTables = 3

// sealedTable is a memtable that no longer accepts writes. Its version is
// fixed when it is sealed, so tables keep write order however flushes
// interleave.
type sealedTable struct {
	mem       *MemTable
	version   int
	discarded bool // guarded by LSMEngine.mu
}

// flushRequest carries a sealed table to the flush worker. A request
// without a table is a barrier: done receives the last flush error once
// every earlier request has been handled.
type flushRequest struct {
	table *sealedTable
	done  chan error
}

// LSMEngine owns one store directory: the active memtable, sealed
// memtables waiting for flush, and the level 0 tables listed in the
// manifest. Reads of tables go through the shared BlockCache.
type LSMEngine struct {
	dir     string
	cfg     *Config
	cache   *BlockCache
	metrics *Metrics

	mu           sync.RWMutex // guards mem, immutables, current, nextVersion, shuttingDown
	mem          *MemTable
	immutables   []*sealedTable // oldest first
	current      *Version       // replaced, never mutated, once published
	nextVersion  int
	shuttingDown bool

	flushMu  sync.Mutex // held for each table flush and by Truncate
	flushErr error      // guarded by flushMu
	flushCh  chan flushRequest
	sending  sync.WaitGroup
	wg       sync.WaitGroup

	counters struct {
		puts    atomic.Int64
		gets    atomic.Int64
		flushes atomic.Int64
	}
}

var _ engine.Engine = (*LSMEngine)(nil)

// OpenLSM opens or creates the store in dir. A nil cache gets a private
// BlockCache sized from cfg; metrics may be nil.
func OpenLSM(dir string, cfg *Config, cache *BlockCache, metrics *Metrics) (*LSMEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cache == nil {
		var err error
		if cache, err = NewBlockCache(cfg, WithMetrics(metrics)); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	current, err := loadManifest(dir)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	e := &LSMEngine{
		dir:         dir,
		cfg:         cfg,
		cache:       cache,
		metrics:     metrics,
		mem:         NewMemTable(cfg),
		current:     current,
		nextVersion: current.NextVersion,
		flushCh:     make(chan flushRequest, MaxImmutableTables),
	}
	e.wg.Add(1)
	go e.flushWorker()

	cfg.logger().Info("Store opened", "component", "lsm", "dir", dir, "tables", len(current.Tables()))
	return e, nil
}

// Put stores key -> value. A key already buffered in the active memtable
// seals that memtable first, so the new value shadows the old one.
func (e *LSMEngine) Put(key, value []byte) error {
	e.counters.puts.Add(1)
	k, v := NewKey(key), NewKey(value)

	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return ErrClosed
	}
	var sealed []*sealedTable
	err := e.mem.Add(k, v)
	if errors.Is(err, ErrDuplicateKey) {
		sealed = append(sealed, e.sealLocked())
		err = e.mem.Add(k, v)
	}
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if e.mem.Full() {
		sealed = append(sealed, e.sealLocked())
	}
	e.sending.Add(len(sealed))
	e.mu.Unlock()

	for _, s := range sealed {
		e.flushCh <- flushRequest{table: s}
		e.sending.Done()
	}
	return nil
}

func (e *LSMEngine) sealLocked() *sealedTable {
	s := &sealedTable{mem: e.mem, version: e.nextVersion}
	e.nextVersion++
	e.immutables = append(e.immutables, s)
	e.mem = NewMemTable(e.cfg)
	return s
}

// Get returns the newest value of key: active memtable first, then sealed
// memtables and level 0 tables from newest to oldest.
func (e *LSMEngine) Get(key []byte) ([]byte, error) {
	e.counters.gets.Add(1)
	k := NewKey(key)

	e.mu.RLock()
	mem := e.mem
	immutables := append([]*sealedTable(nil), e.immutables...)
	tables := e.current.Levels[0]
	e.mu.RUnlock()

	if v, ok := mem.Lookup(k); ok {
		return v.Bytes(), nil
	}
	for i := len(immutables) - 1; i >= 0; i-- {
		if v, ok := immutables[i].mem.Lookup(k); ok {
			return v.Bytes(), nil
		}
	}
	for i := len(tables) - 1; i >= 0; i-- {
		meta := tables[i]
		if !meta.mayContain(k) {
			continue
		}
		v, ok, err := e.getFromTable(meta, k)
		if err != nil {
			return nil, err
		}
		if ok {
			return v.Bytes(), nil
		}
	}
	return nil, fmt.Errorf("%w: key %q", ErrNotFound, key)
}

func (e *LSMEngine) getFromTable(meta *TableMetadata, key Key) (Key, bool, error) {
	index, err := e.cache.GetBlockTableIndex(e.dir, meta.Level, meta.Version)
	if err != nil {
		return Key{}, false, err
	}
	n := FindBlock(index, key)
	if n < 0 {
		return Key{}, false, nil
	}

	block, ok := e.cache.GetBlock(e.dir, meta.Level, meta.Version, n)
	if !ok {
		if block, err = e.readBlock(meta, n); err != nil {
			return Key{}, false, err
		}
		if err := e.cache.SetBlock(e.dir, meta.Level, meta.Version, n, block); err != nil {
			e.cfg.logger().Warn("Failed to cache block", "component", "lsm", "version", meta.Version, "block", n, "error", err)
		}
	}
	return SearchBlock(block, key)
}

func (e *LSMEngine) readBlock(meta *TableMetadata, n int) ([]byte, error) {
	t, err := OpenSortedBlockTable(SortedBlockTableFile(e.dir, meta.Level, meta.Version))
	if err != nil {
		return nil, err
	}
	defer t.Close()
	return t.ReadBlock(n)
}

func (e *LSMEngine) flushWorker() {
	defer e.wg.Done()
	log := e.cfg.logger()
	log.Info("Flush worker started", "component", "lsm")

	for req := range e.flushCh {
		e.flushMu.Lock()
		if s := req.table; s != nil {
			start := time.Now()
			if err := e.flushTable(s); err != nil {
				e.flushErr = err
				log.Error("Memtable flush error",
					"component", "lsm",
					"version", s.version,
					"error", err,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				log.Info("Memtable flush complete",
					"component", "lsm",
					"version", s.version,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}
		}
		var err error
		if req.done != nil {
			err, e.flushErr = e.flushErr, nil
		}
		e.flushMu.Unlock()

		if req.done != nil {
			req.done <- err
		}
	}
	log.Info("Flush worker stopped", "component", "lsm")
}

// flushTable writes a sealed memtable to a level 0 table and publishes it
// in a new manifest. A failed flush leaves the memtable readable in the
// sealed list.
func (e *LSMEngine) flushTable(s *sealedTable) error {
	e.mu.RLock()
	discarded := s.discarded
	e.mu.RUnlock()
	if discarded {
		return nil
	}

	first, last, ok := s.mem.KeyRange()
	if !ok {
		e.mu.Lock()
		e.removeImmutableLocked(s)
		e.mu.Unlock()
		return nil
	}

	start := time.Now()
	fileName := SortedBlockTableFile(e.dir, 0, s.version)
	if err := s.mem.WriteToSortedBlockTable(fileName); err != nil {
		return fmt.Errorf("write table %s: %w", fileName, err)
	}
	stat, err := os.Stat(fileName)
	if err != nil {
		return fmt.Errorf("stat table: %w", err)
	}
	meta := &TableMetadata{
		Level:    0,
		Version:  s.version,
		MinKey:   first.Bytes(),
		MaxKey:   last.Bytes(),
		KeyCount: s.mem.Len(),
		FileSize: stat.Size(),
	}

	e.mu.Lock()
	next := e.current.clone()
	next.AddFile(meta)
	if err := saveManifest(e.dir, next); err != nil {
		e.mu.Unlock()
		os.Remove(fileName)
		return fmt.Errorf("save manifest: %w", err)
	}
	e.current = next
	e.removeImmutableLocked(s)
	level0 := len(next.Levels[0])
	e.mu.Unlock()

	e.counters.flushes.Add(1)
	if e.metrics != nil {
		e.metrics.MemTableFlushes.Inc()
		e.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}
	if level0 > MaxPagesOnLevel(0) {
		e.cfg.logger().Warn("Level 0 holds more tables than its target",
			"component", "lsm", "tables", level0, "target", MaxPagesOnLevel(0))
	}
	return nil
}

func (e *LSMEngine) removeImmutableLocked(s *sealedTable) {
	for i, m := range e.immutables {
		if m == s {
			e.immutables = append(e.immutables[:i], e.immutables[i+1:]...)
			return
		}
	}
}

// Flush seals the active memtable and waits until every sealed memtable
// queued so far has been written. It returns the last flush error.
func (e *LSMEngine) Flush() error {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return ErrClosed
	}
	var sealed *sealedTable
	if e.mem.Len() > 0 {
		sealed = e.sealLocked()
	}
	e.sending.Add(1)
	e.mu.Unlock()

	if sealed != nil {
		e.flushCh <- flushRequest{table: sealed}
	}
	done := make(chan error, 1)
	e.flushCh <- flushRequest{done: done}
	e.sending.Done()
	return <-done
}

// NewIterator merges the memtables and tables into one ordered view in
// which the newest value of each key wins.
func (e *LSMEngine) NewIterator() (Iterator, error) {
	e.mu.RLock()
	mem := e.mem
	immutables := append([]*sealedTable(nil), e.immutables...)
	tables := e.current.Levels[0]
	e.mu.RUnlock()

	iters := make([]Iterator, 0, 1+len(immutables)+len(tables))
	iters = append(iters, mem.NewIterator())
	for i := len(immutables) - 1; i >= 0; i-- {
		iters = append(iters, immutables[i].mem.NewIterator())
	}
	for i := len(tables) - 1; i >= 0; i-- {
		it, err := NewSortedBlockTableIterator(SortedBlockTableFile(e.dir, tables[i].Level, tables[i].Version))
		if err != nil {
			for _, it := range iters {
				it.Close()
			}
			return nil, fmt.Errorf("open table iterator: %w", err)
		}
		iters = append(iters, it)
	}
	return NewMergingIterator(iters), nil
}

// IterKeys returns every key of the store in ascending order.
func (e *LSMEngine) IterKeys() ([]string, error) {
	it, err := e.NewIterator()
	if err != nil {
		return nil, fmt.Errorf("new iterator: %w", err)
	}
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, it.Key().String())
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return keys, nil
}

// Truncate deletes every key of the store: buffered writes are dropped,
// table files and the manifest are replaced, and the store's cache entries
// are invalidated.
func (e *LSMEngine) Truncate() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shuttingDown {
		return ErrClosed
	}
	for _, s := range e.immutables {
		s.discarded = true
	}
	e.immutables = nil
	e.mem = NewMemTable(e.cfg)

	var errs []error
	for _, meta := range e.current.Tables() {
		err := os.Remove(SortedBlockTableFile(e.dir, meta.Level, meta.Version))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	next := NewVersion()
	next.NextVersion = e.nextVersion
	if err := saveManifest(e.dir, next); err != nil {
		errs = append(errs, fmt.Errorf("save manifest: %w", err))
	}
	e.current = next
	if err := e.cache.Truncate(e.dir); err != nil {
		errs = append(errs, err)
	}

	e.cfg.logger().Info("Store truncated", "component", "lsm", "dir", e.dir)
	return errors.Join(errs...)
}

// Close flushes buffered writes and stops the flush worker.
func (e *LSMEngine) Close() error {
	log := e.cfg.logger()
	log.Info("Database closing...", "component", "lsm")

	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return ErrClosed
	}
	e.shuttingDown = true
	var sealed *sealedTable
	if e.mem.Len() > 0 {
		sealed = e.sealLocked()
	}
	e.mu.Unlock()

	e.sending.Wait()
	if sealed != nil {
		e.flushCh <- flushRequest{table: sealed}
	}
	done := make(chan error, 1)
	e.flushCh <- flushRequest{done: done}
	err := <-done

	close(e.flushCh)
	e.wg.Wait()
	log.Info("Database closed gracefully.", "component", "lsm")
	return err
}

// Cache returns the block cache serving this store.
func (e *LSMEngine) Cache() *BlockCache {
	return e.cache
}

// GetMetrics returns a snapshot of the engine counters and table sizes.
func (e *LSMEngine) GetMetrics() map[string]int64 {
	e.mu.RLock()
	memBytes := e.mem.Size()
	immutables := len(e.immutables)
	tables := len(e.current.Tables())
	e.mu.RUnlock()

	return map[string]int64{
		"puts":              e.counters.puts.Load(),
		"gets":              e.counters.gets.Load(),
		"flushes":           e.counters.flushes.Load(),
		"memtable_bytes":    int64(memBytes),
		"immutables":        int64(immutables),
		"tables":            int64(tables),
		"index_cache_bytes": int64(e.cache.IndexCacheSize()),
		"data_cache_bytes":  int64(e.cache.DataCacheSize()),
	}
}
