package lsm

import (
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/nconghau/razordb/internal/cache"
)

// IndexReader is what the block cache needs from an opened table.
type IndexReader interface {
	Index() ([]Key, error)
	Close() error
}

// TableOpener opens a sorted block table for reading its index.
type TableOpener func(fileName string) (IndexReader, error)

func openSortedBlockTable(fileName string) (IndexReader, error) {
	return OpenSortedBlockTable(fileName)
}

// BlockCacheOption configures a BlockCache.
type BlockCacheOption func(*BlockCache)

// WithMetrics reports hits, misses, evictions and sizes to m.
func WithMetrics(m *Metrics) BlockCacheOption {
	return func(bc *BlockCache) { bc.metrics = m }
}

// WithTableOpener replaces the function used to open tables on an index
// cache miss.
func WithTableOpener(open TableOpener) BlockCacheOption {
	return func(bc *BlockCache) { bc.open = open }
}

// BlockCache holds sorted block table indexes and decoded data blocks in
// two independent LRU caches. Addresses are table paths, so every entry of
// a store lives under SortedBlockTableDir of that store.
type BlockCache struct {
	cfg     *Config
	index   *cache.Cache[[]Key]
	data    *cache.Cache[[]byte]
	open    TableOpener
	loads   singleflight.Group
	metrics *Metrics
}

// NewBlockCache returns an empty cache bounded by cfg's index and data limits.
func NewBlockCache(cfg *Config, opts ...BlockCacheOption) (*BlockCache, error) {
	if cfg.IndexCacheSize < 0 {
		return nil, fmt.Errorf("%w: indexCacheSize %d", ErrInvalidConfig, cfg.IndexCacheSize)
	}
	if cfg.DataBlockCacheSize < 0 {
		return nil, fmt.Errorf("%w: dataBlockCacheSize %d", ErrInvalidConfig, cfg.DataBlockCacheSize)
	}

	bc := &BlockCache{cfg: cfg, open: openSortedBlockTable}
	for _, opt := range opts {
		opt(bc)
	}

	var indexOpts []cache.Option[[]Key]
	var dataOpts []cache.Option[[]byte]
	if m := bc.metrics; m != nil {
		indexOpts = append(indexOpts, cache.WithEvictCallback(func(string, []Key) {
			m.CacheEvictions.WithLabelValues(cacheLabelIndex).Inc()
		}))
		dataOpts = append(dataOpts, cache.WithEvictCallback(func(string, []byte) {
			m.CacheEvictions.WithLabelValues(cacheLabelData).Inc()
		}))
	}

	var err error
	bc.index, err = cache.New(cfg.IndexCacheSize, indexSize, indexOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	bc.data, err = cache.New(cfg.DataBlockCacheSize, func(b []byte) int { return len(b) }, dataOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return bc, nil
}

func indexSize(index []Key) int {
	n := 0
	for _, k := range index {
		n += k.Len()
	}
	return n
}

// GetBlockTableIndex returns the block index of a table, reading it from
// disk on a miss. The table is opened and read without holding any cache
// lock; concurrent misses for the same table share one read. Failed loads
// are returned to the caller and never cached.
func (bc *BlockCache) GetBlockTableIndex(baseName string, level, version int) ([]Key, error) {
	fileName := SortedBlockTableFile(baseName, level, version)

	if index, ok := bc.index.TryGet(fileName); ok {
		bc.metrics.lookup(cacheLabelIndex, true)
		return index, nil
	}
	bc.metrics.lookup(cacheLabelIndex, false)

	v, err, _ := bc.loads.Do(fileName, func() (any, error) {
		return bc.loadIndex(fileName)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Key), nil
}

func (bc *BlockCache) loadIndex(fileName string) ([]Key, error) {
	t, err := bc.open(fileName)
	if err != nil {
		return nil, fmt.Errorf("load index %s: %w", fileName, err)
	}
	defer func() {
		if err := t.Close(); err != nil {
			bc.cfg.logger().Warn("Failed to close table after index load",
				"component", "cache", "file", fileName, "error", err)
		}
	}()

	index, err := t.Index()
	if err != nil {
		return nil, fmt.Errorf("load index %s: %w", fileName, err)
	}
	bc.index.Set(fileName, index)
	bc.observeSizes()
	return index, nil
}

// GetBlock returns a cached data block. It never reads from disk; on a
// miss the caller reads the block and hands it to SetBlock.
func (bc *BlockCache) GetBlock(baseName string, level, version, blockNum int) ([]byte, bool) {
	block, ok := bc.data.TryGet(BlockAddress(baseName, level, version, blockNum))
	bc.metrics.lookup(cacheLabelData, ok)
	return block, ok
}

// SetBlock caches a decoded data block. The block must not be modified
// afterwards. Errors follow the configured ErrorPolicy.
func (bc *BlockCache) SetBlock(baseName string, level, version, blockNum int, block []byte) error {
	return bc.guard("SetBlock", baseName, func() error {
		if blockNum < 0 {
			return fmt.Errorf("invalid block number %d", blockNum)
		}
		bc.data.Set(BlockAddress(baseName, level, version, blockNum), block)
		bc.observeSizes()
		return nil
	})
}

// Truncate drops every cached index and block belonging to baseName. It is
// called when a store is deleted so no cached bytes outlive its files.
// Errors follow the configured ErrorPolicy.
//
// An index load already in flight for the store may still insert its
// result after Truncate returns. Table versions are never reused, so such
// an entry is never read again and ages out of the LRU.
func (bc *BlockCache) Truncate(baseName string) error {
	return bc.guard("Truncate", baseName, func() error {
		if baseName == "" {
			return fmt.Errorf("empty store name")
		}
		dir := SortedBlockTableDir(baseName)
		owned := func(address string) bool { return strings.HasPrefix(address, dir) }

		indexes := bc.index.RemoveWhere(owned)
		blocks := bc.data.RemoveWhere(owned)
		bc.observeSizes()

		bc.cfg.logger().Debug("Block cache truncated",
			"component", "cache", "store", baseName, "indexes", indexes, "blocks", blocks)
		return nil
	})
}

// guard runs fn, turning a panic into an error, and applies the error
// policy to the result.
func (bc *BlockCache) guard(op, baseName string, fn func() error) error {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}()
	if err == nil {
		return nil
	}
	if bc.cfg.ErrorPolicy == ThrowAll {
		return fmt.Errorf("block cache %s %s: %w", op, baseName, err)
	}
	bc.cfg.logger().Error("Block cache operation failed",
		"component", "cache", "op", op, "store", baseName, "error", err)
	return nil
}

func (bc *BlockCache) observeSizes() {
	if bc.metrics == nil {
		return
	}
	bc.metrics.CacheBytes.WithLabelValues(cacheLabelIndex).Set(float64(bc.index.CurrentSize()))
	bc.metrics.CacheBytes.WithLabelValues(cacheLabelData).Set(float64(bc.data.CurrentSize()))
}

// IndexCacheSize returns the bytes held by the index cache.
func (bc *BlockCache) IndexCacheSize() int { return bc.index.CurrentSize() }

// DataCacheSize returns the bytes held by the data block cache.
func (bc *BlockCache) DataCacheSize() int { return bc.data.CurrentSize() }

// Stats returns the counters of the index and data caches.
func (bc *BlockCache) Stats() (index, data cache.Stats) {
	return bc.index.Stats(), bc.data.Stats()
}
