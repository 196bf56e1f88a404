package lsm

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTable struct {
	index    []Key
	indexErr error
	closed   *atomic.Int32
}

func (f *fakeTable) Index() ([]Key, error) { return f.index, f.indexErr }

func (f *fakeTable) Close() error {
	f.closed.Add(1)
	return nil
}

type fakeOpener struct {
	opens  atomic.Int32
	closed atomic.Int32
	openFn func(fileName string) error
	index  []Key
	err    error
}

func (o *fakeOpener) open(fileName string) (IndexReader, error) {
	o.opens.Add(1)
	if o.openFn != nil {
		if err := o.openFn(fileName); err != nil {
			return nil, err
		}
	}
	return &fakeTable{index: o.index, indexErr: o.err, closed: &o.closed}, nil
}

func newTestBlockCache(t *testing.T, cfg *Config, opts ...BlockCacheOption) *BlockCache {
	t.Helper()
	bc, err := NewBlockCache(cfg, opts...)
	require.NoError(t, err)
	return bc
}

func gatherValue(t *testing.T, reg *prometheus.Registry, name, cache string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "cache" && l.GetValue() == cache {
					if m.GetCounter() != nil {
						return m.GetCounter().GetValue()
					}
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func TestNewBlockCache_RejectsNegativeLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IndexCacheSize = -1
	_, err := NewBlockCache(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.DataBlockCacheSize = -1
	_, err = NewBlockCache(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBlockCache_IndexLoadThrough(t *testing.T) {
	opener := &fakeOpener{index: []Key{KeyFromString("a"), KeyFromString("m")}}
	bc := newTestBlockCache(t, DefaultConfig(), WithTableOpener(opener.open))
	base := filepath.Join(t.TempDir(), "db")

	for i := 0; i < 3; i++ {
		index, err := bc.GetBlockTableIndex(base, 0, 1)
		require.NoError(t, err)
		assert.Equal(t, opener.index, index)
	}
	assert.EqualValues(t, 1, opener.opens.Load())
	assert.EqualValues(t, 1, opener.closed.Load())
	assert.Equal(t, 2, bc.IndexCacheSize())
}

func TestBlockCache_IndexFailureNotCached(t *testing.T) {
	opener := &fakeOpener{err: errors.New("bad index")}
	bc := newTestBlockCache(t, DefaultConfig(), WithTableOpener(opener.open))
	base := filepath.Join(t.TempDir(), "db")

	_, err := bc.GetBlockTableIndex(base, 0, 1)
	require.ErrorContains(t, err, "bad index")
	assert.EqualValues(t, 1, opener.closed.Load(), "table closed after a failed index read")

	opener.err = nil
	opener.index = []Key{KeyFromString("k")}
	index, err := bc.GetBlockTableIndex(base, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, opener.index, index)
	assert.EqualValues(t, 2, opener.opens.Load())
}

func TestBlockCache_IndexFromRealTable(t *testing.T) {
	base := t.TempDir()
	writeTable(t, SortedBlockTableFile(base, 0, 3), testConfig(), testPairs(100))
	bc := newTestBlockCache(t, DefaultConfig())

	index, err := bc.GetBlockTableIndex(base, 0, 3)
	require.NoError(t, err)
	assert.Greater(t, len(index), 1)

	_, err = bc.GetBlockTableIndex(base, 0, 4)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBlockCache_ConcurrentIndexMissesShareOneLoad(t *testing.T) {
	release := make(chan struct{})
	opener := &fakeOpener{
		index: []Key{KeyFromString("a")},
		openFn: func(string) error {
			<-release
			return nil
		},
	}
	bc := newTestBlockCache(t, DefaultConfig(), WithTableOpener(opener.open))
	base := filepath.Join(t.TempDir(), "db")

	const readers = 5
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			index, err := bc.GetBlockTableIndex(base, 0, 1)
			assert.NoError(t, err)
			assert.Len(t, index, 1)
		}()
	}

	// Every reader has missed; the first load is still blocked in open.
	assert.Eventually(t, func() bool {
		index, _ := bc.Stats()
		return index.Misses == readers
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, opener.opens.Load())
}

func TestBlockCache_Blocks(t *testing.T) {
	bc := newTestBlockCache(t, DefaultConfig())
	base := filepath.Join(t.TempDir(), "db")

	_, ok := bc.GetBlock(base, 0, 1, 0)
	assert.False(t, ok)

	require.NoError(t, bc.SetBlock(base, 0, 1, 0, []byte("block-zero")))
	block, ok := bc.GetBlock(base, 0, 1, 0)
	require.True(t, ok)
	assert.Equal(t, []byte("block-zero"), block)
	assert.Equal(t, len("block-zero"), bc.DataCacheSize())

	_, ok = bc.GetBlock(base, 0, 1, 1)
	assert.False(t, ok)
	_, ok = bc.GetBlock(base, 0, 2, 0)
	assert.False(t, ok)
}

func TestBlockCache_DataEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataBlockCacheSize = 10
	bc := newTestBlockCache(t, cfg)
	base := filepath.Join(t.TempDir(), "db")

	require.NoError(t, bc.SetBlock(base, 0, 1, 0, []byte("aaaa")))
	require.NoError(t, bc.SetBlock(base, 0, 1, 1, []byte("bbbb")))
	require.NoError(t, bc.SetBlock(base, 0, 1, 2, []byte("cccc")))

	_, ok := bc.GetBlock(base, 0, 1, 0)
	assert.False(t, ok)
	assert.Equal(t, 8, bc.DataCacheSize())
}

func TestBlockCache_TruncateOnlyTouchesOneStore(t *testing.T) {
	root := t.TempDir()
	dbX, dbY := filepath.Join(root, "db1"), filepath.Join(root, "db10")
	opener := &fakeOpener{index: []Key{KeyFromString("abc")}}
	bc := newTestBlockCache(t, DefaultConfig(), WithTableOpener(opener.open))

	for _, base := range []string{dbX, dbY} {
		_, err := bc.GetBlockTableIndex(base, 0, 1)
		require.NoError(t, err)
		require.NoError(t, bc.SetBlock(base, 0, 1, 0, []byte("12345")))
		require.NoError(t, bc.SetBlock(base, 0, 1, 1, []byte("678")))
	}
	require.Equal(t, 6, bc.IndexCacheSize())
	require.Equal(t, 16, bc.DataCacheSize())

	require.NoError(t, bc.Truncate(dbX))

	assert.Equal(t, 3, bc.IndexCacheSize())
	assert.Equal(t, 8, bc.DataCacheSize())
	_, ok := bc.GetBlock(dbX, 0, 1, 0)
	assert.False(t, ok)
	_, ok = bc.GetBlock(dbY, 0, 1, 0)
	assert.True(t, ok)

	_, err := bc.GetBlockTableIndex(dbX, 0, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 3, opener.opens.Load(), "truncated index reloads")
}

func TestBlockCache_TruncateRelativeStore(t *testing.T) {
	for _, base := range []string{".", "./", "db/.."} {
		t.Run(base, func(t *testing.T) {
			base := filepath.FromSlash(base)
			opener := &fakeOpener{index: []Key{KeyFromString("abc")}}
			bc := newTestBlockCache(t, DefaultConfig(), WithTableOpener(opener.open))

			for _, b := range []string{base, "db2"} {
				_, err := bc.GetBlockTableIndex(b, 0, 1)
				require.NoError(t, err)
				require.NoError(t, bc.SetBlock(b, 0, 1, 0, []byte("12345")))
			}
			require.Equal(t, 6, bc.IndexCacheSize())
			require.Equal(t, 10, bc.DataCacheSize())

			require.NoError(t, bc.Truncate(base))

			assert.Equal(t, 3, bc.IndexCacheSize())
			assert.Equal(t, 5, bc.DataCacheSize())
			_, ok := bc.GetBlock(".", 0, 1, 0)
			assert.False(t, ok)
			_, ok = bc.GetBlock("db2", 0, 1, 0)
			assert.True(t, ok)
		})
	}
}

func TestBlockCache_ErrorPolicy(t *testing.T) {
	base := filepath.Join(t.TempDir(), "db")

	cfg := DefaultConfig()
	cfg.ErrorPolicy = ThrowAll
	bc := newTestBlockCache(t, cfg)
	assert.Error(t, bc.SetBlock(base, 0, 1, -1, []byte("x")))
	assert.Error(t, bc.Truncate(""))

	cfg = DefaultConfig()
	cfg.ErrorPolicy = LogAndContinue
	bc = newTestBlockCache(t, cfg)
	assert.NoError(t, bc.SetBlock(base, 0, 1, -1, []byte("x")))
	assert.NoError(t, bc.Truncate(""))
	assert.Zero(t, bc.DataCacheSize())
}

func TestBlockCache_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.DataBlockCacheSize = 4
	opener := &fakeOpener{index: []Key{KeyFromString("k")}}
	bc := newTestBlockCache(t, cfg, WithMetrics(NewMetrics(reg)), WithTableOpener(opener.open))
	base := filepath.Join(t.TempDir(), "db")

	_, err := bc.GetBlockTableIndex(base, 0, 1)
	require.NoError(t, err)
	_, err = bc.GetBlockTableIndex(base, 0, 1)
	require.NoError(t, err)

	_, _ = bc.GetBlock(base, 0, 1, 0)
	require.NoError(t, bc.SetBlock(base, 0, 1, 0, []byte("abcd")))
	_, _ = bc.GetBlock(base, 0, 1, 0)
	require.NoError(t, bc.SetBlock(base, 0, 1, 1, []byte("ef")))

	assert.Equal(t, 1.0, gatherValue(t, reg, "razordb_block_cache_hits_total", "index"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "razordb_block_cache_misses_total", "index"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "razordb_block_cache_hits_total", "data"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "razordb_block_cache_misses_total", "data"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "razordb_block_cache_evictions_total", "data"))
	assert.Equal(t, 2.0, gatherValue(t, reg, "razordb_block_cache_bytes", "data"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "razordb_block_cache_bytes", "index"))

	index, data := bc.Stats()
	assert.EqualValues(t, 1, index.Hits)
	assert.EqualValues(t, 1, data.Evictions)
}
