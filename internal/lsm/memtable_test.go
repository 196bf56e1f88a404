package lsm

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	pairs    [][2]string
	failAt   int // fail the WritePair call with this index; -1 never
	closed   int
	closeErr error
}

func (w *recordingWriter) WritePair(key, value Key) error {
	if len(w.pairs) == w.failAt {
		return errors.New("disk full")
	}
	w.pairs = append(w.pairs, [2]string{key.String(), value.String()})
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed++
	return w.closeErr
}

// closeHookWriter runs onClose before closing the wrapped writer.
type closeHookWriter struct {
	pairWriter
	onClose func()
}

func (w closeHookWriter) Close() error {
	w.onClose()
	return w.pairWriter.Close()
}

func TestMemTable_AddLookup(t *testing.T) {
	m := NewMemTable(DefaultConfig())

	require.NoError(t, m.Add(KeyFromString("k1"), KeyFromString("v1")))
	require.NoError(t, m.Add(KeyFromString("k2"), KeyFromString("value2")))

	v, ok := m.Lookup(KeyFromString("k1"))
	require.True(t, ok)
	assert.Equal(t, "v1", v.String())

	_, ok = m.Lookup(KeyFromString("k3"))
	assert.False(t, ok)

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, len("k1v1k2value2"), m.Size())
}

func TestMemTable_DuplicateLeavesTableUnchanged(t *testing.T) {
	m := NewMemTable(DefaultConfig())
	require.NoError(t, m.Add(KeyFromString("k"), KeyFromString("old")))

	err := m.Add(KeyFromString("k"), KeyFromString("newer"))
	assert.ErrorIs(t, err, ErrDuplicateKey)

	v, ok := m.Lookup(KeyFromString("k"))
	require.True(t, ok)
	assert.Equal(t, "old", v.String())
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, len("kold"), m.Size())
}

func TestMemTable_Full(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemTableSize = 10
	m := NewMemTable(cfg)

	require.NoError(t, m.Add(KeyFromString("abcde"), KeyFromString("12345")))
	assert.False(t, m.Full(), "size equal to the limit is not full")

	require.NoError(t, m.Add(KeyFromString("f"), KeyFromString("")))
	assert.True(t, m.Full())
}

func TestMemTable_KeyRange(t *testing.T) {
	m := NewMemTable(DefaultConfig())
	_, _, ok := m.KeyRange()
	assert.False(t, ok)

	for _, k := range []string{"m", "c", "x"} {
		require.NoError(t, m.Add(KeyFromString(k), KeyFromString("v")))
	}
	first, last, ok := m.KeyRange()
	require.True(t, ok)
	assert.Equal(t, "c", first.String())
	assert.Equal(t, "x", last.String())
}

func TestMemTable_WritesInKeyOrder(t *testing.T) {
	m := NewMemTable(DefaultConfig())
	for _, k := range []string{"5", "1", "3"} {
		require.NoError(t, m.Add(KeyFromString(k), KeyFromString("v"+k)))
	}

	w := &recordingWriter{failAt: -1}
	require.NoError(t, m.writeTo(w))
	assert.Equal(t, [][2]string{{"1", "v1"}, {"3", "v3"}, {"5", "v5"}}, w.pairs)
	assert.Equal(t, 1, w.closed)
}

func TestMemTable_WriterClosedOnFailure(t *testing.T) {
	m := NewMemTable(DefaultConfig())
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m.Add(KeyFromString(k), KeyFromString("v")))
	}

	w := &recordingWriter{failAt: 1, closeErr: errors.New("close failed")}
	err := m.writeTo(w)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, w.closed)

	w = &recordingWriter{failAt: -1, closeErr: errors.New("close failed")}
	assert.EqualError(t, m.writeTo(w), "close failed")
}

func TestMemTable_WriteToSortedBlockTable(t *testing.T) {
	m := NewMemTable(testConfig())
	pairs := testPairs(50)
	for i := len(pairs) - 1; i >= 0; i-- {
		require.NoError(t, m.Add(KeyFromString(pairs[i][0]), KeyFromString(pairs[i][1])))
	}

	fileName := SortedBlockTableFile(t.TempDir(), 0, 7)
	require.NoError(t, m.WriteToSortedBlockTable(fileName))

	it, err := NewSortedBlockTableIterator(fileName)
	require.NoError(t, err)
	defer it.Close()
	var got [][2]string
	for it.Next() {
		got = append(got, [2]string{it.Key().String(), it.Value().String()})
	}
	require.NoError(t, it.Error())
	assert.Equal(t, pairs, got)
}

func TestMemTable_ConcurrentAddDuringFlush(t *testing.T) {
	m := NewMemTable(DefaultConfig())
	lenAtClose := -1
	m.openWriter = func(fileName string, cfg *Config) (pairWriter, error) {
		w, err := openSortedBlockTableWriter(fileName, cfg)
		if err != nil {
			return nil, err
		}
		// The flush still holds the table lock here.
		return closeHookWriter{pairWriter: w, onClose: func() { lenAtClose = m.sl.Len() }}, nil
	}

	var (
		mu        sync.Mutex
		confirmed []string
		wg        sync.WaitGroup
	)
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				k := fmt.Sprintf("w%d-%07d", w, i)
				if err := m.Add(KeyFromString(k), KeyFromString("v-"+k)); err != nil {
					t.Errorf("add %s: %v", k, err)
					return
				}
				mu.Lock()
				confirmed = append(confirmed, k)
				mu.Unlock()
			}
		}(w)
	}
	stopWriters := sync.OnceFunc(func() {
		close(stop)
		wg.Wait()
	})
	defer stopWriters()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(confirmed) >= 500
	}, 5*time.Second, time.Millisecond)
	mu.Lock()
	before := append([]string(nil), confirmed...)
	mu.Unlock()

	fileName := SortedBlockTableFile(t.TempDir(), 0, 1)
	require.NoError(t, m.WriteToSortedBlockTable(fileName))
	stopWriters()

	it, err := NewSortedBlockTableIterator(fileName)
	require.NoError(t, err)
	defer it.Close()
	written := make(map[string]string)
	var prev string
	for it.Next() {
		k := it.Key().String()
		if len(written) > 0 {
			require.Less(t, prev, k, "keys must be strictly ascending")
		}
		prev = k
		written[k] = it.Value().String()
	}
	require.NoError(t, it.Error())

	assert.Equal(t, lenAtClose, len(written))
	assert.GreaterOrEqual(t, m.Len(), len(written))
	for _, k := range before {
		require.Contains(t, written, k)
		assert.Equal(t, "v-"+k, written[k])
	}
	for k, v := range written {
		got, ok := m.Lookup(KeyFromString(k))
		require.True(t, ok, k)
		assert.Equal(t, v, got.String())
	}
}

func TestMemTable_Iterator(t *testing.T) {
	m := NewMemTable(DefaultConfig())
	for _, k := range []string{"b", "a", "c"} {
		require.NoError(t, m.Add(KeyFromString(k), KeyFromString(k+k)))
	}

	it := m.NewIterator()
	var keys []string
	for it.Next() {
		keys = append(keys, it.Key().String()+"="+it.Value().String())
	}
	require.NoError(t, it.Close())
	assert.Equal(t, []string{"a=aa", "b=bb", "c=cc"}, keys)

	// The read lock is released by Close.
	require.NoError(t, m.Add(KeyFromString("d"), KeyFromString("dd")))
}
