package lsm

import (
	"fmt"

	"github.com/huandu/skiplist"
)

// Iterator walks pairs in ascending key order.
type Iterator interface {
	// Next advances to the next pair. It returns false at the end or on error.
	Next() bool
	// Key returns the current key, valid after Next returned true.
	Key() Key
	// Value returns the current value, valid after Next returned true.
	Value() Key
	// Close releases resources held by the iterator.
	Close() error
	// Error returns the error that stopped iteration, if any.
	Error() error
}

// --- memTableIterator ---
// Holds the memtable read lock until Close, so the table cannot be
// mutated or flushed mid-iteration.

type memTableIterator struct {
	node  *skiplist.Element
	mem   *MemTable
	key   Key
	value Key
}

func (it *memTableIterator) Next() bool {
	if it.node == nil {
		return false
	}
	it.key = KeyFromString(it.node.Key().(string))
	it.value = it.node.Value.(Key)
	it.node = it.node.Next()
	return true
}

func (it *memTableIterator) Key() Key     { return it.key }
func (it *memTableIterator) Value() Key   { return it.value }
func (it *memTableIterator) Error() error { return nil }

func (it *memTableIterator) Close() error {
	if it.mem != nil {
		it.mem.mu.RUnlock()
		it.mem = nil
	}
	it.node = nil
	return nil
}

// --- blockIterator ---
// Decodes the pairs of one data block.

type blockIterator struct {
	data  []byte
	key   Key
	value Key
	err   error
}

func newBlockIterator(data []byte) *blockIterator {
	return &blockIterator{data: data}
}

func (it *blockIterator) Next() bool {
	if len(it.data) == 0 || it.err != nil {
		return false
	}
	k, rest, err := readLengthPrefixed(it.data)
	if err != nil {
		it.err = fmt.Errorf("%w: read key: %w", ErrCorruptFormat, err)
		return false
	}
	v, rest, err := readLengthPrefixed(rest)
	if err != nil {
		it.err = fmt.Errorf("%w: read value: %w", ErrCorruptFormat, err)
		return false
	}
	it.key, it.value, it.data = k, v, rest
	return true
}

func (it *blockIterator) Key() Key     { return it.key }
func (it *blockIterator) Value() Key   { return it.value }
func (it *blockIterator) Error() error { return it.err }
func (it *blockIterator) Close() error { return nil }

// --- tableIterator ---
// Walks every block of a sorted block table in order.

type tableIterator struct {
	table     *SortedBlockTable
	blockIdx  int
	blockIter *blockIterator
	key       Key
	value     Key
	err       error
}

// NewSortedBlockTableIterator opens fileName and iterates all of its pairs.
func NewSortedBlockTableIterator(fileName string) (Iterator, error) {
	t, err := OpenSortedBlockTable(fileName)
	if err != nil {
		return nil, err
	}
	return &tableIterator{table: t, blockIdx: -1}, nil
}

func (it *tableIterator) loadNextBlock() bool {
	it.blockIdx++
	if it.blockIdx >= it.table.BlockCount() {
		return false
	}
	block, err := it.table.ReadBlock(it.blockIdx)
	if err != nil {
		it.err = err
		return false
	}
	it.blockIter = newBlockIterator(block)
	return true
}

func (it *tableIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if it.blockIter == nil && !it.loadNextBlock() {
			return false
		}
		if it.blockIter.Next() {
			it.key = it.blockIter.Key()
			it.value = it.blockIter.Value()
			return true
		}
		if err := it.blockIter.Error(); err != nil {
			it.err = fmt.Errorf("%s block %d: %w", it.table.FileName(), it.blockIdx, err)
			return false
		}
		it.blockIter = nil
	}
}

func (it *tableIterator) Key() Key     { return it.key }
func (it *tableIterator) Value() Key   { return it.value }
func (it *tableIterator) Error() error { return it.err }

func (it *tableIterator) Close() error {
	it.blockIter = nil
	return it.table.Close()
}
