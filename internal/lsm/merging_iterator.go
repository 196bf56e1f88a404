package lsm

import (
	"container/heap"
)

// mergingIteratorItem holds one source and its current pair. rank is the
// position of the source in the list given to NewMergingIterator; a lower
// rank is a newer source.
type mergingIteratorItem struct {
	iter  Iterator
	rank  int
	key   Key
	value Key
}

// mergingIteratorHeap is a min-heap on (key, rank).
type mergingIteratorHeap []mergingIteratorItem

func (h mergingIteratorHeap) Len() int { return len(h) }

func (h mergingIteratorHeap) Less(i, j int) bool {
	if c := h[i].key.Compare(h[j].key); c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}

func (h mergingIteratorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergingIteratorHeap) Push(x any) {
	*h = append(*h, x.(mergingIteratorItem))
}

func (h *mergingIteratorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergingIterator yields the union of several ordered iterators. When a
// key appears in more than one source, the pair from the source listed
// first wins and the others are skipped.
type MergingIterator struct {
	h     mergingIteratorHeap
	iters []Iterator
	key   Key
	value Key
	err   error
}

// NewMergingIterator takes ownership of iters, newest source first. Close
// closes all of them.
func NewMergingIterator(iters []Iterator) *MergingIterator {
	mi := &MergingIterator{
		h:     make(mergingIteratorHeap, 0, len(iters)),
		iters: iters,
	}
	for rank, iter := range iters {
		if !mi.advance(mergingIteratorItem{iter: iter, rank: rank}) {
			break
		}
	}
	return mi
}

// advance moves item's source forward and pushes it back while it has
// pairs. It returns false when the source failed.
func (it *MergingIterator) advance(item mergingIteratorItem) bool {
	if item.iter.Next() {
		item.key, item.value = item.iter.Key(), item.iter.Value()
		heap.Push(&it.h, item)
		return true
	}
	if err := item.iter.Error(); err != nil {
		it.err = err
		return false
	}
	return true
}

func (it *MergingIterator) Next() bool {
	if it.err != nil || it.h.Len() == 0 {
		return false
	}

	item := heap.Pop(&it.h).(mergingIteratorItem)
	it.key, it.value = item.key, item.value

	// Older copies of the same key.
	for it.h.Len() > 0 && it.h[0].key.Equal(it.key) {
		if !it.advance(heap.Pop(&it.h).(mergingIteratorItem)) {
			return false
		}
	}
	return it.advance(item)
}

func (it *MergingIterator) Key() Key     { return it.key }
func (it *MergingIterator) Value() Key   { return it.value }
func (it *MergingIterator) Error() error { return it.err }

func (it *MergingIterator) Close() error {
	var firstErr error
	for _, iter := range it.iters {
		if err := iter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	it.h = nil
	it.iters = nil
	return firstErr
}
