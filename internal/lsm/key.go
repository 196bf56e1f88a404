package lsm

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key is an immutable byte string used for both keys and values. It is a
// comparable value, so it can be used directly as a map key, and it orders
// bytewise with a shorter key sorting first on a common prefix.
type Key struct {
	data string
}

// NewKey copies b into a new Key. Later changes to b do not affect the Key.
func NewKey(b []byte) Key {
	return Key{data: string(b)}
}

// KeyFromString wraps s without copying.
func KeyFromString(s string) Key {
	return Key{data: s}
}

// Len returns the number of bytes in the key.
func (k Key) Len() int { return len(k.data) }

// Bytes returns a copy of the key's bytes.
func (k Key) Bytes() []byte { return []byte(k.data) }

func (k Key) String() string { return k.data }

// Equal reports whether k and o hold the same bytes.
func (k Key) Equal(o Key) bool { return k.data == o.data }

// Compare returns -1, 0 or +1 comparing k to o bytewise.
func (k Key) Compare(o Key) int { return strings.Compare(k.data, o.data) }

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool { return k.data < o.data }

// Hash returns the 64-bit xxHash of the key bytes. Equal keys hash equally
// across processes.
func (k Key) Hash() uint64 {
	return xxhash.Sum64String(k.data)
}
