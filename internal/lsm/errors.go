package lsm

import "errors"

var (
	// ErrInvalidConfig is returned for negative cache limits and other unusable settings.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDuplicateKey is returned by MemTable.Add when the key is already buffered.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound is returned when a sorted block table or a key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCorruptFormat is returned when a sorted block table cannot be decoded.
	ErrCorruptFormat = errors.New("corrupt sorted block table")

	// ErrKeyOrder is returned when pairs are written out of ascending key order.
	ErrKeyOrder = errors.New("keys must be written in ascending order")

	// ErrClosed is returned by operations on a closed table, writer or engine.
	ErrClosed = errors.New("closed")
)
