package engine

// Engine is the key/value store contract the command line and HTTP API
// depend on.
type Engine interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	IterKeys() ([]string, error)
	Flush() error
	Truncate() error
	GetMetrics() map[string]int64
	Close() error
}
