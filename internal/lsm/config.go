package lsm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tailscale/hujson"
)

const (
	DefaultMaxMemTableSize    = 1 * 1024 * 1024 // seal the memtable past this many key+value bytes
	DefaultSortedBlockSize    = 16 * 1024       // raw payload bytes per data block
	DefaultIndexCacheSize     = 32 * 1024 * 1024
	DefaultDataBlockCacheSize = 128 * 1024 * 1024

	sortedBlockTableExt = ".sbt"
)

// ErrorPolicy decides what cache population and invalidation do with errors.
type ErrorPolicy int

const (
	// LogAndContinue logs the error and reports success to the caller. A
	// failed cache write only costs a future miss.
	LogAndContinue ErrorPolicy = iota
	// ThrowAll returns every error to the caller.
	ThrowAll
)

func (p ErrorPolicy) String() string {
	switch p {
	case ThrowAll:
		return "throwAll"
	case LogAndContinue:
		return "logAndContinue"
	}
	return "ErrorPolicy(" + strconv.Itoa(int(p)) + ")"
}

func (p ErrorPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *ErrorPolicy) UnmarshalText(b []byte) error {
	switch string(b) {
	case "throwAll":
		*p = ThrowAll
	case "logAndContinue", "":
		*p = LogAndContinue
	default:
		return fmt.Errorf("%w: unknown error policy %q", ErrInvalidConfig, b)
	}
	return nil
}

// Config holds the sizing and behaviour knobs shared by the block cache,
// the memtable and the sorted block table writer.
type Config struct {
	MaxMemTableSize    int         `json:"maxMemTableSize"`
	SortedBlockSize    int         `json:"sortedBlockSize"`
	IndexCacheSize     int         `json:"indexCacheSize"`
	DataBlockCacheSize int         `json:"dataBlockCacheSize"`
	CompressBlocks     bool        `json:"compressBlocks"`
	ErrorPolicy        ErrorPolicy `json:"errorPolicy"`

	Logger *slog.Logger `json:"-"`
}

// DefaultConfig returns the default sizing.
func DefaultConfig() *Config {
	return &Config{
		MaxMemTableSize:    DefaultMaxMemTableSize,
		SortedBlockSize:    DefaultSortedBlockSize,
		IndexCacheSize:     DefaultIndexCacheSize,
		DataBlockCacheSize: DefaultDataBlockCacheSize,
		CompressBlocks:     true,
		ErrorPolicy:        LogAndContinue,
	}
}

// LoadConfig reads a JSON-with-comments file over the defaults. Fields not
// present in the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes JSONC bytes over the defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JSONC: %w", ErrInvalidConfig, err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(standardized, cfg); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	switch {
	case c.IndexCacheSize < 0:
		return fmt.Errorf("%w: indexCacheSize %d", ErrInvalidConfig, c.IndexCacheSize)
	case c.DataBlockCacheSize < 0:
		return fmt.Errorf("%w: dataBlockCacheSize %d", ErrInvalidConfig, c.DataBlockCacheSize)
	case c.MaxMemTableSize <= 0:
		return fmt.Errorf("%w: maxMemTableSize %d", ErrInvalidConfig, c.MaxMemTableSize)
	case c.SortedBlockSize <= 0:
		return fmt.Errorf("%w: sortedBlockSize %d", ErrInvalidConfig, c.SortedBlockSize)
	case c.ErrorPolicy != ThrowAll && c.ErrorPolicy != LogAndContinue:
		return fmt.Errorf("%w: %s", ErrInvalidConfig, c.ErrorPolicy)
	}
	return nil
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// SortedBlockTableDir returns the address prefix owned by a store: the
// cleaned base name plus one separator, so "db1" never matches the files of
// "db10". Every table and block address starts with it.
func SortedBlockTableDir(baseName string) string {
	dir := filepath.Clean(baseName)
	if strings.HasSuffix(dir, string(filepath.Separator)) {
		return dir
	}
	return dir + string(filepath.Separator)
}

// SortedBlockTableFile returns the path, and index cache address, of the
// table at level and version.
func SortedBlockTableFile(baseName string, level, version int) string {
	return SortedBlockTableDir(baseName) + fmt.Sprintf("%d-%d%s", level, version, sortedBlockTableExt)
}

// BlockAddress returns the data cache address of one block of a table.
func BlockAddress(baseName string, level, version, blockNum int) string {
	return SortedBlockTableFile(baseName, level, version) + ":" + strconv.Itoa(blockNum)
}

// ManifestFile returns the path of the store manifest.
func ManifestFile(baseName string) string {
	return filepath.Join(baseName, "0.mf")
}

// MaxPagesOnLevel returns how many tables a level may hold before it should
// be merged down: 4 at level 0, 10^level above.
func MaxPagesOnLevel(level int) int {
	if level == 0 {
		return 4
	}
	return int(math.Pow10(level))
}
