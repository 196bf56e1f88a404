package lsm

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/natefinch/atomic"
)

const (
	// Sorted block table file format:
	// [Data blocks...] [Index] [Block handles] [Footer: 28 bytes]
	// Data block: codec(1) + payload; payload decodes to pairs of
	//   uvarint keyLen + key + uvarint valueLen + value
	// Index: uvarint count + count * (uvarint keyLen + first key of block)
	// Block handle: offset(8) + length(4)
	// Footer: indexOffset(8) + handlesOffset(8) + blockCount(4) + version(4) + magic(4)
	SBTVersion = 1

	sbtMagic        uint32 = 0x52415a52
	sbtFooterSize          = 28
	blockHandleSize        = 12

	SBTWriteBufferSize = 256 * 1024

	codecRaw  byte = 0
	codecZstd byte = 1
)

// EncodeAll and DecodeAll are safe for concurrent use, so one encoder and
// one decoder serve every table.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

type blockHandle struct {
	offset uint64
	length uint32
}

// SortedBlockTableWriter writes pairs in ascending key order into a new
// sorted block table. Output goes to a temporary file that replaces
// fileName only when Close succeeds.
type SortedBlockTableWriter struct {
	fileName string
	tmpPath  string
	file     *os.File
	writer   *bufio.Writer

	blockSize int
	compress  bool

	offset     uint64
	block      []byte
	blockFirst Key
	index      []Key
	handles    []blockHandle

	lastKey Key
	count   int
	err     error
	closed  bool
}

// NewSortedBlockTableWriter creates the directory of fileName if needed and
// opens a temporary file next to it.
func NewSortedBlockTableWriter(fileName string, cfg *Config) (*SortedBlockTableWriter, error) {
	if err := os.MkdirAll(filepath.Dir(fileName), 0o755); err != nil {
		return nil, fmt.Errorf("create table dir: %w", err)
	}
	tmpPath := fileName + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create table file: %w", err)
	}
	return &SortedBlockTableWriter{
		fileName:  fileName,
		tmpPath:   tmpPath,
		file:      f,
		writer:    bufio.NewWriterSize(f, SBTWriteBufferSize),
		blockSize: cfg.SortedBlockSize,
		compress:  cfg.CompressBlocks,
		block:     make([]byte, 0, cfg.SortedBlockSize),
	}, nil
}

// WritePair appends one pair. Keys must be strictly increasing. After the
// first failure every later call returns the same error.
func (w *SortedBlockTableWriter) WritePair(key, value Key) error {
	if w.closed {
		return ErrClosed
	}
	if w.err != nil {
		return w.err
	}
	if w.count > 0 && !w.lastKey.Less(key) {
		w.err = fmt.Errorf("%w: %q after %q", ErrKeyOrder, key, w.lastKey)
		return w.err
	}

	pairSize := uvarintLen(key.Len()) + key.Len() + uvarintLen(value.Len()) + value.Len()
	if len(w.block) > 0 && len(w.block)+pairSize > w.blockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	if len(w.block) == 0 {
		w.blockFirst = key
	}

	w.block = binary.AppendUvarint(w.block, uint64(key.Len()))
	w.block = append(w.block, key.data...)
	w.block = binary.AppendUvarint(w.block, uint64(value.Len()))
	w.block = append(w.block, value.data...)

	w.lastKey = key
	w.count++
	return nil
}

func (w *SortedBlockTableWriter) flushBlock() error {
	codec, payload := codecRaw, w.block
	if w.compress {
		if c := zstdEncoder.EncodeAll(w.block, nil); len(c) < len(w.block) {
			codec, payload = codecZstd, c
		}
	}

	if err := w.writer.WriteByte(codec); err != nil {
		w.err = fmt.Errorf("write block codec: %w", err)
		return w.err
	}
	if _, err := w.writer.Write(payload); err != nil {
		w.err = fmt.Errorf("write block: %w", err)
		return w.err
	}

	length := uint32(1 + len(payload))
	w.handles = append(w.handles, blockHandle{offset: w.offset, length: length})
	w.index = append(w.index, w.blockFirst)
	w.offset += uint64(length)
	w.block = w.block[:0]
	return nil
}

// Count returns the number of pairs written so far.
func (w *SortedBlockTableWriter) Count() int {
	return w.count
}

// Close finishes the table and publishes it under its final name. If any
// write failed, Close discards the temporary file and returns the error.
// Calling Close again is a no-op.
func (w *SortedBlockTableWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.err
	if err == nil {
		err = w.finish()
	}
	if cerr := w.file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close table file: %w", cerr)
	}
	if err != nil {
		os.Remove(w.tmpPath)
		return err
	}

	if err := atomic.ReplaceFile(w.tmpPath, w.fileName); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("publish table: %w", err)
	}
	return nil
}

func (w *SortedBlockTableWriter) finish() error {
	if len(w.block) > 0 {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}

	indexOffset := w.offset
	buf := binary.AppendUvarint(nil, uint64(len(w.index)))
	for _, k := range w.index {
		buf = binary.AppendUvarint(buf, uint64(k.Len()))
		buf = append(buf, k.data...)
	}
	handlesOffset := indexOffset + uint64(len(buf))
	for _, h := range w.handles {
		buf = binary.LittleEndian.AppendUint64(buf, h.offset)
		buf = binary.LittleEndian.AppendUint32(buf, h.length)
	}
	buf = binary.LittleEndian.AppendUint64(buf, indexOffset)
	buf = binary.LittleEndian.AppendUint64(buf, handlesOffset)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(w.handles)))
	buf = binary.LittleEndian.AppendUint32(buf, SBTVersion)
	buf = binary.LittleEndian.AppendUint32(buf, sbtMagic)

	if _, err := w.writer.Write(buf); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush writer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync file: %w", err)
	}
	return nil
}

// SortedBlockTable reads an existing table. Opening reads only the footer;
// the index and blocks are read on demand.
type SortedBlockTable struct {
	fileName      string
	file          *os.File
	indexOffset   uint64
	handlesOffset uint64
	blockCount    int
}

// OpenSortedBlockTable opens fileName read-only. A missing file yields an
// error matching both ErrNotFound and fs.ErrNotExist.
func OpenSortedBlockTable(fileName string) (*SortedBlockTable, error) {
	f, err := os.Open(fileName)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, fmt.Errorf("open table: %w", err)
	}

	t, err := readFooter(fileName, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func readFooter(fileName string, f *os.File) (*SortedBlockTable, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat table: %w", err)
	}
	size := stat.Size()
	if size < sbtFooterSize {
		return nil, fmt.Errorf("%w: %s: file too small (%d bytes)", ErrCorruptFormat, fileName, size)
	}

	footer := make([]byte, sbtFooterSize)
	if _, err := f.ReadAt(footer, size-sbtFooterSize); err != nil {
		return nil, fmt.Errorf("read footer: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(footer[24:28]); magic != sbtMagic {
		return nil, fmt.Errorf("%w: %s: bad magic %#x", ErrCorruptFormat, fileName, magic)
	}
	if version := binary.LittleEndian.Uint32(footer[20:24]); version != SBTVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorruptFormat, fileName, version)
	}

	t := &SortedBlockTable{
		fileName:      fileName,
		file:          f,
		indexOffset:   binary.LittleEndian.Uint64(footer[0:8]),
		handlesOffset: binary.LittleEndian.Uint64(footer[8:16]),
		blockCount:    int(binary.LittleEndian.Uint32(footer[16:20])),
	}
	footerOffset := uint64(size - sbtFooterSize)
	if t.indexOffset > t.handlesOffset ||
		t.handlesOffset+uint64(t.blockCount)*blockHandleSize != footerOffset {
		return nil, fmt.Errorf("%w: %s: inconsistent footer", ErrCorruptFormat, fileName)
	}
	return t, nil
}

// FileName returns the path the table was opened from.
func (t *SortedBlockTable) FileName() string { return t.fileName }

// BlockCount returns the number of data blocks.
func (t *SortedBlockTable) BlockCount() int { return t.blockCount }

// Index returns the first key of every block, in block order.
func (t *SortedBlockTable) Index() ([]Key, error) {
	if t.file == nil {
		return nil, ErrClosed
	}
	raw := make([]byte, t.handlesOffset-t.indexOffset)
	if _, err := t.file.ReadAt(raw, int64(t.indexOffset)); err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	count, n := binary.Uvarint(raw)
	if n <= 0 || int(count) != t.blockCount {
		return nil, fmt.Errorf("%w: %s: index count mismatch", ErrCorruptFormat, t.fileName)
	}
	raw = raw[n:]
	index := make([]Key, 0, count)
	for i := 0; i < int(count); i++ {
		k, rest, err := readLengthPrefixed(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: index entry %d: %w", ErrCorruptFormat, t.fileName, i, err)
		}
		index = append(index, k)
		raw = rest
	}
	return index, nil
}

// ReadBlock reads and decodes block n.
func (t *SortedBlockTable) ReadBlock(n int) ([]byte, error) {
	if t.file == nil {
		return nil, ErrClosed
	}
	if n < 0 || n >= t.blockCount {
		return nil, fmt.Errorf("%w: block %d of %d in %s", ErrNotFound, n, t.blockCount, t.fileName)
	}

	var hb [blockHandleSize]byte
	if _, err := t.file.ReadAt(hb[:], int64(t.handlesOffset)+int64(n)*blockHandleSize); err != nil {
		return nil, fmt.Errorf("read block handle: %w", err)
	}
	h := blockHandle{
		offset: binary.LittleEndian.Uint64(hb[0:8]),
		length: binary.LittleEndian.Uint32(hb[8:12]),
	}
	if h.length == 0 || h.offset+uint64(h.length) > t.indexOffset {
		return nil, fmt.Errorf("%w: %s: block %d out of bounds", ErrCorruptFormat, t.fileName, n)
	}

	raw := make([]byte, h.length)
	if _, err := t.file.ReadAt(raw, int64(h.offset)); err != nil {
		return nil, fmt.Errorf("read block %d: %w", n, err)
	}
	switch raw[0] {
	case codecRaw:
		return raw[1:], nil
	case codecZstd:
		out, err := zstdDecoder.DecodeAll(raw[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: block %d: %w", ErrCorruptFormat, t.fileName, n, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s: block %d: unknown codec %d", ErrCorruptFormat, t.fileName, n, raw[0])
	}
}

// Close releases the file handle. It is safe to call more than once.
func (t *SortedBlockTable) Close() error {
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// FindBlock returns the block that may hold key: the last block whose first
// key is not greater than key, or -1 when key sorts before every block.
func FindBlock(index []Key, key Key) int {
	return sort.Search(len(index), func(i int) bool { return key.Less(index[i]) }) - 1
}

// SearchBlock scans a decoded block for key.
func SearchBlock(block []byte, key Key) (Key, bool, error) {
	it := newBlockIterator(block)
	for it.Next() {
		switch it.Key().Compare(key) {
		case 0:
			return it.Value(), true, nil
		case 1:
			return Key{}, false, nil
		}
	}
	return Key{}, false, it.Error()
}

func readLengthPrefixed(b []byte) (Key, []byte, error) {
	l, n := binary.Uvarint(b)
	if n <= 0 {
		return Key{}, nil, errors.New("bad length prefix")
	}
	b = b[n:]
	if uint64(len(b)) < l {
		return Key{}, nil, errors.New("truncated entry")
	}
	return KeyFromString(string(b[:l])), b[l:], nil
}

func uvarintLen(n int) int {
	var buf [binary.MaxVarintLen64]byte
	return binary.PutUvarint(buf[:], uint64(n))
}
