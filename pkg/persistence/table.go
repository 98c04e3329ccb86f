package persistence

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"lsmkv/pkg/command"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
)

// blockRange is the key span of one block, inclusive on both ends.
type blockRange struct {
	Min int32
	Max int32
}

// TableBuilder accumulates sealed blocks into a fresh table file. The
// file is created under a nanosecond temporary name and renamed to its
// canonical "<min>:<max>" name by Build.
type TableBuilder struct {
	dir     string
	tmpPath string
	file    *os.File

	minKey  int32
	maxKey  int32
	hasKeys bool

	bloom *Bloom
	index []blockRange
}

func NewTableBuilder(dir string) (*TableBuilder, error) {
	tmpPath := filepath.Join(dir, strconv.FormatInt(time.Now().UnixNano(), 10))
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create table file: %w", err)
	}

	return &TableBuilder{
		dir:     dir,
		tmpPath: tmpPath,
		file:    file,
		bloom:   NewBloom(config.BloomCapacity),
		index:   make([]blockRange, 0, config.MaxFileSizeBlocks),
	}, nil
}

// InsertBlock appends the block's bytes to the file, extends the block
// index and feeds every key to the bloom. The block must not be empty.
func (tb *TableBuilder) InsertBlock(b *Block) error {
	min, max := b.minKey(), b.maxKey()

	if !tb.hasKeys {
		tb.minKey = min
		tb.hasKeys = true
	}
	tb.maxKey = max

	if _, err := tb.file.Write(b.buf); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}

	tb.index = append(tb.index, blockRange{Min: min, Max: max})
	for _, key := range b.keys {
		tb.bloom.Put(key)
	}
	return nil
}

// Full reports whether the builder reached the per-file block limit.
func (tb *TableBuilder) Full() bool {
	return len(tb.index) >= config.MaxFileSizeBlocks
}

func (tb *TableBuilder) IsEmpty() bool {
	return len(tb.index) == 0
}

// Build seals the file under its canonical name and returns the table.
func (tb *TableBuilder) Build() (*Table, error) {
	if !tb.hasKeys {
		return nil, dberrors.ErrEmptyTableBuilder
	}

	if err := tb.file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close table file: %w", err)
	}

	t := &Table{
		dir:    tb.dir,
		minKey: tb.minKey,
		maxKey: tb.maxKey,
		bloom:  tb.bloom,
		index:  tb.index,
	}

	if err := os.Rename(tb.tmpPath, t.FilePath()); err != nil {
		return nil, fmt.Errorf("failed to seal table file: %w", err)
	}

	info, err := os.Stat(t.FilePath())
	if err != nil {
		return nil, fmt.Errorf("failed to stat table file: %w", err)
	}
	t.fileSize = info.Size()

	return t, nil
}

// Discard removes an unused builder's temporary file.
func (tb *TableBuilder) Discard() {
	_ = tb.file.Close()
	_ = os.Remove(tb.tmpPath)
}

// Table is an immutable, sorted file of blocks plus its in-memory bloom
// and block index. The file name encodes the inclusive key range.
type Table struct {
	dir      string
	minKey   int32
	maxKey   int32
	fileSize int64
	bloom    *Bloom
	index    []blockRange
}

func (t *Table) MinKey() int32   { return t.minKey }
func (t *Table) MaxKey() int32   { return t.maxKey }
func (t *Table) FileSize() int64 { return t.fileSize }

func (t *Table) FileName() string {
	return fmt.Sprintf("%d:%d", t.minKey, t.maxKey)
}

func (t *Table) FilePath() string {
	return filepath.Join(t.dir, t.FileName())
}

// Intersects compares key ranges: -1 when t lies strictly below other,
// +1 when strictly above, 0 when the ranges overlap.
func (t *Table) Intersects(other *Table) int {
	switch {
	case t.maxKey < other.minKey:
		return -1
	case t.minKey > other.maxKey:
		return +1
	default:
		return 0
	}
}

// Rename moves the table file into another level directory. Used when a
// whole table is promoted without merging.
func (t *Table) Rename(toDir string) error {
	oldPath := t.FilePath()
	t.dir = toDir
	if err := os.Rename(oldPath, t.FilePath()); err != nil {
		return fmt.Errorf("failed to move table to %s: %w", toDir, err)
	}
	return nil
}

// CreateFromExisting reconstructs a table from its file at startup. The
// key range comes from the file name; the block index and bloom are
// rebuilt by scanning every command.
func CreateFromExisting(path string) (*Table, error) {
	name := filepath.Base(path)
	minStr, maxStr, ok := strings.Cut(name, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q", dberrors.ErrTamperedTableName, name)
	}
	minKey, err := strconv.ParseInt(minStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", dberrors.ErrTamperedTableName, name)
	}
	maxKey, err := strconv.ParseInt(maxStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", dberrors.ErrTamperedTableName, name)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat table file: %w", err)
	}

	t := &Table{
		dir:      filepath.Dir(path),
		minKey:   int32(minKey),
		maxKey:   int32(maxKey),
		fileSize: info.Size(),
		bloom:    NewBloom(config.BloomCapacity),
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open table file: %w", err)
	}
	defer file.Close()

	buf := make([]byte, config.BlockSizeBytes)
	for blockNum := 0; ; blockNum++ {
		n, err := file.ReadAt(buf, int64(blockNum)*config.BlockSizeBytes)
		if n == 0 {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read table block: %w", err)
		}
		if n < len(buf) {
			buf[n] = padByte // short read means last block
		}

		it := iterBlock(buf)
		first, ok := it.Next()
		if !ok {
			if it.err != nil {
				return nil, fmt.Errorf("failed to scan table block: %w", it.err)
			}
			break
		}
		t.bloom.Put(first.Key)

		last := first
		for {
			cmd, ok := it.Next()
			if !ok {
				break
			}
			last = cmd
			t.bloom.Put(cmd.Key)
		}
		if it.err != nil {
			return nil, fmt.Errorf("failed to scan table block: %w", it.err)
		}

		t.index = append(t.index, blockRange{Min: first.Key, Max: last.Key})
	}

	return t, nil
}

// readBlockAt fills buf with the block at the given index. A short read
// marks the tail with a pad sentinel. Returns false past the last block.
// The file handle is opened and released per call.
func readBlockAt(path string, blockNum int, buf []byte) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open table file: %w", err)
	}
	defer file.Close()

	n, err := file.ReadAt(buf, int64(blockNum)*config.BlockSizeBytes)
	if n == 0 {
		if err == io.EOF {
			return false, nil
		}
		return false, fmt.Errorf("failed to read table block: %w", err)
	}
	if n < len(buf) {
		buf[n] = padByte
	}
	return true, nil
}

// Commands returns a flat command iterator over all blocks starting at
// fromBlock. With deleteOnFinish the backing file is removed exactly
// once, at the moment the iterator is exhausted; the table's contents
// are then owned by its successor tables.
func (t *Table) Commands(fromBlock int, deleteOnFinish bool) iterator.Commands {
	it := newTableIter(t.FilePath(), fromBlock)
	if !deleteOnFinish {
		return it
	}
	path := t.FilePath()
	return iterator.OnceDone(it, func() {
		_ = os.Remove(path)
	})
}

// FileCommands iterates the commands of a raw table file regardless of
// its name. Startup recovery uses it on in-progress flush files.
func FileCommands(path string) iterator.Commands {
	return newTableIter(path, 0)
}

// tableIter walks a table file block by block, decoding commands. The
// file is opened lazily on first use and closed on exhaustion or Close.
type tableIter struct {
	path      string
	file      *os.File
	opened    bool
	done      bool
	nextBlock int
	buf       []byte
	cur       blockIter
	err       error
}

func newTableIter(path string, fromBlock int) *tableIter {
	return &tableIter{
		path:      path,
		nextBlock: fromBlock,
		buf:       make([]byte, config.BlockSizeBytes),
	}
}

func (it *tableIter) Next() (command.Command, bool) {
	if it.done {
		return command.Command{}, false
	}

	if !it.opened {
		file, err := os.Open(it.path)
		if err != nil {
			it.fail(fmt.Errorf("failed to open table file: %w", err))
			return command.Command{}, false
		}
		it.file = file
		it.opened = true
		it.cur = iterBlock(nil)
	}

	for {
		if cmd, ok := it.cur.Next(); ok {
			return cmd, true
		}
		if it.cur.err != nil {
			it.fail(fmt.Errorf("failed to decode block: %w", it.cur.err))
			return command.Command{}, false
		}

		n, err := it.file.ReadAt(it.buf, int64(it.nextBlock)*config.BlockSizeBytes)
		if n == 0 {
			if err == io.EOF {
				it.finish()
				return command.Command{}, false
			}
			it.fail(fmt.Errorf("failed to read table block: %w", err))
			return command.Command{}, false
		}
		if n < len(it.buf) {
			it.buf[n] = padByte
		}
		it.nextBlock++
		it.cur = iterBlock(it.buf)
	}
}

func (it *tableIter) fail(err error) {
	it.err = err
	it.finish()
}

func (it *tableIter) finish() {
	if it.file != nil {
		_ = it.file.Close()
		it.file = nil
	}
	it.done = true
}

func (it *tableIter) Err() error { return it.err }

func (it *tableIter) Close() error {
	it.finish()
	return nil
}
