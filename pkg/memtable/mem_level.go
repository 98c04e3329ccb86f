package memtable

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zhangyunhao116/skipmap"

	"lsmkv/pkg/command"
	"lsmkv/pkg/persistence"
)

// entry is a live value or a tombstone.
type entry struct {
	val       int32
	tombstone bool
}

// iOrderedMap is the ordered-map surface the level needs. Satisfied by
// the skipmap types.
type iOrderedMap interface {
	Store(key int32, value entry)
	Load(key int32) (entry, bool)
	Len() int
	Range(f func(key int32, value entry) bool)
}

// MemLevel is the mutable in-memory level: an ordered map from key to a
// live value or tombstone. It is replaced wholesale at flush time, never
// flushed in place.
type MemLevel struct {
	data iOrderedMap
}

// NewEmpty returns a fresh level with no recovery.
func NewEmpty() *MemLevel {
	return &MemLevel{data: skipmap.New[int32, entry]()}
}

// New prepares <dataDir>/level0 and recovers a crashed flush: the first
// file found there is replayed into the level and removed. Any further
// files are left alone.
func New(dataDir string) (*MemLevel, error) {
	levelDir := filepath.Join(dataDir, "level0")
	if err := os.MkdirAll(levelDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create level0 directory: %w", err)
	}

	m := NewEmpty()

	entries, err := os.ReadDir(levelDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read level0 directory: %w", err)
	}
	if len(entries) == 0 {
		return m, nil
	}

	path := filepath.Join(levelDir, entries[0].Name())
	it := persistence.FileCommands(path)
	for {
		cmd, ok := it.Next()
		if !ok {
			break
		}
		switch cmd.Op {
		case command.OpDelete:
			m.Delete(cmd.Key)
		default:
			m.Insert(cmd.Key, cmd.Val)
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("failed to replay %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("failed to remove replayed file: %w", err)
	}

	return m, nil
}

func (m *MemLevel) Insert(key, val int32) {
	m.data.Store(key, entry{val: val})
}

// Delete records a tombstone; the key stays present and masks older
// values in lower levels.
func (m *MemLevel) Delete(key int32) {
	m.data.Store(key, entry{tombstone: true})
}

func (m *MemLevel) Get(key int32) (int32, persistence.Lookup) {
	e, ok := m.data.Load(key)
	switch {
	case !ok:
		return 0, persistence.LookupMissing
	case e.tombstone:
		return 0, persistence.LookupDeleted
	default:
		return e.val, persistence.LookupFound
	}
}

// Len counts entries, tombstones included.
func (m *MemLevel) Len() int {
	return m.data.Len()
}

// Range visits entries with min <= key <= max in ascending key order.
// Tombstones are visited too. Return false from fn to stop.
func (m *MemLevel) Range(min, max int32, fn func(key, val int32, tombstone bool) bool) {
	m.data.Range(func(key int32, e entry) bool {
		if key < min {
			return true
		}
		if key > max {
			return false
		}
		return fn(key, e.val, e.tombstone)
	})
}

// All visits every entry in ascending key order.
func (m *MemLevel) All(fn func(key, val int32, tombstone bool) bool) {
	m.data.Range(func(key int32, e entry) bool {
		return fn(key, e.val, e.tombstone)
	})
}

// WriteToTable serializes the level in key order into a single table
// inside dir.
func (m *MemLevel) WriteToTable(dir string) (*persistence.Table, error) {
	tb, err := persistence.NewTableBuilder(dir)
	if err != nil {
		return nil, err
	}

	block := persistence.NewBlock()
	var insertErr error
	m.data.Range(func(key int32, e entry) bool {
		cmd := command.Put(key, e.val)
		if e.tombstone {
			cmd = command.Delete(key)
		}

		if !block.Push(cmd) {
			if err := tb.InsertBlock(block); err != nil {
				insertErr = err
				return false
			}
			block.Clear()
			block.Push(cmd)
		}
		return true
	})
	if insertErr != nil {
		return nil, insertErr
	}

	if !block.IsEmpty() {
		if err := tb.InsertBlock(block); err != nil {
			return nil, err
		}
	}

	return tb.Build()
}

// Clear returns the current level by move and installs a fresh empty
// one in its place.
func (m *MemLevel) Clear() *MemLevel {
	old := m.data
	m.data = skipmap.New[int32, entry]()
	return &MemLevel{data: old}
}
