package db

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"lsmkv/pkg/command"
	"lsmkv/pkg/config"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/persistence"
)

// levelState pairs a disk level with its reader/writer lock. There is
// one lock per level and no global lock.
type levelState struct {
	mu    sync.RWMutex
	level *persistence.DiskLevel
}

// Database routes point, range and stats operations across the memory
// level and the disk levels, enforcing the lock hand-off discipline
// that lets reads and writes coexist while tables move between levels.
type Database struct {
	dataDir string
	m       *metrics.Metrics

	memMu sync.RWMutex
	mem   *memtable.MemLevel

	disk [config.NumLevels]levelState
}

// New opens the store under dataDir, recovering a crashed flush into
// the memory level and loading every disk level. Levels are independent
// and load in parallel.
func New(dataDir string, m *metrics.Metrics) (*Database, error) {
	mem, err := memtable.New(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to recover memory level: %w", err)
	}

	db := &Database{
		dataDir: dataDir,
		m:       m,
		mem:     mem,
	}

	var g errgroup.Group
	for i := 0; i < config.NumLevels; i++ {
		i := i
		g.Go(func() error {
			level, err := persistence.NewDiskLevel(dataDir, i+1)
			if err != nil {
				return err
			}
			db.disk[i].level = level
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := 0; i < config.NumLevels; i++ {
		db.m.SetLevelTables(i+1, len(db.disk[i].level.Tables))
	}

	return db, nil
}

// Insert writes a live value. When the memory level reaches capacity it
// is moved out under the exclusive lock and flushed after the lock is
// released.
func (db *Database) Insert(key, value int32) error {
	db.m.Command("put")

	db.memMu.Lock()
	db.mem.Insert(key, value)
	if db.mem.Len() >= config.MemCapacity {
		old := db.mem.Clear()
		db.memMu.Unlock()
		return db.handleOverflow(old)
	}
	db.memMu.Unlock()
	return nil
}

// Delete writes a tombstone. Same overflow pattern as Insert.
func (db *Database) Delete(key int32) error {
	db.m.Command("delete")

	db.memMu.Lock()
	db.mem.Delete(key)
	if db.mem.Len() >= config.MemCapacity {
		old := db.mem.Clear()
		db.memMu.Unlock()
		return db.handleOverflow(old)
	}
	db.memMu.Unlock()
	return nil
}

// Load consumes 8-byte (key, value) pairs from data under a single
// exclusive lock, releasing it only around intermediate flushes.
func (db *Database) Load(data []byte) error {
	db.m.Command("load")

	db.memMu.Lock()
	for off := 0; off+8 <= len(data); off += 8 {
		key := int32(binary.BigEndian.Uint32(data[off:]))
		val := int32(binary.BigEndian.Uint32(data[off+4:]))
		db.mem.Insert(key, val)

		if db.mem.Len() >= config.MemCapacity {
			old := db.mem.Clear()
			db.memMu.Unlock()
			if err := db.handleOverflow(old); err != nil {
				return err
			}
			db.memMu.Lock()
		}
	}
	db.memMu.Unlock()
	return nil
}

// handleOverflow serializes a moved-out memory level into level0 and
// merges it down the level chain. While cascading, the next level's
// lock is taken before the current one is released so no reader slips
// between the two sides of a merge.
func (db *Database) handleOverflow(old *memtable.MemLevel) error {
	slog.Debug("flushing memory level", "entries", old.Len())

	table, err := old.WriteToTable(filepath.Join(db.dataDir, "level0"))
	if err != nil {
		return fmt.Errorf("failed to flush memory level: %w", err)
	}
	db.m.Flush()

	cur := &db.disk[0]
	cur.mu.Lock()

	upper := []*persistence.Table{table}
	if err := persistence.Merge(&upper, cur.level); err != nil {
		cur.mu.Unlock()
		return err
	}

	for i := 0; i < config.NumLevels-1; i++ {
		if !cur.level.IsOverFileCapacity() {
			break
		}

		if cur.level.AverageTableUtilization() <= 0.5 {
			if err := persistence.CompactInPlace(cur.level); err != nil {
				cur.mu.Unlock()
				return err
			}
			if cur.level.IsOverFileCapacity() {
				cur.mu.Unlock()
				panic(fmt.Sprintf("in-place compaction left level %d over capacity", cur.level.Level))
			}
			db.m.Compaction("in_place")
			break
		}

		next := &db.disk[i+1]
		next.mu.Lock()
		err := persistence.Merge(&cur.level.Tables, next.level)
		cur.mu.Unlock()
		if err != nil {
			next.mu.Unlock()
			return err
		}
		db.m.Compaction("cascade")
		slog.Debug("cascaded merge", "from", cur.level.Level, "to", next.level.Level)
		cur = next
	}

	if cur.level.IsOverFileCapacity() {
		if err := persistence.CompactInPlace(cur.level); err != nil {
			cur.mu.Unlock()
			return err
		}
		db.m.Compaction("in_place")
	}
	cur.mu.Unlock()

	db.updateLevelGauges()
	return nil
}

func (db *Database) updateLevelGauges() {
	for i := 0; i < config.NumLevels; i++ {
		l := &db.disk[i]
		l.mu.RLock()
		db.m.SetLevelTables(i+1, len(l.level.Tables))
		l.mu.RUnlock()
	}
}

// Get probes the memory level first, then each disk level in order,
// stopping at the first definitive answer. Each level's shared lock is
// taken independently: newer values always live in earlier levels.
func (db *Database) Get(key int32) (int32, bool, error) {
	db.m.Command("get")

	db.memMu.RLock()
	val, state := db.mem.Get(key)
	db.memMu.RUnlock()
	switch state {
	case persistence.LookupFound:
		return val, true, nil
	case persistence.LookupDeleted:
		return 0, false, nil
	}

	for i := 0; i < config.NumLevels; i++ {
		l := &db.disk[i]
		l.mu.RLock()
		val, state, err := l.level.Get(key)
		l.mu.RUnlock()
		if err != nil {
			return 0, false, err
		}
		switch state {
		case persistence.LookupFound:
			return val, true, nil
		case persistence.LookupDeleted:
			return 0, false, nil
		}
	}

	return 0, false, nil
}

type rangeEntry struct {
	val       int32
	tombstone bool
}

// Range collects live pairs with min <= key <= max, both inclusive.
// Levels are unioned newest first: a key already recorded by an earlier
// level wins, and tombstones suppress older entries. Shared locks are
// handed down the chain, each next level locked before the current one
// is released, so a flush cannot overtake the scan and double-count.
func (db *Database) Range(min, max int32) (map[int32]int32, error) {
	db.m.Command("range")

	if min > max {
		return nil, nil
	}

	acc := make(map[int32]rangeEntry)

	db.memMu.RLock()
	db.mem.Range(min, max, func(key, val int32, tombstone bool) bool {
		acc[key] = rangeEntry{val: val, tombstone: tombstone}
		return true
	})

	cur := &db.disk[0]
	cur.mu.RLock()
	db.memMu.RUnlock()

	for i := 0; ; i++ {
		if err := scanLevelRange(cur.level, min, max, acc); err != nil {
			cur.mu.RUnlock()
			return nil, err
		}

		if i+1 >= config.NumLevels {
			break
		}
		next := &db.disk[i+1]
		next.mu.RLock()
		cur.mu.RUnlock()
		cur = next
	}
	cur.mu.RUnlock()

	res := make(map[int32]int32)
	for key, e := range acc {
		if !e.tombstone {
			res[key] = e.val
		}
	}
	return res, nil
}

// scanLevelRange walks one level's commands from the block nearest min,
// recording keys in [min, max] not already claimed by a newer level.
func scanLevelRange(level *persistence.DiskLevel, min, max int32, acc map[int32]rangeEntry) error {
	if len(level.Tables) == 0 {
		return nil
	}
	loc, ok := level.LocateNearest(min)
	if !ok {
		return nil
	}

	its := []iterator.Commands{level.Tables[loc.TableIndex].Commands(loc.BlockIndex, false)}
	for _, t := range level.Tables[loc.TableIndex+1:] {
		its = append(its, t.Commands(0, false))
	}
	it := iterator.Chain(its...)
	defer it.Close()

	for {
		cmd, ok := it.Next()
		if !ok {
			break
		}
		if cmd.Key < min {
			continue
		}
		if cmd.Key > max {
			break
		}
		if _, seen := acc[cmd.Key]; !seen {
			acc[cmd.Key] = rangeEntry{val: cmd.Val, tombstone: cmd.Op == command.OpDelete}
		}
	}
	return it.Err()
}

// WriteStats dumps every live put with its level tag and a summary of
// logical key liveness. Same lock hand-off as Range.
func (db *Database) WriteStats(w io.Writer) error {
	db.m.Command("stats")

	tally := make(map[int32]bool)
	var levelCounts [config.NumLevels + 1]int

	fmt.Fprint(w, "\n---------------- Dump ----------------\n")

	db.memMu.RLock()
	db.mem.All(func(key, val int32, tombstone bool) bool {
		if !tombstone {
			fmt.Fprintf(w, "%d:%d:L0 ", key, val)
			levelCounts[0]++
		}
		tally[key] = !tombstone
		return true
	})
	fmt.Fprint(w, "\n\n")

	cur := &db.disk[0]
	cur.mu.RLock()
	db.memMu.RUnlock()

	for i := 0; ; i++ {
		if err := dumpLevelStats(cur.level, i+1, w, tally, &levelCounts); err != nil {
			cur.mu.RUnlock()
			return err
		}

		if i+1 >= config.NumLevels {
			break
		}
		next := &db.disk[i+1]
		next.mu.RLock()
		cur.mu.RUnlock()
		cur = next
	}
	cur.mu.RUnlock()

	fmt.Fprint(w, "\n---------------- TLDR ----------------\n")

	live := 0
	for _, alive := range tally {
		if alive {
			live++
		}
	}
	fmt.Fprintf(w, "Logical Pairs: %d\n", live)
	for idx, count := range levelCounts {
		if count == 0 {
			continue
		}
		fmt.Fprintf(w, "LVL%d: %d\n", idx, count)
	}

	return nil
}

func dumpLevelStats(level *persistence.DiskLevel, levelNum int, w io.Writer, tally map[int32]bool, counts *[config.NumLevels + 1]int) error {
	if len(level.Tables) == 0 {
		return nil
	}

	its := make([]iterator.Commands, len(level.Tables))
	for i, t := range level.Tables {
		its[i] = t.Commands(0, false)
	}
	it := iterator.Chain(its...)
	defer it.Close()

	for {
		cmd, ok := it.Next()
		if !ok {
			break
		}
		if val, isPut := cmd.Value(); isPut {
			fmt.Fprintf(w, "%d:%d:L%d ", cmd.Key, val, levelNum)
			counts[levelNum]++
		}
		if _, seen := tally[cmd.Key]; !seen {
			tally[cmd.Key] = cmd.Op == command.OpPut
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	fmt.Fprint(w, "\n\n")
	return nil
}

// Cleanup flushes a non-empty memory level into level0 so the startup
// recovery path finds it after a restart. Call only after every client
// connection has drained.
func (db *Database) Cleanup() error {
	if db.mem.Len() == 0 {
		return nil
	}
	_, err := db.mem.WriteToTable(filepath.Join(db.dataDir, "level0"))
	if err != nil {
		return fmt.Errorf("failed to flush memory level on shutdown: %w", err)
	}
	return nil
}
