package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"lsmkv/pkg/command"
	"lsmkv/pkg/config"
)

// Lookup is the three-state result of a point read against one level.
type Lookup uint8

const (
	LookupMissing Lookup = iota
	LookupDeleted
	LookupFound
)

// LocateResult addresses the first block whose range may reach a key.
type LocateResult struct {
	TableIndex int
	BlockIndex int
}

// DiskLevel is an ordered run of tables with pairwise disjoint key
// ranges, sorted ascending by min key. It exclusively owns its tables.
type DiskLevel struct {
	Level  int
	Dir    string
	Tables []*Table
}

// NewDiskLevel loads level k from <dataDir>/level<k>, reconstructing
// every table from its file. A file whose name does not parse as
// "<i32>:<i32>" aborts startup.
func NewDiskLevel(dataDir string, level int) (*DiskLevel, error) {
	dir := filepath.Join(dataDir, fmt.Sprintf("level%d", level))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create level directory: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read level directory: %w", err)
	}

	dl := &DiskLevel{
		Level: level,
		Dir:   dir,
	}
	for _, entry := range entries {
		table, err := CreateFromExisting(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to load table in level %d: %w", level, err)
		}
		dl.Tables = append(dl.Tables, table)
	}
	dl.SortTables()

	return dl, nil
}

func (dl *DiskLevel) SortTables() {
	sort.Slice(dl.Tables, func(i, j int) bool {
		return dl.Tables[i].minKey < dl.Tables[j].minKey
	})
}

func (dl *DiskLevel) fileCapacity() int {
	capacity := config.Level1FileCapacity
	for i := 1; i < dl.Level; i++ {
		capacity *= config.SizeMultiplier
	}
	return capacity
}

func (dl *DiskLevel) IsOverFileCapacity() bool {
	return len(dl.Tables) > dl.fileCapacity()
}

// AverageTableUtilization is the mean ratio of file size to the maximum
// file size across the level's tables.
func (dl *DiskLevel) AverageTableUtilization() float64 {
	var sum float64
	for _, t := range dl.Tables {
		sum += float64(t.fileSize) / float64(config.MaxFileSizeBytes)
	}
	return sum / float64(len(dl.Tables))
}

// LocateNearest finds the first table whose max key reaches key and the
// first block within it whose max key reaches key. ok is false only
// when every table's range lies strictly below key.
func (dl *DiskLevel) LocateNearest(key int32) (LocateResult, bool) {
	tableIdx := sort.Search(len(dl.Tables), func(i int) bool {
		return dl.Tables[i].maxKey >= key
	})
	if tableIdx == len(dl.Tables) {
		return LocateResult{}, false
	}

	table := dl.Tables[tableIdx]
	if key < table.minKey {
		return LocateResult{TableIndex: tableIdx, BlockIndex: 0}, true
	}

	blockIdx := sort.Search(len(table.index), func(i int) bool {
		return table.index[i].Max >= key
	})
	return LocateResult{TableIndex: tableIdx, BlockIndex: blockIdx}, true
}

// Get performs a point read: binary-search for the owning table, probe
// its bloom, binary-search the block index, then scan one block.
func (dl *DiskLevel) Get(key int32) (int32, Lookup, error) {
	tableIdx := sort.Search(len(dl.Tables), func(i int) bool {
		return dl.Tables[i].maxKey >= key
	})
	if tableIdx == len(dl.Tables) || key < dl.Tables[tableIdx].minKey {
		return 0, LookupMissing, nil
	}
	table := dl.Tables[tableIdx]

	if !table.bloom.MaybeContains(key) {
		return 0, LookupMissing, nil
	}

	blockIdx := sort.Search(len(table.index), func(i int) bool {
		return table.index[i].Max >= key
	})
	if blockIdx == len(table.index) || key < table.index[blockIdx].Min {
		return 0, LookupMissing, nil
	}

	buf := make([]byte, config.BlockSizeBytes)
	ok, err := readBlockAt(table.FilePath(), blockIdx, buf)
	if err != nil {
		return 0, LookupMissing, err
	}
	if !ok {
		return 0, LookupMissing, nil
	}

	it := iterBlock(buf)
	for {
		cmd, ok := it.Next()
		if !ok {
			break
		}
		if cmd.Key > key {
			break // block is sorted
		}
		if cmd.Key == key {
			if cmd.Op == command.OpDelete {
				return 0, LookupDeleted, nil
			}
			return cmd.Val, LookupFound, nil
		}
	}
	if it.err != nil {
		return 0, LookupMissing, fmt.Errorf("failed to scan block: %w", it.err)
	}

	return 0, LookupMissing, nil
}
