package memtable

import (
	"os"
	"path/filepath"
	"testing"

	"lsmkv/pkg/command"
	"lsmkv/pkg/persistence"
)

func TestMemLevelPointOps(t *testing.T) {
	m := NewEmpty()

	t.Run("InsertAndGet", func(t *testing.T) {
		m.Insert(1, 100)
		val, state := m.Get(1)
		if state != persistence.LookupFound || val != 100 {
			t.Fatalf("expected 100, got state=%v val=%d", state, val)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		m.Insert(1, 101)
		val, _ := m.Get(1)
		if val != 101 {
			t.Fatalf("expected overwrite to 101, got %d", val)
		}
		if m.Len() != 1 {
			t.Fatalf("overwrite must not grow the level, len=%d", m.Len())
		}
	})

	t.Run("DeleteLeavesTombstone", func(t *testing.T) {
		m.Delete(1)
		_, state := m.Get(1)
		if state != persistence.LookupDeleted {
			t.Fatalf("expected tombstone, got %v", state)
		}
		if m.Len() != 1 {
			t.Fatalf("tombstone must stay resident, len=%d", m.Len())
		}
	})

	t.Run("Missing", func(t *testing.T) {
		_, state := m.Get(99)
		if state != persistence.LookupMissing {
			t.Fatalf("expected missing, got %v", state)
		}
	})
}

func TestMemLevelRange(t *testing.T) {
	m := NewEmpty()
	m.Insert(10, 1)
	m.Insert(20, 2)
	m.Delete(30)
	m.Insert(40, 4)

	type visit struct {
		key       int32
		tombstone bool
	}
	var got []visit
	m.Range(15, 35, func(key, _ int32, tombstone bool) bool {
		got = append(got, visit{key: key, tombstone: tombstone})
		return true
	})

	if len(got) != 2 {
		t.Fatalf("expected 2 entries in [15, 35], got %d", len(got))
	}
	if got[0].key != 20 || got[0].tombstone {
		t.Fatalf("unexpected first entry %+v", got[0])
	}
	if got[1].key != 30 || !got[1].tombstone {
		t.Fatalf("expected tombstone for 30, got %+v", got[1])
	}
}

func TestMemLevelWriteToTable(t *testing.T) {
	dir := t.TempDir()
	m := NewEmpty()
	m.Insert(3, 30)
	m.Delete(5)
	m.Insert(1, 10)

	table, err := m.WriteToTable(dir)
	if err != nil {
		t.Fatalf("failed to write table: %v", err)
	}
	if table.MinKey() != 1 || table.MaxKey() != 5 {
		t.Fatalf("unexpected table range %d:%d", table.MinKey(), table.MaxKey())
	}

	it := table.Commands(0, false)
	want := []command.Command{
		command.Put(1, 10),
		command.Put(3, 30),
		command.Delete(5),
	}
	for i, w := range want {
		got, ok := it.Next()
		if !ok {
			t.Fatalf("iterator exhausted at %d", i)
		}
		if got != w {
			t.Fatalf("command %d: expected %+v, got %+v", i, w, got)
		}
	}
	if _, ok := it.Next(); ok {
		t.Fatal("expected exhausted iterator")
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iteration failed: %v", err)
	}
}

func TestMemLevelRecovery(t *testing.T) {
	dataDir := t.TempDir()
	level0 := filepath.Join(dataDir, "level0")
	if err := os.MkdirAll(level0, 0o755); err != nil {
		t.Fatalf("failed to create level0: %v", err)
	}

	crashed := NewEmpty()
	crashed.Insert(1, 100)
	crashed.Delete(2)
	if _, err := crashed.WriteToTable(level0); err != nil {
		t.Fatalf("failed to stage flush file: %v", err)
	}

	m, err := New(dataDir)
	if err != nil {
		t.Fatalf("recovery failed: %v", err)
	}

	val, state := m.Get(1)
	if state != persistence.LookupFound || val != 100 {
		t.Fatalf("expected recovered value 100, got state=%v val=%d", state, val)
	}
	if _, state = m.Get(2); state != persistence.LookupDeleted {
		t.Fatalf("expected recovered tombstone, got %v", state)
	}

	entries, err := os.ReadDir(level0)
	if err != nil {
		t.Fatalf("failed to read level0: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected the replayed file removed, %d files remain", len(entries))
	}
}

func TestMemLevelClear(t *testing.T) {
	m := NewEmpty()
	m.Insert(1, 1)
	m.Insert(2, 2)

	old := m.Clear()
	if old.Len() != 2 {
		t.Fatalf("expected moved-out level to keep 2 entries, got %d", old.Len())
	}
	if m.Len() != 0 {
		t.Fatalf("expected fresh level to be empty, got %d", m.Len())
	}

	m.Insert(3, 3)
	if old.Len() != 2 {
		t.Fatal("writes after clear leaked into the moved-out level")
	}
}
