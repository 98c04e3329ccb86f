package db

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"lsmkv/pkg/metrics"
)

func openTestDB(t *testing.T, dataDir string) *Database {
	t.Helper()

	database, err := New(dataDir, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return database
}

func TestDatabasePointOps(t *testing.T) {
	database := openTestDB(t, t.TempDir())

	t.Run("PutThenGet", func(t *testing.T) {
		if err := database.Insert(1, 100); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		val, found, err := database.Get(1)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if !found || val != 100 {
			t.Fatalf("expected 100, got found=%v val=%d", found, val)
		}
	})

	t.Run("DeleteHidesKey", func(t *testing.T) {
		if err := database.Insert(2, 200); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if err := database.Delete(2); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		_, found, err := database.Get(2)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if found {
			t.Fatal("deleted key still visible")
		}
	})

	t.Run("NewerPutWins", func(t *testing.T) {
		if err := database.Insert(3, 300); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if err := database.Insert(3, 301); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		val, found, err := database.Get(3)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if !found || val != 301 {
			t.Fatalf("expected 301, got found=%v val=%d", found, val)
		}
	})

	t.Run("UntouchedKeyMissing", func(t *testing.T) {
		_, found, err := database.Get(424242)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if found {
			t.Fatal("unexpected value for an untouched key")
		}
	})
}

func TestDatabaseRange(t *testing.T) {
	database := openTestDB(t, t.TempDir())
	for _, kv := range [][2]int32{{10, 1}, {20, 2}, {30, 3}} {
		if err := database.Insert(kv[0], kv[1]); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	if err := database.Delete(20); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	t.Run("InclusiveBounds", func(t *testing.T) {
		pairs, err := database.Range(10, 30)
		if err != nil {
			t.Fatalf("range failed: %v", err)
		}
		if len(pairs) != 2 {
			t.Fatalf("expected 2 live pairs, got %v", pairs)
		}
		if pairs[10] != 1 || pairs[30] != 3 {
			t.Fatalf("unexpected pairs %v", pairs)
		}
	})

	t.Run("TombstoneSuppressed", func(t *testing.T) {
		pairs, err := database.Range(20, 20)
		if err != nil {
			t.Fatalf("range failed: %v", err)
		}
		if len(pairs) != 0 {
			t.Fatalf("expected no pairs, got %v", pairs)
		}
	})

	t.Run("InvertedBoundsEmpty", func(t *testing.T) {
		pairs, err := database.Range(30, 10)
		if err != nil {
			t.Fatalf("range failed: %v", err)
		}
		if len(pairs) != 0 {
			t.Fatalf("expected no pairs, got %v", pairs)
		}
	})
}

func TestDatabaseStats(t *testing.T) {
	database := openTestDB(t, t.TempDir())
	if err := database.Insert(7, 70); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := database.Insert(8, 80); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := database.Delete(8); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	var out bytes.Buffer
	if err := database.WriteStats(&out); err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	dump := out.String()

	if !strings.Contains(dump, "7:70:L0 ") {
		t.Fatalf("dump misses the live pair: %q", dump)
	}
	if strings.Contains(dump, "8:80") {
		t.Fatalf("dump shows a tombstoned pair: %q", dump)
	}
	if !strings.Contains(dump, "Logical Pairs: 1\n") {
		t.Fatalf("dump misses the logical tally: %q", dump)
	}
	if !strings.Contains(dump, "LVL0: 1\n") {
		t.Fatalf("dump misses the level count: %q", dump)
	}
}

func TestDatabaseRestart(t *testing.T) {
	dataDir := t.TempDir()

	database := openTestDB(t, dataDir)
	if err := database.Insert(11, 111); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := database.Delete(12); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := database.Cleanup(); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	reopened := openTestDB(t, dataDir)
	val, found, err := reopened.Get(11)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !found || val != 111 {
		t.Fatalf("expected 111 after restart, got found=%v val=%d", found, val)
	}
	_, found, err = reopened.Get(12)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if found {
		t.Fatal("tombstone lost across restart")
	}
}

func TestDatabaseLoadSpillsToDisk(t *testing.T) {
	if testing.Short() {
		t.Skip("bulk load exercise skipped in short mode")
	}

	const pairs = 600_000
	data := make([]byte, pairs*8)
	for i := 0; i < pairs; i++ {
		key := int32(i + 1)
		binary.BigEndian.PutUint32(data[i*8:], uint32(key))
		binary.BigEndian.PutUint32(data[i*8+4:], uint32(key))
	}

	database := openTestDB(t, t.TempDir())
	if err := database.Load(data); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	for _, key := range []int32{1, 466_034, pairs} {
		val, found, err := database.Get(key)
		if err != nil {
			t.Fatalf("get %d failed: %v", key, err)
		}
		if !found || val != key {
			t.Fatalf("expected %d:%d, got found=%v val=%d", key, key, found, val)
		}
	}

	var out bytes.Buffer
	if err := database.WriteStats(&out); err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	dump := out.String()
	if !strings.Contains(dump, fmt.Sprintf("Logical Pairs: %d\n", pairs)) {
		t.Fatal("stats tally does not match the loaded pair count")
	}
	if !strings.Contains(dump, "LVL1: ") {
		t.Fatal("expected level 1 populated after overflow")
	}
}
