package persistence

import (
	"testing"

	"lsmkv/pkg/command"
	"lsmkv/pkg/config"
)

func TestBlockRoundTrip(t *testing.T) {
	block := NewBlock()

	pushed := []command.Command{
		command.Put(1, 100),
		command.Delete(2),
		command.Put(3, -300),
	}
	for _, cmd := range pushed {
		if !block.Push(cmd) {
			t.Fatalf("push of %+v failed on an empty block", cmd)
		}
	}

	it := iterBlock(block.buf)
	for i, want := range pushed {
		got, ok := it.Next()
		if !ok {
			t.Fatalf("iterator exhausted at command %d", i)
		}
		if got != want {
			t.Fatalf("command %d: expected %+v, got %+v", i, want, got)
		}
	}
	if _, ok := it.Next(); ok {
		t.Fatal("expected exhausted iterator")
	}
	if it.err != nil {
		t.Fatalf("iteration failed: %v", it.err)
	}
}

func TestBlockOverflowPadsAndRejects(t *testing.T) {
	block := NewBlock()

	// 455 puts fill 4095 of 4096 bytes.
	count := 0
	key := int32(0)
	for {
		if !block.Push(command.Put(key, key)) {
			break
		}
		count++
		key++
	}

	if count != config.BlockSizeBytes/9 {
		t.Fatalf("expected %d puts to fit, fitted %d", config.BlockSizeBytes/9, count)
	}
	if len(block.buf) != config.BlockSizeBytes {
		t.Fatalf("expected rejected push to pad to %d bytes, got %d", config.BlockSizeBytes, len(block.buf))
	}

	// The pad tail must terminate iteration after the last real command.
	it := iterBlock(block.buf)
	seen := 0
	for {
		if _, ok := it.Next(); !ok {
			break
		}
		seen++
	}
	if it.err != nil {
		t.Fatalf("iteration failed: %v", it.err)
	}
	if seen != count {
		t.Fatalf("expected %d commands after padding, got %d", count, seen)
	}
}

func TestBlockClear(t *testing.T) {
	block := NewBlock()
	block.Push(command.Put(1, 1))
	if block.IsEmpty() {
		t.Fatal("block with one command reported empty")
	}

	block.Clear()
	if !block.IsEmpty() {
		t.Fatal("cleared block reported non-empty")
	}
	if !block.Push(command.Put(2, 2)) {
		t.Fatal("push into cleared block failed")
	}
}

func TestBlockIterInvalidTag(t *testing.T) {
	buf := []byte{0x7A, 0, 0, 0, 1}
	it := iterBlock(buf)
	if _, ok := it.Next(); ok {
		t.Fatal("expected decode failure")
	}
	if it.err == nil {
		t.Fatal("expected an invalid tag error")
	}
}
