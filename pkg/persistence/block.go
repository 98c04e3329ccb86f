package persistence

import (
	"encoding/binary"
	"fmt"

	"lsmkv/pkg/command"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
)

// padByte fills the unused tail of a sealed block. Read as a tag it
// terminates block iteration.
const padByte = 0xFF

// Block is a fixed-size buffer of serialized commands in strictly
// ascending key order. Encoding per command: 1-byte tag (0 put,
// 1 delete), 4-byte big-endian key, 4-byte big-endian value for puts.
type Block struct {
	buf  []byte
	keys []int32
}

func NewBlock() *Block {
	return &Block{
		buf:  make([]byte, 0, config.BlockSizeBytes),
		keys: make([]int32, 0, config.BlockSizeBytes>>2),
	}
}

// Push appends cmd if it fits. On failure the remaining space is padded
// and false is returned, signaling the caller to seal this block and
// retry into a fresh one. Pushed keys must be strictly ascending.
func (b *Block) Push(cmd command.Command) bool {
	if len(b.buf)+cmd.EncodedSize() > cap(b.buf) {
		for len(b.buf) < cap(b.buf) {
			b.buf = append(b.buf, padByte)
		}
		return false
	}

	b.buf = append(b.buf, byte(cmd.Op))
	b.buf = binary.BigEndian.AppendUint32(b.buf, uint32(cmd.Key))
	if cmd.Op == command.OpPut {
		b.buf = binary.BigEndian.AppendUint32(b.buf, uint32(cmd.Val))
	}
	b.keys = append(b.keys, cmd.Key)
	return true
}

func (b *Block) IsEmpty() bool {
	return len(b.keys) == 0
}

func (b *Block) Clear() {
	b.buf = b.buf[:0]
	b.keys = b.keys[:0]
}

func (b *Block) minKey() int32 { return b.keys[0] }
func (b *Block) maxKey() int32 { return b.keys[len(b.keys)-1] }

// blockIter decodes commands out of a raw block buffer until the buffer
// is exhausted or a pad byte is read.
type blockIter struct {
	buf []byte
	off int
	err error
}

func iterBlock(buf []byte) blockIter {
	return blockIter{buf: buf}
}

func (it *blockIter) Next() (command.Command, bool) {
	if it.err != nil || it.off >= len(it.buf) {
		return command.Command{}, false
	}

	switch tag := it.buf[it.off]; tag {
	case byte(command.OpPut):
		if it.off+9 > len(it.buf) {
			it.err = dberrors.ErrTruncatedCommand
			return command.Command{}, false
		}
		key := int32(binary.BigEndian.Uint32(it.buf[it.off+1:]))
		val := int32(binary.BigEndian.Uint32(it.buf[it.off+5:]))
		it.off += 9
		return command.Put(key, val), true
	case byte(command.OpDelete):
		if it.off+5 > len(it.buf) {
			it.err = dberrors.ErrTruncatedCommand
			return command.Command{}, false
		}
		key := int32(binary.BigEndian.Uint32(it.buf[it.off+1:]))
		it.off += 5
		return command.Delete(key), true
	case padByte:
		return command.Command{}, false
	default:
		it.err = fmt.Errorf("%w: %#x", dberrors.ErrInvalidCommandTag, tag)
		return command.Command{}, false
	}
}
